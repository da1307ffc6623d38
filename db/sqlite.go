package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"batchflow/logger"
	"batchflow/types"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

const (
	// DriverCGO is github.com/mattn/go-sqlite3.
	DriverCGO = "sqlite3"
	// DriverPure is modernc.org/sqlite.
	DriverPure = "sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batches (
	id TEXT PRIMARY KEY,
	source INTEGER NOT NULL,
	trigger TEXT NOT NULL,
	size INTEGER NOT NULL,
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_items (
	batch_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (batch_id, seq)
);
`

// ErrBatchNotFound is returned by LoadBatch for an unknown id.
var ErrBatchNotFound = errors.New("batch not found")

// SQLiteStore persists batches into a local SQLite file, one transaction per batch.
type SQLiteStore struct {
	db  *sql.DB
	log *logger.Logger
}

// OpenSQLite opens path with the given driver name ("sqlite3" or "sqlite") and creates
// the schema if needed.
func OpenSQLite(path, driver string, log *logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.L()
	}
	if driver == "" {
		driver = DriverCGO
	}

	// Ensure the database directory exists
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serialise through one connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("Opened sqlite batch store", map[string]interface{}{
		"path":   path,
		"driver": driver,
	})
	return &SQLiteStore{db: db, log: log}, nil
}

// Persist is idempotent per batch id, so a retried batch is not written twice.
func (s *SQLiteStore) Persist(ctx context.Context, batch *types.Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO batches (id, source, trigger, size, created_at) VALUES (?, ?, ?, ?, ?)`,
		batch.ID, batch.Source, string(batch.Trigger), batch.Len(), batch.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO batch_items (batch_id, seq, content) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for i, m := range batch.Items() {
		if _, err := stmt.ExecContext(ctx, batch.ID, i, m.Content); err != nil {
			return fmt.Errorf("failed to insert item %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CountBatches returns how many batches and items are stored.
func (s *SQLiteStore) CountBatches(ctx context.Context) (batches, items int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batches`).Scan(&batches); err != nil {
		return 0, 0, fmt.Errorf("failed to count batches: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM batch_items`).Scan(&items); err != nil {
		return 0, 0, fmt.Errorf("failed to count items: %w", err)
	}
	return batches, items, nil
}

// LoadBatch reads a stored batch back with its items in order.
func (s *SQLiteStore) LoadBatch(ctx context.Context, id string) (*types.Batch, error) {
	var (
		source    int
		trigger   string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source, trigger, created_at FROM batches WHERE id = ?`, id,
	).Scan(&source, &trigger, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	created, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at for batch %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT content FROM batch_items WHERE batch_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get batch items: %w", err)
	}
	defer rows.Close()

	var items []types.Message
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, types.NewMessage(content))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return types.RestoreBatch(id, source, types.FlushTrigger(trigger), created, items), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
