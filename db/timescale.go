package db

import (
	"context"
	"fmt"

	"batchflow/config"
	"batchflow/logger"
	"batchflow/types"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS batches (
	id UUID PRIMARY KEY,
	source INTEGER NOT NULL,
	trigger TEXT NOT NULL,
	size INTEGER NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS batch_items (
	batch_id UUID NOT NULL REFERENCES batches (id),
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	PRIMARY KEY (batch_id, seq)
);
`

var itemColumns = []string{"batch_id", "seq", "content"}

// TimescaleDB writes batches to Postgres/Timescale: one row in batches plus a
// CopyFrom of the items, in a single transaction.
type TimescaleDB struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// NewTimescaleDB connects, pings and ensures the schema.
func NewTimescaleDB(ctx context.Context, cfg *config.TimescaleConfig, log *logger.Logger) (*TimescaleDB, error) {
	if log == nil {
		log = logger.L()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		log.Error("Failed to parse database config", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}
	if cfg.MinConnections > 0 {
		poolConfig.MinConns = int32(cfg.MinConnections)
	}
	if d := cfg.GetMaxConnLifetime(); d > 0 {
		poolConfig.MaxConnLifetime = d
	}
	if d := cfg.GetMaxConnIdleTime(); d > 0 {
		poolConfig.MaxConnIdleTime = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		log.Error("Failed to ping database", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	log.Info("Successfully connected to database", map[string]interface{}{
		"host":      poolConfig.ConnConfig.Host,
		"db":        poolConfig.ConnConfig.Database,
		"max_conns": poolConfig.MaxConns,
		"min_conns": poolConfig.MinConns,
	})

	return &TimescaleDB{pool: pool, log: log}, nil
}

// itemRows builds the CopyFrom rows for a batch.
func itemRows(batch *types.Batch) [][]interface{} {
	rows := make([][]interface{}, 0, batch.Len())
	batch.Each(func(i int, m types.Message) {
		rows = append(rows, []interface{}{batch.ID, int32(i), m.Content})
	})
	return rows
}

func (t *TimescaleDB) Persist(ctx context.Context, batch *types.Batch) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO batches (id, source, trigger, size, created_at) VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		batch.ID, batch.Source, string(batch.Trigger), batch.Len(), batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", err)
	}

	// Already stored by an earlier attempt
	if tag.RowsAffected() == 0 {
		return tx.Commit(ctx)
	}

	if batch.Len() > 0 {
		copyCount, err := tx.CopyFrom(ctx, pgx.Identifier{"batch_items"}, itemColumns, pgx.CopyFromRows(itemRows(batch)))
		if err != nil {
			return fmt.Errorf("failed to copy batch items: %w", err)
		}
		if int(copyCount) != batch.Len() {
			return fmt.Errorf("copied %d of %d items", copyCount, batch.Len())
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetPool returns the connection pool
func (t *TimescaleDB) GetPool() *pgxpool.Pool {
	return t.pool
}

// Close closes the database connection
func (t *TimescaleDB) Close() {
	if t.pool != nil {
		t.pool.Close()
	}
}
