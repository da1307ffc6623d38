package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"batchflow/logger"
	"batchflow/types"

	"github.com/gocarina/gocsv"
)

const CSVDir = "csv"

// CSVRow is one message as written to the daily csv file.
type CSVRow struct {
	BatchID   string `csv:"batch_id"`
	Source    int    `csv:"source"`
	Trigger   string `csv:"trigger"`
	Seq       int    `csv:"seq"`
	Content   string `csv:"content"`
	CreatedAt string `csv:"created_at"`
}

// CSVSink appends batches to baseDir/csv/batches_<YYYY-MM-DD>.csv.
type CSVSink struct {
	dir string
	mu  sync.Mutex
	log *logger.Logger
}

func NewCSVSink(baseDir string, log *logger.Logger) (*CSVSink, error) {
	if log == nil {
		log = logger.L()
	}
	dir := filepath.Join(baseDir, CSVDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create csv directory: %w", err)
	}
	return &CSVSink{dir: dir, log: log}, nil
}

func (s *CSVSink) PathFor(day time.Time) string {
	return filepath.Join(s.dir, fmt.Sprintf("batches_%s.csv", day.Format(dayFormat)))
}

func (s *CSVSink) Persist(ctx context.Context, batch *types.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	rows := make([]*CSVRow, 0, batch.Len())
	createdAt := batch.CreatedAt.Format(time.RFC3339Nano)
	batch.Each(func(i int, m types.Message) {
		rows = append(rows, &CSVRow{
			BatchID:   batch.ID,
			Source:    batch.Source,
			Trigger:   string(batch.Trigger),
			Seq:       i,
			Content:   m.Content,
			CreatedAt: createdAt,
		})
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.PathFor(batch.CreatedAt)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open csv file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat csv file: %w", err)
	}

	// Header only once per file
	if info.Size() == 0 {
		err = gocsv.Marshal(&rows, file)
	} else {
		err = gocsv.MarshalWithoutHeaders(&rows, file)
	}
	if err != nil {
		return fmt.Errorf("failed to write csv rows: %w", err)
	}
	return nil
}

// ReadCSV loads every row of a daily csv file.
func ReadCSV(path string) ([]*CSVRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open csv file: %w", err)
	}
	defer file.Close()

	var rows []*CSVRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse csv file: %w", err)
	}
	return rows, nil
}
