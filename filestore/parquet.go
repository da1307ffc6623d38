package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"batchflow/logger"
	"batchflow/types"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
)

const ParquetDir = "parquet"

// batchSchema is one row per message, denormalised with its batch metadata.
var batchSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: "batch_id", Type: arrow.BinaryTypes.String},
		{Name: "source", Type: arrow.PrimitiveTypes.Int32},
		{Name: "trigger", Type: arrow.BinaryTypes.String},
		{Name: "seq", Type: arrow.PrimitiveTypes.Int32},
		{Name: "content", Type: arrow.BinaryTypes.String},
		{Name: "created_at", Type: arrow.FixedWidthTypes.Timestamp_us},
	},
	nil,
)

const contentColumn = 4

// ParquetSink writes each batch to its own parquet file under
// baseDir/parquet/<YYYYMMDD>/batch_<id>.parquet. Empty batches produce no file.
type ParquetSink struct {
	dir  string
	pool memory.Allocator
	log  *logger.Logger
}

func NewParquetSink(baseDir string, log *logger.Logger) (*ParquetSink, error) {
	if log == nil {
		log = logger.L()
	}
	dir := filepath.Join(baseDir, ParquetDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parquet directory: %w", err)
	}
	return &ParquetSink{
		dir:  dir,
		pool: memory.NewGoAllocator(),
		log:  log,
	}, nil
}

// PathFor returns where a batch is (or would be) written.
func (s *ParquetSink) PathFor(batch *types.Batch) string {
	return filepath.Join(s.dir, batch.CreatedAt.Format("20060102"), fmt.Sprintf("batch_%s.parquet", batch.ID))
}

func (s *ParquetSink) Persist(ctx context.Context, batch *types.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	path := s.PathFor(batch)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	// The parquet writer closes the file on success; this covers the error paths.
	defer file.Close()

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithDictionaryDefault(false),
		parquet.WithDataPageSize(1024*1024), // 1MB
		parquet.WithCreatedBy("batchflow"),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(
		pqarrow.WithStoreSchema(),
		pqarrow.WithAllocator(s.pool),
	)

	writer, err := pqarrow.NewFileWriter(batchSchema, file, writerProps, arrowProps)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	builder := array.NewRecordBuilder(s.pool, batchSchema)
	defer builder.Release()
	builder.Reserve(batch.Len())

	createdAt := arrow.Timestamp(batch.CreatedAt.UnixMicro())
	batch.Each(func(i int, m types.Message) {
		builder.Field(0).(*array.StringBuilder).Append(batch.ID)
		builder.Field(1).(*array.Int32Builder).Append(int32(batch.Source))
		builder.Field(2).(*array.StringBuilder).Append(string(batch.Trigger))
		builder.Field(3).(*array.Int32Builder).Append(int32(i))
		builder.Field(contentColumn).(*array.StringBuilder).Append(m.Content)
		builder.Field(5).(*array.TimestampBuilder).Append(createdAt)
	})

	record := builder.NewRecord()
	defer record.Release()

	if err := writer.Write(record); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}

	s.log.Debug("Wrote parquet batch", map[string]interface{}{
		"path": path,
		"rows": batch.Len(),
	})
	return nil
}

// ReadParquetContents returns the message contents stored in a batch file, in order.
func ReadParquetContents(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file: %w", err)
	}
	defer file.Close()

	mem := memory.NewGoAllocator()
	table, err := pqarrow.ReadTable(context.Background(), file, parquet.NewReaderProperties(mem), pqarrow.ArrowReadProperties{}, mem)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet table: %w", err)
	}
	defer table.Release()

	out := make([]string, 0, table.NumRows())
	for _, chunk := range table.Column(contentColumn).Data().Chunks() {
		col, ok := chunk.(*array.String)
		if !ok {
			return nil, fmt.Errorf("unexpected content column type %T", chunk)
		}
		for i := 0; i < col.Len(); i++ {
			out = append(out, col.Value(i))
		}
	}
	return out, nil
}
