package filestore

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"batchflow/logger"
	"batchflow/types"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	WALDir        = "wal"
	WALFilePrefix = "batches"
	WALFileSuffix = ".wal"
	BufferSize    = 1024 * 1024 // 1MB buffer
	dayFormat     = "2006-01-02"
)

// BatchWAL appends every batch to a per-day segment file. Each record is
// [length uint32][crc32 uint32][protobuf Struct], big endian.
type BatchWAL struct {
	dir        string
	currentDay string
	file       *os.File
	bufWriter  *bufio.Writer
	mu         sync.Mutex
	log        *logger.Logger
	now        func() time.Time
}

// NewBatchWAL opens (or creates) today's segment under baseDir/wal.
func NewBatchWAL(baseDir string, log *logger.Logger) (*BatchWAL, error) {
	if log == nil {
		log = logger.L()
	}
	w := &BatchWAL{
		dir: filepath.Join(baseDir, WALDir),
		log: log,
		now: time.Now,
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create wal directory: %w", err)
	}
	if err := w.open(w.now().Format(dayFormat)); err != nil {
		return nil, err
	}
	return w, nil
}

// SegmentPath returns the path of the segment for a given day (YYYY-MM-DD).
func SegmentPath(dir, day string) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s%s", WALFilePrefix, day, WALFileSuffix))
}

func (w *BatchWAL) Dir() string {
	return w.dir
}

func (w *BatchWAL) open(day string) error {
	path := SegmentPath(w.dir, day)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to open wal segment: %w", err)
	}
	w.file = file
	w.bufWriter = bufio.NewWriterSize(file, BufferSize)
	w.currentDay = day

	w.log.Info("Opened wal segment", map[string]interface{}{
		"path": path,
	})
	return nil
}

// Persist writes batch as a single framed record and flushes it to the file.
func (w *BatchWAL) Persist(ctx context.Context, batch *types.Batch) error {
	data, err := proto.Marshal(encodeBatch(batch))
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return errors.New("wal is closed")
	}

	// Check if we need to rotate due to day change
	if day := w.now().Format(dayFormat); day != w.currentDay {
		if err := w.rotateLocked(day); err != nil {
			return fmt.Errorf("failed to rotate wal for new day: %w", err)
		}
	}

	if err := writeRecord(w.bufWriter, data); err != nil {
		return err
	}
	if err := w.bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush buffer: %w", err)
	}
	return nil
}

func writeRecord(wr io.Writer, data []byte) error {
	checksum := crc32.ChecksumIEEE(data)
	length := uint32(len(data))

	if err := binary.Write(wr, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if err := binary.Write(wr, binary.BigEndian, checksum); err != nil {
		return fmt.Errorf("failed to write checksum: %w", err)
	}
	if _, err := wr.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	return nil
}

func (w *BatchWAL) rotateLocked(day string) error {
	if err := w.closeLocked(); err != nil {
		w.log.Error("Failed to close current segment during rotation", map[string]interface{}{
			"error": err.Error(),
		})
	}
	return w.open(day)
}

func (w *BatchWAL) closeLocked() error {
	if w.file == nil {
		return nil
	}
	if err := w.bufWriter.Flush(); err != nil {
		w.log.Error("Failed to flush buffer during close", map[string]interface{}{
			"error": err.Error(),
		})
	}
	err := w.file.Close()
	w.file = nil
	w.bufWriter = nil
	return err
}

// Close flushes and closes the current segment.
func (w *BatchWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

// Segments lists every segment in the wal directory, plain or archived, oldest first.
func (w *BatchWAL) Segments() ([]string, error) {
	return ListSegments(w.dir)
}

// ListSegments is Segments for a wal directory that is not open.
func ListSegments(dir string) ([]string, error) {
	var out []string
	for _, pattern := range []string{"*" + WALFileSuffix, "*" + WALFileSuffix + ArchiveSuffix} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// ReadSegment decodes every batch in a segment. Archived (.gz) segments are
// decompressed on the fly.
func ReadSegment(path string) ([]*types.Batch, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wal segment: %w", err)
	}
	defer file.Close()

	var src io.Reader = file
	if filepath.Ext(path) == ArchiveSuffix {
		gz, err := newArchiveReader(file)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		src = gz
	}
	return readRecords(bufio.NewReaderSize(src, BufferSize))
}

func readRecords(reader io.Reader) ([]*types.Batch, error) {
	var batches []*types.Batch
	for {
		var length, checksum uint32

		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read length: %w", err)
		}
		if err := binary.Read(reader, binary.BigEndian, &checksum); err != nil {
			return nil, fmt.Errorf("failed to read checksum: %w", err)
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(reader, data); err != nil {
			return nil, fmt.Errorf("failed to read data: %w", err)
		}
		if actual := crc32.ChecksumIEEE(data); actual != checksum {
			return nil, fmt.Errorf("checksum mismatch: expected %d, got %d", checksum, actual)
		}

		record := &structpb.Struct{}
		if err := proto.Unmarshal(data, record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
		}
		batch, err := decodeBatch(record)
		if err != nil {
			return nil, err
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func encodeBatch(b *types.Batch) *structpb.Struct {
	// Contents are arbitrary bytes; proto strings must be valid UTF-8.
	items := make([]*structpb.Value, 0, b.Len())
	b.Each(func(_ int, m types.Message) {
		items = append(items, structpb.NewStringValue(base64.StdEncoding.EncodeToString([]byte(m.Content))))
	})

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":         structpb.NewStringValue(b.ID),
		"source":     structpb.NewNumberValue(float64(b.Source)),
		"trigger":    structpb.NewStringValue(string(b.Trigger)),
		"created_at": structpb.NewStringValue(b.CreatedAt.Format(time.RFC3339Nano)),
		"items":      structpb.NewListValue(&structpb.ListValue{Values: items}),
	}}
}

func decodeBatch(record *structpb.Struct) (*types.Batch, error) {
	f := record.GetFields()

	createdAt, err := time.Parse(time.RFC3339Nano, f["created_at"].GetStringValue())
	if err != nil {
		return nil, fmt.Errorf("invalid created_at in wal record: %w", err)
	}

	values := f["items"].GetListValue().GetValues()
	items := make([]types.Message, len(values))
	for i, v := range values {
		raw, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("invalid item %d in wal record %s: %w", i, f["id"].GetStringValue(), err)
		}
		items[i] = types.NewMessage(string(raw))
	}

	return types.RestoreBatch(
		f["id"].GetStringValue(),
		int(f["source"].GetNumberValue()),
		types.FlushTrigger(f["trigger"].GetStringValue()),
		createdAt,
		items,
	), nil
}
