package filestore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"batchflow/logger"
	"batchflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *logger.Logger {
	return logger.New(&bytes.Buffer{})
}

func batchOf(source int, contents ...string) *types.Batch {
	items := make([]types.Message, len(contents))
	for i, c := range contents {
		items[i] = types.NewMessage(c)
	}
	return types.NewBatch(source, types.TriggerSize, items)
}

func TestWALRoundTrip(t *testing.T) {
	dir := t.TempDir()
	wal, err := NewBatchWAL(dir, quiet())
	require.NoError(t, err)

	first := batchOf(1, "a", "b", "c")
	empty := types.NewBatch(2, types.TriggerTick, nil)
	second := batchOf(3, "d")
	for _, b := range []*types.Batch{first, empty, second} {
		require.NoError(t, wal.Persist(context.Background(), b))
	}
	require.NoError(t, wal.Close())

	segments, err := wal.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)

	got, err := ReadSegment(segments[0])
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, first.ID, got[0].ID)
	assert.Equal(t, []string{"a", "b", "c"}, got[0].Contents())
	assert.Equal(t, 1, got[0].Source)
	assert.Equal(t, types.TriggerSize, got[0].Trigger)
	assert.True(t, first.CreatedAt.Equal(got[0].CreatedAt))

	assert.Equal(t, 0, got[1].Len())
	assert.Equal(t, types.TriggerTick, got[1].Trigger)
	assert.Equal(t, []string{"d"}, got[2].Contents())
}

func TestWALKeepsNonUTF8Contents(t *testing.T) {
	wal, err := NewBatchWAL(t.TempDir(), quiet())
	require.NoError(t, err)

	b := batchOf(0, "ok", "\xff\xfe", "")
	require.NoError(t, wal.Persist(context.Background(), b))
	require.NoError(t, wal.Close())

	segments, err := wal.Segments()
	require.NoError(t, err)
	require.Len(t, segments, 1)

	got, err := ReadSegment(segments[0])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"ok", "\xff\xfe", ""}, got[0].Contents())
}

func TestWALPersistAfterCloseFails(t *testing.T) {
	wal, err := NewBatchWAL(t.TempDir(), quiet())
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	assert.Error(t, wal.Persist(context.Background(), batchOf(0, "x")))
}

func TestWALRotatesOnDayChange(t *testing.T) {
	wal, err := NewBatchWAL(t.TempDir(), quiet())
	require.NoError(t, err)

	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	wal.now = func() time.Time { return day }
	require.NoError(t, wal.Persist(context.Background(), batchOf(0, "late")))

	day = day.Add(2 * time.Minute)
	require.NoError(t, wal.Persist(context.Background(), batchOf(0, "early")))
	require.NoError(t, wal.Close())

	next, err := ReadSegment(SegmentPath(wal.Dir(), "2024-03-02"))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, []string{"early"}, next[0].Contents())
}

func TestArchiveClosedSegmentsKeepsCurrent(t *testing.T) {
	wal, err := NewBatchWAL(t.TempDir(), quiet())
	require.NoError(t, err)
	defer wal.Close()

	day := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	wal.now = func() time.Time { return day }
	require.NoError(t, wal.Persist(context.Background(), batchOf(0, "old")))
	day = day.Add(24 * time.Hour)
	require.NoError(t, wal.Persist(context.Background(), batchOf(0, "new")))

	archived, err := wal.ArchiveClosedSegments()
	require.NoError(t, err)
	assert.Contains(t, archived, SegmentPath(wal.Dir(), "2024-03-01")+ArchiveSuffix)

	current := SegmentPath(wal.Dir(), "2024-03-02")
	assert.FileExists(t, current)
	assert.NotContains(t, archived, current+ArchiveSuffix)

	old, err := ReadSegment(SegmentPath(wal.Dir(), "2024-03-01") + ArchiveSuffix)
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, []string{"old"}, old[0].Contents())

	// still writable
	require.NoError(t, wal.Persist(context.Background(), batchOf(0, "newer")))
}

func TestWALDetectsCorruption(t *testing.T) {
	wal, err := NewBatchWAL(t.TempDir(), quiet())
	require.NoError(t, err)
	require.NoError(t, wal.Persist(context.Background(), batchOf(0, "payload")))
	require.NoError(t, wal.Close())

	segments, err := wal.Segments()
	require.NoError(t, err)
	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(segments[0], data, 0644))

	_, err = ReadSegment(segments[0])
	assert.ErrorContains(t, err, "checksum mismatch")
}

func TestCloseAndArchive(t *testing.T) {
	wal, err := NewBatchWAL(t.TempDir(), quiet())
	require.NoError(t, err)

	b := batchOf(0, "1", "2")
	require.NoError(t, wal.Persist(context.Background(), b))

	archived, err := wal.CloseAndArchive()
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.True(t, strings.HasSuffix(archived[0], WALFileSuffix+ArchiveSuffix))

	segments, err := wal.Segments()
	require.NoError(t, err)
	assert.Equal(t, archived, segments, "plain segment removed")

	got, err := ReadSegment(archived[0])
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, []string{"1", "2"}, got[0].Contents())
}

func TestParquetSinkWritesOneFilePerBatch(t *testing.T) {
	sink, err := NewParquetSink(t.TempDir(), quiet())
	require.NoError(t, err)

	var contents []string
	for i := 0; i < 50; i++ {
		contents = append(contents, fmt.Sprint(i))
	}
	b := batchOf(7, contents...)
	require.NoError(t, sink.Persist(context.Background(), b))

	got, err := ReadParquetContents(sink.PathFor(b))
	require.NoError(t, err)
	assert.Equal(t, contents, got)
}

func TestParquetSinkSkipsEmptyBatch(t *testing.T) {
	sink, err := NewParquetSink(t.TempDir(), quiet())
	require.NoError(t, err)

	b := types.NewBatch(0, types.TriggerTick, nil)
	require.NoError(t, sink.Persist(context.Background(), b))

	_, err = os.Stat(sink.PathFor(b))
	assert.True(t, os.IsNotExist(err))
}

func TestCSVSinkAppendsWithSingleHeader(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewCSVSink(dir, quiet())
	require.NoError(t, err)

	first := batchOf(0, "a", "b")
	second := batchOf(1, "c")
	second.CreatedAt = first.CreatedAt
	require.NoError(t, sink.Persist(context.Background(), first))
	require.NoError(t, sink.Persist(context.Background(), second))
	require.NoError(t, sink.Persist(context.Background(), types.NewBatch(0, types.TriggerTick, nil)))

	path := sink.PathFor(first.CreatedAt)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(raw), "batch_id"))

	rows, err := ReadCSV(path)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "a", rows[0].Content)
	assert.Equal(t, 0, rows[0].Seq)
	assert.Equal(t, "b", rows[1].Content)
	assert.Equal(t, 1, rows[1].Seq)
	assert.Equal(t, second.ID, rows[2].BatchID)
	assert.Equal(t, 1, rows[2].Source)
	assert.Equal(t, filepath.Join(dir, CSVDir), filepath.Dir(path))
}
