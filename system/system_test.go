package system

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"batchflow/batcher"
	"batchflow/config"
	"batchflow/filestore"
	"batchflow/logger"
	"batchflow/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu      sync.Mutex
	batches []*types.Batch
}

func (c *collector) Persist(ctx context.Context, batch *types.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
	return nil
}

func (c *collector) snapshot() []*types.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Batch(nil), c.batches...)
}

func (c *collector) contents() []string {
	var out []string
	for _, b := range c.snapshot() {
		out = append(out, b.Contents()...)
	}
	return out
}

func quiet() *logger.Logger {
	return logger.New(&bytes.Buffer{})
}

// testConfig keeps the ticker out of the way unless a test opts in.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Batcher.Capacity = 3
	cfg.Batcher.PoolSize = 1
	cfg.Persister.PoolSize = 2
	cfg.Persister.Backoff = "1ms"
	cfg.Flush.Interval = "1h"
	cfg.Flush.InitialDelay = "1h"
	cfg.FileStore.BaseDir = t.TempDir()
	require.NoError(t, cfg.ToDuration())
	return cfg
}

func TestSizeFlushesThenShutdownDrain(t *testing.T) {
	cfg := testConfig(t)
	sink := &collector{}
	s, err := New(cfg, sink, WithLogger(quiet()))
	require.NoError(t, err)
	s.Start(context.Background())

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Dispatch(types.NewMessage(strconv.Itoa(i))))
	}
	require.NoError(t, s.Stop())

	batches := sink.snapshot()
	require.Len(t, batches, 3)

	sort.Slice(batches, func(i, j int) bool { return batches[i].Contents()[0] < batches[j].Contents()[0] })
	assert.Equal(t, []string{"0", "1", "2"}, batches[0].Contents())
	assert.Equal(t, []string{"3", "4", "5"}, batches[1].Contents())
	assert.Equal(t, []string{"6"}, batches[2].Contents())
	assert.Equal(t, types.TriggerShutdown, batches[2].Trigger)

	st := s.Stats()
	assert.Equal(t, uint64(7), st.Accepted)
	assert.Equal(t, uint64(3), st.Persisted)
}

func TestDispatchAfterStopIsRejected(t *testing.T) {
	s, err := New(testConfig(t), &collector{}, WithLogger(quiet()))
	require.NoError(t, err)
	s.Start(context.Background())

	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Dispatch(types.NewMessage("late")), batcher.ErrPoolClosed)
	assert.NoError(t, s.Stop())
	assert.Equal(t, uint64(1), s.Stats().Rejected)
}

func TestDispatchBeforeStartIsRefused(t *testing.T) {
	sink := &collector{}
	s, err := New(testConfig(t), sink, WithLogger(quiet()))
	require.NoError(t, err)

	for i := 0; i < 7; i++ {
		assert.ErrorIs(t, s.Dispatch(types.NewMessage(strconv.Itoa(i))), ErrNotStarted)
	}
	s.Flush()

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop without Start did not return")
	}

	st := s.Stats()
	assert.Equal(t, uint64(0), st.Accepted)
	assert.Empty(t, sink.snapshot())
}

func TestStopAfterStartPersistsEverythingAccepted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batcher.Capacity = 1
	cfg.Persister.PoolSize = 1
	cfg.Persister.QueueSize = 1

	sink := &collector{}
	s, err := New(cfg, sink, WithLogger(quiet()))
	require.NoError(t, err)
	s.Start(context.Background())

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Dispatch(types.NewMessage(strconv.Itoa(i))))
	}
	require.NoError(t, s.Stop())

	st := s.Stats()
	assert.Equal(t, uint64(20), st.Accepted)
	assert.Equal(t, uint64(20), st.Persisted)
	assert.Len(t, sink.contents(), 20)
}

func TestTickerFlushesPartialBatches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batcher.Capacity = 100
	cfg.Batcher.SkipEmptyFlush = true
	cfg.Flush.Interval = "20ms"
	cfg.Flush.InitialDelay = "0s"
	require.NoError(t, cfg.ToDuration())

	sink := &collector{}
	s, err := New(cfg, sink, WithLogger(quiet()))
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.Dispatch(types.NewMessage("lonely")))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	b := sink.snapshot()[0]
	assert.Equal(t, []string{"lonely"}, b.Contents())
	assert.Equal(t, types.TriggerTick, b.Trigger)
}

func TestManualFlush(t *testing.T) {
	cfg := testConfig(t)
	cfg.Batcher.PoolSize = 2
	sink := &collector{}
	s, err := New(cfg, sink, WithLogger(quiet()))
	require.NoError(t, err)
	s.Start(context.Background())
	defer s.Stop()

	require.NoError(t, s.Dispatch(types.NewMessage("a")))
	s.Flush()

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a"}, sink.contents())
}

func TestFailedBatchesGoToDeadLetter(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persister.MaxRetries = 1

	failing := persisterFunc(func(context.Context, *types.Batch) error { return errors.New("disk full") })
	dead := &collector{}
	s, err := New(cfg, failing, WithLogger(quiet()), WithDeadLetter(dead))
	require.NoError(t, err)
	s.Start(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Dispatch(types.NewMessage(strconv.Itoa(i))))
	}
	require.NoError(t, s.Stop())

	assert.Equal(t, []string{"0", "1", "2"}, dead.contents())
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Failed)
	assert.Equal(t, uint64(1), st.Retried)
}

type persisterFunc func(context.Context, *types.Batch) error

func (f persisterFunc) Persist(ctx context.Context, b *types.Batch) error { return f(ctx, b) }

func TestOpenSinksRejectsUnknown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persister.Sinks = []string{"s3"}

	_, err := OpenSinks(context.Background(), cfg, quiet())
	assert.ErrorIs(t, err, ErrUnknownSink)
}

func TestOpenWritesFileSinksAndArchivesWAL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Persister.Sinks = []string{config.SinkLog, config.SinkCSV, config.SinkWAL}
	cfg.Persister.DeadLetter = config.SinkWAL
	cfg.FileStore.ArchiveOnStop = true

	s, err := Open(context.Background(), cfg, quiet())
	require.NoError(t, err)
	s.Start(context.Background())

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Dispatch(types.NewMessage(strconv.Itoa(i))))
	}
	require.NoError(t, s.Stop())

	csvFiles, err := filepath.Glob(filepath.Join(cfg.FileStore.BaseDir, filestore.CSVDir, "*.csv"))
	require.NoError(t, err)
	var rows []string
	for _, path := range csvFiles {
		got, err := filestore.ReadCSV(path)
		require.NoError(t, err)
		for _, r := range got {
			rows = append(rows, r.Content)
		}
	}
	sort.Strings(rows)
	assert.Equal(t, []string{"0", "1", "2", "3"}, rows)

	walDir := filepath.Join(cfg.FileStore.BaseDir, filestore.WALDir)
	plain, err := filepath.Glob(filepath.Join(walDir, "*"+filestore.WALFileSuffix))
	require.NoError(t, err)
	assert.Empty(t, plain)

	archived, err := filepath.Glob(filepath.Join(walDir, "*"+filestore.ArchiveSuffix))
	require.NoError(t, err)
	require.NotEmpty(t, archived)

	var items int
	for _, path := range archived {
		batches, err := filestore.ReadSegment(path)
		require.NoError(t, err)
		for _, b := range batches {
			items += b.Len()
		}
	}
	assert.Equal(t, 4, items)
}
