// Package system assembles the batcher pool, the persister pool and the flush
// ticker, and owns their start and stop order.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"batchflow/archive"
	"batchflow/batcher"
	"batchflow/config"
	"batchflow/logger"
	"batchflow/persister"
	"batchflow/scheduler"
	"batchflow/types"
)

// ErrNotStarted is returned by Dispatch before Start has run.
var ErrNotStarted = errors.New("batch system not started")

type Option func(*System)

func WithLogger(log *logger.Logger) Option {
	return func(s *System) { s.log = log }
}

// WithDeadLetter sets where batches go after their last failed attempt.
func WithDeadLetter(p persister.Persister) Option {
	return func(s *System) { s.deadLetter = p }
}

// WithSinks hands ownership of opened sinks to the system; Stop closes them.
func WithSinks(sinks *Sinks) Option {
	return func(s *System) { s.sinks = sinks }
}

type System struct {
	cfg        *config.Config
	log        *logger.Logger
	deadLetter persister.Persister
	sinks      *Sinks

	persisters *persister.Pool
	batchers   *batcher.Pool
	scheduler  *scheduler.Scheduler

	mu       sync.Mutex
	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	cancel   context.CancelFunc
}

func New(cfg *config.Config, sink persister.Persister, opts ...Option) (*System, error) {
	s := &System{cfg: cfg, log: logger.GetLogger()}
	for _, opt := range opts {
		opt(s)
	}

	pp, err := persister.NewPool(cfg.Persister.PoolSize, sink, persister.Options{
		QueueSize:  cfg.Persister.QueueSize,
		Policy:     cfg.Persister.Policy,
		MaxRetries: cfg.Persister.MaxRetries,
		Backoff:    cfg.Persister.GetBackoff(),
		DeadLetter: s.deadLetter,
		Log:        s.log,
	})
	if err != nil {
		return nil, err
	}

	bp, err := batcher.NewPool(cfg.Batcher.PoolSize, cfg.Batcher.Capacity, pp,
		batcher.WithSkipEmptyFlush(cfg.Batcher.SkipEmptyFlush),
		batcher.WithLogger(s.log),
	)
	if err != nil {
		return nil, err
	}

	s.persisters = pp
	s.batchers = bp
	s.scheduler = scheduler.New(s.log)
	s.scheduler.AddTask(scheduler.FlushTask(cfg.Flush.GetInterval(), cfg.Flush.GetInitialDelay(), bp))
	if wal := s.sinks.WAL(); wal != nil && cfg.FileStore.GetArchiveInterval() > 0 {
		s.scheduler.AddTask(archive.WALArchivingTask(cfg.FileStore.GetArchiveInterval(), wal, s.log))
	}
	return s, nil
}

// Open builds the sinks named in cfg and a system that owns them.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*System, error) {
	sinks, err := OpenSinks(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	opts := []Option{WithLogger(log), WithSinks(sinks)}
	if cfg.Persister.DeadLetter != "" {
		dl, _ := sinks.Get(cfg.Persister.DeadLetter)
		opts = append(opts, WithDeadLetter(dl))
	}

	s, err := New(cfg, sinks.Persister(cfg.Persister.Sinks), opts...)
	if err != nil {
		sinks.Close()
		return nil, err
	}
	return s, nil
}

// Start launches the persister workers, then the flush ticker.
func (s *System) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started.Load() {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.persisters.Start()
	s.scheduler.Start(ctx)
	s.started.Store(true)

	s.log.Info("Batch system started", map[string]interface{}{
		"batchers":       s.batchers.Size(),
		"capacity":       s.cfg.Batcher.Capacity,
		"persisters":     s.persisters.Size(),
		"flush_interval": s.cfg.Flush.GetInterval().String(),
		"sinks":          s.cfg.Persister.Sinks,
	})
}

// Dispatch is the producer entry point. Messages are refused until Start.
func (s *System) Dispatch(msg types.Message) error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	return s.batchers.Dispatch(msg)
}

// Flush broadcasts a manual flush to every batcher without waiting.
// It does nothing before Start.
func (s *System) Flush() {
	if !s.started.Load() {
		return
	}
	s.batchers.Flush()
}

func (s *System) Stats() types.Stats {
	b := s.batchers.Stats()
	p := s.persisters.Stats()
	b.Persisted = p.Persisted
	b.Failed = p.Failed
	b.Dropped += p.Dropped
	b.Retried = p.Retried
	return b
}

// Stop halts the ticker, drains the batchers into the persisters, drains the
// persisters and closes the sinks. Later calls return the first result.
func (s *System) Stop() error {
	s.stopOnce.Do(func() {
		s.scheduler.Stop()
		s.batchers.Close()
		s.persisters.Close()

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		if s.sinks != nil {
			if err := s.sinks.Close(); err != nil {
				s.stopErr = fmt.Errorf("failed to close sinks: %w", err)
			}
		}

		st := s.Stats()
		s.log.Info("Batch system stopped", map[string]interface{}{
			"accepted":  st.Accepted,
			"batches":   st.Batches,
			"persisted": st.Persisted,
			"failed":    st.Failed,
			"dropped":   st.Dropped,
		})
	})
	return s.stopErr
}
