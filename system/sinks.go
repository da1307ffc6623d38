package system

import (
	"context"
	"errors"
	"fmt"

	"batchflow/cache"
	"batchflow/config"
	"batchflow/db"
	"batchflow/filestore"
	"batchflow/logger"
	"batchflow/nats"
	"batchflow/persister"
)

var ErrUnknownSink = errors.New("unknown sink")

type openedSink struct {
	name      string
	persister persister.Persister
	close     func() error
}

// Sinks holds every sink opened from configuration, in opening order.
type Sinks struct {
	opened  []openedSink
	byName  map[string]persister.Persister
	wal     *filestore.BatchWAL
	archive bool
	log     *logger.Logger
}

// OpenSinks opens the configured sinks and the dead letter sink. A name listed
// twice, or reused as the dead letter target, is opened once.
func OpenSinks(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Sinks, error) {
	s := &Sinks{
		byName:  make(map[string]persister.Persister),
		archive: cfg.FileStore.ArchiveOnStop,
		log:     log,
	}

	names := append([]string(nil), cfg.Persister.Sinks...)
	if cfg.Persister.DeadLetter != "" {
		names = append(names, cfg.Persister.DeadLetter)
	}
	for _, name := range names {
		if _, ok := s.byName[name]; ok {
			continue
		}
		p, closeFn, err := s.open(ctx, name, cfg)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to open sink %s: %w", name, err)
		}
		s.byName[name] = p
		s.opened = append(s.opened, openedSink{name: name, persister: p, close: closeFn})
	}
	return s, nil
}

func (s *Sinks) open(ctx context.Context, name string, cfg *config.Config) (persister.Persister, func() error, error) {
	noop := func() error { return nil }

	switch name {
	case config.SinkLog:
		return persister.NewLogPersister(s.log), noop, nil

	case config.SinkSQLite:
		store, err := db.OpenSQLite(cfg.SQLite.Path, cfg.SQLite.Driver, s.log)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case config.SinkPostgres:
		ts, err := db.NewTimescaleDB(ctx, &cfg.Timescale, s.log)
		if err != nil {
			return nil, nil, err
		}
		return ts, func() error { ts.Close(); return nil }, nil

	case config.SinkRedis:
		rc, err := cache.NewRedisCache(ctx, &cfg.Redis, s.log)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc.Close, nil

	case config.SinkNATS:
		helper := nats.NewNATSHelper(cfg.NATS, s.log)
		if err := helper.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return helper, helper.Close, nil

	case config.SinkWAL:
		wal, err := filestore.NewBatchWAL(cfg.FileStore.BaseDir, s.log)
		if err != nil {
			return nil, nil, err
		}
		s.wal = wal
		return wal, s.closeWAL, nil

	case config.SinkParquet:
		sink, err := filestore.NewParquetSink(cfg.FileStore.BaseDir, s.log)
		if err != nil {
			return nil, nil, err
		}
		return sink, noop, nil

	case config.SinkCSV:
		sink, err := filestore.NewCSVSink(cfg.FileStore.BaseDir, s.log)
		if err != nil {
			return nil, nil, err
		}
		return sink, noop, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSink, name)
}

func (s *Sinks) closeWAL() error {
	if !s.archive {
		return s.wal.Close()
	}
	archived, err := s.wal.CloseAndArchive()
	if err != nil {
		return err
	}
	s.log.Info("Archived WAL segments", map[string]interface{}{
		"segments": len(archived),
	})
	return nil
}

// Persister composes the named sinks, in order, into one.
func (s *Sinks) Persister(names []string) persister.Persister {
	if len(names) == 1 {
		return s.byName[names[0]]
	}
	multi := make(persister.Multi, 0, len(names))
	for _, name := range names {
		multi = append(multi, persister.Named{Name: name, Persister: s.byName[name]})
	}
	return multi
}

// WAL returns the wal sink if one was opened. Safe on a nil receiver.
func (s *Sinks) WAL() *filestore.BatchWAL {
	if s == nil {
		return nil
	}
	return s.wal
}

// Get returns an opened sink by name.
func (s *Sinks) Get(name string) (persister.Persister, bool) {
	p, ok := s.byName[name]
	return p, ok
}

// Close closes sinks in reverse opening order and returns every failure.
func (s *Sinks) Close() error {
	var errs []error
	for i := len(s.opened) - 1; i >= 0; i-- {
		if err := s.opened[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", s.opened[i].name, err))
		}
	}
	s.opened = nil
	return errors.Join(errs...)
}
