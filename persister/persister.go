package persister

import (
	"context"
	"errors"
	"fmt"

	"batchflow/logger"
	"batchflow/types"
)

// ErrPoolClosed is returned by Dispatch once Close has been called.
var ErrPoolClosed = errors.New("persister pool is closed")

// Persister durably records a batch. Implementations must be safe for concurrent use:
// one instance is shared by every worker in a pool.
type Persister interface {
	Persist(ctx context.Context, batch *types.Batch) error
}

// Func adapts a plain function to Persister.
type Func func(ctx context.Context, batch *types.Batch) error

func (f Func) Persist(ctx context.Context, batch *types.Batch) error {
	return f(ctx, batch)
}

// PersistError is what a worker reports after it gave up on a batch.
type PersistError struct {
	Worker   string
	BatchID  string
	Attempts int
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist batch %s on %s failed after %d attempts: %v", e.BatchID, e.Worker, e.Attempts, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type workerKey struct{}

// WithWorker tags ctx with the name of the worker handling a batch.
func WithWorker(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, workerKey{}, name)
}

// WorkerFromContext returns the worker name set by WithWorker, or "" if none.
func WorkerFromContext(ctx context.Context) string {
	name, _ := ctx.Value(workerKey{}).(string)
	return name
}

// LogPersister only records the batch size and the handling worker.
type LogPersister struct {
	log *logger.Logger
}

func NewLogPersister(log *logger.Logger) *LogPersister {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogPersister{log: log}
}

func (p *LogPersister) Persist(ctx context.Context, batch *types.Batch) error {
	p.log.Info("WRITE BATCH", map[string]interface{}{
		"size":     batch.Len(),
		"worker":   WorkerFromContext(ctx),
		"batch_id": batch.ID,
		"source":   batch.Source,
		"trigger":  string(batch.Trigger),
	})
	return nil
}

// Named pairs a sink with the name used in errors and logs.
type Named struct {
	Name string
	Persister
}

// Multi writes each batch to every sink in order and stops at the first failure.
type Multi []Named

func (m Multi) Persist(ctx context.Context, batch *types.Batch) error {
	for _, sink := range m {
		if err := sink.Persist(ctx, batch); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name, err)
		}
	}
	return nil
}
