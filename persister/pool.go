package persister

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"batchflow/logger"
	"batchflow/router"
	"batchflow/types"
)

const (
	defaultQueueSize = 100
	PolicyBlock      = "block"
	PolicyDrop       = "drop"
)

type Options struct {
	// QueueSize bounds each worker's mailbox.
	QueueSize int
	// Policy decides what Dispatch does when the chosen mailbox is full.
	Policy     string
	MaxRetries int
	Backoff    time.Duration
	// DeadLetter receives batches that exhausted their retries. Optional.
	DeadLetter Persister
	Log        *logger.Logger
}

type worker struct {
	id      int
	name    string
	mailbox chan *types.Batch
}

// Pool is a fixed set of persistence workers. Each worker owns a goroutine and a bounded
// mailbox, so it handles one batch at a time; batches are spread round-robin.
type Pool struct {
	sink    Persister
	opts    Options
	workers *router.RoundRobin[*worker]
	log     *logger.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	persisted atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	retried   atomic.Uint64
}

func NewPool(size int, sink Persister, opts Options) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("persister pool size must be positive, got %d", size)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Policy == "" {
		opts.Policy = PolicyBlock
	}
	if opts.Policy != PolicyBlock && opts.Policy != PolicyDrop {
		return nil, fmt.Errorf("unknown persister policy %q", opts.Policy)
	}
	if opts.Log == nil {
		opts.Log = logger.GetLogger()
	}

	ws := make([]*worker, size)
	for i := range ws {
		ws[i] = &worker{
			id:      i,
			name:    fmt.Sprintf("persister/%d", i),
			mailbox: make(chan *types.Batch, opts.QueueSize),
		}
	}
	rr, err := router.New(ws)
	if err != nil {
		return nil, fmt.Errorf("failed to create persister pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sink:    sink,
		opts:    opts,
		workers: rr,
		log:     opts.Log,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start launches one goroutine per worker. Calling it twice is a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for _, w := range p.workers.All() {
		p.wg.Add(1)
		go p.runWorker(w)
	}

	p.log.Info("Started persister pool", map[string]interface{}{
		"workers":    p.workers.Len(),
		"queue_size": p.opts.QueueSize,
		"policy":     p.opts.Policy,
	})
}

// Dispatch hands batch to the next worker. Under the block policy it waits for
// mailbox space; under drop it discards the batch when the mailbox is full.
func (p *Pool) Dispatch(batch *types.Batch) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	w := p.workers.Next()
	if p.opts.Policy == PolicyDrop {
		select {
		case w.mailbox <- batch:
		default:
			p.dropped.Add(1)
			p.log.Error("Persister mailbox full - dropping batch", map[string]interface{}{
				"worker":   w.name,
				"batch_id": batch.ID,
				"size":     batch.Len(),
			})
		}
		return nil
	}

	w.mailbox <- batch
	return nil
}

func (p *Pool) runWorker(w *worker) {
	defer p.wg.Done()

	ctx := WithWorker(p.ctx, w.name)
	for batch := range w.mailbox {
		p.handle(ctx, w, batch)
	}
}

func (p *Pool) handle(ctx context.Context, w *worker, batch *types.Batch) {
	attempts := p.opts.MaxRetries + 1

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			p.retried.Add(1)
			time.Sleep(time.Duration(attempt) * p.opts.Backoff)
		}
		if lastErr = p.sink.Persist(ctx, batch); lastErr == nil {
			p.persisted.Add(1)
			return
		}
	}

	perr := &PersistError{
		Worker:   w.name,
		BatchID:  batch.ID,
		Attempts: attempts,
		Err:      lastErr,
	}
	p.failed.Add(1)
	p.log.Error("Failed to persist batch", map[string]interface{}{
		"error":    perr.Error(),
		"worker":   w.name,
		"batch_id": batch.ID,
		"size":     batch.Len(),
	})

	if p.opts.DeadLetter == nil {
		return
	}
	if err := p.opts.DeadLetter.Persist(ctx, batch); err != nil {
		p.log.Error("Failed to write batch to dead letter sink", map[string]interface{}{
			"error":    err.Error(),
			"worker":   w.name,
			"batch_id": batch.ID,
		})
	}
}

// Close stops accepting batches and waits for every queued batch to be handled.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.workers.All() {
		close(w.mailbox)
	}
	// Batches queued before Start still get handled.
	if !p.started {
		p.started = true
		for _, w := range p.workers.All() {
			p.wg.Add(1)
			go p.runWorker(w)
		}
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()

	p.log.Info("Persister pool stopped", map[string]interface{}{
		"persisted": p.persisted.Load(),
		"failed":    p.failed.Load(),
		"dropped":   p.dropped.Load(),
	})
}

func (p *Pool) Size() int {
	return p.workers.Len()
}

// Stats fills the persistence counters of a snapshot.
func (p *Pool) Stats() types.Stats {
	return types.Stats{
		Persisted: p.persisted.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Retried:   p.retried.Load(),
	}
}
