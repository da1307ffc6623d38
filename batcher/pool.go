package batcher

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"batchflow/logger"
	"batchflow/router"
	"batchflow/types"
)

// ErrPoolClosed is returned by Dispatch after Close.
var ErrPoolClosed = errors.New("batcher pool is closed")

type Option func(*Pool)

// WithSkipEmptyFlush turns tick flushes of an empty buffer into no-ops.
func WithSkipEmptyFlush(skip bool) Option {
	return func(p *Pool) { p.skipEmpty = skip }
}

func WithLogger(log *logger.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// Pool spreads messages round-robin over a fixed set of batchers, each with its own
// buffer, and broadcasts flush signals to all of them.
type Pool struct {
	batchers  *router.RoundRobin[*Batcher]
	skipEmpty bool
	log       *logger.Logger

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup
	rejected atomic.Uint64
}

func NewPool(size, capacity int, out Dispatcher, opts ...Option) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("batcher pool size must be positive, got %d", size)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("batcher capacity must be positive, got %d", capacity)
	}
	p := &Pool{log: logger.GetLogger()}
	for _, opt := range opts {
		opt(p)
	}

	bs := make([]*Batcher, size)
	for i := range bs {
		bs[i] = newBatcher(i, capacity, out, p.skipEmpty, p.log)
	}
	rr, err := router.New(bs)
	if err != nil {
		return nil, fmt.Errorf("failed to create batcher pool: %w", err)
	}
	p.batchers = rr

	p.log.Info("Initialized batcher pool", map[string]interface{}{
		"batchers":         size,
		"capacity":         capacity,
		"skip_empty_flush": p.skipEmpty,
	})
	return p, nil
}

// Dispatch routes msg to the next batcher.
func (p *Pool) Dispatch(msg types.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		return ErrPoolClosed
	}
	p.batchers.Next().Accept(msg)
	return nil
}

// Broadcast tells every batcher to flush and returns without waiting for them.
func (p *Pool) Broadcast() {
	p.broadcast(types.TriggerTick)
}

// Flush is Broadcast for administrative use; the batches are tagged as manual.
func (p *Pool) Flush() {
	p.broadcast(types.TriggerManual)
}

func (p *Pool) broadcast(trigger types.FlushTrigger) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	for _, b := range p.batchers.All() {
		p.inflight.Add(1)
		go func(b *Batcher) {
			defer p.inflight.Done()
			b.flush(trigger)
		}(b)
	}
}

// Close rejects new messages, waits for in-flight broadcast flushes, then flushes
// whatever is still buffered so nothing accepted is left behind.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.inflight.Wait()
	for _, b := range p.batchers.All() {
		b.drain(types.TriggerShutdown)
	}

	p.log.Info("Batcher pool stopped", map[string]interface{}{
		"batchers": p.batchers.Len(),
		"rejected": p.rejected.Load(),
	})
}

// Batchers returns the pool members in routing order.
func (p *Pool) Batchers() []*Batcher {
	return p.batchers.All()
}

func (p *Pool) Size() int {
	return p.batchers.Len()
}

// Stats sums the counters of every batcher.
func (p *Pool) Stats() types.Stats {
	var s types.Stats
	for _, b := range p.batchers.All() {
		bs := b.stats()
		s.Accepted += bs.Accepted
		s.Batches += bs.Batches
		s.Flushed += bs.Flushed
		s.Dropped += bs.Dropped
	}
	s.Rejected = p.rejected.Load()
	return s
}
