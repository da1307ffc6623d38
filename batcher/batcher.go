package batcher

import (
	"sync"
	"sync/atomic"

	"batchflow/logger"
	"batchflow/types"
)

// Dispatcher receives every batch a Batcher cuts. The persister pool satisfies it.
type Dispatcher interface {
	Dispatch(batch *types.Batch) error
}

// Batcher accumulates messages and cuts a batch when the buffer reaches capacity or
// when it is told to flush. All buffer access is serialised by mu, so a flush never
// observes a half-appended buffer and never picks up a message accepted after it.
type Batcher struct {
	id        int
	capacity  int
	skipEmpty bool
	out       Dispatcher
	log       *logger.Logger

	mu     sync.Mutex
	buffer []types.Message

	accepted atomic.Uint64
	batches  atomic.Uint64
	flushed  atomic.Uint64
	// messages in batches the dispatcher refused
	dropped atomic.Uint64
}

func newBatcher(id, capacity int, out Dispatcher, skipEmpty bool, log *logger.Logger) *Batcher {
	return &Batcher{
		id:        id,
		capacity:  capacity,
		skipEmpty: skipEmpty,
		out:       out,
		log:       log,
		buffer:    make([]types.Message, 0, capacity),
	}
}

func (b *Batcher) ID() int {
	return b.id
}

// Accept appends msg and flushes before returning if the buffer is now full.
func (b *Batcher) Accept(msg types.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffer = append(b.buffer, msg)
	b.accepted.Add(1)

	if len(b.buffer) >= b.capacity {
		b.flushLocked(types.TriggerSize)
	}
}

// FlushSignal cuts a batch from whatever is buffered, even when that is nothing.
// Empty tick batches are forwarded unless the pool was built with WithSkipEmptyFlush.
func (b *Batcher) FlushSignal() {
	b.flush(types.TriggerTick)
}

func (b *Batcher) flush(trigger types.FlushTrigger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(trigger)
}

// drain flushes only if something is buffered.
func (b *Batcher) drain(trigger types.FlushTrigger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buffer) > 0 {
		b.flushLocked(trigger)
	}
}

func (b *Batcher) flushLocked(trigger types.FlushTrigger) {
	if len(b.buffer) == 0 && b.skipEmpty && trigger == types.TriggerTick {
		return
	}

	batch := types.NewBatch(b.id, trigger, b.buffer)
	// NewBatch copied the contents, so the backing array can be reused.
	b.buffer = b.buffer[:0]

	if err := b.out.Dispatch(batch); err != nil {
		b.dropped.Add(uint64(batch.Len()))
		b.log.Error("Failed to hand off batch", map[string]interface{}{
			"error":    err.Error(),
			"batcher":  b.id,
			"batch_id": batch.ID,
			"size":     batch.Len(),
		})
		return
	}

	b.batches.Add(1)
	b.flushed.Add(uint64(batch.Len()))
	b.log.Debug("Flushed batch", map[string]interface{}{
		"batcher":  b.id,
		"batch_id": batch.ID,
		"size":     batch.Len(),
		"trigger":  string(trigger),
	})
}

// Pending returns a copy of the messages waiting for the next flush.
func (b *Batcher) Pending() []types.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Message, len(b.buffer))
	copy(out, b.buffer)
	return out
}

func (b *Batcher) stats() types.Stats {
	return types.Stats{
		Accepted: b.accepted.Load(),
		Batches:  b.batches.Load(),
		Flushed:  b.flushed.Load(),
		Dropped:  b.dropped.Load(),
	}
}
