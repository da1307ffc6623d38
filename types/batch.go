package types

import (
	"time"

	"github.com/google/uuid"
)

// FlushTrigger records why a batch was cut.
type FlushTrigger string

const (
	TriggerSize     FlushTrigger = "size"
	TriggerTick     FlushTrigger = "tick"
	TriggerManual   FlushTrigger = "manual"
	TriggerShutdown FlushTrigger = "shutdown"
)

// Batch is an immutable, ordered snapshot of the messages a batcher held at flush time.
// Once handed to a persister nothing else keeps a reference to it.
type Batch struct {
	ID        string       `json:"id"`
	Source    int          `json:"source"`
	Trigger   FlushTrigger `json:"trigger"`
	CreatedAt time.Time    `json:"created_at"`

	items []Message
}

// NewBatch copies items, so the caller may reuse its slice afterwards.
func NewBatch(source int, trigger FlushTrigger, items []Message) *Batch {
	snapshot := make([]Message, len(items))
	copy(snapshot, items)

	return &Batch{
		ID:        uuid.NewString(),
		Source:    source,
		Trigger:   trigger,
		CreatedAt: time.Now(),
		items:     snapshot,
	}
}

func (b *Batch) Len() int {
	return len(b.items)
}

// Items returns a copy of the batch contents in arrival order.
func (b *Batch) Items() []Message {
	out := make([]Message, len(b.items))
	copy(out, b.items)
	return out
}

// Contents returns the message payloads in arrival order.
func (b *Batch) Contents() []string {
	out := make([]string, len(b.items))
	for i, m := range b.items {
		out[i] = m.Content
	}
	return out
}

// Each calls fn for every message without copying the batch.
func (b *Batch) Each(fn func(i int, m Message)) {
	for i, m := range b.items {
		fn(i, m)
	}
}

// batchJSON is the wire shape used by the redis and nats sinks.
type batchJSON struct {
	ID        string       `json:"id"`
	Source    int          `json:"source"`
	Trigger   FlushTrigger `json:"trigger"`
	CreatedAt time.Time    `json:"created_at"`
	Items     []Message    `json:"items"`
}

// RestoreBatch rebuilds a batch read back from storage, keeping its identity.
func RestoreBatch(id string, source int, trigger FlushTrigger, createdAt time.Time, items []Message) *Batch {
	b := NewBatch(source, trigger, items)
	b.ID = id
	b.CreatedAt = createdAt
	return b
}
