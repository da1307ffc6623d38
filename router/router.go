package router

import (
	"errors"
	"sync/atomic"
)

// ErrEmptyPool is returned when a worker set is built with no workers.
var ErrEmptyPool = errors.New("router: pool has no workers")

// RoundRobin is a fixed, ordered set of workers with a shared cursor.
// The zero value is not usable; build one with New.
type RoundRobin[T any] struct {
	workers []T
	cursor  atomic.Uint64
}

func New[T any](workers []T) (*RoundRobin[T], error) {
	if len(workers) == 0 {
		return nil, ErrEmptyPool
	}
	ws := make([]T, len(workers))
	copy(ws, workers)
	return &RoundRobin[T]{workers: ws}, nil
}

// Next returns the worker for the next dispatch. The n-th call overall, counting from
// zero, gets worker n mod Len regardless of which goroutine makes it.
func (r *RoundRobin[T]) Next() T {
	n := r.cursor.Add(1) - 1
	return r.workers[n%uint64(len(r.workers))]
}

// All returns every worker in order without moving the cursor.
func (r *RoundRobin[T]) All() []T {
	out := make([]T, len(r.workers))
	copy(out, r.workers)
	return out
}

func (r *RoundRobin[T]) Len() int {
	return len(r.workers)
}
