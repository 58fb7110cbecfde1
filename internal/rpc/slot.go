// Package rpc implements the bidirectional RPC layer of §4.3: request/
// response correlation by id, a registered method table for Requests, and
// a separate registry for one-way Notifications.
package rpc

import (
	"context"
	"sync"
)

// Slot is a one-shot future: exactly one producer calls Set; one consumer
// awaits the value with Get, optionally bounded by ctx. A Slot is safe for
// concurrent use; only the first Set takes effect.
type Slot[T any] struct {
	ch   chan T
	once sync.Once
}

// NewSlot creates an empty Slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{ch: make(chan T, 1)}
}

// Set resolves the slot with v. Only the first call has any effect; later
// calls are silently ignored, matching the "set exactly once" lifecycle
// in spec.md §3.
func (s *Slot[T]) Set(v T) {
	s.once.Do(func() { s.ch <- v })
}

// Get blocks until Set is called or ctx is done, whichever comes first.
func (s *Slot[T]) Get(ctx context.Context) (T, error) {
	select {
	case v := <-s.ch:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
