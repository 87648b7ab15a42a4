// Package pending provides a keyed pending-request store for correlating
// asynchronous responses back to the request that triggered them. Every
// exit path (resolve, reject, timeout, cancellation) removes the entry, so
// the map cannot grow without bound.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned by Wait when no response arrives in time.
var ErrTimeout = errors.New("pending request timed out")

type outcome[T any] struct {
	val T
	err error
}

// Map tracks in-flight requests by key. Entries live only in memory: a
// request in flight when the owning actor is evicted will time out and must
// be retried by the caller.
type Map[T any] struct {
	mu      sync.Mutex
	waiters map[string]chan outcome[T]
}

// NewMap creates an empty pending-request map.
func NewMap[T any]() *Map[T] {
	return &Map[T]{waiters: make(map[string]chan outcome[T])}
}

// Ticket is a registered in-flight request. Register before sending the
// command, Wait after: a response can then never arrive unmatched.
type Ticket[T any] struct {
	m   *Map[T]
	key string
	ch  chan outcome[T]
}

// Register claims a key for an in-flight request. Registering a key that is
// already in flight is an error.
func (m *Map[T]) Register(key string) (*Ticket[T], error) {
	ch := make(chan outcome[T], 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.waiters[key]; exists {
		return nil, fmt.Errorf("request already in flight for key %q", key)
	}
	m.waiters[key] = ch
	return &Ticket[T]{m: m, key: key, ch: ch}, nil
}

// Wait blocks until Resolve/Reject is called for the ticket's key, the
// timeout expires, or ctx is cancelled. The entry is always removed before
// returning.
func (t *Ticket[T]) Wait(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T

	// Only remove the entry this ticket registered: between completion and
	// this cleanup a new waiter may have claimed the key.
	defer func() {
		t.m.mu.Lock()
		if t.m.waiters[t.key] == t.ch {
			delete(t.m.waiters, t.key)
		}
		t.m.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-t.ch:
		return o.val, o.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Await registers key and waits in one step, for callers with no command to
// send in between.
func (m *Map[T]) Await(ctx context.Context, key string, timeout time.Duration) (T, error) {
	t, err := m.Register(key)
	if err != nil {
		var zero T
		return zero, err
	}
	return t.Wait(ctx, timeout)
}

// Resolve completes the request for key with a value. Returns false if no
// request is waiting (already resolved, timed out, or never registered).
func (m *Map[T]) Resolve(key string, val T) bool {
	return m.complete(key, outcome[T]{val: val})
}

// Reject completes the request for key with an error.
func (m *Map[T]) Reject(key string, err error) bool {
	return m.complete(key, outcome[T]{err: err})
}

func (m *Map[T]) complete(key string, o outcome[T]) bool {
	m.mu.Lock()
	ch, ok := m.waiters[key]
	if ok {
		delete(m.waiters, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- o
	return true
}

// Len returns the number of requests currently in flight.
func (m *Map[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters)
}
