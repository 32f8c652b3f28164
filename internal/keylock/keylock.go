// Package keylock provides mutual exclusion keyed by an arbitrary string.
//
// Each key gets a one-slot channel that is created on first use and dropped
// once no goroutine holds or waits for it, so the map only ever contains keys
// that are currently contended. Acquisition honours context cancellation.
package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrTimeout is returned when the lock could not be acquired before the
// context was done. It is transient; callers may retry.
var ErrTimeout = errors.New("lock acquisition timed out")

type entry struct {
	slot chan struct{}
	refs int
}

// Map serializes work per key. The zero value is ready to use.
type Map struct {
	// Timeout bounds how long WithKey waits for the key. An earlier deadline
	// on the caller's context still wins. Zero means wait for the context only.
	Timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Map with the given default acquisition timeout.
func New(timeout time.Duration) *Map {
	return &Map{Timeout: timeout}
}

// Lock blocks until key is held or ctx is done. The returned release func is
// safe to call more than once.
func (m *Map) Lock(ctx context.Context, key string) (func(), error) {
	e := m.acquireEntry(key)

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		m.releaseEntry(key, e)
		return nil, fmt.Errorf("%w: key %s: %w", ErrTimeout, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.slot
			m.releaseEntry(key, e)
		})
	}, nil
}

// AcquireContext derives the context that bounds waiting for a key: ctx
// limited to Timeout. Work done once the key is held keeps using ctx.
func (m *Map) AcquireContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.Timeout)
}

// WithKey runs fn while holding key. Only the wait for the key is bounded by
// Timeout; fn gets the caller's ctx.
func (m *Map) WithKey(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := m.AcquireContext(ctx)
	unlock, err := m.Lock(acquireCtx, key)
	cancel()
	if err != nil {
		return err
	}
	defer unlock()

	return fn(ctx)
}

// Len reports how many keys are currently held or awaited.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Map) acquireEntry(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		m.entries = make(map[string]*entry)
	}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	return e
}

func (m *Map) releaseEntry(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
