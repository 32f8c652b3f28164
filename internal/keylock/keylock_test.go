package keylock

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithKeySerializesSameKey(t *testing.T) {
	m := New(time.Second)

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithKey(context.Background(), "book-1", func(ctx context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Equal(t, 0, m.Len())
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	m := &Map{}

	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		err := m.WithKey(ctx, "b", func(context.Context) error { return nil })
		assert.NoError(t, err)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked behind key a")
	}
}

func TestLockTimesOut(t *testing.T) {
	m := New(20 * time.Millisecond)

	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)

	called := false
	err = m.WithKey(context.Background(), "a", func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)

	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.WithKey(context.Background(), "a", func(context.Context) error { return nil }))
}

func TestTimeoutAppliesUnderLongerCallerDeadline(t *testing.T) {
	m := New(20 * time.Millisecond)

	unlock, err := m.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	start := time.Now()
	err = m.WithKey(ctx, "a", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestTimeoutDoesNotBoundHeldWork(t *testing.T) {
	m := New(20 * time.Millisecond)

	err := m.WithKey(context.Background(), "a", func(ctx context.Context) error {
		time.Sleep(50 * time.Millisecond)
		return ctx.Err()
	})
	assert.NoError(t, err)
}
