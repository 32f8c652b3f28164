package eventstore

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"biblioteca/internal/storage/storagetest"
)

type journal interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []Event) error
	LoadEvents(ctx context.Context, aggregateID uuid.UUID, fromVersion, toVersion int) ([]Event, error)
	GetCurrentVersion(ctx context.Context, aggregateID uuid.UUID) (int, error)
	StreamEvents(ctx context.Context, fromID int64, batchSize int) ([]Event, error)
}

type TestEvent struct {
	Message string `json:"message"`
}

func testEvent(t testing.TB, msg string) Event {
	t.Helper()
	e, err := NewEvent("TestEvent", TestEvent{Message: msg}, map[string]string{"source": "test"})
	require.NoError(t, err)
	return e
}

func runJournalTests(t *testing.T, store journal) {
	ctx := context.Background()

	t.Run("append and load in version order", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.AppendEvents(ctx, id, "reservation", 0, []Event{testEvent(t, "one")}))
		require.NoError(t, store.AppendEvents(ctx, id, "reservation", 1, []Event{testEvent(t, "two"), testEvent(t, "three")}))

		events, err := store.LoadEvents(ctx, id, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, i+1, e.Version)
			assert.Equal(t, id, e.AggregateID)
			assert.Equal(t, "reservation", e.AggregateType)
			assert.Equal(t, "test", e.Metadata["source"])
		}

		var payload TestEvent
		require.NoError(t, events[2].Decode(&payload))
		assert.Equal(t, "three", payload.Message)

		version, err := store.GetCurrentVersion(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 3, version)
	})

	t.Run("version range", func(t *testing.T) {
		id := uuid.New()
		for i := 0; i < 4; i++ {
			require.NoError(t, store.AppendEvents(ctx, id, "reservation", i, []Event{testEvent(t, fmt.Sprint(i))}))
		}

		events, err := store.LoadEvents(ctx, id, 2, 3)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, 2, events[0].Version)
		assert.Equal(t, 3, events[1].Version)
	})

	t.Run("stale expected version conflicts", func(t *testing.T) {
		id := uuid.New()
		require.NoError(t, store.AppendEvents(ctx, id, "reservation", 0, []Event{testEvent(t, "first")}))

		err := store.AppendEvents(ctx, id, "reservation", 0, []Event{testEvent(t, "again")})
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		err = store.AppendEvents(ctx, id, "reservation", -1, []Event{testEvent(t, "bad")})
		assert.ErrorIs(t, err, ErrInvalidVersion)
	})

	t.Run("stream in append order", func(t *testing.T) {
		events, err := store.StreamEvents(ctx, 0, 1000)
		require.NoError(t, err)
		require.NotEmpty(t, events)
		for i := 1; i < len(events); i++ {
			assert.Less(t, events[i-1].ID, events[i].ID)
		}

		tail, err := store.StreamEvents(ctx, events[len(events)-2].ID, 10)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, events[len(events)-1].ID, tail[0].ID)
	})
}

func TestMemoryStore(t *testing.T) {
	runJournalTests(t, NewMemoryStore())
}

func TestEventStore(t *testing.T) {
	runJournalTests(t, NewEventStore(storagetest.Open(t)))
}

func TestConcurrentAppendsConflict(t *testing.T) {
	store := NewMemoryStore()
	id := uuid.New()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			errs <- store.AppendEvents(context.Background(), id, "reservation", 0, []Event{testEvent(t, fmt.Sprint(i))})
		}(i)
	}

	var ok, conflicts int
	for i := 0; i < 10; i++ {
		if err := <-errs; err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, ErrConcurrencyConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, conflicts)
}

func BenchmarkAppendEvents(b *testing.B) {
	store := NewEventStore(storagetest.Open(b))
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		events := []Event{testEvent(b, fmt.Sprintf("event %d", i))}
		b.StartTimer()

		if err := store.AppendEvents(ctx, uuid.New(), "test_aggregate", 0, events); err != nil {
			b.Fatalf("AppendEvents failed: %v", err)
		}
	}
}
