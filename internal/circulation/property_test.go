package circulation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// model is the expected state: the active reservation per book, if any.
type model struct {
	active map[uuid.UUID]*Reservation
	closed map[uuid.UUID]Status
}

func TestEngineStateMachine(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		f := newFixture(t, 3)
		ctx := context.Background()
		m := &model{
			active: make(map[uuid.UUID]*Reservation),
			closed: make(map[uuid.UUID]Status),
		}
		var known []uuid.UUID

		pickBook := func(t *rapid.T) uuid.UUID {
			return rapid.SampledFrom(f.bookIDs).Draw(t, "book")
		}

		t.Repeat(map[string]func(*rapid.T){
			"reserve": func(t *rapid.T) {
				book := pickBook(t)
				days := rapid.IntRange(-2, 33).Draw(t, "loan_days")

				r, err := f.svc.Reserve(ctx, ana(book, days))
				switch {
				case days < MinLoanDays || days > MaxLoanDays:
					require.ErrorIs(t, err, ErrInvalidLoanDays)
				case m.active[book] != nil:
					require.ErrorIs(t, err, ErrAlreadyReserved)
				default:
					require.NoError(t, err)
					require.Equal(t, f.clock.Now().Add(time.Duration(days)*day), r.DueAt)
					m.active[book] = r
					known = append(known, r.ID)
				}
			},
			"return": func(t *rapid.T) {
				book := pickBook(t)

				r, err := f.svc.Return(ctx, book)
				if m.active[book] == nil {
					require.ErrorIs(t, err, ErrNoActiveReservation)
					return
				}
				require.NoError(t, err)
				require.Equal(t, StatusReturned, r.Status)
				m.closed[r.ID] = StatusReturned
				delete(m.active, book)
			},
			"cancel": func(t *rapid.T) {
				if len(known) == 0 {
					t.Skip("no reservations yet")
				}
				id := rapid.SampledFrom(known).Draw(t, "reservation")

				r, err := f.svc.Cancel(ctx, id)
				if _, done := m.closed[id]; done {
					require.ErrorIs(t, err, ErrNotActive)
					return
				}
				require.NoError(t, err)
				m.closed[id] = StatusCancelled
				delete(m.active, r.BookID)
			},
			"advance": func(t *rapid.T) {
				hours := rapid.IntRange(1, 24*10).Draw(t, "hours")
				f.clock.Advance(time.Duration(hours) * time.Hour)
			},
			"sweep": func(t *rapid.T) {
				overdue, err := f.svc.Overdue(ctx)
				require.NoError(t, err)
				for _, r := range overdue {
					_, err := f.svc.Expire(ctx, r.ID)
					require.NoError(t, err)
					m.closed[r.ID] = StatusExpired
					delete(m.active, r.BookID)
				}
				for _, r := range m.active {
					require.False(t, r.DueAt.Before(f.clock.Now()), "overdue reservation %s survived a sweep", r.ID)
				}
			},
			"expire early": func(t *rapid.T) {
				if len(m.active) == 0 {
					t.Skip("nothing active")
				}
				for _, r := range m.active {
					if r.DueAt.Before(f.clock.Now()) {
						continue
					}
					_, err := f.svc.Expire(ctx, r.ID)
					require.ErrorIs(t, err, ErrNotDue)
				}
			},
			"": func(t *rapid.T) {
				f.assertConsistent(t)
				for _, book := range f.bookIDs {
					availability, err := f.svc.CheckAvailability(ctx, book)
					require.NoError(t, err)
					require.Equal(t, m.active[book] == nil, availability.Available)
				}
				for id, want := range m.closed {
					r, err := f.svc.GetReservation(ctx, id)
					require.NoError(t, err)
					require.Equal(t, want, r.Status)
					if err := terminalStamp(r); err != nil {
						t.Fatalf("reservation %s: %v", id, err)
					}
				}
			},
		})
	})
}

// terminalStamp checks that exactly the timestamp matching r.Status is set.
func terminalStamp(r *Reservation) error {
	set := map[Status]bool{
		StatusReturned:  r.ReturnedAt != nil,
		StatusCancelled: r.CancelledAt != nil,
		StatusExpired:   r.ExpiredAt != nil,
	}
	for status, ok := range set {
		if ok != (status == r.Status) {
			return errors.New("terminal timestamp does not match status " + string(r.Status))
		}
	}
	return nil
}
