// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"biblioteca/internal/catalog"
	"biblioteca/internal/circulation"
	"biblioteca/internal/clock"
	"biblioteca/internal/sweeper"
)

// Target is the system a drill runs against.
type Target struct {
	Catalog     catalog.Service
	Circulation circulation.Service
	Sweeper     *sweeper.Sweeper
	// Clock is moved forward to make reservations overdue. The sweep
	// experiment is skipped without it.
	Clock *clock.Fake
}

// RegisterExperiments registers the predefined drills.
func (ce *Engine) RegisterExperiments() {
	ce.RegisterExperiment(ce.ConcurrentReserveExperiment(100))
	ce.RegisterExperiment(ce.ReturnReserveChurnExperiment(5, 8, 20))
	if ce.target.Clock != nil && ce.target.Sweeper != nil {
		ce.RegisterExperiment(ce.SweepUnderLoadExperiment(20))
	}
}

// tally counts outcomes of concurrent calls.
type tally struct {
	succeeded  atomic.Int64
	rejected   atomic.Int64
	unexpected atomic.Int64
}

// record classifies err. Conflicts and lock timeouts are the engine refusing
// a request correctly under contention.
func (t *tally) record(err error) {
	switch {
	case err == nil:
		t.succeeded.Add(1)
	case errors.Is(err, circulation.ErrAlreadyReserved),
		errors.Is(err, circulation.ErrNoActiveReservation),
		errors.Is(err, circulation.ErrNotActive),
		errors.Is(err, circulation.ErrLockTimeout):
		t.rejected.Add(1)
	default:
		t.unexpected.Add(1)
	}
}

func (t *tally) unexpectedMetric() Metric {
	return Metric{
		Name: "unexpected_errors",
		Query: func(context.Context) (float64, error) {
			return float64(t.unexpected.Load()), nil
		},
		Healthy: equals(0),
	}
}

func (ce *Engine) consistencyMetric() Metric {
	return Metric{
		Name: "consistency_violations",
		Query: func(ctx context.Context) (float64, error) {
			violations, err := ce.target.Circulation.Verify(ctx)
			return float64(len(violations)), err
		},
		Healthy: equals(0),
	}
}

func (ce *Engine) seedBooks(ctx context.Context, n int, title string) ([]uuid.UUID, error) {
	books := make([]catalog.NewBook, n)
	for i := range books {
		books[i] = catalog.NewBook{
			Title:       fmt.Sprintf("%s %d", title, i+1),
			Author:      "Simulacro",
			Category:    "Pruebas",
			PublishedAt: "2000-01-01",
		}
	}
	added, err := ce.target.Catalog.AddBooks(ctx, books)
	if err != nil {
		return nil, fmt.Errorf("failed to seed books: %w", err)
	}
	ids := make([]uuid.UUID, len(added))
	for i, b := range added {
		ids[i] = b.ID
	}
	return ids, nil
}

func reader(i int) circulation.ReserveRequest {
	return circulation.ReserveRequest{
		BorrowerName:    fmt.Sprintf("Lector %d", i),
		BorrowerContact: fmt.Sprintf("lector%d@example.com", i),
		LoanDays:        14,
	}
}

// releaseAll returns whatever is still out on books.
func (ce *Engine) releaseAll(ctx context.Context, books []uuid.UUID) error {
	var errs []error
	for _, id := range books {
		if _, err := ce.target.Circulation.Return(ctx, id); err != nil &&
			!errors.Is(err, circulation.ErrNoActiveReservation) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ConcurrentReserveExperiment fires concurrency simultaneous reservations at
// one book.
func (ce *Engine) ConcurrentReserveExperiment(concurrency int) Experiment {
	var (
		book []uuid.UUID
		t    tally
	)

	return Experiment{
		Name:       "concurrent-reserve-race-condition",
		Hypothesis: "Exactly one of many simultaneous reservations for the same book succeeds",
		SteadyState: []Metric{
			ce.consistencyMetric(),
			t.unexpectedMetric(),
			{
				Name: "reservations_created",
				Query: func(context.Context) (float64, error) {
					return float64(t.succeeded.Load()), nil
				},
				Healthy: atMost(1),
			},
		},
		Method: []Action{
			{
				Name: "catalog/seed",
				Execute: func(ctx context.Context) error {
					var err error
					book, err = ce.seedBooks(ctx, 1, "Carrera")
					return err
				},
			},
			{
				Name: "circulation/concurrent-requests",
				Execute: func(ctx context.Context) error {
					if len(book) == 0 {
						return errors.New("no book seeded")
					}
					var wg sync.WaitGroup
					start := make(chan struct{})
					for i := 0; i < concurrency; i++ {
						wg.Add(1)
						go func(i int) {
							defer wg.Done()
							req := reader(i)
							req.BookID = book[0]
							<-start
							_, err := ce.target.Circulation.Reserve(ctx, req)
							t.record(err)
						}(i)
					}
					close(start)
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Name: "circulation/release",
				Execute: func(ctx context.Context) error {
					return ce.releaseAll(ctx, book)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "reservations_created",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Exactly one reservation should be created",
			},
			{
				Metric:    "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Losing requests should fail with a conflict",
			},
			{
				Metric:    "consistency_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Availability flags should match the reservation index",
			},
		},
		Duration: 2 * time.Second,
	}
}

// ReturnReserveChurnExperiment runs workers goroutines per book, each
// reserving and then returning or cancelling for rounds iterations.
func (ce *Engine) ReturnReserveChurnExperiment(books, workers, rounds int) Experiment {
	var (
		seeded []uuid.UUID
		t      tally
	)

	return Experiment{
		Name:       "reserve-return-churn",
		Hypothesis: "Interleaved reserve, return and cancel calls never leave a book double-booked or its flag stale",
		SteadyState: []Metric{
			ce.consistencyMetric(),
			t.unexpectedMetric(),
			{
				Name: "unavailable_books",
				Query: func(ctx context.Context) (float64, error) {
					var n int
					for _, id := range seeded {
						a, err := ce.target.Circulation.CheckAvailability(ctx, id)
						if err != nil {
							return 0, err
						}
						if !a.Available {
							n++
						}
					}
					return float64(n), nil
				},
			},
		},
		Method: []Action{
			{
				Name: "catalog/seed",
				Execute: func(ctx context.Context) error {
					var err error
					seeded, err = ce.seedBooks(ctx, books, "Rotación")
					return err
				},
			},
			{
				Name: "circulation/churn",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					for b, id := range seeded {
						for w := 0; w < workers; w++ {
							wg.Add(1)
							go func(bookID uuid.UUID, worker int) {
								defer wg.Done()
								ce.churn(ctx, bookID, worker, rounds, &t)
							}(id, b*workers+w)
						}
					}
					wg.Wait()
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Name: "circulation/release",
				Execute: func(ctx context.Context) error {
					return ce.releaseAll(ctx, seeded)
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Contention should only produce conflicts",
			},
			{
				Metric:    "consistency_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Availability flags should match the reservation index",
			},
			{
				Metric:    "unavailable_books",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every book should be available after release",
			},
		},
		Duration: 2 * time.Second,
	}
}

func (ce *Engine) churn(ctx context.Context, bookID uuid.UUID, worker, rounds int, t *tally) {
	for i := 0; i < rounds; i++ {
		req := reader(worker)
		req.BookID = bookID
		r, err := ce.target.Circulation.Reserve(ctx, req)
		t.record(err)
		if err != nil {
			continue
		}
		if i%2 == 0 {
			_, err = ce.target.Circulation.Return(ctx, bookID)
		} else {
			_, err = ce.target.Circulation.Cancel(ctx, r.ID)
		}
		t.record(err)
	}
}

// SweepUnderLoadExperiment makes books overdue and races the sweeper against
// borrowers returning the same books.
func (ce *Engine) SweepUnderLoadExperiment(books int) Experiment {
	var (
		seeded       []uuid.UUID
		reservations []uuid.UUID
		t            tally
	)

	return Experiment{
		Name:       "sweep-under-load",
		Hypothesis: "Every overdue reservation ends closed exactly once while returns race the sweeper",
		SteadyState: []Metric{
			ce.consistencyMetric(),
			t.unexpectedMetric(),
			{
				Name: "overdue_active",
				Query: func(ctx context.Context) (float64, error) {
					overdue, err := ce.target.Circulation.Overdue(ctx)
					return float64(len(overdue)), err
				},
				Healthy: equals(0),
			},
			{
				Name: "open_reservations",
				Query: func(ctx context.Context) (float64, error) {
					var n int
					for _, id := range reservations {
						r, err := ce.target.Circulation.GetReservation(ctx, id)
						if err != nil {
							return 0, err
						}
						if !r.Status.Terminal() {
							n++
						}
					}
					return float64(n), nil
				},
			},
		},
		Method: []Action{
			{
				Name: "circulation/seed",
				Execute: func(ctx context.Context) error {
					var err error
					if seeded, err = ce.seedBooks(ctx, books, "Vencido"); err != nil {
						return err
					}
					for i, id := range seeded {
						req := reader(i)
						req.BookID = id
						req.LoanDays = circulation.MinLoanDays
						r, err := ce.target.Circulation.Reserve(ctx, req)
						if err != nil {
							return fmt.Errorf("failed to reserve seeded book: %w", err)
						}
						reservations = append(reservations, r.ID)
					}
					return nil
				},
			},
			{
				Name: "clock/advance-clock",
				Execute: func(context.Context) error {
					if ce.target.Clock == nil {
						return errors.New("no fake clock configured")
					}
					ce.target.Clock.Advance(time.Duration(circulation.MinLoanDays+1) * 24 * time.Hour)
					return nil
				},
			},
			{
				Name: "sweeper/sweep-and-return",
				Execute: func(ctx context.Context) error {
					var wg sync.WaitGroup
					for i := 0; i < 3; i++ {
						wg.Add(1)
						go func() {
							defer wg.Done()
							if _, err := ce.target.Sweeper.Sweep(ctx); err != nil {
								t.unexpected.Add(1)
							}
						}()
					}
					for i, id := range seeded {
						if i%2 != 0 {
							continue
						}
						wg.Add(1)
						go func(bookID uuid.UUID) {
							defer wg.Done()
							_, err := ce.target.Circulation.Return(ctx, bookID)
							t.record(err)
						}(id)
					}
					wg.Wait()
					return nil
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "overdue_active",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "No overdue reservation should stay active",
			},
			{
				Metric:    "open_reservations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Every seeded reservation should be closed",
			},
			{
				Metric:    "unexpected_errors",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Racing the sweeper should only produce conflicts",
			},
			{
				Metric:    "consistency_violations",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Availability flags should match the reservation index",
			},
		},
		Duration: 2 * time.Second,
	}
}
