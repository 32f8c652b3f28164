// Package sweeper expires overdue reservations on a cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"biblioteca/internal/circulation"
	"biblioteca/internal/httpx"
)

// DefaultSchedule runs a sweep every minute.
const DefaultSchedule = "@every 1m"

// Expirer is the slice of the reservation engine the sweeper drives.
type Expirer interface {
	Overdue(ctx context.Context) ([]*circulation.Reservation, error)
	Expire(ctx context.Context, reservationID uuid.UUID) (*circulation.Reservation, error)
}

// Sweeper finds active reservations past their due date and expires each
// one through the engine, so it takes the same per-book lock as a Return.
type Sweeper struct {
	engine   Expirer
	schedule string
	logger   *slog.Logger

	cron       *cron.Cron
	entryID    cron.EntryID
	mu         sync.Mutex
	isRunning  bool
	cancelFunc context.CancelFunc
}

// New creates a sweeper. An empty schedule means DefaultSchedule.
func New(engine Expirer, schedule string, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	cl := cronLogger{logger: logger}
	return &Sweeper{
		engine:   engine,
		schedule: schedule,
		logger:   logger,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}
}

// Sweep expires every overdue reservation and returns how many it expired.
// A reservation that was returned or cancelled since the scan is skipped.
// Other failures do not stop the sweep; they are joined into the error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, failures, err := s.sweep(ctx)
	if err != nil {
		return 0, err
	}
	return expired, errors.Join(failures...)
}

// sweep returns the expired count and one error per reservation that could
// not be expired. err is set only when the overdue scan itself failed.
func (s *Sweeper) sweep(ctx context.Context) (int, []error, error) {
	overdue, err := s.engine.Overdue(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan overdue reservations: %w", err)
	}

	expired := 0
	var failures []error
	for _, r := range overdue {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}

		_, err := s.engine.Expire(ctx, r.ID)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, circulation.ErrNotActive), errors.Is(err, circulation.ErrNotDue):
			s.logger.DebugContext(ctx, "reservation changed since scan", "reservation_id", r.ID, "error", err)
		default:
			failures = append(failures, fmt.Errorf("expire reservation %s: %w", r.ID, err))
		}
	}

	if expired > 0 || len(failures) > 0 {
		s.logger.InfoContext(ctx, "sweep finished",
			"overdue", len(overdue),
			"expired", expired,
			"failed", len(failures),
		)
	}
	return expired, failures, nil
}

// Start schedules Sweep. A tick is skipped while the previous sweep still
// runs. Cancelling ctx stops the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return nil
	}

	var sweepCtx context.Context
	sweepCtx, s.cancelFunc = context.WithCancel(ctx)

	entryID, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.Sweep(sweepCtx); err != nil && sweepCtx.Err() == nil {
			s.logger.ErrorContext(sweepCtx, "sweep failed", "error", err)
		}
	})
	if err != nil {
		s.cancelFunc()
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true
	s.logger.Info("expiration sweeper started", "schedule", s.schedule)

	go func() {
		<-sweepCtx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	<-s.cron.Stop().Done()
	s.cron.Remove(s.entryID)
	s.cancelFunc()
	s.isRunning = false
	s.logger.Info("expiration sweeper stopped")
}

// Routes mounts the manual sweep trigger on r.
func (s *Sweeper) Routes(r chi.Router, mutating ...func(http.Handler) http.Handler) {
	r.With(mutating...).Post("/admin/sweep", s.HandleSweep)
}

type sweepResponse struct {
	Expired int    `json:"expired"`
	Failed  int    `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HandleSweep runs one sweep inline and reports how many loans it expired.
// When some reservations could not be expired the count is still reported:
// with 503 and Retry-After if every failure was a lock timeout, 500 otherwise.
func (s *Sweeper) HandleSweep(w http.ResponseWriter, r *http.Request) {
	expired, failures, err := s.sweep(r.Context())
	if err != nil {
		httpx.RespondInternal(w, r, s.logger, err)
		return
	}
	if len(failures) == 0 {
		httpx.RespondJSON(w, http.StatusOK, sweepResponse{Expired: expired})
		return
	}

	resp := sweepResponse{Expired: expired, Failed: len(failures)}
	if allLockTimeouts(failures) {
		resp.Error = "some reservations are busy, retry later"
		w.Header().Set("Retry-After", "1")
		httpx.RespondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	s.logger.ErrorContext(r.Context(), "sweep incomplete", "expired", expired, "error", errors.Join(failures...))
	resp.Error = "internal server error"
	httpx.RespondJSON(w, http.StatusInternalServerError, resp)
}

func allLockTimeouts(errs []error) bool {
	for _, err := range errs {
		if !errors.Is(err, circulation.ErrLockTimeout) {
			return false
		}
	}
	return true
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
