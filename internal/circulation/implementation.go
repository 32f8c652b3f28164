// internal/circulation/implementation.go
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"biblioteca/internal/catalog"
	"biblioteca/internal/clock"
	"biblioteca/pkg/eventstore"
)

const aggregateType = "reservation"

// Option configures the engine.
type Option func(*engine)

// WithJournal appends a domain event for every committed transition.
func WithJournal(j Journal) Option {
	return func(e *engine) { e.journal = j }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *engine) { e.logger = l }
}

// engine implements the Service interface.
type engine struct {
	books        catalog.Store
	reservations Store
	locker       Locker
	clock        clock.Clock
	journal      Journal
	logger       *slog.Logger
	validate     *validator.Validate

	tracer     trace.Tracer
	operations metric.Int64Counter
	expired    metric.Int64Counter
}

// NewService creates the reservation engine. Every mutation runs inside
// locker.WithBook for the affected book, so locker decides how far the
// critical section reaches: one process, or every process sharing a
// database.
func NewService(books catalog.Store, reservations Store, locker Locker, clk clock.Clock, opts ...Option) Service {
	e := &engine{
		books:        books,
		reservations: reservations,
		locker:       locker,
		clock:        clk,
		logger:       slog.Default(),
		validate:     newValidator(),
		tracer:       otel.Tracer("biblioteca/circulation"),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter("biblioteca/circulation")
	var err error
	if e.operations, err = meter.Int64Counter("circulation.operations",
		metric.WithDescription("Reservation engine operations by outcome")); err != nil {
		e.logger.Warn("failed to create operations counter", "error", err)
	}
	if e.expired, err = meter.Int64Counter("circulation.expired",
		metric.WithDescription("Reservations closed by the expiration sweeper")); err != nil {
		e.logger.Warn("failed to create expired counter", "error", err)
	}

	return e
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (e *engine) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.reserve",
		trace.WithAttributes(
			attribute.String("book.id", req.BookID.String()),
			attribute.Int("loan.days", req.LoanDays),
		),
	)
	defer span.End()

	req, err := e.validateReserve(req)
	if err != nil {
		return nil, e.finish(ctx, span, "reserve", err)
	}

	var reservation *Reservation
	err = e.locker.WithBook(ctx, req.BookID, func(ctx context.Context) error {
		book, err := e.book(ctx, req.BookID)
		if err != nil {
			return err
		}

		active, err := e.reservations.ActiveForBook(ctx, book.ID)
		if err != nil {
			return fmt.Errorf("failed to check active reservation: %w", err)
		}
		if active != nil {
			if book.Available {
				e.logger.WarnContext(ctx, "availability flag drift", "book_id", book.ID, "reservation_id", active.ID)
			}
			return fmt.Errorf("%w: book %s is on loan until %s", ErrAlreadyReserved, book.ID, active.DueAt.Format(time.DateOnly))
		}
		if !book.Available {
			e.logger.WarnContext(ctx, "availability flag drift", "book_id", book.ID, "available", book.Available)
		}

		now := e.clock.Now()
		r := &Reservation{
			ID:              uuid.New(),
			BookID:          book.ID,
			BorrowerName:    req.BorrowerName,
			BorrowerContact: req.BorrowerContact,
			Notes:           req.Notes,
			LoanDays:        req.LoanDays,
			CreatedAt:       now,
			DueAt:           now.Add(time.Duration(req.LoanDays) * day),
			Status:          StatusActive,
		}
		if err := e.reservations.Insert(ctx, r); err != nil {
			return fmt.Errorf("failed to create reservation: %w", err)
		}
		if err := e.books.SetAvailable(ctx, book.ID, false); err != nil {
			return fmt.Errorf("failed to mark book %s unavailable: %w", book.ID, err)
		}

		reservation = r
		return nil
	})
	if err != nil {
		return nil, e.finish(ctx, span, "reserve", err)
	}

	span.SetAttributes(attribute.String("reservation.id", reservation.ID.String()))
	e.logger.InfoContext(ctx, "book reserved",
		"reservation_id", reservation.ID,
		"book_id", reservation.BookID,
		"due_at", reservation.DueAt,
	)
	e.publish(ctx, reservation, "ReservationCreated", 0, ReservationCreatedEvent{
		ReservationID:   reservation.ID,
		BookID:          reservation.BookID,
		BorrowerName:    reservation.BorrowerName,
		BorrowerContact: reservation.BorrowerContact,
		LoanDays:        reservation.LoanDays,
		DueAt:           reservation.DueAt,
	})
	e.finish(ctx, span, "reserve", nil)
	return reservation, nil
}

func (e *engine) validateReserve(req ReserveRequest) (ReserveRequest, error) {
	req.BorrowerName = strings.TrimSpace(req.BorrowerName)
	req.BorrowerContact = strings.TrimSpace(req.BorrowerContact)
	req.Notes = strings.TrimSpace(req.Notes)

	err := e.validate.Struct(req)
	if err == nil {
		return req, nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return req, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for _, fe := range fieldErrs {
		if fe.Field() == "loan_days" {
			return req, ErrInvalidLoanDays
		}
	}
	return req, fmt.Errorf("%w: %s", ErrInvalidInput, describe(fieldErrs[0]))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "email":
		return fe.Field() + " must be an e-mail address"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag())
}

func (e *engine) Return(ctx context.Context, bookID uuid.UUID) (*Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.return",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	var returned *Reservation
	err := e.locker.WithBook(ctx, bookID, func(ctx context.Context) error {
		if _, err := e.book(ctx, bookID); err != nil {
			return err
		}

		active, err := e.reservations.ActiveForBook(ctx, bookID)
		if err != nil {
			return fmt.Errorf("failed to check active reservation: %w", err)
		}
		if active == nil {
			return fmt.Errorf("%w: book %s", ErrNoActiveReservation, bookID)
		}

		returned, err = e.close(ctx, active, StatusReturned)
		return err
	})
	if err != nil {
		return nil, e.finish(ctx, span, "return", err)
	}

	e.logger.InfoContext(ctx, "book returned", "reservation_id", returned.ID, "book_id", bookID)
	e.publishClosed(ctx, returned, "ReservationReturned")
	e.finish(ctx, span, "return", nil)
	return returned, nil
}

func (e *engine) Cancel(ctx context.Context, reservationID uuid.UUID) (*Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.cancel",
		trace.WithAttributes(attribute.String("reservation.id", reservationID.String())),
	)
	defer span.End()

	cancelled, err := e.closeByID(ctx, reservationID, StatusCancelled, nil)
	if err != nil {
		return nil, e.finish(ctx, span, "cancel", err)
	}

	e.logger.InfoContext(ctx, "reservation cancelled", "reservation_id", cancelled.ID, "book_id", cancelled.BookID)
	e.publishClosed(ctx, cancelled, "ReservationCancelled")
	e.finish(ctx, span, "cancel", nil)
	return cancelled, nil
}

func (e *engine) Expire(ctx context.Context, reservationID uuid.UUID) (*Reservation, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.expire",
		trace.WithAttributes(attribute.String("reservation.id", reservationID.String())),
	)
	defer span.End()

	expired, err := e.closeByID(ctx, reservationID, StatusExpired, func(r *Reservation, now time.Time) error {
		if !r.DueAt.Before(now) {
			return fmt.Errorf("%w: reservation %s is due at %s", ErrNotDue, r.ID, r.DueAt.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		return nil, e.finish(ctx, span, "expire", err)
	}

	if e.expired != nil {
		e.expired.Add(ctx, 1)
	}
	e.logger.InfoContext(ctx, "reservation expired",
		"reservation_id", expired.ID,
		"book_id", expired.BookID,
		"due_at", expired.DueAt,
	)
	e.publishClosed(ctx, expired, "ReservationExpired")
	e.finish(ctx, span, "expire", nil)
	return expired, nil
}

// closeByID resolves the reservation's book, then re-reads the reservation
// under that book's lock before closing it. check, if set, runs against the
// fresh copy.
func (e *engine) closeByID(ctx context.Context, id uuid.UUID, to Status, check func(*Reservation, time.Time) error) (*Reservation, error) {
	r, err := e.reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var closed *Reservation
	err = e.locker.WithBook(ctx, r.BookID, func(ctx context.Context) error {
		current, err := e.reservations.Get(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusActive {
			return fmt.Errorf("%w: reservation %s is %s", ErrNotActive, current.ID, current.Status)
		}
		if check != nil {
			if err := check(current, e.clock.Now()); err != nil {
				return err
			}
		}

		closed, err = e.close(ctx, current, to)
		return err
	})
	return closed, err
}

// close must run inside the book's critical section.
func (e *engine) close(ctx context.Context, r *Reservation, to Status) (*Reservation, error) {
	closed := *r
	if err := closed.close(to, e.clock.Now()); err != nil {
		return nil, err
	}
	if err := e.reservations.Update(ctx, &closed); err != nil {
		return nil, fmt.Errorf("failed to update reservation: %w", err)
	}
	if err := e.books.SetAvailable(ctx, closed.BookID, true); err != nil {
		return nil, fmt.Errorf("failed to mark book %s available: %w", closed.BookID, err)
	}
	return &closed, nil
}

func (e *engine) CheckAvailability(ctx context.Context, bookID uuid.UUID) (*Availability, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.check_availability",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	book, err := e.book(ctx, bookID)
	if err != nil {
		return nil, e.finish(ctx, span, "check_availability", err)
	}

	active, err := e.reservations.ActiveForBook(ctx, bookID)
	if err != nil {
		return nil, e.finish(ctx, span, "check_availability", fmt.Errorf("failed to check active reservation: %w", err))
	}

	availability := &Availability{BookID: book.ID, Available: active == nil}
	if active != nil {
		days := DaysRemaining(active.DueAt, e.clock.Now())
		availability.ReservationID = &active.ID
		availability.DueAt = &active.DueAt
		availability.DaysRemaining = &days
	}
	if book.Available != availability.Available {
		e.logger.WarnContext(ctx, "availability flag drift",
			"book_id", book.ID,
			"cached", book.Available,
			"derived", availability.Available,
		)
	}

	span.SetAttributes(attribute.Bool("book.available", availability.Available))
	return availability, nil
}

func (e *engine) Overdue(ctx context.Context) ([]*Reservation, error) {
	overdue, err := e.reservations.Overdue(ctx, e.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue reservations: %w", err)
	}
	return overdue, nil
}

func (e *engine) ListReservations(ctx context.Context, filter Filter) ([]*Reservation, error) {
	list, err := e.reservations.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return list, nil
}

func (e *engine) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	return e.reservations.Get(ctx, id)
}

func (e *engine) book(ctx context.Context, id uuid.UUID) (*catalog.Book, error) {
	book, err := e.books.Get(ctx, id)
	if errors.Is(err, catalog.ErrNotFound) {
		return nil, fmt.Errorf("%w: book %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load book %s: %w", id, err)
	}
	return book, nil
}

// finish records the outcome of op on the span and the operations counter
// and returns err unchanged.
func (e *engine) finish(ctx context.Context, span trace.Span, op string, err error) error {
	if err != nil {
		span.RecordError(err)
		if outcomeOf(err) == "error" {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if e.operations != nil {
		e.operations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcomeOf(err)),
		))
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyReserved):
		return "already_reserved"
	case errors.Is(err, ErrNoActiveReservation):
		return "no_active_reservation"
	case errors.Is(err, ErrNotActive):
		return "not_active"
	case errors.Is(err, ErrNotDue):
		return "not_due"
	case errors.Is(err, ErrLockTimeout):
		return "lock_timeout"
	}
	return "error"
}

func (e *engine) publishClosed(ctx context.Context, r *Reservation, eventType string) {
	var closedAt time.Time
	switch {
	case r.ReturnedAt != nil:
		closedAt = *r.ReturnedAt
	case r.CancelledAt != nil:
		closedAt = *r.CancelledAt
	case r.ExpiredAt != nil:
		closedAt = *r.ExpiredAt
	}
	e.publish(ctx, r, eventType, 1, ReservationClosedEvent{
		ReservationID: r.ID,
		BookID:        r.BookID,
		Status:        r.Status,
		ClosedAt:      closedAt,
	})
}

// publish runs after the transition committed; a failure is logged and the
// transition stands.
func (e *engine) publish(ctx context.Context, r *Reservation, eventType string, expectedVersion int, payload any) {
	if e.journal == nil {
		return
	}

	event, err := eventstore.NewEvent(eventType, payload, map[string]string{"book_id": r.BookID.String()})
	if err == nil {
		err = e.journal.AppendEvents(ctx, r.ID, aggregateType, expectedVersion, []eventstore.Event{event})
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to journal reservation event",
			"reservation_id", r.ID,
			"event_type", eventType,
			"error", err,
		)
	}
}
