// internal/circulation/domain.go
package circulation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"biblioteca/internal/keylock"
)

const (
	MinLoanDays = 1
	MaxLoanDays = 30

	day = 24 * time.Hour
)

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyReserved     = errors.New("book is already reserved")
	ErrNoActiveReservation = errors.New("no active reservation for book")
	ErrNotActive           = errors.New("reservation is not active")
	ErrNotDue              = errors.New("reservation is not yet due")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidLoanDays     = fmt.Errorf("%w: loan_days must be between %d and %d", ErrInvalidInput, MinLoanDays, MaxLoanDays)

	// ErrLockTimeout means the book's critical section could not be entered in
	// time. It is transient and the call may be retried.
	ErrLockTimeout = keylock.ErrTimeout
)

// Status is the state of a reservation. Active is the only non-terminal state.
type Status string

const (
	StatusActive    Status = "active"
	StatusReturned  Status = "returned"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// ParseStatus validates s.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusReturned, StatusCancelled, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Reservation is a time-boxed loan of one book to one borrower.
type Reservation struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	BookID          uuid.UUID  `json:"book_id" db:"book_id"`
	BorrowerName    string     `json:"borrower_name" db:"borrower_name"`
	BorrowerContact string     `json:"borrower_contact" db:"borrower_contact"`
	Notes           string     `json:"notes,omitempty" db:"notes"`
	LoanDays        int        `json:"loan_days" db:"loan_days"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	DueAt           time.Time  `json:"due_at" db:"due_at"`
	Status          Status     `json:"status" db:"status"`
	ReturnedAt      *time.Time `json:"returned_at,omitempty" db:"returned_at"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty" db:"cancelled_at"`
	ExpiredAt       *time.Time `json:"expired_at,omitempty" db:"expired_at"`
}

// close moves an active reservation to the terminal state to, stamping the
// matching timestamp.
func (r *Reservation) close(to Status, at time.Time) error {
	if r.Status != StatusActive {
		return fmt.Errorf("%w: reservation %s is %s", ErrNotActive, r.ID, r.Status)
	}

	switch to {
	case StatusReturned:
		r.ReturnedAt = &at
	case StatusCancelled:
		r.CancelledAt = &at
	case StatusExpired:
		r.ExpiredAt = &at
	default:
		return fmt.Errorf("invalid transition from %s to %s", r.Status, to)
	}
	r.Status = to
	return nil
}

// Overdue reports whether r is active and its due date has passed.
func (r *Reservation) Overdue(now time.Time) bool {
	return r.Status == StatusActive && r.DueAt.Before(now)
}

// Filter narrows ListReservations. Zero fields do not constrain.
type Filter struct {
	Status          Status
	BorrowerContact string
	BookID          uuid.UUID
}

// Availability answers CheckAvailability.
type Availability struct {
	BookID        uuid.UUID  `json:"book_id"`
	Available     bool       `json:"available"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	DueAt         *time.Time `json:"due_at,omitempty"`
	DaysRemaining *int       `json:"days_remaining,omitempty"`
}

// DaysRemaining is ceil((due - now) / 24h), floored at zero. A loan due later
// today therefore reports 1, an overdue one 0.
func DaysRemaining(due, now time.Time) int {
	left := due.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + day - 1) / day)
}

// ReservationCreatedEvent is journaled when a book is reserved.
type ReservationCreatedEvent struct {
	ReservationID   uuid.UUID `json:"reservation_id"`
	BookID          uuid.UUID `json:"book_id"`
	BorrowerName    string    `json:"borrower_name"`
	BorrowerContact string    `json:"borrower_contact"`
	LoanDays        int       `json:"loan_days"`
	DueAt           time.Time `json:"due_at"`
}

// ReservationClosedEvent is journaled when a reservation is returned,
// cancelled or expired.
type ReservationClosedEvent struct {
	ReservationID uuid.UUID `json:"reservation_id"`
	BookID        uuid.UUID `json:"book_id"`
	Status        Status    `json:"status"`
	ClosedAt      time.Time `json:"closed_at"`
}

// Violation is a consistency defect found by Verify.
type Violation struct {
	BookID uuid.UUID `json:"book_id"`
	Kind   string    `json:"kind"`
	Detail string    `json:"detail"`
}

const (
	ViolationMultipleActive = "multiple_active"
	ViolationFlagDrift      = "flag_drift"
	ViolationUnknownBook    = "unknown_book"
)
