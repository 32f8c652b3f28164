// internal/circulation/service.go
package circulation

import (
	"context"

	"github.com/google/uuid"

	"biblioteca/pkg/eventstore"
)

// ReserveRequest carries the borrower details for a new reservation.
type ReserveRequest struct {
	BookID          uuid.UUID `json:"-"`
	BorrowerName    string    `json:"borrower_name" validate:"required,max=200"`
	BorrowerContact string    `json:"borrower_contact" validate:"required,email,max=254"`
	LoanDays        int       `json:"loan_days" validate:"min=1,max=30"`
	Notes           string    `json:"notes" validate:"max=2000"`
}

// Service is the reservation engine. It is the only writer of reservations
// and of the catalog's availability flag, and it serializes all of that per
// book.
type Service interface {
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	Return(ctx context.Context, bookID uuid.UUID) (*Reservation, error)
	Cancel(ctx context.Context, reservationID uuid.UUID) (*Reservation, error)
	CheckAvailability(ctx context.Context, bookID uuid.UUID) (*Availability, error)

	// Expire closes an overdue reservation. Only the sweeper calls it.
	Expire(ctx context.Context, reservationID uuid.UUID) (*Reservation, error)
	// Overdue lists active reservations past their due date.
	Overdue(ctx context.Context) ([]*Reservation, error)

	ListReservations(ctx context.Context, filter Filter) ([]*Reservation, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error)

	// Verify reports books whose cached flag disagrees with the reservation
	// index. It takes no locks, so under load it can report transient drift.
	Verify(ctx context.Context) ([]Violation, error)
	// Reconcile rewrites drifted flags from the reservation index and
	// returns how many books it repaired.
	Reconcile(ctx context.Context) (int, error)
}

// Journal receives the domain events of committed transitions.
type Journal interface {
	AppendEvents(ctx context.Context, aggregateID uuid.UUID, aggregateType string, expectedVersion int, events []eventstore.Event) error
}
