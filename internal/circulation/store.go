package circulation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store holds reservations, indexed by id, by book and by status.
type Store interface {
	// Insert stores a new reservation. It fails with ErrAlreadyReserved if
	// an active reservation for the same book exists.
	Insert(ctx context.Context, r *Reservation) error
	Get(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// Update persists the status and terminal timestamps of r.
	Update(ctx context.Context, r *Reservation) error
	// ActiveForBook returns the active reservation for bookID, or nil.
	ActiveForBook(ctx context.Context, bookID uuid.UUID) (*Reservation, error)
	// Overdue returns active reservations with due_at before now, oldest due first.
	Overdue(ctx context.Context, now time.Time) ([]*Reservation, error)
	List(ctx context.Context, filter Filter) ([]*Reservation, error)
}

// Locker provides the per-book critical section. Every mutation of a book's
// availability or of its reservations runs inside WithBook.
type Locker interface {
	WithBook(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context) error) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu           sync.RWMutex
	reservations map[uuid.UUID]Reservation
	active       map[uuid.UUID]uuid.UUID // book id -> reservation id
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[uuid.UUID]Reservation),
		active:       make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *MemoryStore) Insert(_ context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[r.ID]; exists {
		return fmt.Errorf("reservation %s already exists", r.ID)
	}
	if r.Status == StatusActive {
		if other, ok := s.active[r.BookID]; ok {
			return fmt.Errorf("%w: book %s held by reservation %s", ErrAlreadyReserved, r.BookID, other)
		}
		s.active[r.BookID] = r.ID
	}
	s.reservations[r.ID] = *r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
	}
	return &r, nil
}

func (s *MemoryStore) Update(_ context.Context, r *Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.reservations[r.ID]
	if !ok {
		return fmt.Errorf("%w: reservation %s", ErrNotFound, r.ID)
	}

	current.Status = r.Status
	current.ReturnedAt = r.ReturnedAt
	current.CancelledAt = r.CancelledAt
	current.ExpiredAt = r.ExpiredAt
	s.reservations[r.ID] = current

	if current.Status != StatusActive && s.active[current.BookID] == current.ID {
		delete(s.active, current.BookID)
	}
	return nil
}

func (s *MemoryStore) ActiveForBook(_ context.Context, bookID uuid.UUID) (*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[bookID]
	if !ok {
		return nil, nil
	}
	r := s.reservations[id]
	return &r, nil
}

func (s *MemoryStore) Overdue(_ context.Context, now time.Time) ([]*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	overdue := make([]*Reservation, 0)
	for _, id := range s.active {
		r := s.reservations[id]
		if r.Overdue(now) {
			overdue = append(overdue, &r)
		}
	}
	sort.Slice(overdue, func(i, j int) bool { return overdue[i].DueAt.Before(overdue[j].DueAt) })
	return overdue, nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := make([]*Reservation, 0)
	for _, r := range s.reservations {
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.BorrowerContact != "" && !strings.EqualFold(r.BorrowerContact, filter.BorrowerContact) {
			continue
		}
		if filter.BookID != uuid.Nil && r.BookID != filter.BookID {
			continue
		}
		reservation := r
		list = append(list, &reservation)
	}

	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID.String() < list[j].ID.String()
	})
	return list, nil
}
