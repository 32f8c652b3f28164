package circulation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"biblioteca/internal/storage"
)

var reservationColumns = []interface{}{
	"id", "book_id", "borrower_name", "borrower_contact", "notes", "loan_days",
	"created_at", "due_at", "status", "returned_at", "cancelled_at", "expired_at",
}

// PostgresStore is a Store backed by the reservations table. Its partial
// unique index on book_id rejects a second active reservation even if two
// writers bypass the engine's critical section.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Insert(ctx context.Context, r *Reservation) error {
	conn := storage.Conn(ctx, s.db)
	query, args, err := conn.BindNamed(`
		INSERT INTO reservations (id, book_id, borrower_name, borrower_contact, notes, loan_days,
			created_at, due_at, status, returned_at, cancelled_at, expired_at)
		VALUES (:id, :book_id, :borrower_name, :borrower_contact, :notes, :loan_days,
			:created_at, :due_at, :status, :returned_at, :cancelled_at, :expired_at)
	`, r)
	if err != nil {
		return fmt.Errorf("failed to bind reservation insert: %w", err)
	}

	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("%w: book %s", ErrAlreadyReserved, r.BookID)
		}
		return fmt.Errorf("failed to insert reservation %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	rs, err := s.selectAll(ctx, reservations().Where(goqu.C("id").Eq(id.String())))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 {
		return nil, fmt.Errorf("%w: reservation %s", ErrNotFound, id)
	}
	return rs[0], nil
}

func (s *PostgresStore) Update(ctx context.Context, r *Reservation) error {
	res, err := storage.Conn(ctx, s.db).ExecContext(ctx, `
		UPDATE reservations
		SET status = $1, returned_at = $2, cancelled_at = $3, expired_at = $4
		WHERE id = $5
	`, string(r.Status), r.ReturnedAt, r.CancelledAt, r.ExpiredAt, r.ID)
	if err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update reservation %s: %w", r.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: reservation %s", ErrNotFound, r.ID)
	}
	return nil
}

func (s *PostgresStore) ActiveForBook(ctx context.Context, bookID uuid.UUID) (*Reservation, error) {
	r := &Reservation{}
	err := storage.Conn(ctx, s.db).GetContext(ctx, r, `
		SELECT id, book_id, borrower_name, borrower_contact, notes, loan_days,
			created_at, due_at, status, returned_at, cancelled_at, expired_at
		FROM reservations
		WHERE book_id = $1 AND status = 'active'
	`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active reservation for book %s: %w", bookID, err)
	}
	return r, nil
}

func (s *PostgresStore) Overdue(ctx context.Context, now time.Time) ([]*Reservation, error) {
	return s.selectAll(ctx, reservations().
		Where(
			goqu.C("status").Eq(string(StatusActive)),
			goqu.C("due_at").Lt(now),
		).
		Order(goqu.C("due_at").Asc(), goqu.C("id").Asc()))
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Reservation, error) {
	ds := reservations()
	if filter.Status != "" {
		ds = ds.Where(goqu.C("status").Eq(string(filter.Status)))
	}
	if filter.BorrowerContact != "" {
		ds = ds.Where(goqu.Func("lower", goqu.C("borrower_contact")).Eq(strings.ToLower(filter.BorrowerContact)))
	}
	if filter.BookID != uuid.Nil {
		ds = ds.Where(goqu.C("book_id").Eq(filter.BookID.String()))
	}
	return s.selectAll(ctx, ds.Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()))
}

func reservations() *goqu.SelectDataset {
	return goqu.Dialect("postgres").From("reservations").Select(reservationColumns...)
}

func (s *PostgresStore) selectAll(ctx context.Context, ds *goqu.SelectDataset) ([]*Reservation, error) {
	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build reservation query: %w", err)
	}

	list := make([]*Reservation, 0)
	if err := storage.Conn(ctx, s.db).SelectContext(ctx, &list, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	return list, nil
}
