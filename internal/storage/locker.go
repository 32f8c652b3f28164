package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"biblioteca/internal/keylock"
)

// LocalLocker serializes work per book inside one process.
type LocalLocker struct {
	keys *keylock.Map
}

// NewLocalLocker creates a LocalLocker that gives up waiting for a book after
// timeout, or earlier if the caller's deadline comes first.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{keys: keylock.New(timeout)}
}

func (l *LocalLocker) WithBook(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context) error) error {
	return l.keys.WithKey(ctx, bookID.String(), fn)
}

// PostgresLocker serializes work per book across every process sharing the
// database: the in-process lock is taken first, then a transaction holding a
// transaction-scoped advisory lock on the book id. Everything fn writes
// through Conn commits or rolls back together. The timeout covers both waits.
type PostgresLocker struct {
	db   *sqlx.DB
	keys *keylock.Map
}

// NewPostgresLocker creates a PostgresLocker on db.
func NewPostgresLocker(db *sqlx.DB, timeout time.Duration) *PostgresLocker {
	return &PostgresLocker{db: db, keys: keylock.New(timeout)}
}

func (l *PostgresLocker) WithBook(ctx context.Context, bookID uuid.UUID, fn func(ctx context.Context) error) error {
	acquireCtx, cancel := l.keys.AcquireContext(ctx)
	defer cancel()

	unlock, err := l.keys.Lock(acquireCtx, bookID.String())
	if err != nil {
		return err
	}
	defer unlock()

	return WithinTx(ctx, l.db, func(ctx context.Context) error {
		_, err := Conn(ctx, l.db).ExecContext(acquireCtx,
			`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, bookID.String())
		if err != nil {
			return advisoryLockError(acquireCtx, bookID, err)
		}
		return fn(ctx)
	})
}

// advisoryLockError marks a wait cut short by the acquisition deadline as a
// lock timeout.
func advisoryLockError(acquireCtx context.Context, bookID uuid.UUID, err error) error {
	if acquireCtx.Err() != nil {
		return fmt.Errorf("%w: advisory lock for book %s: %w", keylock.ErrTimeout, bookID, err)
	}
	return fmt.Errorf("failed to acquire advisory lock for book %s: %w", bookID, err)
}
