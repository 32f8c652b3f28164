package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"biblioteca/internal/storage"
)

// Query is one entry of the query log.
type Query struct {
	ID          uuid.UUID   `json:"id"`
	Text        string      `json:"text"`
	Explanation string      `json:"explanation"`
	BookIDs     []uuid.UUID `json:"book_ids"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Log records the questions asked of the gateway.
type Log interface {
	Record(ctx context.Context, q Query) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Query, error)
}

// MemoryLog keeps the query log in process.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Query
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Record(_ context.Context, q Query) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, q)
	return nil
}

func (l *MemoryLog) Recent(_ context.Context, limit int) ([]Query, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recent := make([]Query, 0, min(limit, len(l.entries)))
	for i := len(l.entries) - 1; i >= 0 && len(recent) < limit; i-- {
		recent = append(recent, l.entries[i])
	}
	return recent, nil
}

// PostgresLog stores the query log in the assistant_queries table. Book ids
// are kept as a comma separated list.
type PostgresLog struct {
	db *sqlx.DB
}

func NewPostgresLog(db *sqlx.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

type queryRow struct {
	ID          uuid.UUID `db:"id"`
	Text        string    `db:"text"`
	Explanation string    `db:"explanation"`
	BookIDs     string    `db:"book_ids"`
	CreatedAt   time.Time `db:"created_at"`
}

func (l *PostgresLog) Record(ctx context.Context, q Query) error {
	ids := make([]string, 0, len(q.BookIDs))
	for _, id := range q.BookIDs {
		ids = append(ids, id.String())
	}

	_, err := storage.Conn(ctx, l.db).ExecContext(ctx, `
		INSERT INTO assistant_queries (id, text, explanation, book_ids, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, q.ID, q.Text, q.Explanation, strings.Join(ids, ","), q.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

func (l *PostgresLog) Recent(ctx context.Context, limit int) ([]Query, error) {
	var rows []queryRow
	err := storage.Conn(ctx, l.db).SelectContext(ctx, &rows, `
		SELECT id, text, explanation, book_ids, created_at
		FROM assistant_queries
		ORDER BY created_at DESC, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list queries: %w", err)
	}

	queries := make([]Query, 0, len(rows))
	for _, row := range rows {
		q := Query{
			ID:          row.ID,
			Text:        row.Text,
			Explanation: row.Explanation,
			BookIDs:     []uuid.UUID{},
			CreatedAt:   row.CreatedAt,
		}
		if row.BookIDs != "" {
			for _, s := range strings.Split(row.BookIDs, ",") {
				id, err := uuid.Parse(s)
				if err != nil {
					return nil, fmt.Errorf("query %s has malformed book id %q: %w", row.ID, s, err)
				}
				q.BookIDs = append(q.BookIDs, id)
			}
		}
		queries = append(queries, q)
	}
	return queries, nil
}
