package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"biblioteca/internal/storage"
)

var bookColumns = []interface{}{
	"id", "isbn", "title", "author", "category", "language",
	"published_at", "page_count", "synopsis", "cover_ref", "available", "created_at",
}

// likeEscaper makes user text match literally inside a LIKE pattern, whose
// default escape character is the backslash.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func containsPattern(text string) string {
	return "%" + likeEscaper.Replace(text) + "%"
}

// PostgresStore is a Store backed by the books and categories tables.
// Calls made with a context from storage.WithinTx join that transaction.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*Book, error) {
	query, args, err := goqu.Dialect("postgres").
		From("books").
		Select(bookColumns...).
		Where(goqu.C("id").Eq(id.String())).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book query: %w", err)
	}

	book := &Book{}
	if err := storage.Conn(ctx, s.db).GetContext(ctx, book, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get book %s: %w", id, err)
	}
	return book, nil
}

func (s *PostgresStore) SetAvailable(ctx context.Context, id uuid.UUID, available bool) error {
	res, err := storage.Conn(ctx, s.db).ExecContext(ctx,
		`UPDATE books SET available = $1 WHERE id = $2`, available, id)
	if err != nil {
		return fmt.Errorf("failed to update availability of book %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update availability of book %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter Filter) ([]*Book, error) {
	ds := goqu.Dialect("postgres").From("books").Select(bookColumns...)

	if filter.Text != "" {
		pattern := containsPattern(filter.Text)
		ds = ds.Where(goqu.Or(
			goqu.C("title").ILike(pattern),
			goqu.C("author").ILike(pattern),
			goqu.C("synopsis").ILike(pattern),
		))
	}
	if filter.Category != "" {
		ds = ds.Where(goqu.C("category").ILike(containsPattern(filter.Category)))
	}
	if filter.Available != nil {
		ds = ds.Where(goqu.C("available").Eq(*filter.Available))
	}
	if !filter.PublishedFrom.IsZero() {
		ds = ds.Where(goqu.C("published_at").Gte(filter.PublishedFrom))
	}
	if !filter.PublishedTo.IsZero() {
		ds = ds.Where(goqu.C("published_at").Lte(filter.PublishedTo))
	}
	if len(filter.IDs) > 0 {
		ids := make([]string, len(filter.IDs))
		for i, id := range filter.IDs {
			ids[i] = id.String()
		}
		ds = ds.Where(goqu.C("id").In(ids))
	}

	query, args, err := ds.Order(goqu.C("title").Asc(), goqu.C("id").Asc()).Prepared(true).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build book listing: %w", err)
	}

	books := make([]*Book, 0)
	if err := storage.Conn(ctx, s.db).SelectContext(ctx, &books, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list books: %w", err)
	}
	return books, nil
}

func (s *PostgresStore) Put(ctx context.Context, book *Book) error {
	query := `
		INSERT INTO books (id, isbn, title, author, category, language, published_at, page_count, synopsis, cover_ref, available, created_at)
		VALUES (:id, :isbn, :title, :author, :category, :language, :published_at, :page_count, :synopsis, :cover_ref, :available, :created_at)
		ON CONFLICT (id) DO UPDATE
		SET isbn = EXCLUDED.isbn,
		    title = EXCLUDED.title,
		    author = EXCLUDED.author,
		    category = EXCLUDED.category,
		    language = EXCLUDED.language,
		    published_at = EXCLUDED.published_at,
		    page_count = EXCLUDED.page_count,
		    synopsis = EXCLUDED.synopsis,
		    cover_ref = EXCLUDED.cover_ref
		RETURNING available, created_at
	`
	conn := storage.Conn(ctx, s.db)
	bound, args, err := conn.BindNamed(query, book)
	if err != nil {
		return fmt.Errorf("failed to bind book %s: %w", book.ID, err)
	}
	row := conn.QueryRowxContext(ctx, bound, args...)
	if err := row.Scan(&book.Available, &book.CreatedAt); err != nil {
		return fmt.Errorf("failed to save book %s: %w", book.ID, err)
	}
	return nil
}

func (s *PostgresStore) PutAll(ctx context.Context, books []*Book) error {
	return storage.WithinTx(ctx, s.db, func(ctx context.Context) error {
		for _, book := range books {
			if err := s.Put(ctx, book); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) Categories(ctx context.Context) ([]Category, error) {
	categories := make([]Category, 0)
	err := storage.Conn(ctx, s.db).SelectContext(ctx, &categories,
		`SELECT name, description FROM categories ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return categories, nil
}

func (s *PostgresStore) PutCategory(ctx context.Context, category Category) error {
	_, err := storage.Conn(ctx, s.db).ExecContext(ctx, `
		INSERT INTO categories (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
	`, category.Name, category.Description)
	if err != nil {
		return fmt.Errorf("failed to save category %s: %w", category.Name, err)
	}
	return nil
}
