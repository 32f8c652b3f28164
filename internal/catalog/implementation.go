// internal/catalog/implementation.go
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"biblioteca/internal/clock"
)

const defaultLanguage = "Español"

// service implements the Service interface.
type service struct {
	store    Store
	clock    clock.Clock
	validate *validator.Validate
	logger   *slog.Logger
}

// NewService creates a new catalog service instance.
func NewService(store Store, clk clock.Clock, logger *slog.Logger) Service {
	return &service{
		store:    store,
		clock:    clk,
		validate: validator.New(),
		logger:   logger,
	}
}

// AddBooks validates every entry, then stores the batch as one unit.
func (s *service) AddBooks(ctx context.Context, books []NewBook) ([]*Book, error) {
	if len(books) == 0 {
		return nil, fmt.Errorf("%w: no books given", ErrInvalidBook)
	}

	prepared := make([]*Book, 0, len(books))
	for i, nb := range books {
		book, err := s.prepare(nb)
		if err != nil {
			return nil, fmt.Errorf("book %d: %w", i, err)
		}
		prepared = append(prepared, book)
	}

	if err := s.store.PutAll(ctx, prepared); err != nil {
		return nil, fmt.Errorf("failed to add books: %w", err)
	}
	for _, book := range prepared {
		s.logger.InfoContext(ctx, "book added to catalog", "book_id", book.ID, "title", book.Title)
	}

	return prepared, nil
}

func (s *service) prepare(nb NewBook) (*Book, error) {
	nb.Title = strings.TrimSpace(nb.Title)
	nb.Author = strings.TrimSpace(nb.Author)
	if err := s.validate.Struct(nb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBook, err)
	}

	publishedAt, err := time.Parse(time.DateOnly, nb.PublishedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: published_at: %v", ErrInvalidBook, err)
	}

	id := nb.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	language := nb.Language
	if language == "" {
		language = defaultLanguage
	}

	return &Book{
		ID:          id,
		ISBN:        nb.ISBN,
		Title:       nb.Title,
		Author:      nb.Author,
		Category:    nb.Category,
		Language:    language,
		PublishedAt: publishedAt,
		PageCount:   nb.PageCount,
		Synopsis:    nb.Synopsis,
		CoverRef:    nb.CoverRef,
		Available:   true,
		CreatedAt:   s.clock.Now(),
	}, nil
}

// GetBook retrieves a book from the catalog by its ID.
func (s *service) GetBook(ctx context.Context, id uuid.UUID) (*Book, error) {
	return s.store.Get(ctx, id)
}

// ListBooks returns the books matching filter.
func (s *service) ListBooks(ctx context.Context, filter Filter) ([]*Book, error) {
	return s.store.List(ctx, filter)
}

func (s *service) Categories(ctx context.Context) ([]Category, error) {
	return s.store.Categories(ctx)
}

func (s *service) AddCategory(ctx context.Context, category Category) (*Category, error) {
	category.Name = strings.TrimSpace(category.Name)
	if category.Name == "" || len(category.Name) > 100 {
		return nil, fmt.Errorf("%w: category name must be 1-100 characters", ErrInvalidBook)
	}
	if err := s.store.PutCategory(ctx, category); err != nil {
		return nil, fmt.Errorf("failed to add category: %w", err)
	}
	return &category, nil
}
