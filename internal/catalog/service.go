// internal/catalog/service.go
package catalog

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrInvalidBook is returned when catalog input fails validation.
var ErrInvalidBook = errors.New("invalid book")

// NewBook is the catalog-management input for a title.
type NewBook struct {
	ID          uuid.UUID `json:"id"`
	ISBN        string    `json:"isbn" validate:"omitempty,max=13"`
	Title       string    `json:"title" validate:"required,max=200"`
	Author      string    `json:"author" validate:"required,max=100"`
	Category    string    `json:"category" validate:"max=100"`
	Language    string    `json:"language" validate:"max=50"`
	PublishedAt string    `json:"published_at" validate:"required,datetime=2006-01-02"`
	PageCount   int       `json:"page_count" validate:"gte=0"`
	Synopsis    string    `json:"synopsis"`
	CoverRef    string    `json:"cover_ref" validate:"omitempty,url"`
}

// Service defines the interface for the catalog service.
type Service interface {
	AddBooks(ctx context.Context, books []NewBook) ([]*Book, error)
	GetBook(ctx context.Context, id uuid.UUID) (*Book, error)
	ListBooks(ctx context.Context, filter Filter) ([]*Book, error)
	Categories(ctx context.Context) ([]Category, error)
	AddCategory(ctx context.Context, category Category) (*Category, error)
}
