// internal/catalog/domain.go
package catalog

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a book id is unknown to the catalog.
var ErrNotFound = errors.New("book not found")

// Book is a circulating title. Available caches whether an active
// reservation references the book; only the circulation engine writes it.
type Book struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ISBN        string    `json:"isbn" db:"isbn"`
	Title       string    `json:"title" db:"title"`
	Author      string    `json:"author" db:"author"`
	Category    string    `json:"category" db:"category"`
	Language    string    `json:"language" db:"language"`
	PublishedAt time.Time `json:"published_at" db:"published_at"`
	PageCount   int       `json:"page_count" db:"page_count"`
	Synopsis    string    `json:"synopsis" db:"synopsis"`
	CoverRef    string    `json:"cover_ref,omitempty" db:"cover_ref"`
	Available   bool      `json:"available" db:"available"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Category groups books for browsing.
type Category struct {
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
}

// Filter narrows a catalog listing. Zero fields do not constrain.
type Filter struct {
	// Text matches title, author or synopsis, case-insensitively.
	Text          string
	Category      string
	Available     *bool
	PublishedFrom time.Time
	PublishedTo   time.Time
	// IDs restricts the listing to the given books, e.g. the output of a
	// query gateway.
	IDs []uuid.UUID
}

// Matches reports whether b satisfies every constraint in f.
func (f Filter) Matches(b *Book) bool {
	if f.Text != "" {
		text := strings.ToLower(f.Text)
		if !strings.Contains(strings.ToLower(b.Title), text) &&
			!strings.Contains(strings.ToLower(b.Author), text) &&
			!strings.Contains(strings.ToLower(b.Synopsis), text) {
			return false
		}
	}
	if f.Category != "" && !strings.Contains(strings.ToLower(b.Category), strings.ToLower(f.Category)) {
		return false
	}
	if f.Available != nil && b.Available != *f.Available {
		return false
	}
	if !f.PublishedFrom.IsZero() && b.PublishedAt.Before(f.PublishedFrom) {
		return false
	}
	if !f.PublishedTo.IsZero() && b.PublishedAt.After(f.PublishedTo) {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, b.ID) {
		return false
	}
	return true
}
