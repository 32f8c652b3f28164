package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store holds books and categories. It performs no per-book serialization;
// the circulation engine brackets SetAvailable in its own critical section.
type Store interface {
	Get(ctx context.Context, id uuid.UUID) (*Book, error)
	SetAvailable(ctx context.Context, id uuid.UUID, available bool) error
	List(ctx context.Context, filter Filter) ([]*Book, error)
	// Put creates or updates book metadata. The availability of an existing
	// book is left untouched.
	Put(ctx context.Context, book *Book) error
	// PutAll stores books as one unit: either all of them or none.
	PutAll(ctx context.Context, books []*Book) error
	Categories(ctx context.Context) ([]Category, error)
	PutCategory(ctx context.Context, category Category) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu         sync.RWMutex
	books      map[uuid.UUID]Book
	categories map[string]Category
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:      make(map[uuid.UUID]Book),
		categories: make(map[string]Category),
	}
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &book, nil
}

func (s *MemoryStore) SetAvailable(_ context.Context, id uuid.UUID, available bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[id]
	if !ok {
		return ErrNotFound
	}
	book.Available = available
	s.books[id] = book
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	books := make([]*Book, 0)
	for _, b := range s.books {
		if filter.Matches(&b) {
			book := b
			books = append(books, &book)
		}
	}

	sort.Slice(books, func(i, j int) bool {
		if books[i].Title != books[j].Title {
			return books[i].Title < books[j].Title
		}
		return books[i].ID.String() < books[j].ID.String()
	})
	return books, nil
}

func (s *MemoryStore) Put(_ context.Context, book *Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(book)
	return nil
}

func (s *MemoryStore) PutAll(_ context.Context, books []*Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, book := range books {
		s.put(book)
	}
	return nil
}

func (s *MemoryStore) put(book *Book) {
	stored := *book
	if existing, ok := s.books[book.ID]; ok {
		stored.Available = existing.Available
		stored.CreatedAt = existing.CreatedAt
	}
	s.books[book.ID] = stored
	*book = stored
}

func (s *MemoryStore) Categories(_ context.Context) ([]Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]Category, 0, len(s.categories))
	for _, c := range s.categories {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].Name < categories[j].Name })
	return categories, nil
}

func (s *MemoryStore) PutCategory(_ context.Context, category Category) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.categories[strings.ToLower(category.Name)] = category
	return nil
}
