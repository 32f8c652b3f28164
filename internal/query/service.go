package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"biblioteca/internal/catalog"
	"biblioteca/internal/clock"
)

// Answer is a Result with its ids resolved to catalog books.
type Answer struct {
	Books       []*catalog.Book `json:"books"`
	Explanation string          `json:"explanation"`
	Suggestions []string        `json:"suggestions"`
}

type Service interface {
	Search(ctx context.Context, req Request) (*Answer, error)
	// Suggest answers "what else is like this book". The book itself is
	// never part of the answer.
	Suggest(ctx context.Context, bookID uuid.UUID) (*Answer, error)
	Queries(ctx context.Context, limit int) ([]Query, error)
}

type service struct {
	gateway Gateway
	books   catalog.Store
	log     Log
	clock   clock.Clock
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewService(gateway Gateway, books catalog.Store, log Log, clk clock.Clock, logger *slog.Logger) Service {
	return &service{
		gateway: gateway,
		books:   books,
		log:     log,
		clock:   clk,
		logger:  logger,
		tracer:  otel.Tracer("biblioteca/query"),
	}
}

func (s *service) Search(ctx context.Context, req Request) (*Answer, error) {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil, ErrEmptyQuery
	}

	ctx, span := s.tracer.Start(ctx, "query.search")
	defer span.End()

	answer, ids, err := s.ask(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("books.found", len(answer.Books)))

	entry := Query{
		ID:          uuid.New(),
		Text:        req.Text,
		Explanation: answer.Explanation,
		BookIDs:     ids,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.log.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to record query", "error", err)
	}
	return answer, nil
}

func (s *service) Suggest(ctx context.Context, bookID uuid.UUID) (*Answer, error) {
	ctx, span := s.tracer.Start(ctx, "query.suggest",
		trace.WithAttributes(attribute.String("book.id", bookID.String())),
	)
	defer span.End()

	book, err := s.books.Get(ctx, bookID)
	if err != nil {
		if !errors.Is(err, catalog.ErrNotFound) {
			span.RecordError(err)
		}
		return nil, err
	}

	answer, _, err := s.ask(ctx, Request{
		Text:    strings.TrimSpace(book.Author + " " + book.Category),
		Context: fmt.Sprintf("similar to %q by %s", book.Title, book.Author),
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	others := answer.Books[:0]
	for _, b := range answer.Books {
		if b.ID != bookID {
			others = append(others, b)
		}
	}
	answer.Books = others
	return answer, nil
}

func (s *service) Queries(ctx context.Context, limit int) ([]Query, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.log.Recent(ctx, limit)
}

// ask runs the gateway and resolves its ids in rank order. Ids unknown to
// the catalog are dropped.
func (s *service) ask(ctx context.Context, req Request) (*Answer, []uuid.UUID, error) {
	result, err := s.gateway.Search(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to search: %w", err)
	}

	answer := &Answer{
		Books:       []*catalog.Book{},
		Explanation: result.Explanation,
		Suggestions: result.Suggestions,
	}
	if answer.Suggestions == nil {
		answer.Suggestions = []string{}
	}
	if len(result.BookIDs) == 0 {
		return answer, []uuid.UUID{}, nil
	}

	books, err := s.books.List(ctx, catalog.Filter{IDs: result.BookIDs})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to resolve books: %w", err)
	}
	byID := make(map[uuid.UUID]*catalog.Book, len(books))
	for _, b := range books {
		byID[b.ID] = b
	}

	ids := make([]uuid.UUID, 0, len(result.BookIDs))
	for _, id := range result.BookIDs {
		if b, ok := byID[id]; ok {
			answer.Books = append(answer.Books, b)
			ids = append(ids, id)
			delete(byID, id)
		}
	}
	return answer, ids, nil
}
