package circulation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"biblioteca/internal/catalog"
)

func (e *engine) Verify(ctx context.Context) ([]Violation, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.verify")
	defer span.End()

	books, err := e.books.List(ctx, catalog.Filter{})
	if err != nil {
		return nil, e.finish(ctx, span, "verify", fmt.Errorf("failed to list books: %w", err))
	}
	active, err := e.reservations.List(ctx, Filter{Status: StatusActive})
	if err != nil {
		return nil, e.finish(ctx, span, "verify", fmt.Errorf("failed to list active reservations: %w", err))
	}

	counts := make(map[uuid.UUID]int, len(active))
	for _, r := range active {
		counts[r.BookID]++
	}

	violations := make([]Violation, 0)
	known := make(map[uuid.UUID]bool, len(books))
	for _, b := range books {
		known[b.ID] = true
		n := counts[b.ID]
		if n > 1 {
			violations = append(violations, Violation{
				BookID: b.ID,
				Kind:   ViolationMultipleActive,
				Detail: fmt.Sprintf("%d active reservations", n),
			})
		}
		if b.Available != (n == 0) {
			violations = append(violations, Violation{
				BookID: b.ID,
				Kind:   ViolationFlagDrift,
				Detail: fmt.Sprintf("available=%t with %d active reservations", b.Available, n),
			})
		}
	}
	for _, r := range active {
		if !known[r.BookID] {
			known[r.BookID] = true
			violations = append(violations, Violation{
				BookID: r.BookID,
				Kind:   ViolationUnknownBook,
				Detail: fmt.Sprintf("reservation %s references a book missing from the catalog", r.ID),
			})
		}
	}

	span.SetAttributes(
		attribute.Int("books.checked", len(books)),
		attribute.Int("violations", len(violations)),
	)
	if len(violations) > 0 {
		e.logger.WarnContext(ctx, "consistency violations found", "count", len(violations))
	}
	e.finish(ctx, span, "verify", nil)
	return violations, nil
}

func (e *engine) Reconcile(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "circulation.reconcile")
	defer span.End()

	violations, err := e.Verify(ctx)
	if err != nil {
		return 0, e.finish(ctx, span, "reconcile", err)
	}

	repaired := 0
	for _, v := range violations {
		if v.Kind != ViolationFlagDrift {
			continue
		}

		changed := false
		err := e.locker.WithBook(ctx, v.BookID, func(ctx context.Context) error {
			book, err := e.book(ctx, v.BookID)
			if err != nil {
				return err
			}
			active, err := e.reservations.ActiveForBook(ctx, v.BookID)
			if err != nil {
				return fmt.Errorf("failed to check active reservation: %w", err)
			}

			want := active == nil
			if book.Available == want {
				return nil
			}
			if err := e.books.SetAvailable(ctx, book.ID, want); err != nil {
				return fmt.Errorf("failed to repair book %s: %w", book.ID, err)
			}
			changed = true
			return nil
		})
		if err != nil {
			return repaired, e.finish(ctx, span, "reconcile", err)
		}
		if changed {
			repaired++
			e.logger.InfoContext(ctx, "availability flag repaired", "book_id", v.BookID)
		}
	}

	span.SetAttributes(attribute.Int("books.repaired", repaired))
	e.finish(ctx, span, "reconcile", nil)
	return repaired, nil
}
