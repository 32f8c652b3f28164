package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/google/uuid"

	"biblioteca/internal/catalog"
)

const defaultLimit = 10

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "about": true, "books": true, "book": true,
	"los": true, "las": true, "del": true, "una": true, "uno": true, "con": true, "por": true,
	"para": true, "sobre": true, "que": true, "libro": true, "libros": true,
}

// KeywordGateway ranks the catalog locally by token overlap. It needs no
// network and is the fallback for the remote gateways.
type KeywordGateway struct {
	books catalog.Store
	limit int
}

// NewKeywordGateway creates a KeywordGateway returning at most limit books;
// a non-positive limit means 10.
func NewKeywordGateway(books catalog.Store, limit int) *KeywordGateway {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &KeywordGateway{books: books, limit: limit}
}

type scored struct {
	book  *catalog.Book
	score int
}

func (g *KeywordGateway) Search(ctx context.Context, req Request) (*Result, error) {
	terms := tokenize(req.Text)
	if len(terms) == 0 {
		return &Result{
			BookIDs:     []uuid.UUID{},
			Explanation: "The query has no searchable words.",
			Suggestions: []string{},
		}, nil
	}

	books, err := g.books.List(ctx, catalog.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog: %w", err)
	}

	var hits []scored
	for _, b := range books {
		if s := score(b, terms); s > 0 {
			hits = append(hits, scored{book: b, score: s})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].book.Title < hits[j].book.Title
	})
	if len(hits) > g.limit {
		hits = hits[:g.limit]
	}

	result := &Result{BookIDs: make([]uuid.UUID, 0, len(hits)), Suggestions: suggestionsFor(hits)}
	for _, h := range hits {
		result.BookIDs = append(result.BookIDs, h.book.ID)
	}
	if len(hits) == 0 {
		result.Explanation = fmt.Sprintf("No books match %q.", req.Text)
	} else {
		result.Explanation = fmt.Sprintf("%d books match %s by title, author, category or synopsis.",
			len(hits), strings.Join(terms, ", "))
	}
	return result, nil
}

// score weighs matches in the title highest, then author and category, then
// the synopsis.
func score(b *catalog.Book, terms []string) int {
	title := strings.ToLower(b.Title)
	author := strings.ToLower(b.Author)
	category := strings.ToLower(b.Category)
	synopsis := strings.ToLower(b.Synopsis)

	total := 0
	for _, t := range terms {
		if strings.Contains(title, t) {
			total += 3
		}
		if strings.Contains(author, t) {
			total += 2
		}
		if strings.Contains(category, t) {
			total += 2
		}
		if strings.Contains(synopsis, t) {
			total++
		}
	}
	return total
}

func suggestionsFor(hits []scored) []string {
	suggestions := make([]string, 0, 3)
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] && len(suggestions) < 3 {
			seen[s] = true
			suggestions = append(suggestions, s)
		}
	}
	for _, h := range hits {
		if h.book.Author != "" {
			add("More by " + h.book.Author)
		}
		if h.book.Category != "" {
			add("More in " + h.book.Category)
		}
	}
	return suggestions
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	terms := make([]string, 0, len(fields))
	seen := make(map[string]bool)
	for _, f := range fields {
		if len([]rune(f)) < 3 || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}
