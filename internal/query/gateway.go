// Package query answers free-text book searches through a pluggable
// gateway and keeps a log of the questions asked.
package query

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrEmptyQuery is returned for a search without text.
var ErrEmptyQuery = errors.New("query text must not be empty")

// Request is a free-text search. Context carries optional hints such as the
// book a suggestion is anchored on.
type Request struct {
	Text    string `json:"text"`
	Context string `json:"context,omitempty"`
}

// Result ranks catalog books for a Request. An empty BookIDs is a valid
// answer.
type Result struct {
	BookIDs     []uuid.UUID `json:"book_ids"`
	Explanation string      `json:"explanation"`
	Suggestions []string    `json:"suggestions"`
}

// Gateway turns free text into a ranked list of book ids. Implementations
// may be remote and unreliable; the engine never depends on one.
type Gateway interface {
	Search(ctx context.Context, req Request) (*Result, error)
}
