package query

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/meilisearch/meilisearch-go"
)

// searcher is the part of meilisearch.IndexManager the gateway uses.
type searcher interface {
	SearchWithContext(ctx context.Context, query string, request *meilisearch.SearchRequest) (*meilisearch.SearchResponse, error)
}

// MeiliGateway ranks books with a Meilisearch index whose documents carry
// the book id in the "id" field.
type MeiliGateway struct {
	index searcher
	limit int
}

// NewMeiliGateway connects to the Meilisearch instance at host and searches
// the index uid.
func NewMeiliGateway(host, apiKey, uid string, limit int) *MeiliGateway {
	client := meilisearch.New(host, meilisearch.WithAPIKey(apiKey))
	return newMeiliGateway(client.Index(uid), limit)
}

func newMeiliGateway(index searcher, limit int) *MeiliGateway {
	if limit <= 0 {
		limit = defaultLimit
	}
	return &MeiliGateway{index: index, limit: limit}
}

func (g *MeiliGateway) Search(ctx context.Context, req Request) (*Result, error) {
	resp, err := g.index.SearchWithContext(ctx, req.Text, &meilisearch.SearchRequest{
		Limit: int64(g.limit),
	})
	if err != nil {
		return nil, fmt.Errorf("meilisearch search failed: %w", err)
	}

	result := &Result{
		BookIDs:     make([]uuid.UUID, 0, len(resp.Hits)),
		Suggestions: []string{},
	}
	for _, hit := range resp.Hits {
		raw, ok := hit["id"]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		result.BookIDs = append(result.BookIDs, id)
	}
	result.Explanation = fmt.Sprintf("%d books ranked by the search index.", len(result.BookIDs))
	return result, nil
}
