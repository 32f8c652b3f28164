// internal/clients/assistant_client.go
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"biblioteca/internal/query"
)

// AssistantClient is a query.Gateway backed by the external free-text
// assistant. It POSTs the request to {baseURL}/search.
type AssistantClient struct {
	baseURL string
	client  *http.Client
}

func NewAssistantClient(baseURL string, timeout time.Duration) *AssistantClient {
	return &AssistantClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *AssistantClient) Search(ctx context.Context, q query.Request) (*query.Result, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/search", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result query.Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("invalid assistant response: %w", err)
	}
	return &result, nil
}
