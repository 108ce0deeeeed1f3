// Package reddit is the orchestrator-side client for the Reddit proxy
// sidecar. Any failure here means "no community insights this time"; the
// caller never treats it as fatal.
package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chanspect/chanspect/pkg/models"
)

// SearchRequest is the sidecar POST /search body.
type SearchRequest struct {
	Query      string   `json:"query"`
	Limit      int      `json:"limit,omitempty"`
	Subreddits []string `json:"subreddits,omitempty"`
	Sort       string   `json:"sort,omitempty"`
	Time       string   `json:"time,omitempty"`
}

// Client calls the sidecar over plain HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a sidecar client. A zero timeout defaults to 60s, which
// covers the sidecar's own tool timeout plus enrichment.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Search runs a community search through the sidecar.
func (c *Client) Search(ctx context.Context, req SearchRequest) (*models.RedditInsights, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal reddit search: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build reddit search: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reddit proxy request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read reddit proxy response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var proxyErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &proxyErr) == nil && proxyErr.Message != "" {
			return nil, fmt.Errorf("reddit proxy %d: %s", resp.StatusCode, proxyErr.Message)
		}
		return nil, fmt.Errorf("reddit proxy returned %d", resp.StatusCode)
	}

	var insights models.RedditInsights
	if err := json.Unmarshal(respBody, &insights); err != nil {
		return nil, fmt.Errorf("decode reddit proxy response: %w", err)
	}
	return &insights, nil
}
