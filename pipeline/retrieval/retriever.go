// Package retrieval fetches candidate sources for a turn and reorders
// them by relevance. The knowledge store itself is an external
// collaborator reached over HTTP; this package owns the client and the
// rerank pass.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/convopipe/convopipe/pipeline/contract"
)

// Context carries the retrieval hints derived from analysis.
type Context struct {
	Intent     string   `json:"intent"`
	Complexity string   `json:"complexity,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	UserID     string   `json:"user_id,omitempty"`
	Language   string   `json:"language,omitempty"`
	TopK       int      `json:"top_k,omitempty"`
	Slots      []string `json:"slots,omitempty"`
}

// Retriever fetches candidate sources for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, rc Context) ([]contract.Source, error)
}

// Config configures the HTTP retriever.
type Config struct {
	BaseURL string
	APIKey  string
	TopK    int
	Timeout time.Duration
}

// HTTPRetriever queries an external search service over JSON.
type HTTPRetriever struct {
	client  *http.Client
	baseURL string
	apiKey  string
	topK    int
}

// NewHTTPRetriever creates a retriever against cfg.BaseURL.
func NewHTTPRetriever(cfg Config) *HTTPRetriever {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = 8
	}
	return &HTTPRetriever{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		topK:    topK,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, rc Context) ([]contract.Source, error) {
	if rc.TopK <= 0 {
		rc.TopK = r.topK
	}
	body, err := json.Marshal(map[string]any{
		"query":      query,
		"top_k":      rc.TopK,
		"intent":     rc.Intent,
		"complexity": rc.Complexity,
		"language":   rc.Language,
		"session_id": rc.SessionID,
		"user_id":    rc.UserID,
		"slots":      rc.Slots,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // cleanup

	if resp.StatusCode != http.StatusOK {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return nil, fmt.Errorf("search API error: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("search API error: HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var out struct {
		Results []contract.Source `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return out.Results, nil
}

// StaticRetriever serves a fixed source list. It backs tests and local
// runs without a search service.
type StaticRetriever struct {
	Sources []contract.Source
	Err     error
}

func (s *StaticRetriever) Retrieve(_ context.Context, _ string, rc Context) ([]contract.Source, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	out := s.Sources
	if rc.TopK > 0 && rc.TopK < len(out) {
		out = out[:rc.TopK]
	}
	return out, nil
}
