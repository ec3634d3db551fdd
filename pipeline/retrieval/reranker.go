package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/convopipe/convopipe/pipeline/contract"
)

// Reranker reorders retrieved sources by relevance to the query.
type Reranker interface {
	Rerank(ctx context.Context, query string, sources []contract.Source, topN int) ([]contract.Source, error)
	IsEnabled() bool
}

// RerankerConfig configures the HTTP reranker client.
type RerankerConfig struct {
	Model   string
	APIKey  string
	BaseURL string
	Enabled bool
	Timeout time.Duration
}

type reranker struct {
	client  *http.Client
	apiKey  string
	baseURL string
	model   string
	enabled bool
}

// NewReranker creates a reranker client. When disabled it preserves the
// original source order.
func NewReranker(cfg RerankerConfig) Reranker {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &reranker{
		enabled: cfg.Enabled,
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
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

func (s *reranker) IsEnabled() bool {
	return s.enabled
}

func (s *reranker) Rerank(ctx context.Context, query string, sources []contract.Source, topN int) ([]contract.Source, error) {
	if !s.enabled || len(sources) == 0 {
		if topN > 0 && topN < len(sources) {
			return sources[:topN], nil
		}
		return sources, nil
	}

	documents := make([]string, len(sources))
	for i, src := range sources {
		documents[i] = src.Title + "\n" + src.Snippet
	}

	reqBody := map[string]any{
		"model":     s.model,
		"query":     query,
		"documents": documents,
		"top_n":     topN,
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	baseURL := strings.TrimRight(s.baseURL, "/")
	if strings.HasSuffix(baseURL, "/v1") {
		baseURL += "/rerank"
	} else {
		baseURL += "/v1/rerank"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }() //nolint:errcheck // cleanup

	if resp.StatusCode != http.StatusOK {
		raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if readErr != nil {
			return nil, fmt.Errorf("rerank API error: HTTP %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("rerank API error: %s", string(raw))
	}

	var result struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	out := make([]contract.Source, 0, len(result.Results))
	for _, r := range result.Results {
		if r.Index < 0 || r.Index >= len(sources) {
			continue
		}
		src := sources[r.Index]
		src.Score = r.Score
		out = append(out, src)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if topN > 0 && topN < len(out) {
		out = out[:topN]
	}
	return out, nil
}
