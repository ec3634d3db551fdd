// Package llm wraps the upstream chat providers behind a narrow gateway
// interface. All providers speak the OpenAI-compatible protocol through a
// single client; the pipeline consumes Chat and ChatStream and never sees
// provider SDK types.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Message is one chat turn handed to the gateway.
type Message struct {
	Role    string // system, user, assistant
	Content string
}

func SystemPrompt(content string) Message { return Message{Role: "system", Content: content} }

func UserMessage(content string) Message { return Message{Role: "user", Content: content} }

func AssistantMessage(content string) Message { return Message{Role: "assistant", Content: content} }

// ChatOptions bounds one gateway call. Zero values fall back to the
// gateway configuration.
type ChatOptions struct {
	Model          string
	Temperature    float32
	Timeout        time.Duration
	MaxTokens      int
	EnableFallback bool
}

// ChatResult is the outcome of a blocking chat call.
type ChatResult struct {
	Content  string
	Tokens   int
	Provider string
	Model    string
}

// Delta is one streaming fragment. The fragment with Done=true carries no
// content and terminates the stream.
type Delta struct {
	Content string
	Done    bool
}

// Gateway is the LLM access interface the pipeline consumes.
type Gateway interface {
	// Chat performs a synchronous completion, respecting opts.Timeout.
	Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error)

	// ChatStream starts a streaming completion. The delta channel closes
	// after the Done fragment; the error channel delivers at most one
	// error. Consumer break must cancel ctx.
	ChatStream(ctx context.Context, messages []Message, opts ChatOptions) (<-chan Delta, <-chan error)

	// Warmup sends a lightweight ping to establish the upstream connection.
	Warmup(ctx context.Context)
}

// Config represents gateway configuration. Provider selects the upstream;
// FallbackModel is tried once when the primary call fails and the caller
// enabled fallback.
type Config struct {
	Provider      string // xai, gemini, anthropic
	Model         string
	FallbackModel string
	APIKey        string
	BaseURL       string
	MaxTokens     int     // default: 2048
	Temperature   float32 // default: 0.7
	Timeout       time.Duration
}

type gateway struct {
	client        *openai.Client
	provider      string
	model         string
	fallbackModel string
	maxTokens     int
	temperature   float32
	timeout       time.Duration
}

// Default base URLs for the OpenAI-compatible endpoints of the supported
// providers.
var providerDefaults = map[string]string{
	"xai":       "https://api.x.ai/v1",
	"gemini":    "https://generativelanguage.googleapis.com/v1beta/openai",
	"anthropic": "https://api.anthropic.com/v1",
}

// New creates a Gateway from configuration.
func New(cfg *Config) (Gateway, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model is required")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		var ok bool
		baseURL, ok = providerDefaults[cfg.Provider]
		if !ok {
			slog.Info("llm: unknown provider, using OpenAI-compatible default", "provider", cfg.Provider)
		}
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	clientConfig.HTTPClient = newHTTPClient()

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &gateway{
		client:        openai.NewClientWithConfig(clientConfig),
		provider:      cfg.Provider,
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		maxTokens:     maxTokens,
		temperature:   temperature,
		timeout:       timeout,
	}, nil
}

func (g *gateway) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*ChatResult, error) {
	model := opts.Model
	if model == "" {
		model = g.model
	}

	result, err := g.chatOnce(ctx, messages, model, opts)
	if err == nil {
		return result, nil
	}

	if opts.EnableFallback && g.fallbackModel != "" && g.fallbackModel != model {
		slog.Warn("llm: primary model failed, trying fallback",
			"primary", model,
			"fallback", g.fallbackModel,
			"error", err,
		)
		fbResult, fbErr := g.chatOnce(ctx, messages, g.fallbackModel, opts)
		if fbErr == nil {
			return fbResult, nil
		}
		// Keep the primary error: it is the one callers classify on.
	}
	return nil, err
}

func (g *gateway) chatOnce(ctx context.Context, messages []Message, model string, opts ChatOptions) (*ChatResult, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := opts.Temperature
	if temperature == 0 {
		temperature = g.temperature
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.maxTokens
	}

	start := time.Now()
	req := openai.ChatCompletionRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		Messages:    convertMessages(messages),
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		slog.Error("llm: chat request failed", "model", model, "error", err)
		return nil, fmt.Errorf("llm chat failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("empty response from llm")
	}

	slog.Debug("llm: chat response received",
		"model", model,
		"content_length", len(resp.Choices[0].Message.Content),
		"total_tokens", resp.Usage.TotalTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &ChatResult{
		Content:  resp.Choices[0].Message.Content,
		Tokens:   resp.Usage.TotalTokens,
		Provider: g.provider,
		Model:    model,
	}, nil
}

func (g *gateway) ChatStream(ctx context.Context, messages []Message, opts ChatOptions) (<-chan Delta, <-chan error) {
	deltaChan := make(chan Delta, 10)
	errChan := make(chan error, 1)

	model := opts.Model
	if model == "" {
		model = g.model
	}
	temperature := opts.Temperature
	if temperature == 0 {
		temperature = g.temperature
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = g.timeout
	}

	go func() {
		defer close(deltaChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req := openai.ChatCompletionRequest{
			Model:       model,
			MaxTokens:   g.maxTokens,
			Temperature: temperature,
			Messages:    convertMessages(messages),
		}

		stream, err := g.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			slog.Error("llm: create stream failed", "model", model, "error", err)
			select {
			case errChan <- fmt.Errorf("create stream failed: %w", err):
			case <-ctx.Done():
			}
			return
		}
		defer func() { _ = stream.Close() }() //nolint:errcheck // cleanup

		for {
			resp, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					select {
					case deltaChan <- Delta{Done: true}:
					case <-ctx.Done():
					}
					return
				}
				select {
				case errChan <- fmt.Errorf("stream recv failed: %w", err):
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}
			if content := resp.Choices[0].Delta.Content; content != "" {
				select {
				case deltaChan <- Delta{Content: content}:
				case <-ctx.Done():
					return
				}
			}
			if resp.Choices[0].FinishReason != "" {
				select {
				case deltaChan <- Delta{Done: true}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	return deltaChan, errChan
}

func (g *gateway) Warmup(ctx context.Context) {
	warmupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	req := openai.ChatCompletionRequest{
		Model:       g.model,
		MaxTokens:   1,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: "Hi"},
		},
	}
	_, err := g.client.CreateChatCompletion(warmupCtx, req)
	if err != nil {
		slog.Warn("llm: warmup ping failed (first request may be slower)",
			"provider", g.provider,
			"model", g.model,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return
	}
	slog.Info("llm: connection warmed up",
		"provider", g.provider,
		"model", g.model,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func convertMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case "system":
			role = openai.ChatMessageRoleSystem
		case "assistant":
			role = openai.ChatMessageRoleAssistant
		}
		out[i] = openai.ChatCompletionMessage{Role: role, Content: m.Content}
	}
	return out
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// TrimHistory keeps the trailing n history entries. The system prompt and
// current user message are appended by the caller.
func TrimHistory(history []Message, n int) []Message {
	if len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}
