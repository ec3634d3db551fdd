// Package server assembles the pipeline components and serves them over
// HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/convopipe/convopipe/internal/profile"
	"github.com/convopipe/convopipe/internal/version"
	"github.com/convopipe/convopipe/pipeline/clarify"
	"github.com/convopipe/convopipe/pipeline/dialogue"
	"github.com/convopipe/convopipe/pipeline/llm"
	"github.com/convopipe/convopipe/pipeline/metrics"
	"github.com/convopipe/convopipe/pipeline/nlu"
	"github.com/convopipe/convopipe/pipeline/orchestrator"
	"github.com/convopipe/convopipe/pipeline/retrieval"
	"github.com/convopipe/convopipe/pipeline/watchdog"
	"github.com/convopipe/convopipe/server/middleware"
	apiv1 "github.com/convopipe/convopipe/server/router/api/v1"
)

// Server owns the echo instance and the pipeline lifecycle.
type Server struct {
	Profile *profile.Profile

	echo        *echo.Echo
	registry    *dialogue.Registry
	rateLimiter *middleware.RateLimiter
	gateway     llm.Gateway
}

// NewServer builds the pipeline from the profile and mounts the routes.
func NewServer(_ context.Context, p *profile.Profile) (*Server, error) {
	gateway, err := llm.New(&llm.Config{
		Provider:      p.LLMProvider,
		Model:         p.LLMModel,
		FallbackModel: p.LLMFallbackModel,
		APIKey:        p.LLMAPIKey,
		BaseURL:       p.LLMBaseURL,
		MaxTokens:     p.LLMMaxTokens,
		Temperature:   float32(p.LLMTemperature),
		Timeout:       time.Duration(p.LLMTimeout) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("create llm gateway: %w", err)
	}

	var analyzer nlu.Analyzer = nlu.NewRuleAnalyzer()
	if p.NLUMode == "llm" {
		analyzer = nlu.NewLLMAnalyzer(gateway, p.NLUIntentModel)
	}

	var retriever retrieval.Retriever
	if p.IsRetrievalEnabled() {
		retriever = retrieval.NewHTTPRetriever(retrieval.Config{
			BaseURL: p.RetrievalBaseURL,
			APIKey:  p.RetrievalAPIKey,
			TopK:    p.RetrievalTopK,
		})
	}
	reranker := retrieval.NewReranker(retrieval.RerankerConfig{
		Model:   p.RerankModel,
		APIKey:  p.RerankAPIKey,
		BaseURL: p.RerankBaseURL,
		Enabled: p.RerankEnabled,
	})

	clarifier := clarify.New(clarify.Config{
		ThresholdOK:      p.ConfidenceThresholdOK,
		ThresholdClarify: p.ConfidenceThresholdClar,
		MaxAttempts:      p.ClarifyMaxAttempts,
		EnableLLM:        p.ClarifyLLMRephrase && p.IsLLMEnabled(),
		Disabled:         !p.EnableClarification,
	}, gateway)

	registry := dialogue.NewRegistry(dialogue.RegistryConfig{
		FSM: dialogue.Config{
			MaxClarificationAttempts: p.ClarifyMaxAttempts,
			StateTimeout:             time.Duration(p.StateTimeoutMS) * time.Millisecond,
		},
		SweepInterval:   time.Duration(p.SessionSweepMinutes) * time.Minute,
		SessionLifetime: time.Duration(p.SessionIdleMinutes) * time.Minute,
	})

	exporter := metrics.NewExporter(metrics.DefaultConfig())
	registry.OnExpire(func(string) {
		exporter.RecordSessionExpired()
	})

	budget := watchdog.DefaultBudget()
	if p.BudgetProfile == "aggressive" {
		budget = watchdog.AggressiveBudget()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Budget:        budget,
		ModelVersion:  p.LLMModel,
		RetrievalTopK: p.RetrievalTopK,
		RerankTopN:    p.RerankTopN,
	}, orchestrator.Deps{
		Registry:  registry,
		Analyzer:  analyzer,
		Retriever: retriever,
		Reranker:  reranker,
		Clarifier: clarifier,
		Gateway:   gateway,
		Metrics:   exporter,
		Observer: watchdog.MultiObserver{
			watchdog.LogObserver{},
			metrics.NewWatchdogObserver(exporter),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())

	rateLimiter := middleware.NewRateLimiter(p.RateLimitRPS, p.RateLimitBurst)
	e.Use(rateLimiter.Middleware())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"status":  "ok",
			"version": version.GetCurrentVersion(p.Mode),
		})
	})
	e.GET("/metrics", echo.WrapHandler(exporter.Handler()))

	apiv1.NewAPIV1Service(p, orch).RegisterRoutes(e)

	return &Server{
		Profile:     p,
		echo:        e,
		registry:    registry,
		rateLimiter: rateLimiter,
		gateway:     gateway,
	}, nil
}

// Start begins serving. It returns once the listener is up; serving
// errors are logged from the background goroutine.
func (s *Server) Start(ctx context.Context) error {
	if s.Profile.IsLLMEnabled() {
		go s.gateway.Warmup(ctx)
	}

	addr := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("server stopped", "error", err)
		}
	}()
	return nil
}

// Shutdown drains the HTTP server and tears down the session registry.
func (s *Server) Shutdown(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		slog.Error("failed to shut down server gracefully", "error", err)
	}
	s.registry.Close()
	s.rateLimiter.Close()
	slog.Info("server shut down")
}
