// Package orchestrator sequences one conversational turn through the
// pipeline stages under watchdog supervision: preprocess, analysis,
// clarification, retrieval, rerank, generation and postprocess. It owns
// the degraded paths; every outcome leaves the caller with a valid
// response envelope.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convopipe/convopipe/pipeline/clarify"
	"github.com/convopipe/convopipe/pipeline/contract"
	"github.com/convopipe/convopipe/pipeline/dialogue"
	"github.com/convopipe/convopipe/pipeline/llm"
	"github.com/convopipe/convopipe/pipeline/metrics"
	"github.com/convopipe/convopipe/pipeline/nlu"
	"github.com/convopipe/convopipe/pipeline/preprocess"
	"github.com/convopipe/convopipe/pipeline/retrieval"
	"github.com/convopipe/convopipe/pipeline/watchdog"
)

// Config tunes the orchestrator.
type Config struct {
	Budget        watchdog.Budget
	ModelVersion  string
	RetrievalTopK int
	RerankTopN    int
}

// DefaultConfig returns the standard orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Budget:        watchdog.DefaultBudget(),
		ModelVersion:  "convopipe-1",
		RetrievalTopK: 8,
		RerankTopN:    5,
	}
}

// Deps are the orchestrator collaborators. Metrics may be nil; Reranker
// and Retriever may be nil when the deployment has no search backend.
type Deps struct {
	Registry  *dialogue.Registry
	Analyzer  nlu.Analyzer
	Retriever retrieval.Retriever
	Reranker  retrieval.Reranker
	Clarifier *clarify.Policy
	Gateway   llm.Gateway
	Metrics   *metrics.Exporter
	Observer  watchdog.Observer
}

// Orchestrator drives turns end to end.
type Orchestrator struct {
	cfg  Config
	deps Deps
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Analyzer == nil || deps.Clarifier == nil || deps.Gateway == nil {
		return nil, fmt.Errorf("orchestrator: registry, analyzer, clarifier and gateway are required")
	}
	if cfg.Budget.Total <= 0 {
		cfg.Budget = watchdog.DefaultBudget()
	}
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = 8
	}
	if cfg.RerankTopN <= 0 {
		cfg.RerankTopN = 5
	}
	if deps.Observer == nil {
		deps.Observer = watchdog.LogObserver{}
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// turnState carries the intermediate results of one turn between the
// shared pre-generation phase and the generation phase.
type turnState struct {
	fsm       *dialogue.FSM
	wd        *watchdog.Watchdog
	pre       preprocess.Result
	analysis  *nlu.Result
	top       nlu.IntentScore
	sources   []contract.Source
	exchanges []dialogue.Exchange
	start     time.Time
}

// Process runs one blocking turn. It always returns a valid response for
// pipeline-level failures; the error return is reserved for caller
// cancellation and broken invariants.
func (o *Orchestrator) Process(ctx context.Context, req *contract.Request) (*contract.Response, error) {
	st, terminal, err := o.prepare(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if st != nil {
		defer st.fsm.EndTurn()
		defer st.wd.Finish()
		if o.deps.Metrics != nil {
			defer o.deps.Metrics.DecActive()
		}
	}
	if terminal != nil {
		o.recordOutcome(req, terminal, st)
		return terminal, nil
	}

	resp, err := o.generateBlocking(req, st)
	if err != nil {
		return nil, err
	}
	o.recordOutcome(req, resp, st)
	return resp, nil
}

// prepare runs session admission, preprocess, analysis, clarification,
// retrieval and rerank. It returns a terminal response when the turn ends
// before generation. notify, when non-nil, is called at phase boundaries
// so the streaming path can emit status chunks.
func (o *Orchestrator) prepare(ctx context.Context, req *contract.Request, notify func(phase string) error) (*turnState, *contract.Response, error) {
	fsm := o.deps.Registry.GetOrCreate(req.SessionID)
	if !fsm.TryBeginTurn() {
		return nil, o.busyResponse(req), nil
	}

	if err := fsm.StartNewTurn(req.RequestID); err != nil {
		fsm.EndTurn()
		return nil, o.busyResponse(req), nil
	}

	st := &turnState{
		fsm:       fsm,
		wd:        watchdog.New(req.RequestID, o.cfg.Budget, o.deps.Observer),
		exchanges: fsm.Conversation(),
		start:     time.Now(),
	}
	ctx = st.wd.StartRequest(ctx)

	if o.deps.Metrics != nil {
		o.deps.Metrics.IncActive()
		o.deps.Metrics.SetLiveSessions(o.deps.Registry.Len())
	}

	slog.Info("pipeline_started",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"channel", string(req.Channel),
		"streaming", notify != nil,
	)

	if notify != nil {
		if err := notify("preprocessing"); err != nil {
			return st, nil, err
		}
	}

	// Preprocess is pure and cheap; on budget violation the neutral result
	// keeps the turn alive.
	pre := watchdog.Execute(st.wd, watchdog.StagePreprocess,
		func(context.Context) (preprocess.Result, error) {
			return preprocess.Run(req.Message), nil
		},
		func() preprocess.Result {
			return preprocess.Neutral(req.Message)
		},
	)
	st.pre = pre.Data

	slog.Info("stage_preprocess_complete",
		"request_id", req.RequestID,
		"language", st.pre.Language,
		"quality_score", st.pre.QualityScore,
		"flags", flagStrings(st.pre.QualityFlags),
		"used_fallback", pre.UsedFallback,
	)

	if st.pre.IsGarbage() {
		st.fsm.HandleError(contract.CodeGarbageInput, "unusable input")
		return st, o.errorResponse(req, st, contract.CodeGarbageInput), nil
	}

	_ = st.fsm.Transition(contract.StateAnalyzing, "preprocess_complete", nil)
	if notify != nil {
		if err := notify("analyzing"); err != nil {
			return st, nil, err
		}
	}

	// Analysis has no meaningful fallback: without an intent nothing
	// downstream can run.
	nluRes := watchdog.Execute(st.wd, watchdog.StageNLU,
		func(stageCtx context.Context) (*nlu.Result, error) {
			return o.deps.Analyzer.Analyze(stageCtx, st.pre.NormalizedText, nlu.Input{
				History:     historyStrings(st.exchanges),
				SessionID:   req.SessionID,
				UserID:      req.UserID,
				Attachments: req.Attachments,
				RunID:       req.RequestID,
			})
		}, nil)
	if nluRes.TimedOut {
		st.fsm.HandleTimeout("nlu")
		return st, o.timeoutResponse(req, st, "nlu"), nil
	}
	if nluRes.Aborted {
		return st, nil, nluRes.Err
	}
	if nluRes.Err != nil {
		code := contract.ClassifyError(nluRes.Err)
		st.fsm.HandleError(code, nluRes.Err.Error())
		return st, o.errorResponse(req, st, code), nil
	}
	st.analysis = nluRes.Data
	st.top, _ = st.analysis.Top()

	// Clarification gate.
	decision := o.deps.Clarifier.Decide(ctx, clarify.Request{
		Message:        st.pre.NormalizedText,
		Intents:        st.analysis.Intents,
		Entities:       st.analysis.Entities,
		MissingSlots:   st.analysis.MissingSlots,
		AmbiguousTerms: st.analysis.AmbiguousTerms,
		History:        historyStrings(st.exchanges),
		Language:       st.pre.Language,
	}, st.fsm.ClarificationAttempts())

	if decision.ShouldClarify {
		_ = st.fsm.Transition(contract.StateClarifying, "clarification_needed", map[string]any{
			"kind": string(decision.Kind),
		})
		attempt := st.fsm.ClarificationAttempts()
		if o.deps.Metrics != nil {
			o.deps.Metrics.RecordClarification(string(decision.Kind))
		}
		slog.Info("clarification_triggered",
			"request_id", req.RequestID,
			"session_id", req.SessionID,
			"kind", string(decision.Kind),
			"attempt", attempt,
			"confidence", st.top.Confidence,
		)
		st.fsm.AppendExchange(st.pre.NormalizedText, decision.Question)
		report := st.wd.Finish()
		return st, contract.ClarificationResponse(
			req.RequestID, req.SessionID,
			decision.Question, st.top.Confidence, attempt,
			report.Total.Milliseconds(),
		), nil
	}

	if st.top.Confidence >= clarify.ThresholdOK {
		st.fsm.ResetClarifications()
	} else {
		// Low confidence with the clarification budget exhausted.
		_ = st.fsm.Transition(contract.StateFallback, "clarification_cap_reached", nil)
		return st, o.lowConfidenceFallback(req, st), nil
	}

	// Retrieval only runs for knowledge-demanding turns.
	if o.needsRetrieval(st) && o.deps.Retriever != nil {
		_ = st.fsm.Transition(contract.StateRetrieving, "retrieval_needed", nil)

		rres := watchdog.Execute(st.wd, watchdog.StageRetrieval,
			func(stageCtx context.Context) ([]contract.Source, error) {
				return o.deps.Retriever.Retrieve(stageCtx, st.pre.NormalizedText, retrieval.Context{
					Intent:     st.top.Intent,
					Complexity: string(st.analysis.Complexity),
					SessionID:  req.SessionID,
					UserID:     req.UserID,
					Language:   st.pre.Language,
					TopK:       o.cfg.RetrievalTopK,
				})
			},
			func() []contract.Source { return nil },
		)
		switch {
		case rres.Aborted:
			return st, nil, rres.Err
		case rres.TimedOut:
			// Budget spent searching; answer from the model alone.
			st.sources = nil
		case rres.Err != nil:
			// Retrieval failure is non-fatal: degrade to zero sources.
			slog.Warn("retrieval failed, answering without sources",
				"request_id", req.RequestID,
				"session_id", req.SessionID,
				"error", rres.Err,
			)
			st.sources = nil
		default:
			st.sources = rres.Data
		}

		if len(st.sources) > 1 && o.deps.Reranker != nil && o.deps.Reranker.IsEnabled() {
			rr := watchdog.Execute(st.wd, watchdog.StageRerank,
				func(stageCtx context.Context) ([]contract.Source, error) {
					return o.deps.Reranker.Rerank(stageCtx, st.pre.NormalizedText, st.sources, o.cfg.RerankTopN)
				},
				func() []contract.Source { return st.sources },
			)
			if rr.Err == nil && !rr.Aborted && len(rr.Data) > 0 {
				st.sources = rr.Data
			} else if rr.Err != nil {
				slog.Debug("rerank failed, keeping retrieval order",
					"request_id", req.RequestID, "error", rr.Err)
			}
		}
	}

	_ = st.fsm.Transition(contract.StateGenerating, "generation_started", nil)
	if notify != nil {
		if err := notify("generating"); err != nil {
			return st, nil, err
		}
	}
	return st, nil, nil
}

func (o *Orchestrator) generateBlocking(req *contract.Request, st *turnState) (*contract.Response, error) {
	opts := o.chatOptions(req)
	messages := buildGenerationMessages(st)

	llmStart := time.Now()
	gen := watchdog.Execute(st.wd, watchdog.StageGeneration,
		func(stageCtx context.Context) (*llm.ChatResult, error) {
			return o.deps.Gateway.Chat(stageCtx, messages, opts)
		}, nil)

	if gen.Aborted {
		return nil, gen.Err
	}
	if gen.TimedOut {
		st.fsm.HandleTimeout("generation")
		return o.timeoutResponse(req, st, "generation"), nil
	}
	if gen.Err != nil {
		code := contract.ClassifyError(gen.Err)
		st.fsm.HandleError(code, gen.Err.Error())
		slog.Error("pipeline_error",
			"request_id", req.RequestID,
			"session_id", req.SessionID,
			"stage", "generation",
			"error_code", string(code),
			"error", gen.Err,
		)
		return o.errorResponse(req, st, code), nil
	}
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordLLM(gen.Data.Model, gen.Data.Provider, time.Since(llmStart), gen.Data.Tokens)
	}

	post := watchdog.Execute(st.wd, watchdog.StagePostprocess,
		func(context.Context) (string, error) {
			return postprocessAnswer(gen.Data.Content), nil
		},
		func() string { return strings.TrimSpace(gen.Data.Content) },
	)
	answer := post.Data
	if answer == "" {
		code := contract.CodeUpstream5xx
		st.fsm.HandleError(code, "empty generation")
		return o.errorResponse(req, st, code), nil
	}

	if err := st.fsm.HandleSuccess(); err != nil {
		slog.Warn("success transition rejected", "request_id", req.RequestID, "error", err)
	}
	st.fsm.AppendExchange(st.pre.NormalizedText, answer)

	report := st.wd.Finish()
	resp, err := contract.NewResponse(req.RequestID, req.SessionID).
		SetState(contract.StateSuccess).
		SetAction(contract.ActionAnswer).
		SetMessage(answer).
		SetIntent(st.top.Intent, st.top.Confidence).
		SetEntities(st.analysis.Entities).
		SetSources(st.sources).
		SetLatency(latencyFromReport(report)).
		SetModel(gen.Data.Model, gen.Data.Provider).
		SetMetadata(&contract.Metadata{TokensUsed: gen.Data.Tokens}).
		Build()
	if err != nil {
		return nil, err
	}

	slog.Info("pipeline_completed",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"intent", st.top.Intent,
		"action", string(resp.Action),
		"total_ms", report.Total.Milliseconds(),
		"tokens", gen.Data.Tokens,
	)
	return resp, nil
}

// needsRetrieval reports whether the turn demands knowledge lookup.
func (o *Orchestrator) needsRetrieval(st *turnState) bool {
	switch st.top.Intent {
	case nlu.IntentResearch, nlu.IntentDocumentAnalysis, nlu.IntentDataAnalysis, nlu.IntentMultiStepTask:
		return true
	}
	switch st.analysis.Complexity {
	case nlu.ComplexityComplex, nlu.ComplexityExpert:
		return true
	}
	return false
}

func (o *Orchestrator) chatOptions(req *contract.Request) llm.ChatOptions {
	opts := llm.ChatOptions{EnableFallback: true}
	if req.Context != nil {
		opts.Model = req.Context.Model
		if req.Context.Temperature != nil {
			opts.Temperature = float32(*req.Context.Temperature)
		}
	}
	if req.Options != nil && req.Options.MaxTokens > 0 {
		opts.MaxTokens = req.Options.MaxTokens
	}
	return opts
}

func (o *Orchestrator) busyResponse(req *contract.Request) *contract.Response {
	return contract.ErrorResponse(req.RequestID, req.SessionID,
		contract.CodeRateLimited,
		FallbackMessage(contract.CodeRateLimited), 0)
}

func (o *Orchestrator) errorResponse(req *contract.Request, st *turnState, code contract.ErrorCode) *contract.Response {
	report := st.wd.Finish()
	slog.Error("pipeline_error",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"error_code", string(code),
		"total_ms", report.Total.Milliseconds(),
	)
	return contract.ErrorResponse(req.RequestID, req.SessionID,
		code, FallbackMessage(code), report.Total.Milliseconds())
}

func (o *Orchestrator) timeoutResponse(req *contract.Request, st *turnState, stage string) *contract.Response {
	report := st.wd.Finish()
	code := contract.TimeoutCodeForStage(stage)
	return contract.TimeoutResponse(req.RequestID, req.SessionID,
		stage, FallbackMessage(code), latencyFromReport(report))
}

func (o *Orchestrator) lowConfidenceFallback(req *contract.Request, st *turnState) *contract.Response {
	report := st.wd.Finish()
	return contract.NewResponse(req.RequestID, req.SessionID).
		SetState(contract.StateFallback).
		SetAction(contract.ActionFallbackGeneric).
		SetMessage(FallbackMessage(contract.CodeLowConfidence)).
		SetIntent(st.top.Intent, st.top.Confidence).
		SetError(contract.CodeLowConfidence, false).
		SetLatency(latencyFromReport(report)).
		SetMetadata(&contract.Metadata{FromFallback: true}).
		MustBuild()
}

func (o *Orchestrator) recordOutcome(req *contract.Request, resp *contract.Response, st *turnState) {
	if o.deps.Metrics == nil || st == nil {
		return
	}
	streaming := req.Options != nil && req.Options.Streaming
	o.deps.Metrics.RecordRequest(string(req.Channel), streaming,
		string(resp.Action), string(resp.ErrorCode), time.Since(st.start))
}

// latencyFromReport converts the watchdog report to the wire breakdown.
// Stages absent from the report stay null.
func latencyFromReport(r watchdog.Report) contract.Latency {
	l := contract.Latency{Total: r.Total.Milliseconds()}
	set := func(dst **int64, stage watchdog.Stage) {
		if d, ok := r.Durations[stage]; ok {
			ms := d.Milliseconds()
			*dst = &ms
		}
	}
	set(&l.Preprocess, watchdog.StagePreprocess)
	set(&l.NLU, watchdog.StageNLU)
	set(&l.Retrieval, watchdog.StageRetrieval)
	set(&l.Rerank, watchdog.StageRerank)
	set(&l.Generation, watchdog.StageGeneration)
	set(&l.Postprocess, watchdog.StagePostprocess)
	return l
}

func flagStrings(flags []preprocess.Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

// postprocessAnswer cleans the generated text for delivery.
func postprocessAnswer(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return s
}

// buildGenerationMessages assembles the chat prompt: system instruction,
// retrieved context, trailing conversation history and the user message.
func buildGenerationMessages(st *turnState) []llm.Message {
	var sys strings.Builder
	sys.WriteString("Eres un asistente conversacional útil y preciso. ")
	if st.pre.Language == "en" {
		sys.WriteString("Answer in English. ")
	} else {
		sys.WriteString("Responde en español. ")
	}
	sys.WriteString("Sé claro y directo; si no sabes algo, dilo.")

	if len(st.sources) > 0 {
		sys.WriteString("\n\nContexto recuperado:\n")
		for i, src := range st.sources {
			fmt.Fprintf(&sys, "[%d] %s", i+1, src.Title)
			if src.Snippet != "" {
				sys.WriteString(": " + src.Snippet)
			}
			sys.WriteString("\n")
		}
		sys.WriteString("Usa el contexto cuando sea relevante y cita las fuentes como [n].")
	}

	messages := []llm.Message{llm.SystemPrompt(sys.String())}
	messages = append(messages, llm.TrimHistory(historyMessages(st.exchanges), maxPromptHistory)...)
	messages = append(messages, llm.UserMessage(st.pre.NormalizedText))
	return messages
}

// maxPromptHistory bounds the history entries sent upstream, on top of the
// system prompt and the current user message.
const maxPromptHistory = 10

// historyMessages flattens exchanges into alternating user and assistant
// chat messages, oldest first.
func historyMessages(exchanges []dialogue.Exchange) []llm.Message {
	out := make([]llm.Message, 0, len(exchanges)*2)
	for _, e := range exchanges {
		out = append(out, llm.UserMessage(e.UserMessage))
		out = append(out, llm.AssistantMessage(e.AssistantMessage))
	}
	return out
}

// historyStrings flattens exchanges into alternating user and assistant
// lines for the analyzer and clarifier.
func historyStrings(exchanges []dialogue.Exchange) []string {
	out := make([]string, 0, len(exchanges)*2)
	for _, e := range exchanges {
		out = append(out, e.UserMessage, e.AssistantMessage)
	}
	return out
}
