// Package clarify decides whether a turn needs a clarifying question and
// produces one. Question text comes from a static template table; an
// optional LLM pass rephrases it under a hard bound and is never fatal.
package clarify

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/convopipe/convopipe/pipeline/llm"
	"github.com/convopipe/convopipe/pipeline/nlu"
)

// Kind classifies why clarification is needed.
type Kind string

const (
	KindIntentAmbiguous Kind = "intent_ambiguous"
	KindEntityAmbiguous Kind = "entity_ambiguous"
	KindEntityMissing   Kind = "entity_missing"
	KindContextUnclear  Kind = "context_unclear"
)

// Confidence thresholds of the decision algorithm.
const (
	ThresholdHigh    = 0.85
	ThresholdOK      = 0.70
	ThresholdClarify = 0.40
	ThresholdReject  = 0.20
)

// Two top intents closer than this margin are considered ambiguous.
const ambiguityMargin = 0.15

// Bounds on the optional LLM rephrasing call.
const (
	rephraseMaxTokens   = 100
	rephraseTimeout     = 2 * time.Second
	rephraseTemperature = 0.3
	rephraseMinLen      = 6   // output must satisfy 5 < len
	rephraseMaxLen      = 199 // and len < 200
)

// Request is the clarification input for one turn.
type Request struct {
	Message        string
	Intents        []nlu.IntentScore
	Entities       map[string]json.RawMessage
	MissingSlots   []string
	AmbiguousTerms []string
	History        []string
	Language       string // es or en; anything else defaults to es
}

// Decision is the policy outcome.
type Decision struct {
	ShouldClarify bool
	Kind          Kind
	Question      string
	// HighPriority marks the below-reject band where the question doubles
	// as a user-visible fallback.
	HighPriority bool
}

// Config tunes the policy.
type Config struct {
	ThresholdOK      float64
	ThresholdClarify float64
	MaxAttempts      int
	EnableLLM        bool
	// Disabled turns the policy off entirely; Decide never asks and the
	// caller resolves low confidence through its fallback path.
	Disabled bool
	Seed     int64 // 0 = time-seeded
}

// DefaultConfig returns the standard policy configuration.
func DefaultConfig() Config {
	return Config{
		ThresholdOK:      ThresholdOK,
		ThresholdClarify: ThresholdClarify,
		MaxAttempts:      3,
		EnableLLM:        true,
	}
}

// Policy implements the clarification decision algorithm.
type Policy struct {
	cfg     Config
	gateway llm.Gateway // nil disables rephrasing regardless of cfg

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a policy. The gateway may be nil.
func New(cfg Config, gateway llm.Gateway) *Policy {
	if cfg.ThresholdOK == 0 {
		cfg.ThresholdOK = ThresholdOK
	}
	if cfg.ThresholdClarify == 0 {
		cfg.ThresholdClarify = ThresholdClarify
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Policy{
		cfg:     cfg,
		gateway: gateway,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Decide runs the confidence gate. attempts is the number of clarifying
// questions already asked this session; once the cap is reached the policy
// refuses and the caller must fall back.
func (p *Policy) Decide(ctx context.Context, req Request, attempts int) Decision {
	if p.cfg.Disabled || attempts >= p.cfg.MaxAttempts {
		return Decision{}
	}

	top, ok := firstIntent(req.Intents)
	if !ok {
		return p.clarification(ctx, req, KindContextUnclear, "", "", false)
	}
	c := top.Confidence

	if c >= ThresholdHigh {
		return Decision{}
	}

	if c >= p.cfg.ThresholdOK {
		if len(req.MissingSlots) > 0 {
			return p.clarification(ctx, req, KindEntityMissing, req.MissingSlots[0], "", false)
		}
		return Decision{}
	}

	if c >= p.cfg.ThresholdClarify {
		if runner, ok := secondIntent(req.Intents); ok && c-runner.Confidence < ambiguityMargin {
			return p.clarificationIntents(ctx, req, top.Intent, runner.Intent)
		}
		if len(req.AmbiguousTerms) > 0 {
			return p.clarification(ctx, req, KindEntityAmbiguous, "", req.AmbiguousTerms[0], false)
		}
		if len(req.MissingSlots) > 0 {
			return p.clarification(ctx, req, KindEntityMissing, req.MissingSlots[0], "", false)
		}
		return p.clarification(ctx, req, KindContextUnclear, "", "", false)
	}

	// Below the clarify band the question doubles as the fallback message.
	return p.clarification(ctx, req, KindContextUnclear, "", "", true)
}

func (p *Policy) clarification(ctx context.Context, req Request, kind Kind, slot, term string, highPriority bool) Decision {
	question := p.renderTemplate(kind, req.Language, templateArgs{Slot: slot, Term: term})
	question = p.maybeRephrase(ctx, req, question)
	return Decision{
		ShouldClarify: true,
		Kind:          kind,
		Question:      question,
		HighPriority:  highPriority,
	}
}

func (p *Policy) clarificationIntents(ctx context.Context, req Request, intentA, intentB string) Decision {
	question := p.renderTemplate(KindIntentAmbiguous, req.Language, templateArgs{
		IntentA: intentA,
		IntentB: intentB,
	})
	question = p.maybeRephrase(ctx, req, question)
	return Decision{
		ShouldClarify: true,
		Kind:          KindIntentAmbiguous,
		Question:      question,
	}
}

// maybeRephrase asks the LLM for a friendlier wording. The call is hard
// bounded; any failure or out-of-bounds output keeps the template.
func (p *Policy) maybeRephrase(ctx context.Context, req Request, question string) string {
	if !p.cfg.EnableLLM || p.gateway == nil {
		return question
	}

	var content strings.Builder
	for _, h := range req.History {
		content.WriteString("Turno previo: " + h + "\n")
	}
	content.WriteString("Mensaje del usuario: " + req.Message + "\nPregunta: " + question)

	result, err := p.gateway.Chat(ctx, []llm.Message{
		llm.SystemPrompt("Reformula la siguiente pregunta aclaratoria en una sola frase breve y natural, en español. Responde solo con la pregunta."),
		llm.UserMessage(content.String()),
	}, llm.ChatOptions{
		MaxTokens:   rephraseMaxTokens,
		Timeout:     rephraseTimeout,
		Temperature: rephraseTemperature,
	})
	if err != nil {
		slog.Debug("clarify: rephrase call failed, using template", "error", err)
		return question
	}
	rephrased := result.Content
	if n := len([]rune(rephrased)); n < rephraseMinLen || n > rephraseMaxLen {
		slog.Debug("clarify: rephrased question out of bounds, using template", "length", n)
		return question
	}
	return rephrased
}

func firstIntent(intents []nlu.IntentScore) (nlu.IntentScore, bool) {
	if len(intents) == 0 {
		return nlu.IntentScore{}, false
	}
	return intents[0], true
}

func secondIntent(intents []nlu.IntentScore) (nlu.IntentScore, bool) {
	if len(intents) < 2 {
		return nlu.IntentScore{}, false
	}
	return intents[1], true
}
