package nlu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/convopipe/convopipe/pipeline/llm"
)

const classifierSystemPrompt = `You are an intent classifier for a conversational assistant.
Classify the user message and reply with ONLY a JSON object, no prose:
{
  "intents": [{"intent": "<chat|research|document_analysis|data_analysis|multi_step_task>", "confidence": 0.0}],
  "entities": {},
  "missing_slots": [],
  "ambiguous_terms": [],
  "complexity": "<simple|moderate|complex|expert>"
}
Order intents by descending confidence. Include at most three candidates.`

// Classification calls are cheap and must stay cheap.
const (
	classifierTimeout     = 3 * time.Second
	classifierMaxTokens   = 256
	classifierTemperature = 0.1
)

// LLMAnalyzer classifies with an LLM and degrades to the rule matcher
// whenever the model is unreachable or returns malformed output. Analysis
// therefore never fails outright.
type LLMAnalyzer struct {
	gateway  llm.Gateway
	fallback *RuleAnalyzer
	model    string
}

// NewLLMAnalyzer creates an analyzer backed by the given gateway. An empty
// model uses the gateway default.
func NewLLMAnalyzer(gateway llm.Gateway, model string) *LLMAnalyzer {
	return &LLMAnalyzer{
		gateway:  gateway,
		fallback: NewRuleAnalyzer(),
		model:    model,
	}
}

func (a *LLMAnalyzer) Analyze(ctx context.Context, message string, input Input) (*Result, error) {
	messages := []llm.Message{
		llm.SystemPrompt(classifierSystemPrompt),
	}
	for _, h := range llm.TrimHistory(toMessages(input.History), 10) {
		messages = append(messages, h)
	}
	messages = append(messages, llm.UserMessage(message))

	result, err := a.gateway.Chat(ctx, messages, llm.ChatOptions{
		Model:       a.model,
		Temperature: classifierTemperature,
		Timeout:     classifierTimeout,
		MaxTokens:   classifierMaxTokens,
	})
	if err != nil {
		slog.Warn("nlu: classifier call failed, using rule matcher",
			"session_id", input.SessionID,
			"error", err,
		)
		return a.fallback.Analyze(ctx, message, input)
	}

	parsed, err := parseClassifierOutput(result.Content)
	if err != nil {
		slog.Warn("nlu: classifier output unparseable, using rule matcher",
			"session_id", input.SessionID,
			"error", err,
		)
		return a.fallback.Analyze(ctx, message, input)
	}
	parsed.RawMessage = message
	return parsed, nil
}

func toMessages(history []string) []llm.Message {
	out := make([]llm.Message, 0, len(history))
	for i, h := range history {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: h})
	}
	return out
}

// parseClassifierOutput extracts the JSON object from the model reply.
// Models occasionally wrap JSON in a code fence; strip it before decoding.
func parseClassifierOutput(content string) (*Result, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in classifier output")
	}

	var res Result
	if err := json.Unmarshal([]byte(content[start:end+1]), &res); err != nil {
		return nil, fmt.Errorf("decode classifier output: %w", err)
	}
	if len(res.Intents) == 0 {
		return nil, fmt.Errorf("classifier returned no intents")
	}
	for _, s := range res.Intents {
		if s.Confidence < 0 || s.Confidence > 1 {
			return nil, fmt.Errorf("classifier confidence %f out of range", s.Confidence)
		}
	}
	if res.Complexity == "" {
		res.Complexity = ComplexitySimple
	}
	return &res, nil
}
