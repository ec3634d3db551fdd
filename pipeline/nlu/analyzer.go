// Package nlu defines the prompt-analyzer contract consumed by the
// pipeline and provides two implementations: a deterministic rule matcher
// and an LLM-backed classifier that degrades to the rules on failure.
package nlu

import (
	"context"
	"encoding/json"

	"github.com/convopipe/convopipe/pipeline/contract"
)

// Complexity grades how much machinery a request needs downstream.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
	ComplexityExpert   Complexity = "expert"
)

// Well-known intents. The set is open; these are the ones the pipeline
// gives special treatment (retrieval demand, slot requirements).
const (
	IntentChat             = "chat"
	IntentResearch         = "research"
	IntentDocumentAnalysis = "document_analysis"
	IntentDataAnalysis     = "data_analysis"
	IntentMultiStepTask    = "multi_step_task"
)

// IntentScore is one scored intent candidate.
type IntentScore struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Result is the analyzer output for one message.
type Result struct {
	// Intents is ordered by descending confidence; Intents[0] is the top
	// candidate. Empty means the analyzer detected nothing.
	Intents        []IntentScore              `json:"intents"`
	Entities       map[string]json.RawMessage `json:"entities,omitempty"`
	MissingSlots   []string                   `json:"missing_slots,omitempty"`
	AmbiguousTerms []string                   `json:"ambiguous_terms,omitempty"`
	Complexity     Complexity                 `json:"complexity"`
	RawMessage     string                     `json:"raw_message"`
}

// Top returns the highest-confidence intent, if any.
func (r *Result) Top() (IntentScore, bool) {
	if len(r.Intents) == 0 {
		return IntentScore{}, false
	}
	return r.Intents[0], true
}

// RunnerUp returns the second candidate, if any.
func (r *Result) RunnerUp() (IntentScore, bool) {
	if len(r.Intents) < 2 {
		return IntentScore{}, false
	}
	return r.Intents[1], true
}

// Input carries the turn context handed to the analyzer.
type Input struct {
	History     []string
	Attachments []contract.Attachment
	SessionID   string
	UserID      string
	ChatID      string
	RunID       string
}

// Analyzer is the prompt analysis contract.
type Analyzer interface {
	Analyze(ctx context.Context, message string, input Input) (*Result, error)
}
