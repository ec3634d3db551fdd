package contract

import "strings"

// ErrorCode is the tagged error taxonomy of the pipeline. A response carries
// exactly one code; CodeNone marks a successful answer.
type ErrorCode string

const (
	CodeNone              ErrorCode = "NONE"
	CodeTimeoutPreprocess ErrorCode = "TIMEOUT_PREPROCESS"
	CodeTimeoutNLU        ErrorCode = "TIMEOUT_NLU"
	CodeTimeoutRetrieval  ErrorCode = "TIMEOUT_RETRIEVAL"
	CodeTimeoutGeneration ErrorCode = "TIMEOUT_GENERATION"
	CodeUpstream429       ErrorCode = "UPSTREAM_429"
	CodeUpstream5xx       ErrorCode = "UPSTREAM_5XX"
	CodeEmptyRetrieval    ErrorCode = "EMPTY_RETRIEVAL"
	CodeLowConfidence     ErrorCode = "LOW_CONFIDENCE"
	CodeGarbageInput      ErrorCode = "GARBAGE_INPUT"
	CodeCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimited       ErrorCode = "RATE_LIMITED"
)

// Retryable reports whether the caller is invited to resend the same
// request after back-off. Only transient upstream, rate and circuit errors
// plus stage timeouts qualify.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeUpstream429, CodeUpstream5xx, CodeCircuitOpen, CodeRateLimited:
		return true
	}
	return strings.HasPrefix(string(c), "TIMEOUT_")
}

// ActionFor maps an error code to the degraded action surfaced to the caller.
func (c ErrorCode) ActionFor() Action {
	switch c {
	case CodeNone:
		return ActionAnswer
	case CodeEmptyRetrieval:
		return ActionFallbackKB
	case CodeLowConfidence:
		return ActionAskClarification
	case CodeUpstream429, CodeUpstream5xx, CodeCircuitOpen, CodeRateLimited:
		return ActionRetrySuggestion
	case CodeTimeoutPreprocess, CodeTimeoutNLU, CodeTimeoutRetrieval, CodeTimeoutGeneration:
		return ActionDegradedTimeout
	}
	return ActionFallbackGeneric
}

// TimeoutCodeForStage maps a stage name to its timeout code. Unknown stage
// names fall back to TIMEOUT_GENERATION, which keeps the envelope valid
// even if a caller passes a stage the taxonomy does not enumerate.
func TimeoutCodeForStage(stage string) ErrorCode {
	switch stage {
	case "preprocess":
		return CodeTimeoutPreprocess
	case "nlu":
		return CodeTimeoutNLU
	case "retrieval", "rerank":
		return CodeTimeoutRetrieval
	case "generation", "postprocess":
		return CodeTimeoutGeneration
	}
	return CodeTimeoutGeneration
}

// ClassifyError buckets an unclassified upstream error into the taxonomy
// by message inspection. The order matters: circuit-breaker errors often
// contain "503" in their message, so the circuit check runs first.
func ClassifyError(err error) ErrorCode {
	if err == nil {
		return CodeNone
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "circuit") && strings.Contains(msg, "open") {
		return CodeCircuitOpen
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return CodeTimeoutGeneration
	}
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") {
		return CodeUpstream429
	}
	if strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") || strings.Contains(msg, "bad gateway") {
		return CodeUpstream5xx
	}
	return CodeUpstream5xx
}

// FieldError is one human-readable validation failure for a request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}
