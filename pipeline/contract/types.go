// Package contract defines the public wire contract of the conversational
// pipeline: the request and response envelopes, the action and state
// vocabulary, and the error-code taxonomy. Response factories live here so
// every envelope the pipeline emits is built in one place.
package contract

import "encoding/json"

// Channel identifies the client surface a request originated from.
type Channel string

const (
	ChannelWeb    Channel = "web"
	ChannelAPI    Channel = "api"
	ChannelMobile Channel = "mobile"
	ChannelWidget Channel = "widget"
)

// State mirrors the dialogue FSM state on the wire.
type State string

const (
	StateIdle          State = "idle"
	StatePreprocessing State = "preprocessing"
	StateAnalyzing     State = "analyzing"
	StateRetrieving    State = "retrieving"
	StateGenerating    State = "generating"
	StateClarifying    State = "clarifying"
	StateSuccess       State = "success"
	StateFallback      State = "fallback"
	StateErrorDegraded State = "error_degraded"
	StateTimeout       State = "timeout"
)

// Action is the caller-facing outcome classification of a turn.
type Action string

const (
	ActionAnswer           Action = "ANSWER"
	ActionAskClarification Action = "ASK_CLARIFICATION"
	ActionFallbackKB       Action = "FALLBACK_KB"
	ActionFallbackGeneric  Action = "FALLBACK_GENERIC"
	ActionDegradedTimeout  Action = "DEGRADED_TIMEOUT"
	ActionEscalateHuman    Action = "ESCALATE_HUMAN"
	ActionRetrySuggestion  Action = "RETRY_SUGGESTION"
)

// Attachment describes a file attached to a request. The pipeline never
// reads attachment content; it only forwards metadata to the analyzer.
type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// RequestContext carries optional conversation-scoped hints.
type RequestContext struct {
	ChatID      string   `json:"chat_id,omitempty"`
	GPTID       string   `json:"gpt_id,omitempty"`
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// RequestOptions carries optional per-request behaviour switches.
type RequestOptions struct {
	Streaming   bool   `json:"streaming,omitempty"`
	EnableAgent bool   `json:"enable_agent,omitempty"`
	MaxTokens   int    `json:"max_tokens,omitempty"`
	Language    string `json:"language,omitempty"` // es, en, auto
}

// Request is the immutable per-turn input envelope.
type Request struct {
	RequestID   string          `json:"request_id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id,omitempty"`
	Message     string          `json:"message"`
	ClientTS    int64           `json:"client_ts,omitempty"`
	Channel     Channel         `json:"channel"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Context     *RequestContext `json:"context,omitempty"`
	Options     *RequestOptions `json:"options,omitempty"`
}

// SourceType classifies where a retrieved source came from.
type SourceType string

const (
	SourceKB       SourceType = "kb"
	SourceWeb      SourceType = "web"
	SourceAcademic SourceType = "academic"
	SourceDocument SourceType = "document"
)

// Source is a single retrieval result surfaced to the caller.
type Source struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	URL       string     `json:"url,omitempty"`
	Snippet   string     `json:"snippet,omitempty"`
	Score     float64    `json:"score"`
	UpdatedAt int64      `json:"updated_at,omitempty"`
	Type      SourceType `json:"type,omitempty"`
}

// Latency is the per-stage latency breakdown of one turn. A nil stage value
// means the stage was not reached.
type Latency struct {
	Preprocess  *int64 `json:"preprocess"`
	NLU         *int64 `json:"nlu"`
	Retrieval   *int64 `json:"retrieval"`
	Rerank      *int64 `json:"rerank"`
	Generation  *int64 `json:"generation"`
	Postprocess *int64 `json:"postprocess"`
	Total       int64  `json:"total"`
}

// Metadata carries optional diagnostic fields on a response.
type Metadata struct {
	TokensUsed           int  `json:"tokens_used,omitempty"`
	Cached               bool `json:"cached,omitempty"`
	FromFallback         bool `json:"from_fallback,omitempty"`
	ClarificationAttempt int  `json:"clarification_attempt,omitempty"`
	DegradedMode         bool `json:"degraded_mode,omitempty"`
}

// Response is the typed envelope built exactly once per turn.
type Response struct {
	RequestID        string                     `json:"request_id"`
	SessionID        string                     `json:"session_id"`
	State            State                      `json:"state"`
	Message          string                     `json:"message"`
	Intent           string                     `json:"intent,omitempty"`
	IntentConfidence float64                    `json:"intent_confidence,omitempty"`
	Entities         map[string]json.RawMessage `json:"entities,omitempty"`
	Confidence       float64                    `json:"confidence"`
	Action           Action                     `json:"action"`
	Sources          []Source                   `json:"sources,omitempty"`
	Latency          Latency                    `json:"latency_ms"`
	ModelVersion     string                     `json:"model_version"`
	Provider         string                     `json:"provider,omitempty"`
	ErrorCode        ErrorCode                  `json:"error_code"`
	Retryable        bool                       `json:"retryable"`
	Metadata         *Metadata                  `json:"metadata,omitempty"`
}

// ChunkType discriminates streaming chunk payloads.
type ChunkType string

const (
	ChunkStatus        ChunkType = "status"
	ChunkContent       ChunkType = "content"
	ChunkClarification ChunkType = "clarification"
	ChunkError         ChunkType = "error"
)

// StreamChunk is one newline-delimited JSON frame of a streaming turn.
// SequenceID increases monotonically within a request; the frame with
// Done=true terminates the stream.
type StreamChunk struct {
	RequestID  string    `json:"request_id"`
	SequenceID int       `json:"sequence_id"`
	Type       ChunkType `json:"type"`
	Status     string    `json:"status,omitempty"`
	Content    string    `json:"content,omitempty"`
	ErrorCode  ErrorCode `json:"error_code,omitempty"`
	Message    string    `json:"message,omitempty"`
	Done       bool      `json:"done"`
}
