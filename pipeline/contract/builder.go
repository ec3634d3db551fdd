package contract

import (
	"encoding/json"
	"fmt"
)

// ResponseBuilder assembles a Response incrementally. Build validates the
// envelope invariants; a violation is a programming error in the caller,
// not a runtime condition, so Build returns it as an error for tests to
// catch rather than panicking in production.
type ResponseBuilder struct {
	resp Response
}

// NewResponse starts a builder bound to a request/session pair.
func NewResponse(requestID, sessionID string) *ResponseBuilder {
	return &ResponseBuilder{resp: Response{
		RequestID: requestID,
		SessionID: sessionID,
		ErrorCode: CodeNone,
	}}
}

func (b *ResponseBuilder) SetState(s State) *ResponseBuilder {
	b.resp.State = s
	return b
}

func (b *ResponseBuilder) SetMessage(msg string) *ResponseBuilder {
	b.resp.Message = msg
	return b
}

func (b *ResponseBuilder) SetIntent(intent string, confidence float64) *ResponseBuilder {
	b.resp.Intent = intent
	b.resp.IntentConfidence = confidence
	b.resp.Confidence = confidence
	return b
}

func (b *ResponseBuilder) SetEntities(entities map[string]json.RawMessage) *ResponseBuilder {
	b.resp.Entities = entities
	return b
}

func (b *ResponseBuilder) SetAction(a Action) *ResponseBuilder {
	b.resp.Action = a
	return b
}

func (b *ResponseBuilder) SetSources(sources []Source) *ResponseBuilder {
	b.resp.Sources = sources
	return b
}

func (b *ResponseBuilder) SetLatency(l Latency) *ResponseBuilder {
	b.resp.Latency = l
	return b
}

func (b *ResponseBuilder) SetModel(version, provider string) *ResponseBuilder {
	b.resp.ModelVersion = version
	b.resp.Provider = provider
	return b
}

func (b *ResponseBuilder) SetError(code ErrorCode, retryable bool) *ResponseBuilder {
	b.resp.ErrorCode = code
	b.resp.Retryable = retryable
	return b
}

func (b *ResponseBuilder) SetMetadata(m *Metadata) *ResponseBuilder {
	b.resp.Metadata = m
	return b
}

// Build validates and returns the response. The envelope invariant is
// error_code == NONE iff state == success and action == ANSWER.
func (b *ResponseBuilder) Build() (*Response, error) {
	r := b.resp

	if r.RequestID == "" || r.SessionID == "" {
		return nil, fmt.Errorf("response missing request_id or session_id")
	}
	if r.State == "" {
		return nil, fmt.Errorf("response missing state")
	}
	if r.Action == "" {
		return nil, fmt.Errorf("response missing action")
	}
	success := r.State == StateSuccess && r.Action == ActionAnswer
	if success != (r.ErrorCode == CodeNone) {
		return nil, fmt.Errorf("envelope invariant violated: state=%s action=%s error_code=%s",
			r.State, r.Action, r.ErrorCode)
	}
	if r.ErrorCode != CodeNone && r.Retryable != r.ErrorCode.Retryable() {
		return nil, fmt.Errorf("retryable=%v inconsistent with error_code=%s", r.Retryable, r.ErrorCode)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return nil, fmt.Errorf("confidence %f out of range", r.Confidence)
	}
	return &r, nil
}

// MustBuild is Build for paths where the inputs are statically correct,
// such as the factory constructors below.
func (b *ResponseBuilder) MustBuild() *Response {
	r, err := b.Build()
	if err != nil {
		panic(err)
	}
	return r
}

// ErrorResponse builds the degraded envelope for a classified error. The
// per-stage latency is null because the breakdown is unknown at this
// point; only the measured total is carried.
func ErrorResponse(requestID, sessionID string, code ErrorCode, message string, totalMS int64) *Response {
	return NewResponse(requestID, sessionID).
		SetState(StateErrorDegraded).
		SetAction(code.ActionFor()).
		SetMessage(message).
		SetError(code, code.Retryable()).
		SetLatency(Latency{Total: totalMS}).
		SetMetadata(&Metadata{DegradedMode: true, FromFallback: true}).
		MustBuild()
}

// TimeoutResponse builds the envelope for a stage deadline violation.
func TimeoutResponse(requestID, sessionID, stage, message string, latency Latency) *Response {
	code := TimeoutCodeForStage(stage)
	return NewResponse(requestID, sessionID).
		SetState(StateTimeout).
		SetAction(ActionDegradedTimeout).
		SetMessage(message).
		SetError(code, true).
		SetLatency(latency).
		SetMetadata(&Metadata{DegradedMode: true}).
		MustBuild()
}

// ClarificationResponse builds the envelope for a clarifying question.
// Clarification is not an error: the code stays NONE-adjacent via
// LOW_CONFIDENCE with retryable=false, and metadata carries the attempt
// number so clients can render progress.
func ClarificationResponse(requestID, sessionID, question string, confidence float64, attempt int, totalMS int64) *Response {
	b := NewResponse(requestID, sessionID).
		SetState(StateClarifying).
		SetAction(ActionAskClarification).
		SetMessage(question).
		SetError(CodeLowConfidence, false).
		SetLatency(Latency{Total: totalMS}).
		SetMetadata(&Metadata{ClarificationAttempt: attempt})
	b.resp.Confidence = confidence
	return b.MustBuild()
}
