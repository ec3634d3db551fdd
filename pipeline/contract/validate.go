package contract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Message size bounds enforced at the boundary.
const (
	MinMessageLen = 1
	MaxMessageLen = 50000
)

var validChannels = map[Channel]bool{
	ChannelWeb:    true,
	ChannelAPI:    true,
	ChannelMobile: true,
	ChannelWidget: true,
}

var validLanguages = map[string]bool{
	"es":   true,
	"en":   true,
	"auto": true,
}

// DecodeRequest parses a JSON request body, rejecting unknown fields, then
// validates it. Malformed JSON returns a non-nil error; a syntactically
// valid but invalid request returns field errors.
func DecodeRequest(r io.Reader) (*Request, []FieldError, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var req Request
	if err := dec.Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("decode request: %w", err)
	}
	if errs := ValidateRequest(&req); len(errs) > 0 {
		return nil, errs, nil
	}
	return &req, nil, nil
}

// DecodeRequestBytes is DecodeRequest over a byte slice.
func DecodeRequestBytes(b []byte) (*Request, []FieldError, error) {
	return DecodeRequest(bytes.NewReader(b))
}

// ValidateRequest checks a request against the boundary invariants and
// returns all violations. A nil request ID is generated rather than
// rejected so fire-and-forget clients stay usable.
func ValidateRequest(req *Request) []FieldError {
	var errs []FieldError

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	} else if _, err := uuid.Parse(req.RequestID); err != nil {
		errs = append(errs, FieldError{Field: "request_id", Message: "must be a valid UUID"})
	}

	if req.SessionID == "" {
		errs = append(errs, FieldError{Field: "session_id", Message: "is required"})
	}

	// Bounds are in characters, not bytes.
	if n := utf8.RuneCountInString(req.Message); n < MinMessageLen {
		errs = append(errs, FieldError{Field: "message", Message: "must not be empty"})
	} else if n > MaxMessageLen {
		errs = append(errs, FieldError{
			Field:   "message",
			Message: fmt.Sprintf("exceeds maximum length of %d characters", MaxMessageLen),
		})
	}

	if req.Channel == "" {
		req.Channel = ChannelAPI
	} else if !validChannels[req.Channel] {
		errs = append(errs, FieldError{
			Field:   "channel",
			Message: fmt.Sprintf("unknown channel %q", req.Channel),
		})
	}

	if req.Context != nil && req.Context.Temperature != nil {
		if t := *req.Context.Temperature; t < 0 || t > 2 {
			errs = append(errs, FieldError{Field: "context.temperature", Message: "must be in [0, 2]"})
		}
	}

	if req.Options != nil {
		if req.Options.MaxTokens < 0 {
			errs = append(errs, FieldError{Field: "options.max_tokens", Message: "must be non-negative"})
		}
		if req.Options.Language != "" && !validLanguages[req.Options.Language] {
			errs = append(errs, FieldError{
				Field:   "options.language",
				Message: fmt.Sprintf("unknown language %q", req.Options.Language),
			})
		}
	}

	for i, att := range req.Attachments {
		if att.ID == "" {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("attachments[%d].id", i),
				Message: "is required",
			})
		}
		if att.Size < 0 {
			errs = append(errs, FieldError{
				Field:   fmt.Sprintf("attachments[%d].size", i),
				Message: "must be non-negative",
			})
		}
	}

	return errs
}
