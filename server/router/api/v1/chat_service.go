package v1

import (
	"encoding/json"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/convopipe/convopipe/pipeline/contract"
	"github.com/convopipe/convopipe/pipeline/orchestrator"
)

// ChatService exposes the conversational pipeline over HTTP.
type ChatService struct {
	Orchestrator *orchestrator.Orchestrator
}

// Chat handles POST /api/v1/chat: one blocking turn, JSON in, JSON out.
func (s *ChatService) Chat(c echo.Context) error {
	req, fieldErrs, err := decodeAndValidate(c)
	if err != nil {
		return err
	}
	if len(fieldErrs) > 0 {
		return validationError(c, fieldErrs)
	}

	resp, procErr := s.Orchestrator.Process(c.Request().Context(), req)
	if procErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, procErr.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// ChatStream handles POST /api/v1/chat/stream: one turn streamed as
// newline-delimited JSON chunks.
func (s *ChatService) ChatStream(c echo.Context) error {
	req, fieldErrs, err := decodeAndValidate(c)
	if err != nil {
		return err
	}
	if len(fieldErrs) > 0 {
		return validationError(c, fieldErrs)
	}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	emit := func(chunk contract.StreamChunk) error {
		if err := enc.Encode(chunk); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if procErr := s.Orchestrator.ProcessStream(c.Request().Context(), req, emit); procErr != nil {
		// Headers are already out; the broken stream is the signal.
		c.Logger().Warnf("stream aborted: %v", procErr)
	}
	return nil
}

func decodeAndValidate(c echo.Context) (*contract.Request, []contract.FieldError, error) {
	req, fieldErrs, err := contract.DecodeRequest(c.Request().Body)
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "malformed request body: "+err.Error())
	}
	return req, fieldErrs, nil
}

func validationError(c echo.Context, fieldErrs []contract.FieldError) error {
	return c.JSON(http.StatusBadRequest, map[string]any{
		"message": "request validation failed",
		"errors":  fieldErrs,
	})
}
