package v1

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convopipe/convopipe/pipeline/clarify"
	"github.com/convopipe/convopipe/pipeline/contract"
	"github.com/convopipe/convopipe/pipeline/dialogue"
	"github.com/convopipe/convopipe/pipeline/llm"
	"github.com/convopipe/convopipe/pipeline/nlu"
	"github.com/convopipe/convopipe/pipeline/orchestrator"
)

type scriptedGateway struct{}

func (scriptedGateway) Chat(context.Context, []llm.Message, llm.ChatOptions) (*llm.ChatResult, error) {
	return &llm.ChatResult{Content: "Hola, todo bien.", Tokens: 7, Provider: "xai", Model: "grok-3-mini"}, nil
}

func (scriptedGateway) ChatStream(context.Context, []llm.Message, llm.ChatOptions) (<-chan llm.Delta, <-chan error) {
	deltas := make(chan llm.Delta, 3)
	errs := make(chan error)
	deltas <- llm.Delta{Content: "Hola, "}
	deltas <- llm.Delta{Content: "todo bien."}
	deltas <- llm.Delta{Done: true}
	close(deltas)
	close(errs)
	return deltas, errs
}

func (scriptedGateway) Warmup(context.Context) {}

func newTestService(t *testing.T) *ChatService {
	t.Helper()

	reg := dialogue.NewRegistry(dialogue.RegistryConfig{
		FSM:             dialogue.DefaultConfig(),
		SweepInterval:   time.Hour,
		SessionLifetime: time.Hour,
	})
	t.Cleanup(reg.Close)

	clarifyCfg := clarify.DefaultConfig()
	clarifyCfg.EnableLLM = false

	o, err := orchestrator.New(orchestrator.DefaultConfig(), orchestrator.Deps{
		Registry:  reg,
		Analyzer:  nlu.NewRuleAnalyzer(),
		Clarifier: clarify.New(clarifyCfg, nil),
		Gateway:   scriptedGateway{},
	})
	require.NoError(t, err)
	return &ChatService{Orchestrator: o}
}

func postChat(t *testing.T, svc *ChatService, path, body string, handler echo.HandlerFunc) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, handler(c)
}

func TestChatReturnsEnvelope(t *testing.T) {
	svc := newTestService(t)

	body := `{"session_id":"sess-1","message":"hola, ¿cómo estás?","channel":"web"}`
	rec, err := postChat(t, svc, "/api/v1/chat", body, svc.Chat)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp contract.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, contract.StateSuccess, resp.State)
	assert.Equal(t, contract.ActionAnswer, resp.Action)
	assert.Equal(t, "Hola, todo bien.", resp.Message)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.NotEmpty(t, resp.RequestID)
}

func TestChatRejectsMalformedBody(t *testing.T) {
	svc := newTestService(t)

	_, err := postChat(t, svc, "/api/v1/chat", `{"session_id":`, svc.Chat)
	require.Error(t, err)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestChatRejectsUnknownFields(t *testing.T) {
	svc := newTestService(t)

	_, err := postChat(t, svc, "/api/v1/chat", `{"session_id":"s","message":"hola","bogus":1}`, svc.Chat)
	require.Error(t, err)

	var httpErr *echo.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.Code)
}

func TestChatReportsValidationErrors(t *testing.T) {
	svc := newTestService(t)

	rec, err := postChat(t, svc, "/api/v1/chat", `{"message":"","channel":"fax"}`, svc.Chat)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Message string                `json:"message"`
		Errors  []contract.FieldError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "request validation failed", body.Message)

	fields := make([]string, 0, len(body.Errors))
	for _, fe := range body.Errors {
		fields = append(fields, fe.Field)
	}
	assert.Contains(t, fields, "session_id")
	assert.Contains(t, fields, "message")
	assert.Contains(t, fields, "channel")
}

func TestChatStreamEmitsNDJSON(t *testing.T) {
	svc := newTestService(t)

	body := `{"session_id":"sess-1","message":"hola, ¿cómo estás?","options":{"streaming":true}}`
	rec, err := postChat(t, svc, "/api/v1/chat/stream", body, svc.ChatStream)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get(echo.HeaderContentType))

	var chunks []contract.StreamChunk
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var c contract.StreamChunk
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &c))
		chunks = append(chunks, c)
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, chunks)

	assert.Equal(t, contract.ChunkStatus, chunks[0].Type)
	last := chunks[len(chunks)-1]
	assert.True(t, last.Done)
	for i, c := range chunks {
		assert.Equal(t, i, c.SequenceID)
	}

	var text strings.Builder
	for _, c := range chunks {
		if c.Type == contract.ChunkContent {
			text.WriteString(c.Content)
		}
	}
	assert.Equal(t, "Hola, todo bien.", text.String())
}
