package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/convopipe/convopipe/pipeline/contract"
	"github.com/convopipe/convopipe/pipeline/watchdog"
)

// Emit delivers one stream chunk to the caller. A non-nil error aborts
// the turn; it usually means the client went away.
type Emit func(contract.StreamChunk) error

// chunkWriter numbers chunks monotonically per request.
type chunkWriter struct {
	requestID string
	emit      Emit
	seq       int
	done      bool
}

func (w *chunkWriter) send(c contract.StreamChunk) error {
	if w.done {
		return nil
	}
	c.RequestID = w.requestID
	c.SequenceID = w.seq
	w.seq++
	if c.Done {
		w.done = true
	}
	return w.emit(c)
}

func (w *chunkWriter) status(phase string) error {
	return w.send(contract.StreamChunk{Type: contract.ChunkStatus, Status: phase})
}

func (w *chunkWriter) failure(code contract.ErrorCode, message string) error {
	return w.send(contract.StreamChunk{
		Type:      contract.ChunkError,
		ErrorCode: code,
		Message:   message,
		Done:      true,
	})
}

// ProcessStream runs one streaming turn, emitting newline-delimited JSON
// chunks through emit in the order status, (clarification|error|content*),
// terminated by exactly one chunk with Done set.
func (o *Orchestrator) ProcessStream(ctx context.Context, req *contract.Request, emit Emit) error {
	w := &chunkWriter{requestID: req.RequestID, emit: emit}

	st, terminal, err := o.prepare(ctx, req, w.status)
	if err != nil {
		return err
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
		if terminal.State == contract.StateClarifying {
			return w.send(contract.StreamChunk{
				Type:    contract.ChunkClarification,
				Content: terminal.Message,
				Done:    true,
			})
		}
		return w.failure(terminal.ErrorCode, terminal.Message)
	}

	return o.generateStreaming(req, st, w)
}

func (o *Orchestrator) generateStreaming(req *contract.Request, st *turnState, w *chunkWriter) error {
	opts := o.chatOptions(req)
	messages := buildGenerationMessages(st)

	stageCtx := st.wd.StartStage(watchdog.StageGeneration)
	llmStart := time.Now()
	deltas, errs := o.deps.Gateway.ChatStream(stageCtx, messages, opts)

	var answer strings.Builder
	emitted := false
	for {
		if deltas == nil && errs == nil {
			// Both channels closed without a Done fragment; treat as a
			// truncated upstream stream.
			st.wd.EndStage(watchdog.StageGeneration)
			if emitted {
				return o.finishStream(req, st, w, answer.String(), llmStart)
			}
			code := contract.CodeUpstream5xx
			st.fsm.HandleError(code, "stream ended without content")
			o.recordStreamOutcome(req, st, contract.ActionRetrySuggestion, code)
			return w.failure(code, FallbackMessage(code))
		}

		select {
		case delta, ok := <-deltas:
			if !ok {
				deltas = nil
				continue
			}
			if delta.Done {
				st.wd.EndStage(watchdog.StageGeneration)
				return o.finishStream(req, st, w, answer.String(), llmStart)
			}
			emitted = true
			answer.WriteString(delta.Content)
			if err := w.send(contract.StreamChunk{
				Type:    contract.ChunkContent,
				Content: delta.Content,
			}); err != nil {
				st.wd.AbortStage(watchdog.StageGeneration, "client disconnected")
				return err
			}

		case streamErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			st.wd.EndStage(watchdog.StageGeneration)
			code := contract.ClassifyError(streamErr)
			st.fsm.HandleError(code, streamErr.Error())
			slog.Error("pipeline_error",
				"request_id", req.RequestID,
				"session_id", req.SessionID,
				"stage", "generation",
				"error_code", string(code),
				"error", streamErr,
			)
			o.recordStreamOutcome(req, st, contract.ActionRetrySuggestion, code)
			return w.failure(code, FallbackMessage(code))

		case <-stageCtx.Done():
			cause := context.Cause(stageCtx)
			st.wd.EndStage(watchdog.StageGeneration)
			var abortErr *watchdog.AbortError
			if errors.As(cause, &abortErr) || errors.Is(cause, context.Canceled) {
				return cause
			}
			st.fsm.HandleTimeout("generation")
			code := contract.TimeoutCodeForStage("generation")
			o.recordStreamOutcome(req, st, contract.ActionDegradedTimeout, code)
			return w.failure(code, FallbackMessage(code))
		}
	}
}

func (o *Orchestrator) finishStream(req *contract.Request, st *turnState, w *chunkWriter, answer string, llmStart time.Time) error {
	if answer == "" {
		code := contract.CodeUpstream5xx
		st.fsm.HandleError(code, "empty generation")
		o.recordStreamOutcome(req, st, contract.ActionRetrySuggestion, code)
		return w.failure(code, FallbackMessage(code))
	}

	if err := st.fsm.HandleSuccess(); err != nil {
		slog.Warn("success transition rejected", "request_id", req.RequestID, "error", err)
	}
	st.fsm.AppendExchange(st.pre.NormalizedText, answer)
	report := st.wd.Finish()
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordLLM(o.cfg.ModelVersion, "", time.Since(llmStart), 0)
	}
	o.recordStreamOutcome(req, st, contract.ActionAnswer, contract.CodeNone)

	slog.Info("pipeline_completed",
		"request_id", req.RequestID,
		"session_id", req.SessionID,
		"intent", st.top.Intent,
		"action", string(contract.ActionAnswer),
		"total_ms", report.Total.Milliseconds(),
		"streaming", true,
	)
	return w.send(contract.StreamChunk{Type: contract.ChunkContent, Done: true})
}

func (o *Orchestrator) recordStreamOutcome(req *contract.Request, st *turnState, action contract.Action, code contract.ErrorCode) {
	if o.deps.Metrics == nil {
		return
	}
	o.deps.Metrics.RecordRequest(string(req.Channel), true, string(action), string(code), time.Since(st.start))
}
