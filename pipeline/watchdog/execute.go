package watchdog

import (
	"context"
	"errors"
)

// Result is the outcome of one staged operation.
type Result[T any] struct {
	Data T
	// TimedOut is set when the stage or total budget elapsed first.
	TimedOut bool
	// Aborted is set when the stage was cooperatively cancelled.
	Aborted bool
	// UsedFallback is set when Data came from the fallback supplier.
	UsedFallback bool
	Err          error
}

// OK reports whether the result carries usable data.
func (r Result[T]) OK() bool {
	return r.Err == nil && !r.Aborted && (!r.TimedOut || r.UsedFallback)
}

// Op is a staged operation receiving the stage cancellation context. I/O
// drivers must propagate the context so cancellation actually stops work.
type Op[T any] func(ctx context.Context) (T, error)

// Call bundles the pieces of an abortable staged operation.
type Call[T any] struct {
	Execute Op[T]
	// OnAbort, if set, runs exactly once when the stage is cancelled so
	// long-running external work (HTTP stream, browser session) can be
	// torn down.
	OnAbort func()
	// Fallback, if set, supplies substitute data on timeout.
	Fallback func() T
}

// Execute runs an operation under a stage budget. On timeout it returns
// the fallback when one was supplied; otherwise the result is marked
// TimedOut. On cooperative abort the result is marked Aborted. A stage
// that finishes after losing the race has its result discarded.
func Execute[T any](w *Watchdog, stage Stage, op Op[T], fallback func() T) Result[T] {
	return ExecuteCall(w, stage, Call[T]{Execute: op, Fallback: fallback})
}

// ExecuteCall is Execute with an abort hook.
func ExecuteCall[T any](w *Watchdog, stage Stage, call Call[T]) Result[T] {
	ctx := w.StartStage(stage)
	if call.OnAbort != nil {
		w.RegisterOnAbort(stage, call.OnAbort)
	}

	type outcome struct {
		data T
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		data, err := call.Execute(ctx)
		ch <- outcome{data: data, err: err}
	}()

	select {
	case out := <-ch:
		w.EndStage(stage)
		if out.err != nil {
			// The op may lose the race and hand back the cancellation error
			// itself; classify by the recorded cause so the outcome does not
			// depend on select ordering.
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, ErrStageFinished) {
				return classify(cause, call)
			}
		}
		return Result[T]{Data: out.data, Err: out.err}

	case <-ctx.Done():
		cause := context.Cause(ctx)
		w.EndStage(stage)
		return classify(cause, call)
	}
}

// classify maps a stage cancellation cause to a result: cooperative abort
// and caller cancellation are Aborted, everything else is a timeout with
// the fallback applied when available.
func classify[T any](cause error, call Call[T]) Result[T] {
	var abortErr *AbortError
	if errors.As(cause, &abortErr) || errors.Is(cause, context.Canceled) {
		return Result[T]{Aborted: true, Err: cause}
	}

	res := Result[T]{TimedOut: true, Err: cause}
	if call.Fallback != nil {
		res.Data = call.Fallback()
		res.UsedFallback = true
		res.Err = nil
	}
	return res
}
