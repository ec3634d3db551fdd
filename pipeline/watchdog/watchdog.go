// Package watchdog enforces per-stage and total-request deadlines for one
// pipeline turn. Each stage gets a cancellation context derived from the
// request context; the total budget is authoritative and cancels stage
// contexts first so in-flight fallbacks can still be returned.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Stage identifies one pipeline stage.
type Stage string

const (
	StagePreprocess  Stage = "preprocess"
	StageNLU         Stage = "nlu"
	StageRetrieval   Stage = "retrieval"
	StageRerank      Stage = "rerank"
	StageGeneration  Stage = "generation"
	StagePostprocess Stage = "postprocess"
)

// Stages lists all stages in pipeline order.
var Stages = []Stage{
	StagePreprocess, StageNLU, StageRetrieval,
	StageRerank, StageGeneration, StagePostprocess,
}

// Cancellation causes distinguish why a stage context died.
var (
	ErrStageTimeout  = errors.New("stage budget exceeded")
	ErrTotalTimeout  = errors.New("total request budget exceeded")
	ErrStageFinished = errors.New("stage finished")
	errRequestDone   = errors.New("request finished")
)

// AbortError is the cancellation cause for a cooperative abort.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return "stage aborted: " + e.Reason
}

// Budget holds the per-stage and total deadlines for one request.
type Budget struct {
	Preprocess  time.Duration
	NLU         time.Duration
	Retrieval   time.Duration
	Rerank      time.Duration
	Generation  time.Duration
	Postprocess time.Duration
	Total       time.Duration
}

// DefaultBudget is the standard preset.
func DefaultBudget() Budget {
	return Budget{
		Preprocess:  500 * time.Millisecond,
		NLU:         1000 * time.Millisecond,
		Retrieval:   3000 * time.Millisecond,
		Rerank:      1500 * time.Millisecond,
		Generation:  8000 * time.Millisecond,
		Postprocess: 500 * time.Millisecond,
		Total:       15000 * time.Millisecond,
	}
}

// AggressiveBudget is the low-latency preset.
func AggressiveBudget() Budget {
	return Budget{
		Preprocess:  200 * time.Millisecond,
		NLU:         500 * time.Millisecond,
		Retrieval:   2000 * time.Millisecond,
		Rerank:      1000 * time.Millisecond,
		Generation:  5000 * time.Millisecond,
		Postprocess: 300 * time.Millisecond,
		Total:       10000 * time.Millisecond,
	}
}

// For returns the configured budget of a stage.
func (b Budget) For(stage Stage) time.Duration {
	switch stage {
	case StagePreprocess:
		return b.Preprocess
	case StageNLU:
		return b.NLU
	case StageRetrieval:
		return b.Retrieval
	case StageRerank:
		return b.Rerank
	case StageGeneration:
		return b.Generation
	case StagePostprocess:
		return b.Postprocess
	}
	return b.Total
}

// WithOverride returns a copy of the budget with one stage replaced.
func (b Budget) WithOverride(stage Stage, d time.Duration) Budget {
	switch stage {
	case StagePreprocess:
		b.Preprocess = d
	case StageNLU:
		b.NLU = d
	case StageRetrieval:
		b.Retrieval = d
	case StageRerank:
		b.Rerank = d
	case StageGeneration:
		b.Generation = d
	case StagePostprocess:
		b.Postprocess = d
	}
	return b
}

// Report is the latency accounting returned by Finish. A stage missing
// from Durations was never reached.
type Report struct {
	Durations map[Stage]time.Duration
	Total     time.Duration
}

type stageState struct {
	start    time.Time
	ctx      context.Context
	cancel   context.CancelCauseFunc
	timer    *time.Timer
	stopProp func() bool // stops root-cancellation propagation
	onAbort  func()
	duration time.Duration
	budget   time.Duration
	done     bool
	aborted  bool
}

// Watchdog owns the timers and cancellation tokens of one request. It is
// created per turn and must not be reused.
type Watchdog struct {
	requestID string
	budget    Budget
	obs       Observer

	mu         sync.Mutex
	start      time.Time
	started    bool
	finished   bool
	rootCtx    context.Context
	rootCancel context.CancelCauseFunc
	totalTimer *time.Timer
	stages     map[Stage]*stageState
}

// New creates a watchdog for one request. The observer may be nil.
func New(requestID string, budget Budget, obs Observer) *Watchdog {
	if obs == nil {
		obs = NopObserver{}
	}
	return &Watchdog{
		requestID: requestID,
		budget:    budget,
		obs:       obs,
		stages:    make(map[Stage]*stageState),
	}
}

// StartRequest arms the total timer and returns the request-scoped context.
// The returned context is cancelled when the total budget elapses, when
// Abort is called, or when the parent context dies.
func (w *Watchdog) StartRequest(parent context.Context) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return w.rootCtx
	}
	w.started = true
	w.start = time.Now()
	w.rootCtx, w.rootCancel = context.WithCancelCause(parent)
	w.totalTimer = time.AfterFunc(w.budget.Total, w.onTotalTimeout)
	w.obs.OnEvent(Event{Type: EventRequestStarted, RequestID: w.requestID})
	return w.rootCtx
}

func (w *Watchdog) onTotalTimeout() {
	// Stage tokens are cancelled before the root so a stage caller racing
	// on its own context observes a stage-level cancellation and can still
	// hand back its registered fallback.
	w.mu.Lock()
	states := make(map[Stage]*stageState, len(w.stages))
	for s, st := range w.stages {
		states[s] = st
	}
	rootCancel := w.rootCancel
	w.mu.Unlock()

	for stage, st := range states {
		w.abortStage(stage, st, ErrTotalTimeout)
	}
	if rootCancel != nil {
		rootCancel(ErrTotalTimeout)
	}
	w.obs.OnEvent(Event{Type: EventRequestAborted, RequestID: w.requestID, Reason: ErrTotalTimeout.Error()})
}

// StartStage arms the stage timer and returns the stage cancellation
// context. Idempotent: a second call returns the current context.
func (w *Watchdog) StartStage(stage Stage) context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()

	if st, ok := w.stages[stage]; ok && !st.done {
		return st.ctx
	}

	parent := w.rootCtx
	if parent == nil {
		parent = context.Background()
	}

	budget := w.budget.For(stage)
	if remaining := w.remainingLocked(); remaining < budget {
		budget = remaining
	}

	ctx, cancel := context.WithCancelCause(parent)
	st := &stageState{
		start:  time.Now(),
		ctx:    ctx,
		cancel: cancel,
		budget: budget,
	}
	st.timer = time.AfterFunc(budget, func() {
		w.abortStage(stage, st, ErrStageTimeout)
	})
	// Propagate root cancellation (caller cancel, session teardown) into
	// the stage so the on_abort hook fires there too.
	st.stopProp = context.AfterFunc(parent, func() {
		cause := context.Cause(parent)
		if cause == nil {
			cause = parent.Err()
		}
		w.abortStage(stage, st, cause)
	})
	w.stages[stage] = st

	w.obs.OnEvent(Event{Type: EventStageStarted, RequestID: w.requestID, Stage: stage})
	return ctx
}

// RegisterOnAbort installs the at-most-one abort hook for a stage. The
// hook runs exactly once if the stage is cancelled before EndStage.
func (w *Watchdog) RegisterOnAbort(stage Stage, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if st, ok := w.stages[stage]; ok {
		st.onAbort = fn
	}
}

// abortStage cancels a stage token with the given cause and fires the
// abort hook. Safe to call multiple times; only the first takes effect.
func (w *Watchdog) abortStage(stage Stage, st *stageState, cause error) {
	w.mu.Lock()
	if st.done || st.aborted {
		w.mu.Unlock()
		return
	}
	st.aborted = true
	hook := st.onAbort
	st.timer.Stop()
	w.mu.Unlock()

	if hook != nil {
		hook()
	}
	st.cancel(cause)

	evt := EventStageAborted
	if errors.Is(cause, ErrStageTimeout) || errors.Is(cause, ErrTotalTimeout) {
		evt = EventStageTimedOut
	}
	w.obs.OnEvent(Event{Type: evt, RequestID: w.requestID, Stage: stage, Reason: cause.Error()})
}

// AbortStage cooperatively cancels one stage.
func (w *Watchdog) AbortStage(stage Stage, reason string) {
	w.mu.Lock()
	st, ok := w.stages[stage]
	w.mu.Unlock()
	if ok {
		w.abortStage(stage, st, &AbortError{Reason: reason})
	}
}

// AbortAllStages cooperatively cancels every in-flight stage.
func (w *Watchdog) AbortAllStages(reason string) {
	w.mu.Lock()
	states := make(map[Stage]*stageState, len(w.stages))
	for s, st := range w.stages {
		states[s] = st
	}
	w.mu.Unlock()
	for stage, st := range states {
		w.abortStage(stage, st, &AbortError{Reason: reason})
	}
}

// Abort cancels every stage and the request context itself.
func (w *Watchdog) Abort(reason string) {
	w.AbortAllStages(reason)
	w.mu.Lock()
	rootCancel := w.rootCancel
	w.mu.Unlock()
	if rootCancel != nil {
		rootCancel(&AbortError{Reason: reason})
	}
	w.obs.OnEvent(Event{Type: EventRequestAborted, RequestID: w.requestID, Reason: reason})
}

// EndStage disarms the stage timer, records the duration and releases the
// stage token. The stage timer never fires after EndStage returns.
func (w *Watchdog) EndStage(stage Stage) time.Duration {
	w.mu.Lock()
	st, ok := w.stages[stage]
	if !ok || st.done {
		w.mu.Unlock()
		return 0
	}
	st.done = true
	st.timer.Stop()
	if st.stopProp != nil {
		st.stopProp()
	}
	st.duration = time.Since(st.start)
	d := st.duration
	budget := st.budget
	cancel := st.cancel
	w.mu.Unlock()

	cancel(ErrStageFinished)
	w.obs.OnEvent(Event{
		Type:         EventStageCompleted,
		RequestID:    w.requestID,
		Stage:        stage,
		Duration:     d,
		WithinBudget: d <= budget,
	})
	return d
}

// RemainingBudget returns max(0, total - elapsed).
func (w *Watchdog) RemainingBudget() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.remainingLocked()
}

func (w *Watchdog) remainingLocked() time.Duration {
	if !w.started {
		return w.budget.Total
	}
	remaining := w.budget.Total - time.Since(w.start)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Finish disarms all timers, revokes all tokens and returns the latency
// report. Stages never started are absent from the report.
func (w *Watchdog) Finish() Report {
	w.mu.Lock()
	if w.finished {
		report := w.reportLocked()
		w.mu.Unlock()
		return report
	}
	w.finished = true
	if w.totalTimer != nil {
		w.totalTimer.Stop()
	}
	for _, st := range w.stages {
		if !st.done {
			st.done = true
			st.timer.Stop()
			if st.stopProp != nil {
				st.stopProp()
			}
			st.duration = time.Since(st.start)
			defer st.cancel(errRequestDone)
		}
	}
	rootCancel := w.rootCancel
	report := w.reportLocked()
	w.mu.Unlock()

	if rootCancel != nil {
		rootCancel(errRequestDone)
	}
	w.obs.OnEvent(Event{Type: EventRequestCompleted, RequestID: w.requestID, Duration: report.Total})
	return report
}

func (w *Watchdog) reportLocked() Report {
	r := Report{Durations: make(map[Stage]time.Duration, len(w.stages))}
	for stage, st := range w.stages {
		r.Durations[stage] = st.duration
	}
	if w.started {
		r.Total = time.Since(w.start)
	}
	return r
}
