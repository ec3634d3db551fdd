// Package dialogue implements the per-session finite-state machine that
// governs a conversation: state transitions, clarification bookkeeping,
// slot memory and session lifecycle. One FSM exists per session; a
// Registry owns all of them and sweeps stale ones.
package dialogue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/sync/semaphore"

	"github.com/convopipe/convopipe/pipeline/contract"
)

// allowedTransitions is the source of truth for legal state moves.
var allowedTransitions = map[contract.State][]contract.State{
	contract.StateIdle:          {contract.StatePreprocessing, contract.StateErrorDegraded},
	contract.StatePreprocessing: {contract.StateAnalyzing, contract.StateErrorDegraded, contract.StateTimeout},
	contract.StateAnalyzing:     {contract.StateRetrieving, contract.StateGenerating, contract.StateClarifying, contract.StateFallback, contract.StateErrorDegraded, contract.StateTimeout},
	contract.StateRetrieving:    {contract.StateGenerating, contract.StateClarifying, contract.StateFallback, contract.StateErrorDegraded, contract.StateTimeout},
	contract.StateGenerating:    {contract.StateSuccess, contract.StateClarifying, contract.StateFallback, contract.StateErrorDegraded, contract.StateTimeout},
	contract.StateClarifying:    {contract.StateIdle, contract.StateAnalyzing, contract.StateClarifying, contract.StateFallback, contract.StateTimeout},
	contract.StateSuccess:       {contract.StateIdle},
	contract.StateFallback:      {contract.StateIdle, contract.StateSuccess},
	contract.StateErrorDegraded: {contract.StateIdle},
	contract.StateTimeout:       {contract.StateIdle, contract.StateFallback},
}

func transitionAllowed(from, to contract.State) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// turnInFlight reports whether a state means a turn is still being
// processed. Clarifying is a resting state: the turn ended with a
// question and the session waits for the user's answer.
func turnInFlight(s contract.State) bool {
	switch s {
	case contract.StatePreprocessing, contract.StateAnalyzing, contract.StateRetrieving, contract.StateGenerating:
		return true
	}
	return false
}

// TransitionEvent is one history record, appended on every state change.
type TransitionEvent struct {
	From      contract.State
	To        contract.State
	Trigger   string
	Timestamp time.Time
	Metadata  map[string]any
}

// History is capped so a pathological session cannot grow without bound;
// the oldest records are dropped first.
const maxHistory = 256

// Exchange is one completed user/assistant exchange retained as prompt
// context for later turns.
type Exchange struct {
	UserMessage      string
	AssistantMessage string
	Timestamp        time.Time
}

// Conversation memory keeps the trailing exchanges only.
const maxConversation = 10

// ErrInvalidTransition is returned when a move is not in the table.
type ErrInvalidTransition struct {
	From contract.State
	To   contract.State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// ErrTurnInFlight is returned when a turn is started while another is
// still active on the same session.
type ErrTurnInFlight struct {
	SessionID string
}

func (e *ErrTurnInFlight) Error() string {
	return "turn already in flight on session " + e.SessionID
}

// Config tunes one FSM.
type Config struct {
	MaxClarificationAttempts int
	StateTimeout             time.Duration
}

// DefaultConfig returns the standard FSM configuration.
func DefaultConfig() Config {
	return Config{
		MaxClarificationAttempts: 3,
		StateTimeout:             30 * time.Second,
	}
}

// FSM is the dialogue state machine of one session. All methods are safe
// for concurrent use; operations within one FSM are serialised.
type FSM struct {
	sessionID string

	mu                    sync.Mutex
	cfg                   Config
	state                 contract.State
	requestID             string
	turnID                string
	userID                string
	turnCount             int
	lastIntent            string
	confirmedSlots        map[string]any
	pendingClarification  bool
	clarificationAttempts int
	history               []TransitionEvent
	conversation          []Exchange
	lastActivity          time.Time
	stateTimer            *time.Timer
	destroyed             bool

	// turnSem serialises turns: one in flight per session.
	turnSem *semaphore.Weighted
}

// NewFSM creates an FSM in the idle state.
func NewFSM(sessionID string, cfg Config) *FSM {
	if cfg.MaxClarificationAttempts <= 0 {
		cfg.MaxClarificationAttempts = 3
	}
	if cfg.StateTimeout <= 0 {
		cfg.StateTimeout = 30 * time.Second
	}
	return &FSM{
		sessionID:      sessionID,
		cfg:            cfg,
		state:          contract.StateIdle,
		confirmedSlots: make(map[string]any),
		lastActivity:   time.Now(),
		turnSem:        semaphore.NewWeighted(1),
	}
}

// SessionID returns the owning session id.
func (f *FSM) SessionID() string { return f.sessionID }

// State returns the current state.
func (f *FSM) State() contract.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// TryBeginTurn reserves the session for one turn. It returns false when a
// turn is already in flight; callers must queue or drop.
func (f *FSM) TryBeginTurn() bool {
	return f.turnSem.TryAcquire(1)
}

// EndTurn releases the turn reservation taken by TryBeginTurn.
func (f *FSM) EndTurn() {
	f.turnSem.Release(1)
}

// StartNewTurn begins a turn: increments the turn counter, records the
// request id and moves idle -> preprocessing. A resting session is first
// brought back to idle; a session still mid-turn rejects the call.
func (f *FSM) StartNewTurn(requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return fmt.Errorf("session %s destroyed", f.sessionID)
	}

	if f.state != contract.StateIdle {
		if turnInFlight(f.state) {
			return &ErrTurnInFlight{SessionID: f.sessionID}
		}
		_ = f.transitionLocked(contract.StateIdle, "new_turn", nil, false)
	}

	f.turnCount++
	f.requestID = requestID
	f.turnID = shortuuid.New()
	f.pendingClarification = false
	f.touchLocked()
	return f.transitionLocked(contract.StatePreprocessing, "turn_started", nil, false)
}

// Transition moves the FSM along a table edge. Disallowed moves leave the
// state unchanged and return ErrInvalidTransition.
func (f *FSM) Transition(to contract.State, trigger string, metadata map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	return f.transitionLocked(to, trigger, metadata, false)
}

// ForceTransition bypasses the table. Used by the safety timer and by
// administrative resets; the history trigger carries a forced_ prefix.
func (f *FSM) ForceTransition(to contract.State, trigger string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	_ = f.transitionLocked(to, "forced_"+trigger, metadata, true)
}

func (f *FSM) transitionLocked(to contract.State, trigger string, metadata map[string]any, forced bool) error {
	from := f.state

	if !forced && !transitionAllowed(from, to) {
		slog.Warn("invalid_transition",
			"session_id", f.sessionID,
			"request_id", f.requestID,
			"from", string(from),
			"to", string(to),
			"trigger", trigger,
		)
		return &ErrInvalidTransition{From: from, To: to}
	}

	// Clarifying self-loop counts as a retry. Once the cap is hit the
	// session falls back instead of asking again.
	if from == contract.StateClarifying && to == contract.StateClarifying {
		f.clarificationAttempts++
		if f.clarificationAttempts >= f.cfg.MaxClarificationAttempts {
			f.appendHistoryLocked(from, contract.StateFallback, "clarification_cap_reached", metadata)
			f.state = contract.StateFallback
			f.pendingClarification = false
			f.clarificationAttempts = 0
			f.armStateTimerLocked()
			return nil
		}
	} else if to == contract.StateClarifying {
		f.clarificationAttempts++
		f.pendingClarification = true
	}

	f.appendHistoryLocked(from, to, trigger, metadata)
	f.state = to
	if to != contract.StateClarifying {
		f.pendingClarification = false
	}
	// Falling back closes the clarification episode; the next unclear turn
	// may ask again.
	if to == contract.StateFallback {
		f.clarificationAttempts = 0
	}
	f.armStateTimerLocked()
	return nil
}

func (f *FSM) appendHistoryLocked(from, to contract.State, trigger string, metadata map[string]any) {
	f.history = append(f.history, TransitionEvent{
		From:      from,
		To:        to,
		Trigger:   trigger,
		Timestamp: time.Now(),
		Metadata:  metadata,
	})
	if len(f.history) > maxHistory {
		f.history = f.history[len(f.history)-maxHistory:]
	}
}

// armStateTimerLocked arms the per-state safety timer. Idle and success
// are resting states and carry no timer. On fire the FSM is forced to
// fallback so an orphaned session cannot stay wedged.
func (f *FSM) armStateTimerLocked() {
	if f.stateTimer != nil {
		f.stateTimer.Stop()
		f.stateTimer = nil
	}
	if f.destroyed || f.state == contract.StateIdle || f.state == contract.StateSuccess {
		return
	}
	f.stateTimer = time.AfterFunc(f.cfg.StateTimeout, func() {
		f.ForceTransition(contract.StateFallback, "state_timeout_exceeded", nil)
	})
}

// HandleConfidence applies the confidence gate and returns the action.
func (f *FSM) HandleConfidence(confidence float64, intent string) contract.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	f.lastIntent = intent

	if confidence >= ThresholdOK {
		return contract.ActionAnswer
	}
	if confidence >= ThresholdClarify && f.clarificationAttempts < f.cfg.MaxClarificationAttempts {
		_ = f.transitionLocked(contract.StateClarifying, "low_confidence", map[string]any{
			"confidence": confidence,
			"intent":     intent,
		}, false)
		return contract.ActionAskClarification
	}
	_ = f.transitionLocked(contract.StateFallback, "confidence_below_threshold", map[string]any{
		"confidence": confidence,
	}, false)
	return contract.ActionFallbackGeneric
}

// Confidence thresholds used by HandleConfidence. They mirror the
// clarification policy so both gates agree.
const (
	ThresholdOK      = 0.70
	ThresholdClarify = 0.40
)

// HandleTimeout records a stage deadline violation.
func (f *FSM) HandleTimeout(stage string) contract.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	_ = f.transitionLocked(contract.StateTimeout, "stage_timeout", map[string]any{"stage": stage}, false)
	return contract.ActionDegradedTimeout
}

// HandleError records an upstream or input failure and picks the
// degraded action by error code.
func (f *FSM) HandleError(code contract.ErrorCode, msg string) contract.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	md := map[string]any{"error_code": string(code)}
	if msg != "" {
		md["message"] = msg
	}
	_ = f.transitionLocked(contract.StateErrorDegraded, "pipeline_error", md, false)

	switch code {
	case contract.CodeEmptyRetrieval:
		return contract.ActionFallbackKB
	case contract.CodeUpstream429, contract.CodeUpstream5xx:
		return contract.ActionRetrySuggestion
	}
	return contract.ActionFallbackGeneric
}

// HandleSuccess finishes the turn: clarification attempts reset to zero,
// slots are cleared, state moves to success.
func (f *FSM) HandleSuccess() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	f.clarificationAttempts = 0
	f.confirmedSlots = make(map[string]any)
	f.pendingClarification = false
	return f.transitionLocked(contract.StateSuccess, "turn_succeeded", nil, false)
}

// ResetClarifications zeroes the attempt counter without touching state.
func (f *FSM) ResetClarifications() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clarificationAttempts = 0
	f.pendingClarification = false
}

// AppendExchange records a completed exchange. Only the trailing
// maxConversation exchanges are retained.
func (f *FSM) AppendExchange(user, assistant string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	f.conversation = append(f.conversation, Exchange{
		UserMessage:      user,
		AssistantMessage: assistant,
		Timestamp:        time.Now(),
	})
	if len(f.conversation) > maxConversation {
		f.conversation = f.conversation[len(f.conversation)-maxConversation:]
	}
}

// Conversation returns a copy of the retained exchanges, oldest first.
func (f *FSM) Conversation() []Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Exchange, len(f.conversation))
	copy(out, f.conversation)
	return out
}

// UpdateSlot stores a confirmed slot value.
func (f *FSM) UpdateSlot(key string, value any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touchLocked()
	f.confirmedSlots[key] = value
}

// GetSlot reads a confirmed slot value.
func (f *FSM) GetSlot(key string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.confirmedSlots[key]
	return v, ok
}

// ClearSlots drops all confirmed slots.
func (f *FSM) ClearSlots() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmedSlots = make(map[string]any)
}

// Metrics is an introspection snapshot of one FSM.
type Metrics struct {
	SessionID             string
	State                 contract.State
	RequestID             string
	TurnID                string
	TurnCount             int
	LastIntent            string
	ClarificationAttempts int
	PendingClarification  bool
	ConfirmedSlots        int
	HistoryLen            int
	LastActivity          time.Time
}

// GetMetrics returns a point-in-time snapshot.
func (f *FSM) GetMetrics() Metrics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Metrics{
		SessionID:             f.sessionID,
		State:                 f.state,
		RequestID:             f.requestID,
		TurnID:                f.turnID,
		TurnCount:             f.turnCount,
		LastIntent:            f.lastIntent,
		ClarificationAttempts: f.clarificationAttempts,
		PendingClarification:  f.pendingClarification,
		ConfirmedSlots:        len(f.confirmedSlots),
		HistoryLen:            len(f.history),
		LastActivity:          f.lastActivity,
	}
}

// History returns a copy of the transition history.
func (f *FSM) History() []TransitionEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TransitionEvent, len(f.history))
	copy(out, f.history)
	return out
}

// ClarificationAttempts returns the current attempt count.
func (f *FSM) ClarificationAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clarificationAttempts
}

// LastActivity returns the last time a public operation touched this FSM.
func (f *FSM) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastActivity
}

func (f *FSM) touchLocked() {
	f.lastActivity = time.Now()
}

// Destroy disarms timers and marks the FSM unusable. A destroyed FSM is
// never reused; the registry creates a fresh one on the next turn.
func (f *FSM) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	if f.stateTimer != nil {
		f.stateTimer.Stop()
		f.stateTimer = nil
	}
}
