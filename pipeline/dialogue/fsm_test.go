package dialogue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convopipe/convopipe/pipeline/contract"
)

func newTestFSM() *FSM {
	return NewFSM("sess-1", DefaultConfig())
}

func TestHappyPathTransitions(t *testing.T) {
	f := newTestFSM()
	require.Equal(t, contract.StateIdle, f.State())

	require.NoError(t, f.StartNewTurn("req-1"))
	assert.Equal(t, contract.StatePreprocessing, f.State())

	for _, to := range []contract.State{
		contract.StateAnalyzing,
		contract.StateRetrieving,
		contract.StateGenerating,
		contract.StateSuccess,
		contract.StateIdle,
	} {
		require.NoError(t, f.Transition(to, "test", nil))
		assert.Equal(t, to, f.State())
	}

	m := f.GetMetrics()
	assert.Equal(t, 1, m.TurnCount)
	assert.Equal(t, "req-1", m.RequestID)
	assert.NotEmpty(t, m.TurnID)
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	f := newTestFSM()

	err := f.Transition(contract.StateGenerating, "test", nil)
	require.Error(t, err)

	var invalid *ErrInvalidTransition
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, contract.StateIdle, invalid.From)
	assert.Equal(t, contract.StateGenerating, invalid.To)
	assert.Equal(t, contract.StateIdle, f.State())
}

func TestStartNewTurnFromRestingStates(t *testing.T) {
	f := newTestFSM()

	require.NoError(t, f.StartNewTurn("req-1"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	require.NoError(t, f.Transition(contract.StateClarifying, "low_confidence", nil))

	// Clarifying is resting: the follow-up turn must be accepted.
	require.NoError(t, f.StartNewTurn("req-2"))
	assert.Equal(t, contract.StatePreprocessing, f.State())
	assert.Equal(t, 2, f.GetMetrics().TurnCount)
}

func TestStartNewTurnRejectedMidTurn(t *testing.T) {
	f := newTestFSM()

	require.NoError(t, f.StartNewTurn("req-1"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	require.NoError(t, f.Transition(contract.StateGenerating, "test", nil))

	err := f.StartNewTurn("req-2")
	var inFlight *ErrTurnInFlight
	require.True(t, errors.As(err, &inFlight))
	assert.Equal(t, "sess-1", inFlight.SessionID)
	assert.Equal(t, contract.StateGenerating, f.State())
}

func TestClarificationCapForcesFallback(t *testing.T) {
	f := newTestFSM()
	require.NoError(t, f.StartNewTurn("req-1"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))

	require.NoError(t, f.Transition(contract.StateClarifying, "low_confidence", nil))
	assert.Equal(t, 1, f.ClarificationAttempts())

	require.NoError(t, f.Transition(contract.StateClarifying, "still_unclear", nil))
	assert.Equal(t, contract.StateClarifying, f.State())
	assert.Equal(t, 2, f.ClarificationAttempts())

	// Third attempt hits the cap and the session falls back, which closes
	// the clarification episode.
	require.NoError(t, f.Transition(contract.StateClarifying, "still_unclear", nil))
	assert.Equal(t, contract.StateFallback, f.State())
	assert.Equal(t, 0, f.ClarificationAttempts())

	hist := f.History()
	last := hist[len(hist)-1]
	assert.Equal(t, "clarification_cap_reached", last.Trigger)
}

func TestFallbackResetsClarificationAttempts(t *testing.T) {
	f := newTestFSM()
	require.NoError(t, f.StartNewTurn("req-1"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	require.NoError(t, f.Transition(contract.StateClarifying, "low_confidence", nil))
	require.Equal(t, 1, f.ClarificationAttempts())

	require.NoError(t, f.Transition(contract.StateFallback, "confidence_below_threshold", nil))
	assert.Equal(t, 0, f.ClarificationAttempts())

	// The next unclear turn may ask again.
	require.NoError(t, f.StartNewTurn("req-2"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	action := f.HandleConfidence(0.5, "chat")
	assert.Equal(t, contract.ActionAskClarification, action)
	assert.Equal(t, 1, f.ClarificationAttempts())
}

func TestHandleConfidence(t *testing.T) {
	t.Run("above ok answers without moving", func(t *testing.T) {
		f := newTestFSM()
		require.NoError(t, f.StartNewTurn("req-1"))
		require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))

		action := f.HandleConfidence(0.9, "chat")
		assert.Equal(t, contract.ActionAnswer, action)
		assert.Equal(t, contract.StateAnalyzing, f.State())
	})

	t.Run("mid band asks for clarification", func(t *testing.T) {
		f := newTestFSM()
		require.NoError(t, f.StartNewTurn("req-1"))
		require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))

		action := f.HandleConfidence(0.5, "chat")
		assert.Equal(t, contract.ActionAskClarification, action)
		assert.Equal(t, contract.StateClarifying, f.State())
		assert.Equal(t, 1, f.ClarificationAttempts())
		assert.True(t, f.GetMetrics().PendingClarification)
	})

	t.Run("below clarify falls back", func(t *testing.T) {
		f := newTestFSM()
		require.NoError(t, f.StartNewTurn("req-1"))
		require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))

		action := f.HandleConfidence(0.3, "chat")
		assert.Equal(t, contract.ActionFallbackGeneric, action)
		assert.Equal(t, contract.StateFallback, f.State())
	})

	t.Run("exhausted attempts fall back even in band", func(t *testing.T) {
		f := NewFSM("sess-1", Config{MaxClarificationAttempts: 1, StateTimeout: time.Minute})
		require.NoError(t, f.StartNewTurn("req-1"))
		require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
		require.NoError(t, f.Transition(contract.StateClarifying, "low_confidence", nil))
		require.NoError(t, f.StartNewTurn("req-2"))
		require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))

		action := f.HandleConfidence(0.5, "chat")
		assert.Equal(t, contract.ActionFallbackGeneric, action)
		assert.Equal(t, contract.StateFallback, f.State())
	})
}

func TestHandleTimeout(t *testing.T) {
	f := newTestFSM()
	require.NoError(t, f.StartNewTurn("req-1"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	require.NoError(t, f.Transition(contract.StateGenerating, "test", nil))

	action := f.HandleTimeout("generation")
	assert.Equal(t, contract.ActionDegradedTimeout, action)
	assert.Equal(t, contract.StateTimeout, f.State())
}

func TestHandleErrorActions(t *testing.T) {
	tests := []struct {
		code contract.ErrorCode
		want contract.Action
	}{
		{contract.CodeEmptyRetrieval, contract.ActionFallbackKB},
		{contract.CodeUpstream429, contract.ActionRetrySuggestion},
		{contract.CodeUpstream5xx, contract.ActionRetrySuggestion},
		{contract.CodeGarbageInput, contract.ActionFallbackGeneric},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			f := newTestFSM()
			require.NoError(t, f.StartNewTurn("req-1"))
			require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))

			action := f.HandleError(tt.code, "boom")
			assert.Equal(t, tt.want, action)
			assert.Equal(t, contract.StateErrorDegraded, f.State())
		})
	}
}

func TestHandleSuccessResetsTurnState(t *testing.T) {
	f := newTestFSM()
	require.NoError(t, f.StartNewTurn("req-1"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	require.NoError(t, f.Transition(contract.StateClarifying, "low_confidence", nil))
	f.UpdateSlot("topic", "fotosíntesis")

	require.NoError(t, f.StartNewTurn("req-2"))
	require.NoError(t, f.Transition(contract.StateAnalyzing, "test", nil))
	require.NoError(t, f.Transition(contract.StateGenerating, "test", nil))
	require.NoError(t, f.HandleSuccess())

	assert.Equal(t, contract.StateSuccess, f.State())
	assert.Equal(t, 0, f.ClarificationAttempts())
	_, ok := f.GetSlot("topic")
	assert.False(t, ok)
}

func TestSafetyTimerForcesFallback(t *testing.T) {
	f := NewFSM("sess-1", Config{MaxClarificationAttempts: 3, StateTimeout: 20 * time.Millisecond})
	defer f.Destroy()
	require.NoError(t, f.StartNewTurn("req-1"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, contract.StateFallback, f.State())

	var forced bool
	for _, e := range f.History() {
		if e.Trigger == "forced_state_timeout_exceeded" {
			forced = true
		}
	}
	assert.True(t, forced)
}

func TestTryBeginTurnSerialises(t *testing.T) {
	f := newTestFSM()
	require.True(t, f.TryBeginTurn())
	assert.False(t, f.TryBeginTurn())
	f.EndTurn()
	assert.True(t, f.TryBeginTurn())
	f.EndTurn()
}

func TestDestroyedFSMRejectsTurns(t *testing.T) {
	f := newTestFSM()
	f.Destroy()
	assert.Error(t, f.StartNewTurn("req-1"))
}

func TestConversationMemoryKeepsTrailingExchanges(t *testing.T) {
	f := newTestFSM()
	assert.Empty(t, f.Conversation())

	for i := 0; i < 15; i++ {
		f.AppendExchange("pregunta", "respuesta")
	}
	conv := f.Conversation()
	require.Len(t, conv, 10)
	assert.Equal(t, "pregunta", conv[0].UserMessage)
	assert.Equal(t, "respuesta", conv[0].AssistantMessage)
	assert.False(t, conv[0].Timestamp.IsZero())
}

func TestSlotMemory(t *testing.T) {
	f := newTestFSM()
	f.UpdateSlot("document", "informe.pdf")

	v, ok := f.GetSlot("document")
	require.True(t, ok)
	assert.Equal(t, "informe.pdf", v)

	f.ClearSlots()
	_, ok = f.GetSlot("document")
	assert.False(t, ok)
}
