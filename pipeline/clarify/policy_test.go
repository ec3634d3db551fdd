package clarify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convopipe/convopipe/pipeline/nlu"
)

func newTestPolicy() *Policy {
	cfg := DefaultConfig()
	cfg.EnableLLM = false
	cfg.Seed = 42
	return New(cfg, nil)
}

func intents(scores ...float64) []nlu.IntentScore {
	names := []string{"research", "chat", "document_analysis"}
	out := make([]nlu.IntentScore, 0, len(scores))
	for i, s := range scores {
		out = append(out, nlu.IntentScore{Intent: names[i%len(names)], Confidence: s})
	}
	return out
}

func TestDecideConfidenceBands(t *testing.T) {
	p := newTestPolicy()
	ctx := context.Background()

	t.Run("high confidence answers directly", func(t *testing.T) {
		d := p.Decide(ctx, Request{Intents: intents(0.9)}, 0)
		assert.False(t, d.ShouldClarify)
	})

	t.Run("ok confidence without missing slots answers", func(t *testing.T) {
		d := p.Decide(ctx, Request{Intents: intents(0.75)}, 0)
		assert.False(t, d.ShouldClarify)
	})

	t.Run("ok confidence with missing slot asks for it", func(t *testing.T) {
		d := p.Decide(ctx, Request{
			Intents:      intents(0.75),
			MissingSlots: []string{"topic"},
		}, 0)
		require.True(t, d.ShouldClarify)
		assert.Equal(t, KindEntityMissing, d.Kind)
		assert.Contains(t, d.Question, "el tema")
		assert.False(t, d.HighPriority)
	})

	t.Run("close runners are ambiguous", func(t *testing.T) {
		d := p.Decide(ctx, Request{Intents: intents(0.55, 0.45)}, 0)
		require.True(t, d.ShouldClarify)
		assert.Equal(t, KindIntentAmbiguous, d.Kind)
		assert.Contains(t, d.Question, "investigar información")
		assert.Contains(t, d.Question, "conversar")
	})

	t.Run("ambiguous term wins over missing slot", func(t *testing.T) {
		d := p.Decide(ctx, Request{
			Intents:        intents(0.55, 0.30),
			AmbiguousTerms: []string{"el banco"},
			MissingSlots:   []string{"topic"},
		}, 0)
		require.True(t, d.ShouldClarify)
		assert.Equal(t, KindEntityAmbiguous, d.Kind)
		assert.Contains(t, d.Question, "el banco")
	})

	t.Run("clarify band without hints asks for context", func(t *testing.T) {
		d := p.Decide(ctx, Request{Intents: intents(0.5)}, 0)
		require.True(t, d.ShouldClarify)
		assert.Equal(t, KindContextUnclear, d.Kind)
		assert.False(t, d.HighPriority)
	})

	t.Run("below reject band is high priority", func(t *testing.T) {
		d := p.Decide(ctx, Request{Intents: intents(0.1)}, 0)
		require.True(t, d.ShouldClarify)
		assert.Equal(t, KindContextUnclear, d.Kind)
		assert.True(t, d.HighPriority)
	})

	t.Run("no intents asks for context", func(t *testing.T) {
		d := p.Decide(ctx, Request{}, 0)
		require.True(t, d.ShouldClarify)
		assert.Equal(t, KindContextUnclear, d.Kind)
	})
}

func TestDecideDisabledNeverAsks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableLLM = false
	cfg.Disabled = true
	p := New(cfg, nil)

	d := p.Decide(context.Background(), Request{Intents: intents(0.5)}, 0)
	assert.False(t, d.ShouldClarify)

	d = p.Decide(context.Background(), Request{}, 0)
	assert.False(t, d.ShouldClarify)
}

func TestDecideRefusesPastAttemptCap(t *testing.T) {
	p := newTestPolicy()
	d := p.Decide(context.Background(), Request{Intents: intents(0.3)}, 3)
	assert.False(t, d.ShouldClarify)

	d = p.Decide(context.Background(), Request{Intents: intents(0.3)}, 2)
	assert.True(t, d.ShouldClarify)
}

func TestRenderTemplateLanguages(t *testing.T) {
	p := newTestPolicy()
	ctx := context.Background()

	en := p.Decide(ctx, Request{Intents: intents(0.5), Language: "en"}, 0)
	require.True(t, en.ShouldClarify)
	assert.Contains(t, templates[KindContextUnclear]["en"], en.Question)

	// Unknown languages fall back to Spanish.
	fr := p.Decide(ctx, Request{Intents: intents(0.5), Language: "fr"}, 0)
	require.True(t, fr.ShouldClarify)
	assert.Contains(t, templates[KindContextUnclear]["es"], fr.Question)
}

func TestRephraseDisabledWithoutGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 7
	p := New(cfg, nil) // EnableLLM true but no gateway

	d := p.Decide(context.Background(), Request{
		Intents:      intents(0.75),
		MissingSlots: []string{"document"},
	}, 0)
	require.True(t, d.ShouldClarify)
	assert.Contains(t, d.Question, "el documento")
}
