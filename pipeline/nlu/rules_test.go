package nlu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuleAnalyzerIntents(t *testing.T) {
	a := NewRuleAnalyzer()

	tests := []struct {
		name       string
		message    string
		wantIntent string
		wantConf   float64
		wantSlots  []string
	}{
		{
			name:       "research pattern",
			message:    "Investiga sobre la fotosíntesis",
			wantIntent: IntentResearch,
			wantConf:   0.9,
			wantSlots:  []string{"topic"},
		},
		{
			name:       "research keyword only",
			message:    "necesito que investigues, busca información",
			wantIntent: IntentResearch,
			wantConf:   0.7,
			wantSlots:  []string{"topic"},
		},
		{
			name:       "document analysis",
			message:    "resume el documento adjunto",
			wantIntent: IntentDocumentAnalysis,
			wantConf:   0.7,
			wantSlots:  []string{"document"},
		},
		{
			name:       "data analysis",
			message:    "hazme un gráfico con el dataset",
			wantIntent: IntentDataAnalysis,
			wantConf:   0.7,
			wantSlots:  []string{"dataset"},
		},
		{
			name:       "multi step pattern",
			message:    "primero descarga el informe y después haz un resumen",
			wantIntent: IntentMultiStepTask,
			wantConf:   0.9,
		},
		{
			name:       "greeting chat",
			message:    "hola, ¿qué tal todo?",
			wantIntent: IntentChat,
			wantConf:   0.7,
		},
		{
			name:       "unmatched falls to chat default",
			message:    "mmm vale entonces eso",
			wantIntent: IntentChat,
			wantConf:   0.5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := a.Analyze(context.Background(), tt.message, Input{})
			require.NoError(t, err)

			top, ok := res.Top()
			require.True(t, ok)
			assert.Equal(t, tt.wantIntent, top.Intent)
			assert.InDelta(t, tt.wantConf, top.Confidence, 1e-9)
			for _, slot := range tt.wantSlots {
				assert.Contains(t, res.MissingSlots, slot)
			}
		})
	}
}

func TestRuleAnalyzerOrdersByConfidence(t *testing.T) {
	a := NewRuleAnalyzer()
	res, err := a.Analyze(context.Background(), "investiga sobre el documento de ventas", Input{})
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(res.Intents), 2)
	for i := 1; i < len(res.Intents); i++ {
		assert.GreaterOrEqual(t, res.Intents[i-1].Confidence, res.Intents[i].Confidence)
	}
}

func TestRuleAnalyzerComplexity(t *testing.T) {
	a := NewRuleAnalyzer()

	res, err := a.Analyze(context.Background(), "investiga sobre el cambio climático", Input{})
	require.NoError(t, err)
	assert.Equal(t, ComplexityComplex, res.Complexity)

	res, err = a.Analyze(context.Background(), "hola, buenos días", Input{})
	require.NoError(t, err)
	assert.Equal(t, ComplexitySimple, res.Complexity)
}

func TestParseClassifierOutput(t *testing.T) {
	t.Run("plain json", func(t *testing.T) {
		res, err := parseClassifierOutput(`{"intents":[{"intent":"research","confidence":0.82}],"complexity":"complex"}`)
		require.NoError(t, err)
		top, _ := res.Top()
		assert.Equal(t, "research", top.Intent)
		assert.Equal(t, ComplexityComplex, res.Complexity)
	})

	t.Run("fenced json", func(t *testing.T) {
		res, err := parseClassifierOutput("```json\n{\"intents\":[{\"intent\":\"chat\",\"confidence\":0.6}]}\n```")
		require.NoError(t, err)
		top, _ := res.Top()
		assert.Equal(t, "chat", top.Intent)
		assert.Equal(t, ComplexitySimple, res.Complexity)
	})

	t.Run("prose around json", func(t *testing.T) {
		res, err := parseClassifierOutput(`Here you go: {"intents":[{"intent":"chat","confidence":0.5}]} hope it helps`)
		require.NoError(t, err)
		top, _ := res.Top()
		assert.Equal(t, "chat", top.Intent)
	})

	t.Run("rejects empty intents", func(t *testing.T) {
		_, err := parseClassifierOutput(`{"intents":[]}`)
		assert.Error(t, err)
	})

	t.Run("rejects out of range confidence", func(t *testing.T) {
		_, err := parseClassifierOutput(`{"intents":[{"intent":"chat","confidence":1.7}]}`)
		assert.Error(t, err)
	})

	t.Run("rejects non json", func(t *testing.T) {
		_, err := parseClassifierOutput(`no structured output today`)
		assert.Error(t, err)
	})
}
