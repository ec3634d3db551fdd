package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipelineEnvKeys lists the variables the pipeline tests touch, so each
// test starts from a clean environment.
var pipelineEnvKeys = []string{
	"CONVOPIPE_LLM_PROVIDER",
	"CONVOPIPE_LLM_API_KEY",
	"CONVOPIPE_LLM_MODEL",
	"CONVOPIPE_NLU_MODE",
	"CONVOPIPE_BUDGET_PROFILE",
	"CONVOPIPE_ENABLE_CLARIFICATION",
	"CONVOPIPE_CONFIDENCE_THRESHOLD_OK",
	"CONVOPIPE_CONFIDENCE_THRESHOLD_CLARIFY",
	"CONVOPIPE_CLARIFY_MAX_ATTEMPTS",
	"CONVOPIPE_CLARIFY_LLM_REPHRASE",
	"CONVOPIPE_STATE_TIMEOUT_MS",
	"CONVOPIPE_RATE_LIMIT_RPS",
}

func clearPipelineEnv(t *testing.T) {
	t.Helper()
	for _, key := range pipelineEnvKeys {
		t.Setenv(key, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearPipelineEnv(t)

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "xai", p.LLMProvider)
	assert.Equal(t, "grok-3-mini", p.LLMModel)
	assert.Equal(t, "rules", p.NLUMode)
	assert.Equal(t, "default", p.BudgetProfile)
	assert.True(t, p.EnableClarification)
	assert.InDelta(t, 0.70, p.ConfidenceThresholdOK, 1e-9)
	assert.InDelta(t, 0.40, p.ConfidenceThresholdClar, 1e-9)
	assert.Equal(t, 3, p.ClarifyMaxAttempts)
	assert.True(t, p.ClarifyLLMRephrase)
	assert.Equal(t, 30000, p.StateTimeoutMS)
	assert.InDelta(t, 5.0, p.RateLimitRPS, 1e-9)
}

func TestFromEnvOverrides(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("CONVOPIPE_LLM_PROVIDER", "gemini")
	t.Setenv("CONVOPIPE_ENABLE_CLARIFICATION", "false")
	t.Setenv("CONVOPIPE_CONFIDENCE_THRESHOLD_OK", "0.8")
	t.Setenv("CONVOPIPE_CONFIDENCE_THRESHOLD_CLARIFY", "0.5")
	t.Setenv("CONVOPIPE_CLARIFY_MAX_ATTEMPTS", "2")
	t.Setenv("CONVOPIPE_STATE_TIMEOUT_MS", "15000")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, "gemini", p.LLMProvider)
	assert.False(t, p.EnableClarification)
	assert.InDelta(t, 0.8, p.ConfidenceThresholdOK, 1e-9)
	assert.InDelta(t, 0.5, p.ConfidenceThresholdClar, 1e-9)
	assert.Equal(t, 2, p.ClarifyMaxAttempts)
	assert.Equal(t, 15000, p.StateTimeoutMS)
}

func TestFromEnvIgnoresUnparseableValues(t *testing.T) {
	clearPipelineEnv(t)
	t.Setenv("CONVOPIPE_STATE_TIMEOUT_MS", "soon")
	t.Setenv("CONVOPIPE_CONFIDENCE_THRESHOLD_OK", "high")

	p := &Profile{}
	p.FromEnv()

	assert.Equal(t, 30000, p.StateTimeoutMS)
	assert.InDelta(t, 0.70, p.ConfidenceThresholdOK, 1e-9)
}

func validTestProfile() *Profile {
	p := &Profile{}
	p.FromEnv()
	p.Mode = "dev"
	p.Port = 28090
	return p
}

func TestValidate(t *testing.T) {
	clearPipelineEnv(t)

	t.Run("accepts env defaults", func(t *testing.T) {
		require.NoError(t, validTestProfile().Validate())
	})

	t.Run("rejects bad port", func(t *testing.T) {
		p := validTestProfile()
		p.Port = 0
		assert.Error(t, p.Validate())
	})

	t.Run("rejects unknown budget profile", func(t *testing.T) {
		p := validTestProfile()
		p.BudgetProfile = "turbo"
		assert.Error(t, p.Validate())
	})

	t.Run("rejects llm nlu mode without api key", func(t *testing.T) {
		p := validTestProfile()
		p.NLUMode = "llm"
		p.LLMAPIKey = ""
		assert.Error(t, p.Validate())
	})

	t.Run("rejects clarify threshold above ok threshold", func(t *testing.T) {
		p := validTestProfile()
		p.ConfidenceThresholdOK = 0.6
		p.ConfidenceThresholdClar = 0.7
		assert.Error(t, p.Validate())
	})

	t.Run("normalizes unset tunables", func(t *testing.T) {
		p := validTestProfile()
		p.ConfidenceThresholdOK = 0
		p.ConfidenceThresholdClar = 0
		p.ClarifyMaxAttempts = 0
		p.StateTimeoutMS = 0
		require.NoError(t, p.Validate())
		assert.InDelta(t, 0.70, p.ConfidenceThresholdOK, 1e-9)
		assert.InDelta(t, 0.40, p.ConfidenceThresholdClar, 1e-9)
		assert.Equal(t, 3, p.ClarifyMaxAttempts)
		assert.Equal(t, 30000, p.StateTimeoutMS)
	})

	t.Run("unknown mode falls back to dev", func(t *testing.T) {
		p := validTestProfile()
		p.Mode = "staging"
		require.NoError(t, p.Validate())
		assert.Equal(t, "dev", p.Mode)
	})
}
