package profile

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// LLM configuration (OpenAI-compatible protocol). All providers use
	// the same client; Provider selects the default base URL.
	LLMProvider      string // xai, gemini, anthropic
	LLMAPIKey        string
	LLMBaseURL       string
	LLMModel         string
	LLMFallbackModel string
	LLMTimeout       int // seconds, default 120
	LLMMaxTokens     int
	LLMTemperature   float64

	// Analyzer configuration
	NLUMode        string // rules or llm
	NLUIntentModel string

	// Retrieval configuration
	RetrievalBaseURL string
	RetrievalAPIKey  string
	RetrievalTopK    int

	// Reranker configuration
	RerankEnabled bool
	RerankModel   string
	RerankAPIKey  string
	RerankBaseURL string
	RerankTopN    int

	// Pipeline configuration
	BudgetProfile           string // default or aggressive
	EnableClarification     bool
	ConfidenceThresholdOK   float64
	ConfidenceThresholdClar float64
	ClarifyMaxAttempts      int
	ClarifyLLMRephrase      bool
	StateTimeoutMS          int
	SessionSweepMinutes     int
	SessionIdleMinutes      int

	// Rate limiting (per user)
	RateLimitRPS   float64
	RateLimitBurst int

	// Server configuration
	Mode    string
	Addr    string
	Port    int
	Version string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled reports whether upstream generation is configured.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != ""
}

// IsRetrievalEnabled reports whether a search backend is configured.
func (p *Profile) IsRetrievalEnabled() bool {
	return p.RetrievalBaseURL != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("CONVOPIPE_LLM_PROVIDER", "xai")
	p.LLMAPIKey = getEnvOrDefault("CONVOPIPE_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("CONVOPIPE_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("CONVOPIPE_LLM_MODEL", "grok-3-mini")
	p.LLMFallbackModel = getEnvOrDefault("CONVOPIPE_LLM_FALLBACK_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("CONVOPIPE_LLM_TIMEOUT_SECONDS", 120)
	p.LLMMaxTokens = getEnvOrDefaultInt("CONVOPIPE_LLM_MAX_TOKENS", 2048)
	p.LLMTemperature = getEnvOrDefaultFloat("CONVOPIPE_LLM_TEMPERATURE", 0.7)

	p.NLUMode = getEnvOrDefault("CONVOPIPE_NLU_MODE", "rules")
	p.NLUIntentModel = getEnvOrDefault("CONVOPIPE_NLU_INTENT_MODEL", "")

	p.RetrievalBaseURL = getEnvOrDefault("CONVOPIPE_RETRIEVAL_BASE_URL", "")
	p.RetrievalAPIKey = getEnvOrDefault("CONVOPIPE_RETRIEVAL_API_KEY", "")
	p.RetrievalTopK = getEnvOrDefaultInt("CONVOPIPE_RETRIEVAL_TOP_K", 8)

	p.RerankEnabled = getEnvOrDefaultBool("CONVOPIPE_RERANK_ENABLED", false)
	p.RerankModel = getEnvOrDefault("CONVOPIPE_RERANK_MODEL", "BAAI/bge-reranker-v2-m3")
	p.RerankAPIKey = getEnvOrDefault("CONVOPIPE_RERANK_API_KEY", "")
	p.RerankBaseURL = getEnvOrDefault("CONVOPIPE_RERANK_BASE_URL", "")
	p.RerankTopN = getEnvOrDefaultInt("CONVOPIPE_RERANK_TOP_N", 5)

	p.BudgetProfile = getEnvOrDefault("CONVOPIPE_BUDGET_PROFILE", "default")
	p.EnableClarification = getEnvOrDefaultBool("CONVOPIPE_ENABLE_CLARIFICATION", true)
	p.ConfidenceThresholdOK = getEnvOrDefaultFloat("CONVOPIPE_CONFIDENCE_THRESHOLD_OK", 0.70)
	p.ConfidenceThresholdClar = getEnvOrDefaultFloat("CONVOPIPE_CONFIDENCE_THRESHOLD_CLARIFY", 0.40)
	p.ClarifyMaxAttempts = getEnvOrDefaultInt("CONVOPIPE_CLARIFY_MAX_ATTEMPTS", 3)
	p.ClarifyLLMRephrase = getEnvOrDefaultBool("CONVOPIPE_CLARIFY_LLM_REPHRASE", true)
	p.StateTimeoutMS = getEnvOrDefaultInt("CONVOPIPE_STATE_TIMEOUT_MS", 30000)
	p.SessionSweepMinutes = getEnvOrDefaultInt("CONVOPIPE_SESSION_SWEEP_MINUTES", 5)
	p.SessionIdleMinutes = getEnvOrDefaultInt("CONVOPIPE_SESSION_IDLE_MINUTES", 60)

	p.RateLimitRPS = getEnvOrDefaultFloat("CONVOPIPE_RATE_LIMIT_RPS", 5)
	p.RateLimitBurst = getEnvOrDefaultInt("CONVOPIPE_RATE_LIMIT_BURST", 10)
}

// Validate normalizes and checks the profile.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.BudgetProfile != "default" && p.BudgetProfile != "aggressive" {
		return errors.Errorf("unknown budget profile %q", p.BudgetProfile)
	}
	if p.NLUMode != "rules" && p.NLUMode != "llm" {
		return errors.Errorf("unknown nlu mode %q", p.NLUMode)
	}
	if p.NLUMode == "llm" && !p.IsLLMEnabled() {
		return errors.New("nlu mode llm requires CONVOPIPE_LLM_API_KEY")
	}
	if p.Mode == "prod" && !p.IsLLMEnabled() {
		return errors.New("prod mode requires CONVOPIPE_LLM_API_KEY")
	}
	if p.ConfidenceThresholdOK == 0 {
		p.ConfidenceThresholdOK = 0.70
	}
	if p.ConfidenceThresholdClar == 0 {
		p.ConfidenceThresholdClar = 0.40
	}
	if p.ConfidenceThresholdOK < 0 || p.ConfidenceThresholdOK > 1 {
		return errors.Errorf("confidence threshold ok %v out of (0, 1]", p.ConfidenceThresholdOK)
	}
	if p.ConfidenceThresholdClar < 0 || p.ConfidenceThresholdClar >= p.ConfidenceThresholdOK {
		return errors.Errorf("confidence threshold clarify %v must sit below the ok threshold %v", p.ConfidenceThresholdClar, p.ConfidenceThresholdOK)
	}
	if p.ClarifyMaxAttempts <= 0 {
		p.ClarifyMaxAttempts = 3
	}
	if p.StateTimeoutMS <= 0 {
		p.StateTimeoutMS = 30000
	}
	if p.RateLimitRPS <= 0 {
		p.RateLimitRPS = 5
	}
	if p.RateLimitBurst <= 0 {
		p.RateLimitBurst = 10
	}
	return nil
}
