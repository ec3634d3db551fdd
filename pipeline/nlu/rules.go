package nlu

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// intentRule holds the matching configuration for one intent.
type intentRule struct {
	intent        string
	keywords      []string
	patterns      []*regexp.Regexp
	priority      int // higher = checked first
	complexity    Complexity
	requiredSlots []string
}

// Match confidences by rule strength.
const (
	patternConfidence = 0.9
	keywordConfidence = 0.7
	defaultConfidence = 0.5
)

// RuleAnalyzer performs deterministic keyword and pattern matching. It is
// the zero-dependency fallback behind the LLM classifier and the analyzer
// used in tests.
type RuleAnalyzer struct {
	mu    sync.RWMutex
	rules []intentRule
}

// NewRuleAnalyzer creates an analyzer with the built-in intent rules.
func NewRuleAnalyzer() *RuleAnalyzer {
	a := &RuleAnalyzer{}
	a.registerDefaults()
	return a
}

func (a *RuleAnalyzer) register(r intentRule) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rules = append(a.rules, r)
	slices.SortFunc(a.rules, func(x, y intentRule) int {
		return y.priority - x.priority
	})
}

func (a *RuleAnalyzer) registerDefaults() {
	a.register(intentRule{
		intent:        IntentResearch,
		keywords:      []string{"investiga", "investigar", "busca información", "research", "find out", "averigua", "fuentes"},
		patterns:      []*regexp.Regexp{regexp.MustCompile(`(?i)\b(investiga|research)\b.+\b(sobre|about|on)\b`)},
		priority:      100,
		complexity:    ComplexityComplex,
		requiredSlots: []string{"topic"},
	})
	a.register(intentRule{
		intent:        IntentDocumentAnalysis,
		keywords:      []string{"analiza el documento", "resume el documento", "document", "documento", "pdf", "archivo"},
		priority:      90,
		complexity:    ComplexityModerate,
		requiredSlots: []string{"document"},
	})
	a.register(intentRule{
		intent:        IntentDataAnalysis,
		keywords:      []string{"analiza los datos", "datos", "estadística", "data analysis", "dataset", "gráfico"},
		priority:      90,
		complexity:    ComplexityComplex,
		requiredSlots: []string{"dataset"},
	})
	a.register(intentRule{
		intent:     IntentMultiStepTask,
		keywords:   []string{"paso a paso", "primero", "después", "step by step", "plan", "luego"},
		patterns:   []*regexp.Regexp{regexp.MustCompile(`(?i)\b(primero|first)\b.+\b(después|luego|then)\b`)},
		priority:   80,
		complexity: ComplexityExpert,
	})
	a.register(intentRule{
		intent:     IntentChat,
		keywords:   []string{"hola", "buenos días", "buenas tardes", "gracias", "cómo estás", "hello", "hi ", "thanks", "qué tal"},
		priority:   0,
		complexity: ComplexitySimple,
	})
}

// Analyze matches the message against the rule table. It never fails.
func (a *RuleAnalyzer) Analyze(_ context.Context, message string, _ Input) (*Result, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	lower := strings.ToLower(message)
	res := &Result{
		RawMessage: message,
		Complexity: ComplexitySimple,
	}

	for _, rule := range a.rules {
		matched := false
		confidence := 0.0
		for _, p := range rule.patterns {
			if p.MatchString(message) {
				matched, confidence = true, patternConfidence
				break
			}
		}
		if !matched {
			for _, kw := range rule.keywords {
				if strings.Contains(lower, kw) {
					matched, confidence = true, keywordConfidence
					break
				}
			}
		}
		if matched {
			res.Intents = append(res.Intents, IntentScore{Intent: rule.intent, Confidence: confidence})
			if res.Complexity == ComplexitySimple {
				res.Complexity = rule.complexity
			}
			res.MissingSlots = append(res.MissingSlots, rule.requiredSlots...)
		}
	}

	if len(res.Intents) == 0 {
		res.Intents = []IntentScore{{Intent: IntentChat, Confidence: defaultConfidence}}
	}
	slices.SortFunc(res.Intents, func(x, y IntentScore) int {
		switch {
		case x.Confidence > y.Confidence:
			return -1
		case x.Confidence < y.Confidence:
			return 1
		}
		return 0
	})
	return res, nil
}
