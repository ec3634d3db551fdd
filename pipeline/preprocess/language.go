package preprocess

import (
	"regexp"
	"strings"
)

// Language detection scores the text against ordered regex banks per
// language. Only Spanish and English are first class; anything else falls
// through to auto/unknown.

type languageBank struct {
	language string
	patterns []*regexp.Regexp
}

var languageBanks = []languageBank{
	{
		language: "es",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(el|la|los|las|un|una|unos|unas)\b`),
			regexp.MustCompile(`(?i)\b(de|del|en|con|por|para|sobre|entre|hasta)\b`),
			regexp.MustCompile(`(?i)\b(que|como|cuando|donde|porque|pero|aunque)\b`),
			regexp.MustCompile(`(?i)\b(es|son|está|están|fue|ser|estar|hay|tiene|puede)\b`),
			regexp.MustCompile(`(?i)\b(yo|tú|usted|nosotros|ellos|ellas|mi|tu|su)\b`),
			regexp.MustCompile(`(?i)\b(qué|cuál|cómo|dónde|cuándo|quién|por qué)\b`),
			regexp.MustCompile(`[¿¡]`),
		},
	},
	{
		language: "en",
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(the|a|an)\b`),
			regexp.MustCompile(`(?i)\b(of|in|on|with|for|about|between|until|from)\b`),
			regexp.MustCompile(`(?i)\b(that|as|when|where|because|but|although|which)\b`),
			regexp.MustCompile(`(?i)\b(is|are|was|were|be|being|been|has|have|can|could)\b`),
			regexp.MustCompile(`(?i)\b(i|you|he|she|we|they|my|your|his|her|their)\b`),
			regexp.MustCompile(`(?i)\b(what|which|how|where|when|who|why)\b`),
			regexp.MustCompile(`(?i)\b(do|does|did|don't|doesn't|didn't|won't|isn't)\b`),
		},
	},
}

var spanishAccents = "áéíóúüñÁÉÍÓÚÜÑ"

// Spanish accented characters are a strong signal absent from English, so
// their presence adds a fixed bias to the Spanish score.
const accentBias = 2

// DetectLanguage returns the detected language (es, en, auto, unknown)
// and a confidence in [0,1]. No matches at all yields ("unknown", 0.5);
// an exact tie yields ("auto", 0.5).
func DetectLanguage(text string) (string, float64) {
	if strings.TrimSpace(text) == "" {
		return "unknown", 0.5
	}

	scores := make(map[string]int, len(languageBanks))
	total := 0
	for _, bank := range languageBanks {
		n := 0
		for _, p := range bank.patterns {
			n += len(p.FindAllStringIndex(text, -1))
		}
		scores[bank.language] = n
		total += n
	}

	if strings.ContainsAny(text, spanishAccents) {
		scores["es"] += accentBias
		total += accentBias
	}

	if total == 0 {
		return "unknown", 0.5
	}

	best, bestScore := "", -1
	tie := false
	for _, bank := range languageBanks {
		s := scores[bank.language]
		switch {
		case s > bestScore:
			best, bestScore, tie = bank.language, s, false
		case s == bestScore:
			tie = true
		}
	}
	if tie {
		return "auto", 0.5
	}

	confidence := 0.5 + float64(bestScore)/(2*float64(total))
	if confidence > 0.95 {
		confidence = 0.95
	}
	return best, confidence
}
