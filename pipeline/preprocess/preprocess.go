// Package preprocess implements the deterministic text preprocessing stage:
// Unicode normalization, quality flagging, language detection and scoring.
// It performs no I/O and never fails; malformed inputs surface as flags.
package preprocess

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Flag marks one quality finding on the input.
type Flag string

const (
	FlagOK            Flag = "ok"
	FlagTooShort      Flag = "too_short"
	FlagTooLong       Flag = "too_long"
	FlagGarbageInput  Flag = "garbage_input"
	FlagOnlySymbols   Flag = "only_symbols"
	FlagHighEntropy   Flag = "high_entropy"
	FlagRepeatedChars Flag = "repeated_chars"
	FlagSpamLike      Flag = "spam_like"
	FlagContainsCode  Flag = "contains_code"
	FlagContainsURL   Flag = "contains_url"
)

// Length gates and heuristic thresholds.
const (
	minChars           = 2
	maxChars           = 10000
	repeatRunThreshold = 5
	repeatRunKeep      = 2
	entropyMinLen      = 20
	entropyUniqueRatio = 0.9
	garbageEntropyLen  = 50
	garbageAlnumRatio  = 0.3
	garbageAlnumMinLen = 10
	spamURLCount       = 3
)

// Per-flag quality score penalties.
var penalties = map[Flag]float64{
	FlagTooShort:      0.2,
	FlagTooLong:       0.1,
	FlagGarbageInput:  0.8,
	FlagOnlySymbols:   0.7,
	FlagHighEntropy:   0.4,
	FlagRepeatedChars: 0.15,
	FlagSpamLike:      0.5,
	FlagContainsURL:   0.05,
	FlagContainsCode:  0,
}

var (
	urlRe        = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+)`)
	emailRe      = regexp.MustCompile(`(?i)[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}`)
	codeFenceRe  = regexp.MustCompile("```")
	inlineCodeRe = regexp.MustCompile("`[^`\n]+`")
	codeDeclRe   = regexp.MustCompile(`(?m)\b(func|def|class|const|let|import|package)\s+[A-Za-z_][A-Za-z0-9_]*\s*[({=:]`)
	wsRunRe      = regexp.MustCompile(`\s{3,}`)
)

// Result is the outcome of preprocessing one message.
type Result struct {
	NormalizedText     string        `json:"normalized_text"`
	OriginalText       string        `json:"original_text"`
	Language           string        `json:"language"` // es, en, auto, unknown
	LanguageConfidence float64       `json:"language_confidence"`
	QualityFlags       []Flag        `json:"quality_flags"`
	QualityScore       float64       `json:"quality_score"`
	WordCount          int           `json:"word_count"`
	CharCount          int           `json:"char_count"`
	ContainsCode       bool          `json:"contains_code"`
	ContainsURL        bool          `json:"contains_url"`
	PreprocessingTime  time.Duration `json:"preprocessing_time_ms"`
}

// HasFlag reports whether a flag was raised.
func (r Result) HasFlag(f Flag) bool {
	for _, flag := range r.QualityFlags {
		if flag == f {
			return true
		}
	}
	return false
}

// IsGarbage reports whether the input was flagged unusable.
func (r Result) IsGarbage() bool {
	return r.HasFlag(FlagGarbageInput)
}

// Run preprocesses one message. It is pure and deterministic: running it
// on its own NormalizedText yields the same normalized text.
func Run(text string) Result {
	start := time.Now()

	normalized := normalize(text)
	normalized, repeated := collapseRepeats(normalized)

	res := Result{
		NormalizedText: normalized,
		OriginalText:   text,
		CharCount:      len([]rune(normalized)),
		WordCount:      len(strings.Fields(normalized)),
	}

	var flags []Flag
	if repeated {
		flags = append(flags, FlagRepeatedChars)
	}
	if res.CharCount < minChars {
		flags = append(flags, FlagTooShort)
	} else if res.CharCount > maxChars {
		flags = append(flags, FlagTooLong)
	}

	urls := urlRe.FindAllString(normalized, -1)
	if len(urls) > 0 {
		res.ContainsURL = true
		flags = append(flags, FlagContainsURL)
	}
	if len(urls) >= spamURLCount {
		flags = append(flags, FlagSpamLike)
	}
	if looksLikeCode(normalized) {
		res.ContainsCode = true
		flags = append(flags, FlagContainsCode)
	}

	onlySymbols := isOnlySymbols(normalized)
	if onlySymbols {
		flags = append(flags, FlagOnlySymbols)
	}
	highEntropy := isHighEntropy(normalized)
	if highEntropy {
		flags = append(flags, FlagHighEntropy)
	}
	if isGarbage(normalized, onlySymbols, highEntropy) {
		flags = append(flags, FlagGarbageInput)
	}

	res.Language, res.LanguageConfidence = DetectLanguage(stripURLsAndEmails(normalized))

	score := 1.0
	for _, f := range flags {
		score -= penalties[f]
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	res.QualityScore = score

	if len(flags) == 0 {
		flags = []Flag{FlagOK}
	}
	res.QualityFlags = flags
	res.PreprocessingTime = time.Since(start)
	return res
}

// Neutral returns the fallback result used when the preprocess stage is
// skipped: original text untouched, auto language, ok flag.
func Neutral(text string) Result {
	return Result{
		NormalizedText:     text,
		OriginalText:       text,
		Language:           "auto",
		LanguageConfidence: 0.5,
		QualityFlags:       []Flag{FlagOK},
		QualityScore:       1.0,
		CharCount:          len([]rune(text)),
		WordCount:          len(strings.Fields(text)),
	}
}

// normalize applies NFKC, strips control characters (keeping tab and
// newline) and zero-width marks, and collapses long whitespace runs.
func normalize(s string) string {
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\t' || r == '\n':
			b.WriteRune(r)
		case r < 0x20 || r == 0x7F:
			// drop C0 controls and DEL
		case r >= 0x200B && r <= 0x200D, r == 0xFEFF:
			// drop zero-width marks
		default:
			b.WriteRune(r)
		}
	}
	out := wsRunRe.ReplaceAllString(b.String(), " ")
	return strings.TrimSpace(out)
}

// collapseRepeats reduces any character repeated repeatRunThreshold or
// more times to repeatRunKeep copies.
func collapseRepeats(s string) (string, bool) {
	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	collapsed := false

	for i := 0; i < len(runes); {
		j := i
		for j < len(runes) && runes[j] == runes[i] {
			j++
		}
		run := j - i
		if run >= repeatRunThreshold {
			collapsed = true
			run = repeatRunKeep
		}
		for k := 0; k < run; k++ {
			b.WriteRune(runes[i])
		}
		i = j
	}
	return b.String(), collapsed
}

func looksLikeCode(s string) bool {
	return codeFenceRe.MatchString(s) || inlineCodeRe.MatchString(s) || codeDeclRe.MatchString(s)
}

func isOnlySymbols(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

func isHighEntropy(s string) bool {
	runes := []rune(s)
	if len(runes) <= entropyMinLen {
		return false
	}
	unique := make(map[rune]struct{}, len(runes))
	for _, r := range runes {
		unique[r] = struct{}{}
	}
	return float64(len(unique))/float64(len(runes)) > entropyUniqueRatio
}

func isGarbage(s string, onlySymbols, highEntropy bool) bool {
	n := len([]rune(s))
	if onlySymbols {
		return true
	}
	if highEntropy && n > garbageEntropyLen {
		return true
	}
	if n > garbageAlnumMinLen {
		alnum := 0
		for _, r := range s {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				alnum++
			}
		}
		if float64(alnum)/float64(n) < garbageAlnumRatio {
			return true
		}
	}
	return false
}

func stripURLsAndEmails(s string) string {
	s = urlRe.ReplaceAllString(s, " ")
	return emailRe.ReplaceAllString(s, " ")
}
