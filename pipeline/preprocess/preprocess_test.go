package preprocess

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunNormalizes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"trims and collapses whitespace", "  hola      mundo  ", "hola mundo"},
		{"strips zero width", "ho​la", "hola"},
		{"strips control chars", "ho\x00la", "hola"},
		{"nfkc folds fullwidth", "ｈola", "hola"},
		{"keeps accents", "¿Qué número?", "¿Qué número?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(tt.in)
			assert.Equal(t, tt.want, res.NormalizedText)
			assert.Equal(t, tt.in, res.OriginalText)
		})
	}
}

func TestRunIsIdempotent(t *testing.T) {
	inputs := []string{
		"  hola   mundo  ",
		"holaaaaaaa que tal",
		"¿Qué    número es ​ este?",
		"check https://example.com   now",
	}
	for _, in := range inputs {
		first := Run(in)
		second := Run(first.NormalizedText)
		assert.Equal(t, first.NormalizedText, second.NormalizedText, "input %q", in)
	}
}

func TestRunFlags(t *testing.T) {
	tests := []struct {
		name string
		in   string
		flag Flag
	}{
		{"too short", "a", FlagTooShort},
		{"too long", strings.Repeat("palabra ", 2000), FlagTooLong},
		{"only symbols", "@#$%&!!", FlagOnlySymbols},
		{"repeated chars", "holaaaaaaaaa", FlagRepeatedChars},
		{"contains url", "mira https://example.com por favor", FlagContainsURL},
		{"spam like", "ve a https://a.com y https://b.com y https://c.com", FlagSpamLike},
		{"contains code", "esto falla:\n```\nfunc main() {}\n```", FlagContainsCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(tt.in)
			assert.True(t, res.HasFlag(tt.flag), "expected %s in %v", tt.flag, res.QualityFlags)
		})
	}
}

func TestRunGarbage(t *testing.T) {
	garbage := []string{
		"@#$%&*()!?¡¿",
		"))))]]]]{{{{{====----....",
	}
	for _, in := range garbage {
		res := Run(in)
		assert.True(t, res.IsGarbage(), "expected garbage for %q, flags %v", in, res.QualityFlags)
		assert.Less(t, res.QualityScore, 0.5)
	}

	clean := Run("hola, ¿me puedes ayudar con una duda?")
	assert.False(t, clean.IsGarbage())
	assert.Equal(t, []Flag{FlagOK}, clean.QualityFlags)
	assert.InDelta(t, 1.0, clean.QualityScore, 1e-9)
}

func TestRepeatedCharsCollapse(t *testing.T) {
	res := Run("holaaaaaaa")
	assert.Equal(t, "holaa", res.NormalizedText)
	assert.True(t, res.HasFlag(FlagRepeatedChars))
}

func TestQualityScoreClamped(t *testing.T) {
	res := Run("@@@@@@@@@@@@@@@@@@@@@@@@@@@@@@")
	require.True(t, res.QualityScore >= 0 && res.QualityScore <= 1)
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"spanish", "hola, ¿cómo estás? quiero saber el precio de la entrada", "es"},
		{"english", "hello, could you tell me what the price of the ticket is", "en"},
		{"unknown", "xyzzy plugh 42", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lang, conf := DetectLanguage(tt.in)
			assert.Equal(t, tt.want, lang)
			assert.GreaterOrEqual(t, conf, 0.5)
			assert.LessOrEqual(t, conf, 0.95)
		})
	}
}

func TestNeutral(t *testing.T) {
	res := Neutral("  texto tal cual  ")
	assert.Equal(t, "  texto tal cual  ", res.NormalizedText)
	assert.Equal(t, "auto", res.Language)
	assert.Equal(t, []Flag{FlagOK}, res.QualityFlags)
	assert.InDelta(t, 1.0, res.QualityScore, 1e-9)
}
