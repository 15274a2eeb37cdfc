package guard

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/unicode/rangetable"
)

// NormalizationConfig configures the normalization stage.
type NormalizationConfig struct {
	StageOptions `yaml:",inline"`

	// MaxStrippedRatio rejects text where more than this fraction of runes
	// were invisible characters. Defaults to 0.10.
	MaxStrippedRatio float64 `yaml:"max_stripped_ratio"`

	// ReplaceAllHomoglyphs maps confusable letters everywhere instead of
	// only inside words that mix them with Latin letters.
	ReplaceAllHomoglyphs bool `yaml:"replace_all_homoglyphs"`
}

// DefaultNormalizationConfig returns the standard normalization settings.
func DefaultNormalizationConfig() NormalizationConfig {
	return NormalizationConfig{
		StageOptions:     StageOptions{Order: OrderNormalization, Enabled: true},
		MaxStrippedRatio: 0.10,
	}
}

// invisible lists zero-width and bidi control code points that render as
// nothing but survive NFKC.
var invisible = rangetable.New(
	0x00ad, // soft hyphen
	0x034f, // combining grapheme joiner
	0x061c, // arabic letter mark
	0x115f, 0x1160, 0x17b4, 0x17b5, 0x180e,
	0x200b, 0x200c, 0x200d, 0x200e, 0x200f,
	0x202a, 0x202b, 0x202c, 0x202d, 0x202e,
	0x2060, 0x2061, 0x2062, 0x2063, 0x2064,
	0x2066, 0x2067, 0x2068, 0x2069,
	0x3164, 0xfeff, 0xffa0,
)

// homoglyphs maps Cyrillic and Greek look-alikes to their Latin forms.
var homoglyphs = map[rune]rune{
	// Cyrillic
	'а': 'a', 'в': 'b', 'е': 'e', 'к': 'k', 'м': 'm', 'н': 'h', 'о': 'o', 'р': 'p',
	'с': 'c', 'т': 't', 'у': 'y', 'х': 'x', 'ѕ': 's', 'і': 'i', 'ј': 'j', 'ԁ': 'd',
	'ɡ': 'g', 'һ': 'h', 'ӏ': 'l', 'ԛ': 'q', 'ԝ': 'w',
	'А': 'A', 'В': 'B', 'Е': 'E', 'К': 'K', 'М': 'M', 'Н': 'H', 'О': 'O', 'Р': 'P',
	'С': 'C', 'Т': 'T', 'У': 'Y', 'Х': 'X', 'Ѕ': 'S', 'І': 'I', 'Ј': 'J',
	// Greek
	'α': 'a', 'ο': 'o', 'ρ': 'p', 'ν': 'v', 'ι': 'i', 'κ': 'k', 'τ': 't', 'υ': 'u',
	'Α': 'A', 'Β': 'B', 'Ε': 'E', 'Ζ': 'Z', 'Η': 'H', 'Ι': 'I', 'Κ': 'K', 'Μ': 'M',
	'Ν': 'N', 'Ο': 'O', 'Ρ': 'P', 'Τ': 'T', 'Υ': 'Y', 'Χ': 'X',
}

// NormalizationStage applies NFKC, strips invisible characters and
// replaces homoglyphs so later stages match on canonical text.
type NormalizationStage struct {
	base
	cfg NormalizationConfig
}

// NewNormalizationStage creates the normalization stage.
func NewNormalizationStage(cfg NormalizationConfig) *NormalizationStage {
	if cfg.MaxStrippedRatio <= 0 {
		cfg.MaxStrippedRatio = DefaultNormalizationConfig().MaxStrippedRatio
	}
	return &NormalizationStage{base: newBase("normalization", cfg.StageOptions), cfg: cfg}
}

// Check implements Stage.
func (s *NormalizationStage) Check(_ context.Context, cmd Command) (Result, error) {
	if cmd.Text == "" {
		return Allow(), nil
	}

	stripped, removed, total := stripInvisible(cmd.Text)
	if total > 0 {
		ratio := float64(removed) / float64(total)
		if ratio > s.cfg.MaxStrippedRatio {
			return Reject(CategoryNormalization,
				fmt.Sprintf("input contains too many invisible characters (%.0f%% > %.0f%%)",
					ratio*100, s.cfg.MaxStrippedRatio*100)), nil
		}
	}

	normalized := norm.NFKC.String(stripped)
	normalized = ReplaceHomoglyphs(normalized, s.cfg.ReplaceAllHomoglyphs)

	if normalized == cmd.Text {
		return Allow(), nil
	}
	return AllowWithText(normalized), nil
}

// Normalize runs the same transformation as the stage without the ratio
// check. It is used by output stages that compare against canonical text.
func Normalize(text string) string {
	stripped, _, _ := stripInvisible(text)
	return ReplaceHomoglyphs(norm.NFKC.String(stripped), true)
}

// stripInvisible removes invisible code points and returns the cleaned
// text with the number of removed and total runes.
func stripInvisible(text string) (string, int, int) {
	var b strings.Builder
	b.Grow(len(text))
	removed, total := 0, 0
	for _, r := range text {
		total++
		if isInvisible(r) {
			removed++
			continue
		}
		b.WriteRune(r)
	}
	return b.String(), removed, total
}

func isInvisible(r rune) bool {
	switch r {
	case '\n', '\r', '\t':
		return false
	}
	if unicode.Is(invisible, r) {
		return true
	}
	// tag characters
	if r >= 0xe0000 && r <= 0xe007f {
		return true
	}
	// remaining format and control characters
	return unicode.In(r, unicode.Cf, unicode.Cc)
}

// ReplaceHomoglyphs maps confusable letters to Latin. Unless all is set,
// only words that mix confusables with Latin letters are rewritten, so
// genuinely Cyrillic or Greek text is left intact.
func ReplaceHomoglyphs(text string, all bool) string {
	if all {
		return strings.Map(func(r rune) rune {
			if l, ok := homoglyphs[r]; ok {
				return l
			}
			return r
		}, text)
	}

	runes := []rune(text)
	for start := 0; start < len(runes); {
		if !unicode.IsLetter(runes[start]) {
			start++
			continue
		}
		end := start
		hasLatin, hasConfusable := false, false
		for end < len(runes) && unicode.IsLetter(runes[end]) {
			if _, ok := homoglyphs[runes[end]]; ok {
				hasConfusable = true
			} else if unicode.Is(unicode.Latin, runes[end]) {
				hasLatin = true
			}
			end++
		}
		if hasLatin && hasConfusable {
			for i := start; i < end; i++ {
				if l, ok := homoglyphs[runes[i]]; ok {
					runes[i] = l
				}
			}
		}
		start = end
	}
	return string(runes)
}
