package context

import (
	"math"
	"unicode"

	"golang.org/x/text/unicode/rangetable"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// TokenEstimator estimates how many model tokens a text consumes.
type TokenEstimator interface {
	Estimate(text string) int
}

// EstimatorConfig holds characters-per-token ratios for each script class.
// The defaults are tuned heuristics, not exact tokenizer output.
type EstimatorConfig struct {
	LatinCharsPerToken float64 `yaml:"latin_chars_per_token"`
	CJKCharsPerToken   float64 `yaml:"cjk_chars_per_token"`
	EmojiCharsPerToken float64 `yaml:"emoji_chars_per_token"`
	OtherCharsPerToken float64 `yaml:"other_chars_per_token"`

	// MessageOverhead is added per message for role and framing tokens.
	MessageOverhead int `yaml:"message_overhead"`
}

// DefaultEstimatorConfig returns the standard ratios.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		LatinCharsPerToken: 4.0,
		CJKCharsPerToken:   1.5,
		EmojiCharsPerToken: 1.0,
		OtherCharsPerToken: 2.0,
		MessageOverhead:    4,
	}
}

// Estimator weights characters by script so that CJK, emoji and other
// non-Latin text is not undercounted.
type Estimator struct {
	latin float64
	cjk   float64
	emoji float64
	other float64

	overhead int
}

// NewEstimator creates an estimator, replacing non-positive ratios with defaults.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	def := DefaultEstimatorConfig()
	if cfg.LatinCharsPerToken <= 0 {
		cfg.LatinCharsPerToken = def.LatinCharsPerToken
	}
	if cfg.CJKCharsPerToken <= 0 {
		cfg.CJKCharsPerToken = def.CJKCharsPerToken
	}
	if cfg.EmojiCharsPerToken <= 0 {
		cfg.EmojiCharsPerToken = def.EmojiCharsPerToken
	}
	if cfg.OtherCharsPerToken <= 0 {
		cfg.OtherCharsPerToken = def.OtherCharsPerToken
	}
	if cfg.MessageOverhead < 0 {
		cfg.MessageOverhead = 0
	}
	return &Estimator{
		latin:    1 / cfg.LatinCharsPerToken,
		cjk:      1 / cfg.CJKCharsPerToken,
		emoji:    1 / cfg.EmojiCharsPerToken,
		other:    1 / cfg.OtherCharsPerToken,
		overhead: cfg.MessageOverhead,
	}
}

var defaultEstimator = NewEstimator(DefaultEstimatorConfig())

// DefaultEstimator returns the shared estimator built from DefaultEstimatorConfig.
func DefaultEstimator() *Estimator {
	return defaultEstimator
}

// Estimate returns the estimated token count of text. Non-empty text is
// never estimated below one token.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	var weight float64
	for _, r := range text {
		weight += e.runeWeight(r)
	}
	tokens := int(math.Ceil(weight))
	if tokens == 0 {
		return 1
	}
	return tokens
}

func (e *Estimator) runeWeight(r rune) float64 {
	switch {
	case r == '\u200d' || (r >= '\ufe00' && r <= '\ufe0f'):
		// joiners and variation selectors fold into the preceding emoji
		return 0
	case r < 0x80:
		return e.latin
	case isCJK(r):
		return e.cjk
	case isEmoji(r):
		return e.emoji
	case unicode.Is(unicode.Latin, r), unicode.IsSpace(r), unicode.IsPunct(r), unicode.In(r, unicode.Common) && !unicode.IsSymbol(r):
		return e.latin
	default:
		return e.other
	}
}

var (
	cjkTable = rangetable.Merge(
		unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul, unicode.Bopomofo,
		&unicode.RangeTable{R16: []unicode.Range16{
			{Lo: 0x3000, Hi: 0x303f, Stride: 1}, // CJK symbols and punctuation
			{Lo: 0xff00, Hi: 0xffef, Stride: 1}, // half/full width forms
		}},
	)
	emojiTable = rangetable.Merge(
		unicode.So,
		&unicode.RangeTable{
			R16: []unicode.Range16{{Lo: 0x2600, Hi: 0x27bf, Stride: 1}},
			R32: []unicode.Range32{{Lo: 0x1f000, Hi: 0x1faff, Stride: 1}},
		},
	)
)

func isCJK(r rune) bool {
	return unicode.Is(cjkTable, r)
}

func isEmoji(r rune) bool {
	return unicode.Is(emojiTable, r)
}

// EstimateMessage estimates a single message including any tool calls it carries.
func (e *Estimator) EstimateMessage(m models.Message) int {
	tokens := e.overhead + e.Estimate(m.Content)
	for _, call := range m.ToolCalls {
		tokens += e.Estimate(call.Name) + e.Estimate(string(call.Input)) + e.Estimate(call.ID)
	}
	if m.ToolCallID != "" {
		tokens += e.Estimate(m.ToolCallID)
	}
	return tokens
}

// EstimateMessages sums EstimateMessage over msgs.
func (e *Estimator) EstimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += e.EstimateMessage(m)
	}
	return total
}

// EstimateTokens estimates the number of tokens in text with the default ratios.
func EstimateTokens(text string) int {
	return defaultEstimator.Estimate(text)
}

// EstimateTokensForMessages estimates tokens for a batch of messages with the default ratios.
func EstimateTokensForMessages(msgs []models.Message) int {
	return defaultEstimator.EstimateMessages(msgs)
}
