// Package context estimates token usage and keeps conversations inside a
// model's context window.
package context

import (
	"fmt"
	"strings"
)

const (
	// DefaultContextWindow is assumed for models missing from
	// ModelContextWindows.
	DefaultContextWindow = 128000

	// DefaultMaxOutputTokens is reserved for the reply when no limit is
	// configured.
	DefaultMaxOutputTokens = 4096

	// WarnPercent is the share of the usable window above which a
	// measurement reports "warning".
	WarnPercent = 80.0
)

// ModelContextWindows maps model IDs, or ID prefixes, to context sizes.
var ModelContextWindows = map[string]int{
	"claude-3-opus":     200000,
	"claude-3-sonnet":   200000,
	"claude-3-haiku":    200000,
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-3-7-sonnet": 200000,
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,
	"claude-haiku-4":    200000,

	"gpt-4":         8192,
	"gpt-4-32k":     32768,
	"gpt-4-turbo":   128000,
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-4.1":       1047576,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o1-mini":       128000,
	"o3":            200000,
	"o3-mini":       200000,
	"o4-mini":       200000,
}

// LookupModelWindow returns the context size of modelID. Unknown exact IDs
// fall back to the longest known prefix, so "gpt-4o-2024-08-06" resolves
// to "gpt-4o" and not "gpt-4".
func LookupModelWindow(modelID string) (int, bool) {
	if tokens, ok := ModelContextWindows[modelID]; ok {
		return tokens, true
	}
	best, tokens := "", 0
	for prefix, size := range ModelContextWindows {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(best) {
			best, tokens = prefix, size
		}
	}
	return tokens, best != ""
}

// Budget describes the token envelope of one model call.
type Budget struct {
	MaxContextTokens int `yaml:"max_context_tokens"`
	MaxOutputTokens  int `yaml:"max_output_tokens"`
}

// ModelBudget returns the budget of modelID with maxOutput reserved for
// the reply (DefaultMaxOutputTokens when zero), and where the context size
// came from: "model" or "default".
func ModelBudget(modelID string, maxOutput int) (Budget, string) {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputTokens
	}
	total, ok := LookupModelWindow(modelID)
	if !ok {
		return Budget{MaxContextTokens: DefaultContextWindow, MaxOutputTokens: maxOutput}, "default"
	}
	return Budget{MaxContextTokens: total, MaxOutputTokens: maxOutput}, "model"
}

func (b Budget) total() int {
	if b.MaxContextTokens <= 0 {
		return DefaultContextWindow
	}
	return b.MaxContextTokens
}

// Available returns the tokens left for messages once the system prompt
// and the reserved output are subtracted. It is never negative.
func (b Budget) Available(systemPromptTokens int) int {
	avail := b.total() - systemPromptTokens - b.MaxOutputTokens
	if avail < 0 {
		return 0
	}
	return avail
}

// Measure reports how much of the window used input tokens occupy. source
// labels where the budget came from.
func (b Budget) Measure(used int, source string) *WindowInfo {
	usable := b.Available(0)
	info := &WindowInfo{
		TotalTokens:    b.total(),
		ReservedTokens: b.MaxOutputTokens,
		UsedTokens:     used,
		Source:         source,
	}
	if remaining := usable - used; remaining > 0 {
		info.RemainingTokens = remaining
	}
	if usable > 0 {
		info.UsedPercent = float64(used) / float64(usable) * 100
	} else if used > 0 {
		info.UsedPercent = 100
	}
	return info
}

// WindowInfo is a snapshot of context window usage.
type WindowInfo struct {
	TotalTokens     int     `json:"total_tokens"`
	ReservedTokens  int     `json:"reserved_tokens"`
	UsedTokens      int     `json:"used_tokens"`
	RemainingTokens int     `json:"remaining_tokens"`
	UsedPercent     float64 `json:"used_percent"`
	Source          string  `json:"source"`
}

// Status is "ok", "warning" past WarnPercent, or "over" when the input no
// longer fits next to the reserved output.
func (w *WindowInfo) Status() string {
	switch {
	case w.UsedPercent > 100:
		return "over"
	case w.UsedPercent >= WarnPercent:
		return "warning"
	default:
		return "ok"
	}
}

func (w *WindowInfo) String() string {
	return fmt.Sprintf("%d/%d tokens, %d reserved for output (%.1f%% of usable, %s, %s)",
		w.UsedTokens, w.TotalTokens, w.ReservedTokens, w.UsedPercent, w.Status(), w.Source)
}
