package agent

import (
	"path"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// ToolResultGuard controls how tool output is scrubbed before it is fed
// back to the model.
type ToolResultGuard struct {
	// Denylist holds glob patterns such as "shell_*". Matching tools have
	// their whole output replaced.
	Denylist []string `yaml:"denylist"`

	// RedactPatterns are regular expressions; invalid ones are skipped.
	RedactPatterns []string `yaml:"redact_patterns"`

	// MaxChars truncates longer output; zero keeps everything.
	MaxChars int `yaml:"max_chars"`

	RedactionText  string `yaml:"redaction_text"`
	TruncateSuffix string `yaml:"truncate_suffix"`
}

// resultFilter is a ToolResultGuard with its patterns compiled.
type resultFilter struct {
	deny     []string
	redact   []*regexp.Regexp
	maxChars int
	mask     string
	suffix   string
}

func (g ToolResultGuard) compile() *resultFilter {
	f := &resultFilter{
		maxChars: g.MaxChars,
		mask:     orDefault(g.RedactionText, "[redacted]"),
		suffix:   orDefault(g.TruncateSuffix, "...[truncated]"),
	}
	for _, p := range g.Denylist {
		if p = strings.TrimSpace(p); p != "" {
			f.deny = append(f.deny, p)
		}
	}
	for _, p := range g.RedactPatterns {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			f.redact = append(f.redact, re)
		}
	}
	return f
}

// Apply filters one result. It compiles the guard on every call; the
// orchestrator compiles once at construction instead.
func (g ToolResultGuard) Apply(toolName string, result models.ToolResult) models.ToolResult {
	return g.compile().apply(toolName, result)
}

func (f *resultFilter) apply(toolName string, result models.ToolResult) models.ToolResult {
	if f.denied(toolName) {
		result.Content = f.mask
		return result
	}
	for _, re := range f.redact {
		result.Content = re.ReplaceAllString(result.Content, f.mask)
	}
	if f.maxChars > 0 && len(result.Content) > f.maxChars {
		cut := f.maxChars
		for cut > 0 && !utf8.RuneStart(result.Content[cut]) {
			cut--
		}
		result.Content = result.Content[:cut] + f.suffix
	}
	return result
}

func (f *resultFilter) denied(toolName string) bool {
	if toolName == "" {
		return false
	}
	for _, p := range f.deny {
		if ok, _ := path.Match(p, toolName); ok {
			return true
		}
	}
	return false
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
