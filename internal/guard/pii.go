package guard

import (
	"context"
	"regexp"
	"strings"
)

// PIIConfig configures PII masking.
type PIIConfig struct {
	StageOptions `yaml:",inline"`

	// Kinds restricts masking to the named detectors; empty enables all.
	Kinds []string `yaml:"kinds"`
}

// DefaultPIIConfig returns the standard PII settings.
func DefaultPIIConfig() PIIConfig {
	return PIIConfig{StageOptions: StageOptions{Order: OrderPII, Enabled: true}}
}

type piiDetector struct {
	kind    string
	pattern *regexp.Regexp
	valid   func(string) bool
}

var piiDetectors = []piiDetector{
	{kind: "email", pattern: regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)},
	{kind: "credit_card", pattern: regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`), valid: luhnValid},
	{kind: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kind: "phone", pattern: regexp.MustCompile(`(?:\+\d{1,3}[ .\-]?)?\(?\b\d{3}\)?[ .\-]\d{3}[ .\-]\d{4}\b`)},
	{kind: "ipv4", pattern: regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`)},
}

// PIIStage masks personal data in final answers.
type PIIStage struct {
	base
	detectors []piiDetector
}

// NewPIIStage creates the PII masking stage.
func NewPIIStage(cfg PIIConfig) *PIIStage {
	detectors := piiDetectors
	if len(cfg.Kinds) > 0 {
		detectors = nil
		for _, d := range piiDetectors {
			for _, k := range cfg.Kinds {
				if strings.EqualFold(k, d.kind) {
					detectors = append(detectors, d)
				}
			}
		}
	}
	return &PIIStage{base: newBase("pii", cfg.StageOptions), detectors: detectors}
}

// Check implements OutputStage.
func (s *PIIStage) Check(_ context.Context, out OutputCommand) (OutputResult, error) {
	text, kinds := MaskPII(out.Text, s.detectors)
	if len(kinds) == 0 {
		return Pass(), nil
	}
	return Modify(text, "masked "+strings.Join(kinds, ", ")), nil
}

// MaskPII replaces each detected value with [REDACTED_<KIND>] and reports
// which kinds were found.
func MaskPII(text string, detectors []piiDetector) (string, []string) {
	if detectors == nil {
		detectors = piiDetectors
	}
	var kinds []string
	for _, d := range detectors {
		found := false
		text = d.pattern.ReplaceAllStringFunc(text, func(m string) string {
			if d.valid != nil && !d.valid(m) {
				return m
			}
			found = true
			return "[REDACTED_" + strings.ToUpper(d.kind) + "]"
		})
		if found {
			kinds = append(kinds, d.kind)
		}
	}
	return text, kinds
}

// luhnValid checks a card number candidate, ignoring separators.
func luhnValid(s string) bool {
	sum, n := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
		n++
	}
	return n >= 13 && n <= 19 && sum%10 == 0
}
