package guard

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// InjectionConfig configures pattern-based prompt injection detection.
type InjectionConfig struct {
	StageOptions `yaml:",inline"`

	// DelimiterRun is the run length of '-', '=' or '#' treated as flooding.
	DelimiterRun int `yaml:"delimiter_run"`

	// ManyShotTurns is the number of fabricated dialogue turns that marks
	// many-shot scaffolding.
	ManyShotTurns int `yaml:"many_shot_turns"`

	// ExtraPatterns are additional regular expressions, all reported as
	// custom injection patterns.
	ExtraPatterns []string `yaml:"extra_patterns"`
}

// DefaultInjectionConfig returns the standard detection thresholds.
func DefaultInjectionConfig() InjectionConfig {
	return InjectionConfig{
		StageOptions:  StageOptions{Order: OrderInjection, Enabled: true},
		DelimiterRun:  20,
		ManyShotTurns: 8,
	}
}

type injectionRule struct {
	kind    string
	pattern *regexp.Regexp
}

var builtinInjectionRules = []injectionRule{
	{"role override", regexp.MustCompile(`(?i)\b(ignore|disregard|forget|override|bypass)\b.{0,40}\b(previous|prior|above|earlier|all|any|your|system)\b.{0,40}\b(instructions?|prompts?|rules?|directives?|guidelines?)\b`)},
	{"role override", regexp.MustCompile(`(?i)\b(you are now|from now on,? you are|pretend (to be|you are)|act as) (an? )?(unrestricted|unfiltered|uncensored|jailbroken|evil|dan)\b`)},
	{"role override", regexp.MustCompile(`(?i)\b(developer|god|jailbreak|dan) mode\b`)},
	{"role override", regexp.MustCompile(`(?i)(^|\n)\s*(new|updated) (system )?instructions?\s*:`)},
	{"system prompt extraction", regexp.MustCompile(`(?i)\b(reveal|show|print|repeat|output|display|leak|dump|tell me|what (is|are|was|were))\b.{0,40}\b(system prompt|system message|initial (prompt|instructions)|hidden (prompt|instructions)|your (instructions|prompt|rules|guidelines))\b`)},
	{"system prompt extraction", regexp.MustCompile(`(?i)\b(repeat|print|output)\b.{0,30}\b(everything|all|the text|the words)\b.{0,30}\b(above|before this|preceding)\b`)},
	{"encoding bypass", regexp.MustCompile(`(?i)\b(base64|base-64|rot13|rot-13|hex[- ]encoded|caesar cipher)\b.{0,60}\b(decode|decoded|decrypt|follow|execute|obey|instructions?)\b`)},
	{"encoding bypass", regexp.MustCompile(`(?i)\b(decode|decrypt|follow|execute)\b.{0,40}\b(base64|base-64|rot13|rot-13)\b`)},
	{"chat template spoofing", regexp.MustCompile(`(?i)<\|(im_start|im_end|system|user|assistant|endoftext|begin_of_text|start_header_id|end_header_id|eot_id)\|>|\[/?INST\]|<</?SYS>>`)},
}

var manyShotTurn = regexp.MustCompile(`(?im)^\s*(user|human|q|question|assistant|ai|a|answer|bot)\s*:`)

// InjectionStage detects common prompt injection techniques.
type InjectionStage struct {
	base
	cfg       InjectionConfig
	rules     []injectionRule
	delimiter *regexp.Regexp
}

// NewInjectionStage compiles the detection rules.
func NewInjectionStage(cfg InjectionConfig) (*InjectionStage, error) {
	def := DefaultInjectionConfig()
	if cfg.DelimiterRun <= 0 {
		cfg.DelimiterRun = def.DelimiterRun
	}
	if cfg.ManyShotTurns <= 0 {
		cfg.ManyShotTurns = def.ManyShotTurns
	}

	rules := append([]injectionRule(nil), builtinInjectionRules...)
	for _, p := range cfg.ExtraPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid injection pattern %q: %w", p, err)
		}
		rules = append(rules, injectionRule{kind: "custom pattern", pattern: re})
	}

	n := cfg.DelimiterRun
	delimiter := regexp.MustCompile(fmt.Sprintf(`-{%d,}|={%d,}|#{%d,}`, n, n, n))

	return &InjectionStage{
		base:      newBase("injection", cfg.StageOptions),
		cfg:       cfg,
		rules:     rules,
		delimiter: delimiter,
	}, nil
}

// Check implements Stage.
func (s *InjectionStage) Check(_ context.Context, cmd Command) (Result, error) {
	if kind := s.Detect(cmd.Text); kind != "" {
		return Reject(CategoryInjection, "possible prompt injection: "+kind), nil
	}
	return Allow(), nil
}

// Detect returns the kind of injection found in text, or "".
func (s *InjectionStage) Detect(text string) string {
	for _, rule := range s.rules {
		if rule.pattern.MatchString(text) {
			return rule.kind
		}
	}
	if s.delimiter.MatchString(text) {
		return "delimiter flooding"
	}
	if len(manyShotTurn.FindAllStringIndex(text, s.cfg.ManyShotTurns)) >= s.cfg.ManyShotTurns {
		return "many-shot scaffolding"
	}
	if countFakeTurns(text) >= s.cfg.ManyShotTurns {
		return "many-shot scaffolding"
	}
	return ""
}

// countFakeTurns counts "Human:"/"Assistant:" markers that appear inline
// rather than at line starts.
func countFakeTurns(text string) int {
	lower := strings.ToLower(text)
	return strings.Count(lower, "human:") + strings.Count(lower, "assistant:")
}
