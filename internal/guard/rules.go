package guard

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// RuleAction is what a matching rule does to the answer.
type RuleAction string

const (
	ActionMask   RuleAction = "mask"
	ActionReject RuleAction = "reject"
)

// Rule is a pattern applied to final answers.
type Rule struct {
	Name        string     `yaml:"name" json:"name"`
	Pattern     string     `yaml:"pattern" json:"pattern"`
	Action      RuleAction `yaml:"action" json:"action"`
	Replacement string     `yaml:"replacement,omitempty" json:"replacement,omitempty"`
}

// DefaultReplacement is used by mask rules without a Replacement.
const DefaultReplacement = "[REDACTED]"

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// CompileRules validates and compiles rules.
func CompileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("rule %d (%s): empty pattern", i, r.Name)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
		switch r.Action {
		case "":
			r.Action = ActionMask
		case ActionMask, ActionReject:
		default:
			return nil, fmt.Errorf("rule %d (%s): unknown action %q", i, r.Name, r.Action)
		}
		if r.Name == "" {
			r.Name = fmt.Sprintf("rule_%d", i)
		}
		if r.Action == ActionMask && r.Replacement == "" {
			r.Replacement = DefaultReplacement
		}
		out = append(out, compiledRule{Rule: r, re: re})
	}
	return out, nil
}

// applyRules runs rules over text in order. Reject rules short-circuit.
func applyRules(text string, rules []compiledRule) OutputResult {
	var masked []string
	for _, r := range rules {
		if !r.re.MatchString(text) {
			continue
		}
		if r.Action == ActionReject {
			return Block(CategoryOutputPolicy, fmt.Sprintf("output matched blocked pattern %s", r.Name))
		}
		text = r.re.ReplaceAllString(text, r.Replacement)
		masked = append(masked, r.Name)
	}
	if len(masked) == 0 {
		return Pass()
	}
	return Modify(text, "masked by "+strings.Join(masked, ", "))
}

// StaticRulesStage applies rules fixed at construction.
type StaticRulesStage struct {
	base
	rules []compiledRule
}

// NewStaticRulesStage compiles rules into a stage.
func NewStaticRulesStage(rules []Rule, opts StageOptions) (*StaticRulesStage, error) {
	compiled, err := CompileRules(rules)
	if err != nil {
		return nil, err
	}
	return &StaticRulesStage{base: newBase("static_rules", opts), rules: compiled}, nil
}

// Check implements OutputStage.
func (s *StaticRulesStage) Check(_ context.Context, out OutputCommand) (OutputResult, error) {
	return applyRules(out.Text, s.rules), nil
}

// ruleFile is the on-disk format of dynamic rules.
type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// DynamicRulesStage applies rules that can be replaced at runtime, either
// through SetRules or by editing a watched rules file.
type DynamicRulesStage struct {
	base
	rules  atomic.Pointer[[]compiledRule]
	path   string
	logger *slog.Logger
}

// NewDynamicRulesStage creates an empty dynamic rule set. When path is
// non-empty the file is loaded immediately.
func NewDynamicRulesStage(path string, opts StageOptions, logger *slog.Logger) (*DynamicRulesStage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &DynamicRulesStage{
		base:   newBase("dynamic_rules", opts),
		path:   path,
		logger: logger.With("component", "guard", "stage", "dynamic_rules"),
	}
	empty := []compiledRule{}
	s.rules.Store(&empty)
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetRules atomically replaces the active rules. Invalid rules leave the
// current set untouched.
func (s *DynamicRulesStage) SetRules(rules []Rule) error {
	compiled, err := CompileRules(rules)
	if err != nil {
		return err
	}
	s.rules.Store(&compiled)
	return nil
}

// Rules returns the active rules.
func (s *DynamicRulesStage) Rules() []Rule {
	current := *s.rules.Load()
	out := make([]Rule, len(current))
	for i, r := range current {
		out[i] = r.Rule
	}
	return out
}

// Reload re-reads the rules file.
func (s *DynamicRulesStage) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}
	return s.SetRules(file.Rules)
}

// Watch reloads the rules file whenever it changes until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are handled.
func (s *DynamicRulesStage) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch rules dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(s.path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("rules reload failed, keeping previous rules", "path", s.path, "error", err)
					continue
				}
				s.logger.Info("rules reloaded", "path", s.path, "count", len(s.Rules()))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("rules watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Check implements OutputStage.
func (s *DynamicRulesStage) Check(_ context.Context, out OutputCommand) (OutputResult, error) {
	return applyRules(out.Text, *s.rules.Load()), nil
}
