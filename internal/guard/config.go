package guard

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/agentrt/internal/cache"
	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
	"github.com/haasonsaas/agentrt/internal/ratelimit"
)

// PermissionConfig configures the permission stage. Without a JWT secret
// every caller is allowed.
type PermissionConfig struct {
	StageOptions `yaml:",inline"`

	// JWTSecret verifies the caller token carried in command metadata.
	JWTSecret string `yaml:"jwt_secret"`

	// RequiredRoles lists roles of which the caller needs at least one.
	RequiredRoles []string `yaml:"required_roles"`
}

// Config selects and configures the stages of both pipelines.
type Config struct {
	Normalization  NormalizationConfig  `yaml:"normalization"`
	RateLimit      StageOptions         `yaml:"rate_limit"`
	Validation     ValidationConfig     `yaml:"validation"`
	Injection      InjectionConfig      `yaml:"injection"`
	Classification ClassificationConfig `yaml:"classification"`
	Permission     PermissionConfig     `yaml:"permission"`

	// Categories feeds the keyword classifier used when no classifier is
	// supplied: category name to lowercase keywords.
	Categories map[string][]string `yaml:"categories"`

	PII   PIIConfig `yaml:"pii"`
	Rules []Rule    `yaml:"rules"`

	// RulesFile holds rules that are reloaded whenever the file changes.
	RulesFile string `yaml:"rules_file"`

	Canary StageOptions `yaml:"canary"`
}

// DefaultConfig enables every stage with its canonical order.
func DefaultConfig() Config {
	return Config{
		Normalization:  DefaultNormalizationConfig(),
		RateLimit:      StageOptions{Order: OrderRateLimit, Enabled: true},
		Validation:     DefaultValidationConfig(),
		Injection:      DefaultInjectionConfig(),
		Classification: DefaultClassificationConfig(),
		Permission:     PermissionConfig{StageOptions: StageOptions{Order: OrderPermission, Enabled: true}},
		PII:            DefaultPIIConfig(),
		Canary:         StageOptions{Order: OrderCanary, Enabled: true},
	}
}

// Dependencies are the collaborators some stages need. Nil fields disable
// the stage that depends on them.
type Dependencies struct {
	Limiter    ratelimit.Limiter
	Classifier Classifier
	Estimator  ctxwindow.TokenEstimator

	// Memo caches classifications. When nil one is created from
	// Classification.Cache.
	Memo *cache.Store[Classification]

	Logger   *slog.Logger
	Observer Observer
}

// NewInputPipelineFromConfig builds the input pipeline described by cfg.
func NewInputPipelineFromConfig(cfg Config, deps Dependencies) (*Pipeline, error) {
	stages := []Stage{NewNormalizationStage(cfg.Normalization)}

	if deps.Limiter != nil {
		stages = append(stages, NewRateLimitStage(deps.Limiter, cfg.RateLimit))
	}

	est := deps.Estimator
	if est == nil {
		est = ctxwindow.DefaultEstimator()
	}
	stages = append(stages, NewValidationStage(cfg.Validation, est))

	injection, err := NewInjectionStage(cfg.Injection)
	if err != nil {
		return nil, fmt.Errorf("injection stage: %w", err)
	}
	stages = append(stages, injection)

	classifier := deps.Classifier
	if classifier == nil && len(cfg.Categories) > 0 {
		classifier = NewKeywordClassifier(cfg.Categories)
	}
	memo := deps.Memo
	if memo == nil && cfg.Classification.Cache.MaxEntries > 0 {
		memo = cache.New[Classification](cfg.Classification.Cache)
	}
	stages = append(stages, NewClassificationStage(cfg.Classification, classifier, memo, deps.Logger))

	var checker PermissionChecker = AllowAll{}
	if cfg.Permission.JWTSecret != "" {
		checker = NewJWTPermissionChecker(cfg.Permission.JWTSecret, cfg.Permission.RequiredRoles...)
	}
	stages = append(stages, NewPermissionStage(checker, cfg.Permission.StageOptions))

	return NewPipeline(stages, pipelineOpts(deps)...), nil
}

// NewOutputPipelineFromConfig builds the output pipeline described by cfg.
// The returned DynamicRulesStage is nil unless cfg.RulesFile is set; call
// its Watch to pick up edits.
func NewOutputPipelineFromConfig(cfg Config, deps Dependencies) (*OutputPipeline, *DynamicRulesStage, error) {
	stages := []OutputStage{NewPIIStage(cfg.PII)}

	var dynamic *DynamicRulesStage
	if cfg.RulesFile != "" {
		var err error
		dynamic, err = NewDynamicRulesStage(cfg.RulesFile, StageOptions{Order: OrderDynamicRules, Enabled: true}, deps.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("rules file: %w", err)
		}
		stages = append(stages, dynamic)
	}

	if len(cfg.Rules) > 0 {
		static, err := NewStaticRulesStage(cfg.Rules, StageOptions{Order: OrderStaticRules, Enabled: true})
		if err != nil {
			return nil, nil, fmt.Errorf("rules: %w", err)
		}
		stages = append(stages, static)
	}

	// The canary itself arrives per request in metadata.
	stages = append(stages, NewCanaryStage(Canary{}, cfg.Canary))

	return NewOutputPipeline(stages, pipelineOpts(deps)...), dynamic, nil
}

func pipelineOpts(deps Dependencies) []PipelineOption {
	var opts []PipelineOption
	if deps.Logger != nil {
		opts = append(opts, WithLogger(deps.Logger))
	}
	if deps.Observer != nil {
		opts = append(opts, WithObserver(deps.Observer))
	}
	return opts
}
