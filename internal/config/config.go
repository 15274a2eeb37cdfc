// Package config loads the agentrt configuration file.
//
// Files are YAML, or JSON5 when the extension is .json or .json5. A file may
// pull in others with $include, and ${VAR} references are expanded from the
// environment after an optional .env file has been loaded.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/haasonsaas/agentrt/internal/agent"
	"github.com/haasonsaas/agentrt/internal/agent/providers"
	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/internal/hooks"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/internal/ratelimit"
	"github.com/haasonsaas/agentrt/internal/sessions"
)

// Config is the main configuration structure for agentrt.
type Config struct {
	Version int `yaml:"version"`

	// Agent configures the execution loop.
	Agent agent.Config `yaml:"agent"`

	// Concurrency caps simultaneous executions; zero is unbounded.
	Concurrency int `yaml:"concurrency"`

	// Messages overrides the caller-facing error messages per error kind.
	Messages map[agent.ErrorKind]string `yaml:"messages"`

	LLM         LLMConfig                 `yaml:"llm"`
	Context     ctxwindow.EstimatorConfig `yaml:"context"`
	Guard       guard.Config              `yaml:"guard"`
	RateLimit   ratelimit.Config          `yaml:"rate_limit"`
	Hooks       hooks.Config              `yaml:"hooks"`
	Sessions    SessionsConfig            `yaml:"sessions"`
	Maintenance MaintenanceConfig         `yaml:"maintenance"`
	Logging     observability.LogConfig   `yaml:"logging"`
	Tracing     observability.TraceConfig `yaml:"tracing"`
}

// LLMConfig selects the chat model providers.
type LLMConfig struct {
	// Provider is the primary provider: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Fallbacks are tried in order when the primary fails over.
	Fallbacks []string `yaml:"fallbacks"`

	Anthropic ProviderConfig           `yaml:"anthropic"`
	OpenAI    ProviderConfig           `yaml:"openai"`
	Failover  providers.FailoverConfig `yaml:"failover"`
}

// ProviderConfig holds the credentials and defaults of one provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ProviderSettings returns the settings of the named provider.
func (c LLMConfig) ProviderSettings(name string) (ProviderConfig, bool) {
	switch name {
	case "anthropic":
		return c.Anthropic, true
	case "openai":
		return c.OpenAI, true
	}
	return ProviderConfig{}, false
}

// SessionsConfig selects the conversation store.
type SessionsConfig struct {
	// Backend is "memory" or "sql".
	Backend string `yaml:"backend"`

	// MaxMessages caps messages per conversation in the memory backend.
	MaxMessages int `yaml:"max_messages"`

	SQL sessions.SQLConfig `yaml:"sql"`

	// Retention prunes messages older than this; zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// MaintenanceConfig configures the background pruning job.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string `yaml:"schedule"`
}

// Default returns the configuration used when no file is given. Loaded
// files are decoded on top of it, so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Version:     CurrentVersion,
		Agent:       agent.DefaultConfig(),
		Concurrency: 16,
		LLM: LLMConfig{
			Provider: "anthropic",
			Failover: providers.DefaultFailoverConfig(),
		},
		Context:   ctxwindow.DefaultEstimatorConfig(),
		Guard:     guard.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Sessions: SessionsConfig{
			Backend:     "memory",
			MaxMessages: sessions.DefaultMaxMessages,
			SQL:         sessions.DefaultSQLConfig(),
		},
		Maintenance: MaintenanceConfig{Enabled: true, Schedule: "@every 1m"},
		Logging:     observability.LogConfig{Level: "info", Format: "json"},
		Tracing:     observability.TraceConfig{ServiceName: "agentrt", SamplingRate: 1.0},
	}
}

// Load reads, merges and validates the configuration file at path. A .env
// file next to it is loaded first; variables already set win.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := LoadEnvFile(envPath); err != nil {
			return nil, err
		}
	}

	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment without
// overriding variables that are already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ValidationError aggregates every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var issues []string

	if err := ValidateVersion(c.Version); err != nil {
		issues = append(issues, err.Error())
	}

	if c.Agent.MaxToolCalls < 0 {
		issues = append(issues, "agent.max_tool_calls must not be negative")
	}
	if c.Agent.RequestTimeout < 0 {
		issues = append(issues, "agent.request_timeout must not be negative")
	}
	if c.Agent.Retry.MaxAttempts < 1 {
		issues = append(issues, "agent.retry.max_attempts must be at least 1")
	}
	if j := c.Agent.Retry.Policy.Jitter; j < 0 || j >= 1 {
		issues = append(issues, "agent.retry.backoff.jitter must be in [0, 1)")
	}
	if c.Agent.Budget.MaxOutputTokens >= c.Agent.Budget.MaxContextTokens {
		issues = append(issues, "agent.budget.max_output_tokens must be below max_context_tokens")
	}
	if c.Concurrency < 0 {
		issues = append(issues, "concurrency must not be negative")
	}

	for kind := range c.Messages {
		if _, ok := agent.DefaultMessageCatalog()[kind]; !ok {
			issues = append(issues, fmt.Sprintf("messages: unknown error kind %q", kind))
		}
	}

	if _, ok := c.LLM.ProviderSettings(c.LLM.Provider); !ok {
		issues = append(issues, fmt.Sprintf("llm.provider must be anthropic or openai, got %q", c.LLM.Provider))
	}
	for _, fb := range c.LLM.Fallbacks {
		if _, ok := c.LLM.ProviderSettings(fb); !ok {
			issues = append(issues, fmt.Sprintf("llm.fallbacks: unknown provider %q", fb))
		}
		if fb == c.LLM.Provider {
			issues = append(issues, fmt.Sprintf("llm.fallbacks: %q is already the primary provider", fb))
		}
	}

	if c.Context.LatinCharsPerToken <= 0 || c.Context.CJKCharsPerToken <= 0 || c.Context.EmojiCharsPerToken <= 0 {
		issues = append(issues, "context: chars-per-token ratios must be positive")
	}

	if r := c.Guard.Normalization.MaxStrippedRatio; r < 0 || r > 1 {
		issues = append(issues, "guard.normalization.max_stripped_ratio must be in [0, 1]")
	}
	if c.Guard.Permission.Enabled && len(c.Guard.Permission.RequiredRoles) > 0 && c.Guard.Permission.JWTSecret == "" {
		issues = append(issues, "guard.permission.required_roles needs jwt_secret")
	}
	if c.Guard.Classification.Timeout < 0 {
		issues = append(issues, "guard.classification.timeout must not be negative")
	}
	if _, err := guard.CompileRules(c.Guard.Rules); err != nil {
		issues = append(issues, fmt.Sprintf("guard.rules: %v", err))
	}

	if c.RateLimit.Default.PerMinute < 0 || c.RateLimit.Default.PerHour < 0 {
		issues = append(issues, "rate_limit.default limits must not be negative")
	}

	switch c.Sessions.Backend {
	case "memory":
	case "sql":
		if d := c.Sessions.SQL.Driver; d != string(sessions.DialectPostgres) && d != string(sessions.DialectSQLite) {
			issues = append(issues, fmt.Sprintf("sessions.sql.driver must be postgres or sqlite, got %q", d))
		}
		if strings.TrimSpace(c.Sessions.SQL.DSN) == "" {
			issues = append(issues, "sessions.sql.dsn is required")
		}
	default:
		issues = append(issues, fmt.Sprintf("sessions.backend must be memory or sql, got %q", c.Sessions.Backend))
	}
	if c.Sessions.Retention < 0 {
		issues = append(issues, "sessions.retention must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		issues = append(issues, fmt.Sprintf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		issues = append(issues, "tracing.sampling_rate must be in [0, 1]")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
