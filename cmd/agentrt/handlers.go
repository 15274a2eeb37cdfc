package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/haasonsaas/agentrt/internal/agent"
	"github.com/haasonsaas/agentrt/internal/config"
	ctxwindow "github.com/haasonsaas/agentrt/internal/context"
	"github.com/haasonsaas/agentrt/internal/guard"
	"github.com/haasonsaas/agentrt/internal/observability"
	"github.com/haasonsaas/agentrt/pkg/models"
)

// errRejected is returned by the guard command when a pipeline rejects.
var errRejected = errors.New("text rejected by guard")

type runOptions struct {
	stream       bool
	caller       string
	tenant       string
	conversation string
	system       string
	token        string
	jsonOutput   bool
	maxToolCalls int
	temperature  float64
	schemaPath   string
}

type guardOptions struct {
	caller     string
	tenant     string
	system     string
	token      string
	outputOnly bool
	jsonOutput bool
}

// loadConfig reads the configuration named by the flags. Without an
// explicit path a missing default file yields the built-in defaults.
func loadConfig() (*config.Config, string, error) {
	if envFile != "" {
		if err := config.LoadEnvFile(envFile); err != nil {
			return nil, "", err
		}
	}
	path, explicit := resolveConfigPath(configPath)
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), "", nil
		}
		return nil, "", fmt.Errorf("config file: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	logCfg := cfg.Logging
	if debug {
		logCfg.Level = "debug"
	}
	return observability.NewLogger(logCfg)
}

// readInput joins args, or reads stdin when there are none.
func readInput(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	if stdin == nil {
		return "", nil
	}
	raw, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// runPrompt executes one prompt and prints the answer.
func runPrompt(ctx context.Context, out io.Writer, stdin io.Reader, args []string, opts runOptions) error {
	text, err := readInput(args, stdin)
	if err != nil {
		return err
	}
	if text == "" {
		return errors.New("prompt is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, nil, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.Background()); err != nil {
			logger.Warn("shutdown failed", "error", err)
		}
	}()
	if err := rt.start(ctx); err != nil {
		return err
	}

	cmd, err := buildCommand(text, opts)
	if err != nil {
		return err
	}

	var result *models.ExecutionResult
	if opts.stream {
		result, err = streamPrompt(ctx, out, rt.executor, cmd, logger)
		if err != nil {
			return err
		}
	} else {
		result = rt.executor.Execute(ctx, cmd)
		if !opts.jsonOutput && result.Success {
			fmt.Fprintln(out, result.Text)
		}
	}

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	}
	if result.PendingApproval != nil {
		fmt.Fprintf(out, "approval required (%s): %s\n", result.PendingApproval.ID, result.PendingApproval.Message)
		return nil
	}
	if !result.Success {
		return fmt.Errorf("%s: %s", result.ErrorKind, result.ErrorMessage)
	}
	return nil
}

func buildCommand(text string, opts runOptions) (models.Command, error) {
	cmd := models.Command{
		CallerID:       opts.caller,
		TenantID:       opts.tenant,
		ConversationID: opts.conversation,
		Channel:        "cli",
		SystemPrompt:   opts.system,
		UserText:       text,
		MaxToolCalls:   opts.maxToolCalls,
	}
	if opts.token != "" {
		cmd = cmd.WithMetadata(guard.MetadataTokenKey, opts.token)
	}
	if opts.temperature >= 0 {
		t := opts.temperature
		cmd.Temperature = &t
	}
	if opts.schemaPath != "" {
		schema, err := os.ReadFile(opts.schemaPath)
		if err != nil {
			return models.Command{}, fmt.Errorf("read schema: %w", err)
		}
		if !json.Valid(schema) {
			return models.Command{}, fmt.Errorf("schema %s is not valid JSON", opts.schemaPath)
		}
		cmd.OutputFormat = models.OutputFormat{Kind: models.OutputStructured, Schema: schema}
	}
	return cmd, nil
}

// streamPrompt prints text fragments as they arrive and returns the final
// result.
func streamPrompt(ctx context.Context, out io.Writer, executor *agent.Executor, cmd models.Command, logger *slog.Logger) (*models.ExecutionResult, error) {
	var result *models.ExecutionResult
	var streamErr error
	printed := false
	for chunk := range executor.ExecuteStreaming(ctx, cmd) {
		if chunk.Text != "" {
			fmt.Fprint(out, chunk.Text)
			printed = true
		}
		if ev := chunk.ToolEvent; ev != nil {
			if ev.Stage.Final() {
				logger.Debug("tool finished", "tool", ev.ToolName, "stage", ev.Stage, "duration", ev.Duration(), "error", ev.Error)
			} else {
				logger.Debug("tool event", "tool", ev.ToolName, "stage", ev.Stage)
			}
		}
		if chunk.Result != nil {
			result = chunk.Result
			streamErr = chunk.Error
		}
	}
	if printed {
		fmt.Fprintln(out)
	}
	if result == nil {
		return nil, errors.New("stream ended without a result")
	}
	if errors.Is(streamErr, agent.ErrOutputModified) {
		fmt.Fprintf(out, "\n[answer modified by output guard]\n%s\n", result.Text)
	}
	return result, nil
}

// runEstimate prints the token estimate of the input.
func runEstimate(out io.Writer, stdin io.Reader, args []string, model string) error {
	text, err := readInput(args, stdin)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	est := ctxwindow.NewEstimator(cfg.Context)
	if model == "" {
		model = cfg.Agent.Model
	}

	tokens := est.Estimate(text)
	budget, source := cfg.Agent.Budget, "config"
	if model != "" {
		budget, source = ctxwindow.ModelBudget(model, cfg.Agent.MaxTokens)
	}
	info := budget.Measure(tokens, source)

	fmt.Fprintf(out, "Tokens:  %d\n", tokens)
	if model != "" {
		fmt.Fprintf(out, "Model:   %s\n", model)
	}
	fmt.Fprintf(out, "Window:  %s\n", info.String())
	return nil
}

type guardReport struct {
	Input  *guard.Result       `json:"input,omitempty"`
	Output *guard.OutputResult `json:"output,omitempty"`
}

// runGuard screens text with the configured pipelines.
func runGuard(ctx context.Context, out io.Writer, stdin io.Reader, args []string, opts guardOptions) error {
	text, err := readInput(args, stdin)
	if err != nil {
		return err
	}
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := buildGuards(cfg, newLogger(cfg))
	if err != nil {
		return err
	}

	report := screen(ctx, rt, text, opts)

	if opts.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printGuardReport(out, report)
	}

	if (report.Input != nil && !report.Input.IsAllowed()) ||
		(report.Output != nil && report.Output.Verdict == guard.OutputRejected) {
		return errRejected
	}
	return nil
}

func screen(ctx context.Context, rt *runtime, text string, opts guardOptions) guardReport {
	var report guardReport
	if !opts.outputOnly {
		in := guard.Command{
			CallerID:     opts.caller,
			TenantID:     opts.tenant,
			Text:         text,
			SystemPrompt: opts.system,
			Channel:      "cli",
		}
		if opts.token != "" {
			in.Metadata = map[string]string{guard.MetadataTokenKey: opts.token}
		}
		res := rt.input.Check(ctx, in)
		report.Input = &res
		if !res.IsAllowed() {
			return report
		}
		if res.NormalizedText != "" {
			text = res.NormalizedText
		}
	}

	res := rt.output.Check(ctx, guard.OutputCommand{
		CallerID:     opts.caller,
		TenantID:     opts.tenant,
		Text:         text,
		SystemPrompt: opts.system,
	})
	report.Output = &res
	return report
}

func printGuardReport(out io.Writer, report guardReport) {
	if in := report.Input; in != nil {
		fmt.Fprintf(out, "Input:   %s", in.Verdict)
		if !in.IsAllowed() {
			fmt.Fprintf(out, " by %s (%s): %s", in.Stage, in.Category, in.Reason)
		}
		fmt.Fprintln(out)
	}
	if res := report.Output; res != nil {
		fmt.Fprintf(out, "Output:  %s", res.Verdict)
		switch res.Verdict {
		case guard.OutputRejected:
			fmt.Fprintf(out, " by %s (%s): %s", res.Stage, res.Category, res.Reason)
		case guard.OutputModified:
			fmt.Fprintf(out, ": %s\n%s", res.Reason, res.Text)
		}
		fmt.Fprintln(out)
	}
}

// runConfigValidate loads the configuration and reports every issue.
func runConfigValidate(out io.Writer) error {
	_, path, err := loadConfig()
	if err != nil {
		var verr *config.ValidationError
		if errors.As(err, &verr) {
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}
	if path == "" {
		fmt.Fprintln(out, "No config file found; built-in defaults are valid.")
		return nil
	}
	fmt.Fprintf(out, "Config OK: %s\n", path)
	if sources, err := config.Sources(path); err == nil && len(sources) > 1 {
		for _, src := range sources {
			fmt.Fprintf(out, "  loaded %s\n", src)
		}
	}
	return nil
}

func runConfigSchema(out io.Writer) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = out.Write(append(schema, '\n'))
	return err
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "agentrt %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", commit)
	fmt.Fprintf(out, "  built:  %s\n", date)
}
