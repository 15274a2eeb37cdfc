package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config selects the built-in hooks installed by Install.
type Config struct {
	// AuditLog logs every tool call and execution outcome.
	AuditLog bool `yaml:"audit_log"`

	// ToolAllowlist rejects tool calls outside the list; empty allows all.
	ToolAllowlist []string `yaml:"tool_allowlist"`

	// ApprovalRequired parks calls to these tools until approved.
	ApprovalRequired []string `yaml:"approval_required"`
}

// Install registers the built-in hooks selected by cfg. The returned gate
// is nil unless cfg.ApprovalRequired is set.
func Install(e *Executor, cfg Config, logger *slog.Logger) (*ApprovalGate, error) {
	if cfg.AuditLog {
		audit := AuditLog(logger)
		if _, err := e.RegisterAfter(PointAfterTool, "audit_tool", audit, WithOrder(OrderLast), WithSource("builtin")); err != nil {
			return nil, err
		}
		if _, err := e.RegisterAfter(PointAfterComplete, "audit_complete", audit, WithOrder(OrderLast), WithSource("builtin")); err != nil {
			return nil, err
		}
	}
	if len(cfg.ToolAllowlist) > 0 {
		if _, err := e.RegisterBefore(PointBeforeTool, "tool_allowlist", ToolAllowlist(cfg.ToolAllowlist...),
			WithOrder(OrderFirst), WithSource("builtin")); err != nil {
			return nil, err
		}
	}
	if len(cfg.ApprovalRequired) == 0 {
		return nil, nil
	}
	gate := NewApprovalGate(0)
	if _, err := e.RegisterBefore(PointBeforeTool, "approval_gate", gate.Hook(),
		WithOrder(OrderEarly), WithSource("builtin"), ForTools(cfg.ApprovalRequired...)); err != nil {
		return nil, err
	}
	return gate, nil
}

// ToolAllowlist rejects tool calls whose name is not listed.
func ToolAllowlist(names ...string) BeforeFunc {
	allowed := slices.Clone(names)
	return func(_ context.Context, event *Event) (Decision, error) {
		if event.Tool == nil || slices.Contains(allowed, event.Tool.Name) {
			return Continue(), nil
		}
		return Reject(fmt.Sprintf("tool %s is not allowed", event.Tool.Name)), nil
	}
}

// AuditLog returns an after hook that records tool calls and execution
// outcomes at info level.
func AuditLog(logger *slog.Logger) AfterFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit")
	return func(ctx context.Context, event *Event) error {
		attrs := []any{"point", event.Point}
		if hc := event.Context; hc != nil {
			attrs = append(attrs, "run_id", hc.RunID, "caller_id", hc.CallerID)
		}
		switch {
		case event.Tool != nil:
			attrs = append(attrs,
				"tool", event.Tool.Name,
				"tool_call_id", event.Tool.ID,
				"is_error", event.Tool.IsError,
				"duration_ms", event.Tool.Duration.Milliseconds())
		case event.Result != nil:
			attrs = append(attrs,
				"success", event.Result.Success,
				"error_kind", event.Result.ErrorKind,
				"tools_used", event.Result.ToolsUsed,
				"total_tokens", event.Result.Usage.TotalTokens,
				"duration_ms", event.Result.Duration.Milliseconds())
		}
		logger.InfoContext(ctx, "audit", attrs...)
		return nil
	}
}

// ApprovalRequest is a tool call parked by an ApprovalGate.
type ApprovalRequest struct {
	ID          string    `json:"id"`
	CallerID    string    `json:"caller_id"`
	ToolName    string    `json:"tool_name"`
	ToolCallID  string    `json:"tool_call_id"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ApprovalGate parks tool calls until a caller is granted the tool.
// Grants are keyed by caller and tool, so a granted caller's later calls
// pass through.
type ApprovalGate struct {
	mu      sync.Mutex
	pending map[string]*ApprovalRequest
	granted map[string]bool
	ttl     time.Duration
	now     func() time.Time
}

// NewApprovalGate creates a gate whose pending requests expire after ttl
// (default 5 minutes).
func NewApprovalGate(ttl time.Duration) *ApprovalGate {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ApprovalGate{
		pending: make(map[string]*ApprovalRequest),
		granted: make(map[string]bool),
		ttl:     ttl,
		now:     time.Now,
	}
}

func grantKey(caller, tool string) string { return caller + "\x00" + tool }

// Hook returns the before-tool hook enforcing the gate.
func (g *ApprovalGate) Hook() BeforeFunc {
	return func(_ context.Context, event *Event) (Decision, error) {
		if event.Tool == nil {
			return Continue(), nil
		}
		caller := ""
		if event.Context != nil {
			caller = event.Context.CallerID
		}

		g.mu.Lock()
		defer g.mu.Unlock()
		if g.granted[grantKey(caller, event.Tool.Name)] {
			return Continue(), nil
		}
		now := g.now()
		req := &ApprovalRequest{
			ID:          uuid.NewString(),
			CallerID:    caller,
			ToolName:    event.Tool.Name,
			ToolCallID:  event.Tool.ID,
			RequestedAt: now,
			ExpiresAt:   now.Add(g.ttl),
		}
		g.pending[req.ID] = req
		return PendingApproval(req.ID, fmt.Sprintf("tool %s requires approval", event.Tool.Name)), nil
	}
}

// Approve grants the caller of a pending request access to its tool.
func (g *ApprovalGate) Approve(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.pending[id]
	if !ok || g.now().After(req.ExpiresAt) {
		delete(g.pending, id)
		return false
	}
	delete(g.pending, id)
	g.granted[grantKey(req.CallerID, req.ToolName)] = true
	return true
}

// Deny drops a pending request.
func (g *ApprovalGate) Deny(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[id]
	delete(g.pending, id)
	return ok
}

// Pending lists unexpired pending requests.
func (g *ApprovalGate) Pending() []ApprovalRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	out := make([]ApprovalRequest, 0, len(g.pending))
	for _, req := range g.pending {
		if now.Before(req.ExpiresAt) {
			out = append(out, *req)
		}
	}
	slices.SortFunc(out, func(a, b ApprovalRequest) int { return a.RequestedAt.Compare(b.RequestedAt) })
	return out
}

// Prune drops expired pending requests and returns how many were removed.
func (g *ApprovalGate) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	removed := 0
	for id, req := range g.pending {
		if !now.Before(req.ExpiresAt) {
			delete(g.pending, id)
			removed++
		}
	}
	return removed
}
