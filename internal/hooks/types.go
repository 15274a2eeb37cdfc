// Package hooks provides the lifecycle extension points of an execution.
//
// Hooks are registered at one of four points. Before hooks can steer the
// surrounding operation by returning a Decision; after hooks only observe.
// Hook failures are logged and skipped unless the hook is registered with
// FailOnError, in which case the failure rejects the surrounding operation.
package hooks

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// Point identifies a lifecycle extension point.
type Point string

const (
	// PointBeforeStart fires once after the input guards pass and before
	// the first model call.
	PointBeforeStart Point = "before_start"

	// PointBeforeTool fires before every tool call is dispatched.
	PointBeforeTool Point = "before_tool"

	// PointAfterTool fires after every tool call, successful or not.
	PointAfterTool Point = "after_tool"

	// PointAfterComplete fires when an execution ends, including failures
	// and cancellations.
	PointAfterComplete Point = "after_complete"
)

// IsBefore reports whether hooks at p may return a Decision.
func (p Point) IsBefore() bool {
	return p == PointBeforeStart || p == PointBeforeTool
}

// Valid reports whether p is a known point.
func (p Point) Valid() bool {
	switch p {
	case PointBeforeStart, PointBeforeTool, PointAfterTool, PointAfterComplete:
		return true
	}
	return false
}

// Action is the variant of a Decision.
type Action int

const (
	ActionContinue Action = iota
	ActionReject
	ActionModify
	ActionPendingApproval
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionReject:
		return "reject"
	case ActionModify:
		return "modify"
	case ActionPendingApproval:
		return "pending_approval"
	default:
		return "unknown"
	}
}

// Decision is the tagged union returned by before hooks.
type Decision struct {
	Action Action `json:"action"`

	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`

	// Params replaces the operation's parameters on ActionModify. For
	// before-tool hooks it is the new tool argument object; for
	// before-start hooks the keys "user_text" and "metadata" are honored.
	Params map[string]any `json:"params,omitempty"`

	// ApprovalID and Message describe a pending approval.
	ApprovalID string `json:"approval_id,omitempty"`
	Message    string `json:"message,omitempty"`

	// Hook is the name of the hook that produced the decision.
	Hook string `json:"hook,omitempty"`
}

// Continue lets the operation proceed unchanged.
func Continue() Decision { return Decision{Action: ActionContinue} }

// Reject stops the operation.
func Reject(reason string) Decision { return Decision{Action: ActionReject, Reason: reason} }

// Modify lets the operation proceed with replaced parameters.
func Modify(params map[string]any) Decision { return Decision{Action: ActionModify, Params: params} }

// PendingApproval parks the operation until an external approval. An empty
// id is replaced by a random one.
func PendingApproval(id, message string) Decision {
	if id == "" {
		id = uuid.NewString()
	}
	return Decision{Action: ActionPendingApproval, ApprovalID: id, Message: message}
}

// IsContinue reports whether d lets the operation proceed unchanged.
func (d Decision) IsContinue() bool { return d.Action == ActionContinue }

// Context is the per-execution record shared by every hook and by the
// concurrently running tool calls of one execution. It is safe for
// concurrent use.
type Context struct {
	RunID     string
	CallerID  string
	TenantID  string
	StartedAt time.Time

	mu        sync.RWMutex
	toolsUsed []string
	metadata  sync.Map
}

// NewContext creates a hook context with a fresh run ID.
func NewContext(callerID, tenantID string) *Context {
	return &Context{
		RunID:     uuid.NewString(),
		CallerID:  callerID,
		TenantID:  tenantID,
		StartedAt: time.Now(),
	}
}

// AddToolUsed appends a tool name.
func (c *Context) AddToolUsed(name string) {
	c.mu.Lock()
	c.toolsUsed = append(c.toolsUsed, name)
	c.mu.Unlock()
}

// ToolsUsed returns a snapshot of the tool names used so far.
func (c *Context) ToolsUsed() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.toolsUsed))
	copy(out, c.toolsUsed)
	return out
}

// Set stores a metadata value.
func (c *Context) Set(key string, value any) {
	c.metadata.Store(key, value)
}

// Get loads a metadata value.
func (c *Context) Get(key string) (any, bool) {
	return c.metadata.Load(key)
}

// Metadata returns a snapshot of the metadata map.
func (c *Context) Metadata() map[string]any {
	out := make(map[string]any)
	c.metadata.Range(func(k, v any) bool {
		if key, ok := k.(string); ok {
			out[key] = v
		}
		return true
	})
	return out
}

// Elapsed returns the time since the execution started.
func (c *Context) Elapsed() time.Duration {
	return time.Since(c.StartedAt)
}

// ToolCallEvent describes one tool call for before/after tool hooks.
type ToolCallEvent struct {
	Index     int             `json:"index"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`

	// Populated for after-tool hooks.
	Result   string        `json:"result,omitempty"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Event is what a hook receives. Only the fields relevant to the point
// are set: Tool for tool points, Result and Err for after-complete.
type Event struct {
	Point     Point
	Context   *Context
	Command   *models.Command
	Tool      *ToolCallEvent
	Result    *models.ExecutionResult
	Err       error
	Timestamp time.Time
}

// NewEvent creates an event stamped with the current time.
func NewEvent(point Point, hc *Context) *Event {
	return &Event{Point: point, Context: hc, Timestamp: time.Now()}
}

// BeforeFunc is a hook that can steer the surrounding operation.
type BeforeFunc func(ctx context.Context, event *Event) (Decision, error)

// AfterFunc is an observation-only hook.
type AfterFunc func(ctx context.Context, event *Event) error

// Order values. Lower runs earlier.
const (
	OrderFirst  = 0
	OrderEarly  = 25
	OrderNormal = 50
	OrderLate   = 75
	OrderLast   = 100
)

// Registration is one registered hook.
type Registration struct {
	ID          string
	Point       Point
	Name        string
	Order       int
	Enabled     bool
	FailOnError bool

	// Source identifies where the hook came from (config, plugin name).
	Source string

	// Tools restricts tool-point hooks to the named tools; empty means all.
	Tools []string

	// Timeout bounds each invocation; zero means no limit.
	Timeout time.Duration

	before BeforeFunc
	after  AfterFunc
}

func (r *Registration) appliesTo(event *Event) bool {
	if len(r.Tools) == 0 || event.Tool == nil {
		return true
	}
	for _, t := range r.Tools {
		if t == event.Tool.Name {
			return true
		}
	}
	return false
}
