package models

import (
	"encoding/json"
	"time"
)

// ToolEventStage is the point in a tool call's life an event reports.
type ToolEventStage string

// A call moves requested -> started -> succeeded|failed, or stops at
// denied or approval_required when a hook or the call budget refuses it.
const (
	ToolEventRequested        ToolEventStage = "requested"
	ToolEventStarted          ToolEventStage = "started"
	ToolEventSucceeded        ToolEventStage = "succeeded"
	ToolEventFailed           ToolEventStage = "failed"
	ToolEventDenied           ToolEventStage = "denied"
	ToolEventApprovalRequired ToolEventStage = "approval_required"
)

// Final reports whether no further events follow for the call.
func (s ToolEventStage) Final() bool {
	return s != ToolEventRequested && s != ToolEventStarted
}

// ToolEvent is streamed to callers while the orchestrator runs a call.
type ToolEvent struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Index      int             `json:"index"`
	Stage      ToolEventStage  `json:"stage"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`

	// PolicyReason names the hook or limit behind a denial.
	PolicyReason string `json:"policy_reason,omitempty"`

	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Duration is zero until the call has both started and finished.
func (e ToolEvent) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}
