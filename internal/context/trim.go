package context

import (
	"slices"

	"github.com/haasonsaas/agentrt/pkg/models"
)

// TrimResult reports what a Trim call removed.
type TrimResult struct {
	// Tokens is the estimated size of the returned sequence.
	Tokens int `json:"tokens"`

	// Budget is the token budget the sequence was trimmed against.
	Budget int `json:"budget"`

	// HistoryRemoved counts messages dropped before the last user message.
	HistoryRemoved int `json:"history_removed"`

	// ToolPairsRemoved counts messages dropped from tool interactions
	// after the last user message.
	ToolPairsRemoved int `json:"tool_pairs_removed"`

	// Fits is false when nothing more could be removed and the sequence
	// is still over budget.
	Fits bool `json:"fits"`
}

// Removed returns the total number of messages removed.
func (r TrimResult) Removed() int {
	return r.HistoryRemoved + r.ToolPairsRemoved
}

// Trim shrinks msgs until its estimated size fits budget and returns the
// shortened slice. The elements of msgs are never modified; the result may
// alias msgs only when nothing inside the current turn was removed.
//
// The first phase drops units from the front of the history and stops at
// the last user message. The second phase drops tool interactions after
// that message, oldest first. An assistant message carrying tool calls is
// always removed together with the tool results that follow it, and the
// last user message is never removed. A sequence that already fits is
// returned unchanged.
func Trim(msgs []models.Message, budget int, est TokenEstimator) ([]models.Message, TrimResult) {
	sizer := messageSizer(est)
	sizes := make([]int, len(msgs))
	tokens := 0
	for i, m := range msgs {
		sizes[i] = sizer(m)
		tokens += sizes[i]
	}

	result := TrimResult{Budget: budget}
	if tokens <= budget {
		result.Tokens = tokens
		result.Fits = true
		return msgs, result
	}

	// Phase 1: history before the current user message.
	for tokens > budget {
		last := lastUserIndex(msgs)
		if last <= 0 {
			break
		}
		n := unitSize(msgs, 0)
		if n > last {
			break
		}
		for i := 0; i < n; i++ {
			tokens -= sizes[i]
		}
		msgs = msgs[n:]
		sizes = sizes[n:]
		result.HistoryRemoved += n
	}

	// Phase 2: tool interactions after the current user message.
	owned := false
	for tokens > budget {
		start := lastUserIndex(msgs) + 1
		idx := -1
		for i := start; i < len(msgs); i++ {
			if msgs[i].HasToolCalls() {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		n := unitSize(msgs, idx)
		for i := idx; i < idx+n; i++ {
			tokens -= sizes[i]
		}
		if !owned {
			msgs = slices.Clone(msgs)
			owned = true
		}
		msgs = slices.Delete(msgs, idx, idx+n)
		sizes = slices.Delete(sizes, idx, idx+n)
		result.ToolPairsRemoved += n
	}

	result.Tokens = tokens
	result.Fits = tokens <= budget
	return msgs, result
}

// unitSize returns how many messages starting at i must be removed
// together: an assistant tool-call message and every tool result that
// immediately follows it, otherwise just the one message.
func unitSize(msgs []models.Message, i int) int {
	if !msgs[i].HasToolCalls() {
		return 1
	}
	n := 1
	for i+n < len(msgs) && msgs[i+n].IsToolResult() {
		n++
	}
	return n
}

func lastUserIndex(msgs []models.Message) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleUser {
			return i
		}
	}
	return -1
}

func messageSizer(est TokenEstimator) func(models.Message) int {
	if est == nil {
		est = defaultEstimator
	}
	if e, ok := est.(*Estimator); ok {
		return e.EstimateMessage
	}
	return func(m models.Message) int {
		tokens := est.Estimate(m.Content)
		for _, call := range m.ToolCalls {
			tokens += est.Estimate(call.Name) + est.Estimate(string(call.Input))
		}
		return tokens
	}
}

// Manager trims conversations against a fixed budget.
type Manager struct {
	estimator *Estimator
	budget    Budget
}

// NewManager creates a manager. A nil estimator uses the default ratios.
func NewManager(est *Estimator, budget Budget) *Manager {
	if est == nil {
		est = defaultEstimator
	}
	return &Manager{estimator: est, budget: budget}
}

// Estimator returns the estimator used by the manager.
func (m *Manager) Estimator() *Estimator {
	return m.estimator
}

// Available returns the message budget left after systemPrompt and the
// reserved output tokens.
func (m *Manager) Available(systemPrompt string) int {
	return m.budget.Available(m.estimator.Estimate(systemPrompt))
}

// Measure reports the window usage of msgs plus systemPrompt.
func (m *Manager) Measure(msgs []models.Message, systemPrompt string) *WindowInfo {
	used := m.estimator.Estimate(systemPrompt) + m.estimator.EstimateMessages(msgs)
	return m.budget.Measure(used, "config")
}

// Fit trims msgs to the budget left over by systemPrompt.
func (m *Manager) Fit(msgs []models.Message, systemPrompt string) ([]models.Message, TrimResult) {
	return Trim(msgs, m.Available(systemPrompt), m.estimator)
}
