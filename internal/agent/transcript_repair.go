package agent

import "github.com/haasonsaas/agentrt/pkg/models"

const missingToolResult = "tool result missing"

// repairTranscript makes a message sequence safe to send: every tool call
// of an assistant message is answered by exactly one tool result placed
// directly after it. Missing results are synthesized as errors, orphan and
// duplicate results are dropped, and system messages are removed.
func repairTranscript(history []models.Message) []models.Message {
	if len(history) == 0 {
		return history
	}

	repaired := make([]models.Message, 0, len(history))
	var pending []models.ToolCall

	flush := func() {
		for _, call := range pending {
			repaired = append(repaired, models.ToolResultMessage(call, models.ToolResult{
				ToolCallID: call.ID,
				Content:    missingToolResult,
				IsError:    true,
			}))
		}
		pending = pending[:0]
	}

	for _, msg := range history {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			idx := pendingIndex(pending, msg.ToolCallID)
			if idx < 0 {
				continue
			}
			msg.ToolCallID = pending[idx].ID
			if msg.ToolName == "" {
				msg.ToolName = pending[idx].Name
			}
			pending = append(pending[:idx], pending[idx+1:]...)
			repaired = append(repaired, msg)
		default:
			flush()
			repaired = append(repaired, msg)
			if msg.HasToolCalls() {
				pending = append(pending, msg.ToolCalls...)
			}
		}
	}
	flush()

	return repaired
}

func pendingIndex(pending []models.ToolCall, id string) int {
	if id == "" {
		if len(pending) > 0 {
			return 0
		}
		return -1
	}
	for i, call := range pending {
		if call.ID == id {
			return i
		}
	}
	return -1
}
