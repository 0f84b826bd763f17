package model

import (
	"strings"

	"github.com/cloudwego/eino/schema"
)

// Position is the resumable machine position of a thread, derived from its log.
type Position string

const (
	PositionSuspended     Position = "suspended"
	PositionAwaitingModel Position = "awaiting_model"
	PositionAwaitingTools Position = "awaiting_tools"
)

// PositionOf derives the machine position from an ordered log.
func PositionOf(history []*schema.Message) Position {
	if len(PendingToolCalls(history)) > 0 {
		return PositionAwaitingTools
	}
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m == nil || m.Role == schema.System {
			continue
		}
		switch m.Role {
		case schema.User, schema.Tool:
			return PositionAwaitingModel
		default:
			return PositionSuspended
		}
	}
	return PositionSuspended
}

// PendingToolCalls returns the calls of the latest assistant message that have no
// tool result yet, in the order the model emitted them.
func PendingToolCalls(history []*schema.Message) []schema.ToolCall {
	idx := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i] != nil && history[i].Role == schema.Assistant {
			idx = i
			break
		}
	}
	if idx < 0 || len(history[idx].ToolCalls) == 0 {
		return nil
	}

	answered := make(map[string]bool)
	for _, m := range history[idx+1:] {
		if m != nil && m.Role == schema.Tool {
			answered[m.ToolCallID] = true
		}
	}

	var pending []schema.ToolCall
	for _, tc := range history[idx].ToolCalls {
		if !answered[tc.ID] {
			pending = append(pending, tc)
		}
	}
	return pending
}

// IsToolExchange reports whether m is a tool call request or a tool result.
func IsToolExchange(m *schema.Message) bool {
	if m == nil {
		return false
	}
	if m.Role == schema.Tool || strings.TrimSpace(m.ToolCallID) != "" {
		return true
	}
	return m.Role == schema.Assistant && len(m.ToolCalls) > 0
}

// Transcript keeps only the human-readable user and assistant turns.
func Transcript(history []*schema.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, m := range history {
		if m == nil || IsToolExchange(m) {
			continue
		}
		if m.Role != schema.User && m.Role != schema.Assistant {
			continue
		}
		out = append(out, m)
	}
	return out
}
