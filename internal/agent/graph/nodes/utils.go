package nodes

import (
	"github.com/threadchat/server/internal/agent/model"
)

const (
	NodeInputConverter = "InputConverter"
	NodeResumeTools    = "ResumeTools"
	NodeChatModel      = "ChatModel"
	NodeToolExecutor   = "ToolExecutor"
)

const DefaultMaxToolRounds = 10

// ToolLimitNotice replaces an empty reply when the model still asks for tools at the ceiling.
const ToolLimitNotice = "I could not finish this request within the allowed number of tool calls. Please narrow it down and try again."

// ===== Small helpers to keep handlers simple/readable =====
// normalizeMaxToolRounds returns a sane default when the provided value is invalid.
func normalizeMaxToolRounds(n int) int {
	if n <= 0 {
		return DefaultMaxToolRounds
	}
	return n
}

// checkAndMarkToolLimit marks the state once the round ceiling is reached.
// Returns true when marked now.
func checkAndMarkToolLimit(state *model.AppState, max int) bool {
	max = normalizeMaxToolRounds(max)
	if !state.ToolCallLimitReached && state.ToolRounds >= max {
		state.ToolCallLimitReached = true
		return true
	}
	return false
}

// MaxRunSteps bounds a compiled graph run; it only matters if the round
// ceiling is somehow bypassed.
func MaxRunSteps(maxRounds int) int {
	steps := 10 + normalizeMaxToolRounds(maxRounds)*2
	if steps < 20 {
		steps = 20
	}
	return steps
}
