package model

import (
	"github.com/cloudwego/eino/schema"
)

// AppState stores per-invocation state for the Eino Graph.
// Concurrency model:
//   - This struct is registered as Graph Local State via compose.WithGenLocalState.
//   - All reads/writes happen only inside Eino state handlers:
//     WithStatePreHandler, WithStatePostHandler, or compose.ProcessState.
//   - Eino serializes access to state within these handlers, so no additional
//     mutex/atomic is required as long as you never touch it outside handlers.
//   - Persistence goes through the MessagesManager, never through this struct.
type AppState struct {
	ThreadID     string
	SystemPrompt string
	History      []*schema.Message // committed log plus messages committed during this turn

	// Pending holds the tool calls of the assistant message the ToolExecutor answers next.
	Pending []schema.ToolCall
	// DeferredQuery is the user message held back until pending tool calls are answered.
	DeferredQuery string

	ToolRounds           int  // tool executions in this turn
	ToolCallLimitReached bool // set when the round ceiling is hit
	ToolCallIDSeq        int  // local sequence to synthesize tool_call_id when provider omits

	// Accumulated total LLM cost (USD) across model invocations for this turn
	TotalCostUSD float64
}

// TurnInput starts or resumes a turn on a thread. An empty Query only resumes
// pending tool calls.
type TurnInput struct {
	ThreadID string `json:"thread_id"`
	Query    string `json:"message"`
}

// TurnEventType enumerates streamed turn events.
type TurnEventType string

const (
	EventToken      TurnEventType = "token"
	EventToolCall   TurnEventType = "tool_call"
	EventToolResult TurnEventType = "tool_result"
	EventDone       TurnEventType = "done"
	EventError      TurnEventType = "error"
)

// TurnEvent is one incremental piece of output of a running turn.
type TurnEvent struct {
	Type       TurnEventType `json:"type"`
	ThreadID   string        `json:"thread_id,omitempty"`
	Content    string        `json:"content,omitempty"`
	ToolName   string        `json:"tool_name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Arguments  string        `json:"arguments,omitempty"`
	Error      string        `json:"error,omitempty"`
}
