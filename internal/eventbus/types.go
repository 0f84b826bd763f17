package eventbus

import (
	"time"

	"github.com/cloudwego/eino/schema"
)

// Event is anything published on the bus.
type Event interface {
	Subject() string
}

// MessageCommitted is published after a message has been durably appended to a thread.
type MessageCommitted struct {
	subject string

	ThreadID    string            `json:"thread_id"`
	Role        schema.RoleType   `json:"role"`
	Content     string            `json:"content,omitempty"`
	ToolCalls   []schema.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID  string            `json:"tool_call_id,omitempty"`
	ToolName    string            `json:"tool_name,omitempty"`
	CommittedAt time.Time         `json:"committed_at"`
}

func (e MessageCommitted) Subject() string { return e.subject }
