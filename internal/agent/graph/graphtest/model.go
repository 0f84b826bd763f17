// Package graphtest provides a scripted chat model for exercising the agent graph.
package graphtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ErrScriptExhausted is returned once every scripted reply has been used.
var ErrScriptExhausted = errors.New("scripted model has no more replies")

// Reply produces the model output for one call. call counts from zero.
type Reply func(call int, input []*schema.Message) (*schema.Message, error)

type script struct {
	mu       sync.Mutex
	replies  []Reply
	fallback Reply
	inputs   [][]*schema.Message
	bound    []*schema.ToolInfo
}

// ScriptedModel answers model calls from a fixed list of replies and records
// every input it was given. Copies made by WithTools share the script.
type ScriptedModel struct {
	*script
	tools []*schema.ToolInfo
}

var _ einomodel.ToolCallingChatModel = (*ScriptedModel)(nil)

func NewScriptedModel(replies ...Reply) *ScriptedModel {
	return &ScriptedModel{script: &script{replies: replies}}
}

// WithFallback answers every call past the scripted ones with r.
func (m *ScriptedModel) WithFallback(r Reply) *ScriptedModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = r
	return m
}

func (m *ScriptedModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return &ScriptedModel{script: m.script, tools: tools}, nil
}

// Tools returns the tools bound to this copy.
func (m *ScriptedModel) Tools() []*schema.ToolInfo {
	return m.tools
}

// BoundTools returns the tools bound to the copy that served the latest call.
func (m *ScriptedModel) BoundTools() []*schema.ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bound
}

// Inputs returns the message lists of all calls so far.
func (m *ScriptedModel) Inputs() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]*schema.Message, len(m.inputs))
	copy(out, m.inputs)
	return out
}

// Calls returns how many times the model was called.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *ScriptedModel) next(input []*schema.Message) (*schema.Message, error) {
	m.mu.Lock()
	call := len(m.inputs)
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	m.bound = m.tools
	var r Reply
	switch {
	case call < len(m.replies):
		r = m.replies[call]
	case m.fallback != nil:
		r = m.fallback
	}
	m.mu.Unlock()

	if r == nil {
		return nil, ErrScriptExhausted
	}
	return r(call, input)
}

func (m *ScriptedModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.next(input)
}

// Stream splits the reply content into word chunks and sends tool calls last.
func (m *ScriptedModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg, err := m.next(input)
	if err != nil {
		return nil, err
	}

	var chunks []*schema.Message
	for _, word := range splitWords(msg.Content) {
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: word})
	}
	if len(msg.ToolCalls) > 0 {
		calls := make([]schema.ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			idx := i
			tc.Index = &idx
			calls[i] = tc
		}
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, ToolCalls: calls})
	}
	if len(chunks) == 0 {
		chunks = append(chunks, &schema.Message{Role: schema.Assistant})
	}
	if msg.ResponseMeta != nil {
		chunks[len(chunks)-1].ResponseMeta = msg.ResponseMeta
	}
	return schema.StreamReaderFromArray(chunks), nil
}

// splitWords keeps the separators so the chunks concatenate back to s.
func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for len(s) > 0 {
		i := strings.IndexByte(s[1:], ' ')
		if i < 0 {
			out = append(out, s)
			break
		}
		out = append(out, s[:i+1])
		s = s[i+1:]
	}
	return out
}

// Text replies with a plain assistant message.
func Text(content string) Reply {
	return func(int, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage(content, nil), nil
	}
}

// CallTools replies with an assistant message requesting the given calls.
func CallTools(calls ...schema.ToolCall) Reply {
	return func(int, []*schema.Message) (*schema.Message, error) {
		return schema.AssistantMessage("", append([]schema.ToolCall(nil), calls...)), nil
	}
}

// Fail makes the call return err.
func Fail(err error) Reply {
	return func(int, []*schema.Message) (*schema.Message, error) {
		return nil, err
	}
}

// Call builds a tool call. An empty id leaves it for the graph to assign.
func Call(id, name, arguments string) schema.ToolCall {
	return schema.ToolCall{
		ID:   id,
		Type: "function",
		Function: schema.FunctionCall{
			Name:      name,
			Arguments: arguments,
		},
	}
}

// LastMessage returns the final message of a model input, or nil.
func LastMessage(input []*schema.Message) *schema.Message {
	if len(input) == 0 {
		return nil
	}
	return input[len(input)-1]
}
