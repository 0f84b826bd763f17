package prompts

import (
	"context"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/threadchat/server/internal/agent/model"
)

func TestRenderSystemListsTools(t *testing.T) {
	out, err := RenderSystem(context.Background(), model.PromptConfig{AssistantName: "Ada"}, []*schema.ToolInfo{
		{Name: "calculator", Desc: "basic arithmetic"},
		{Name: "add_expense", Desc: "record an expense"},
	})
	require.NoError(t, err)
	require.Contains(t, out, "You are Ada")
	require.Contains(t, out, "- calculator: basic arithmetic")
	require.Contains(t, out, "- add_expense: record an expense")
}

func TestRenderSystemWithoutTools(t *testing.T) {
	out, err := RenderSystem(context.Background(), model.PromptConfig{}, nil)
	require.NoError(t, err)
	require.Contains(t, out, "You are Threadchat")
	require.NotContains(t, out, "Available tools")
}

func TestRenderSystemInstructionIsVerbatim(t *testing.T) {
	instruction := `Reply in JSON like {"answer": "..."} and nothing else.`
	out, err := RenderSystem(context.Background(), model.PromptConfig{Instruction: instruction}, nil)
	require.NoError(t, err)
	require.Equal(t, instruction, out)
}
