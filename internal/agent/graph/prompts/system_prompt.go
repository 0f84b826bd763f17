package prompts

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/graph/tools"
	"github.com/threadchat/server/internal/agent/model"
)

//go:embed template/system_prompt.txt
var coreSystemPrompt string

// RenderSystem renders the system prompt and triggers prompt callbacks.
// A configured instruction replaces the built-in template.
func RenderSystem(ctx context.Context, config model.PromptConfig, toolInfos []*schema.ToolInfo) (string, error) {
	if strings.TrimSpace(config.Instruction) != "" {
		return renderVerbatim(ctx, config.Instruction)
	}

	name := strings.TrimSpace(config.AssistantName)
	if name == "" {
		name = "Threadchat"
	}

	// Render via Eino prompt component (Go template) to both format and emit callbacks
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(coreSystemPrompt),
	)
	vars := map[string]any{
		"AssistantName":  name,
		"Date":           time.Now().Format("Monday, 2 January 2006"),
		"Tools":          toolInfos,
		"CalculatorTool": tools.ToolCalculator,
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("system prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("system prompt render: empty result")
	}
	return msgs[0].Content, nil
}

// renderVerbatim passes operator text through a messages placeholder, so braces
// in it are never interpreted, while still emitting prompt callbacks.
func renderVerbatim(ctx context.Context, content string) (string, error) {
	tpl := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("system_messages", false),
	)
	msgs, err := tpl.Format(ctx, map[string]any{
		"system_messages": []*schema.Message{schema.SystemMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("system prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("system prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
