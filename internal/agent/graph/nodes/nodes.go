package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/graph/conversations"
	"github.com/threadchat/server/internal/agent/graph/observers"
	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

// SystemPromptFunc renders the system prompt for one turn.
type SystemPromptFunc func(ctx context.Context) (string, error)

// NewInputConverterPreHandler creates the pre-handler for InputConverter node
func NewInputConverterPreHandler() func(context.Context, model.TurnInput, *model.AppState) (model.TurnInput, error) {
	return func(ctx context.Context, in model.TurnInput, s *model.AppState) (model.TurnInput, error) {
		s.ThreadID = in.ThreadID
		// Reset per-turn counters
		s.ToolRounds = 0
		s.ToolCallLimitReached = false
		s.ToolCallIDSeq = 0
		s.TotalCostUSD = 0
		s.Pending = nil
		s.DeferredQuery = ""
		return in, nil
	}
}

// NewInputConverterNode loads the thread and commits the user message. When the
// thread stopped with unanswered tool calls, the message is held back until
// those calls have results.
func NewInputConverterNode(mm *conversations.MessagesManager, systemPrompt SystemPromptFunc) *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, input model.TurnInput) ([]*schema.Message, error) {
		if strings.TrimSpace(input.ThreadID) == "" {
			return nil, errx.InvalidInput("thread_id is required")
		}
		history, err := mm.LoadHistory(ctx, input.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("error loading thread: %w", err)
		}

		pending := model.PendingToolCalls(history)
		query := strings.TrimSpace(input.Query)
		deferred := ""
		switch {
		case len(pending) > 0:
			deferred = query
			logx.Info().
				Str("thread_id", input.ThreadID).
				Int("pending_tool_calls", len(pending)).
				Bool("deferred_message", deferred != "").
				Msg("Resuming thread with unanswered tool calls")
		case query == "" && model.PositionOf(history) == model.PositionAwaitingModel:
			logx.Info().Str("thread_id", input.ThreadID).Msg("Resuming thread awaiting the model")
		default:
			msg, err := mm.SaveUser(ctx, input.ThreadID, input.Query)
			if err != nil {
				return nil, err
			}
			history = append(history, msg)
		}

		// Generate system prompt via Eino prompt component (enables prompt callbacks)
		sys, err := systemPrompt(ctx)
		if err != nil {
			return nil, fmt.Errorf("render system prompt: %w", err)
		}

		err = compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
			state.History = history
			state.Pending = pending
			state.DeferredQuery = deferred
			state.SystemPrompt = sys
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to access state: %w", err)
		}

		return mm.BuildContext(sys, history), nil
	})
}

// NewResumeCondition routes a resumed thread straight to the tool executor.
func NewResumeCondition() func(context.Context, []*schema.Message) (string, error) {
	return func(ctx context.Context, _ []*schema.Message) (string, error) {
		var pending int
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
			pending = len(state.Pending)
			return nil
		})
		if err != nil {
			return "", err
		}
		if pending > 0 {
			return NodeResumeTools, nil
		}
		return NodeChatModel, nil
	}
}

// NewResumeToolsNode replays the latest assistant message restricted to its unanswered calls.
func NewResumeToolsNode() *compose.Lambda {
	return compose.InvokableLambda(func(ctx context.Context, _ []*schema.Message) (*schema.Message, error) {
		var out *schema.Message
		err := compose.ProcessState(ctx, func(_ context.Context, state *model.AppState) error {
			for i := len(state.History) - 1; i >= 0; i-- {
				if m := state.History[i]; m != nil && m.Role == schema.Assistant {
					cp := *m
					cp.ToolCalls = append([]schema.ToolCall(nil), state.Pending...)
					out = &cp
					return nil
				}
			}
			return errx.MalformedToolCall("pending tool calls without an assistant message")
		})
		return out, err
	})
}

// NewChatModelPreHandler feeds the model the system prompt plus the committed
// history, adding a wrap-up notice once the tool round ceiling is reached.
func NewChatModelPreHandler(maxToolRounds int) func(context.Context, []*schema.Message, *model.AppState) ([]*schema.Message, error) {
	return func(ctx context.Context, _ []*schema.Message, state *model.AppState) ([]*schema.Message, error) {
		messages := make([]*schema.Message, 0, len(state.History)+2)
		if state.SystemPrompt != "" {
			messages = append(messages, schema.SystemMessage(state.SystemPrompt))
		}
		messages = append(messages, state.History...)

		checkAndMarkToolLimit(state, maxToolRounds)
		if state.ToolCallLimitReached {
			logx.Warn().
				Str("thread_id", state.ThreadID).
				Int("tool_rounds", state.ToolRounds).
				Msg("Tool round limit reached - asking the model to wrap up")
			messages = append(messages, &schema.Message{
				Role: schema.System,
				Content: fmt.Sprintf(
					"SYSTEM NOTICE: You have reached the maximum number of tool rounds (%d). "+
						"Do not call any more tools. Answer with the information you already have "+
						"and mention anything you could not complete.",
					normalizeMaxToolRounds(maxToolRounds),
				),
			})
		}

		logx.Debug().Str("thread_id", state.ThreadID).Int("messages", len(messages)).Msg("AI thinking...")
		return messages, nil
	}
}

// NewChatModelPostHandler normalises and commits the model reply.
func NewChatModelPostHandler(
	mm *conversations.MessagesManager,
	modelName string,
) func(context.Context, *schema.Message, *model.AppState) (*schema.Message, error) {
	return func(ctx context.Context, out *schema.Message, state *model.AppState) (*schema.Message, error) {
		if out == nil {
			return nil, errx.MalformedToolCall("model returned no message")
		}
		if out.Role == "" {
			out.Role = schema.Assistant
		}

		// Some providers omit tool_call IDs.
		for i := range out.ToolCalls {
			if strings.TrimSpace(out.ToolCalls[i].ID) == "" {
				state.ToolCallIDSeq++
				out.ToolCalls[i].ID = fmt.Sprintf("call_%d", state.ToolCallIDSeq)
			}
		}

		if state.ToolCallLimitReached && len(out.ToolCalls) > 0 {
			logx.Warn().
				Str("thread_id", state.ThreadID).
				Int("dropped_tool_calls", len(out.ToolCalls)).
				Msg("Dropping tool calls requested past the round limit")
			out.ToolCalls = nil
			if strings.TrimSpace(out.Content) == "" {
				out.Content = ToolLimitNotice
			}
		}

		recordUsageCost(out, state, modelName)

		if err := mm.SaveAssistant(ctx, state.ThreadID, out); err != nil {
			logx.Error().Err(err).Str("thread_id", state.ThreadID).Msg("Error saving assistant message")
			return nil, err
		}
		state.History = append(state.History, out)

		if len(out.ToolCalls) > 0 {
			logx.Debug().Int("tool_count", len(out.ToolCalls)).Msg("Calling tools")
			for _, tc := range out.ToolCalls {
				observers.Emit(ctx, model.TurnEvent{
					Type:       model.EventToolCall,
					ThreadID:   state.ThreadID,
					ToolName:   tc.Function.Name,
					ToolCallID: tc.ID,
					Arguments:  tc.Function.Arguments,
				})
			}
		} else {
			logx.Debug().Msg("AI response ready")
		}
		return out, nil
	}
}

func recordUsageCost(out *schema.Message, state *model.AppState, modelName string) {
	if out.ResponseMeta == nil || out.ResponseMeta.Usage == nil {
		return
	}
	usage := out.ResponseMeta.Usage
	inC, outC, totalC := model.ComputeCost(usage, model.ResolvePricing(modelName))
	if out.Extra == nil {
		out.Extra = map[string]any{}
	}
	out.Extra["usage_cost"] = map[string]any{
		"currency":          "USD",
		"model":             modelName,
		"prompt_tokens":     usage.PromptTokens,
		"completion_tokens": usage.CompletionTokens,
		"total_tokens":      usage.TotalTokens,
		"input_cost":        inC,
		"output_cost":       outC,
		"total_cost":        totalC,
	}
	logx.Debug().
		Str("thread_id", state.ThreadID).
		Str("node", NodeChatModel).
		Str("model", modelName).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Int("total_tokens", usage.TotalTokens).
		Float64("total_cost_usd", totalC).
		Msg("LLM usage")

	state.TotalCostUSD += totalC
	out.Extra["usage_cost_total_usd"] = state.TotalCostUSD
}

// NewToolExecutorCondition creates the condition function for tool execution routing
func NewToolExecutorCondition() func(context.Context, *schema.Message) (string, error) {
	return func(ctx context.Context, input *schema.Message) (string, error) {
		if input != nil && len(input.ToolCalls) > 0 {
			logx.Debug().Int("tool_count", len(input.ToolCalls)).Msg("Routing to ToolExecutor")
			return NodeToolExecutor, nil
		}
		logx.Debug().Msg("No tool calls - continuing to end")
		return compose.END, nil
	}
}

// NewToolExecutorPreHandler records the calls the executor is about to answer.
func NewToolExecutorPreHandler() func(context.Context, *schema.Message, *model.AppState) (*schema.Message, error) {
	return func(ctx context.Context, in *schema.Message, state *model.AppState) (*schema.Message, error) {
		state.Pending = append([]schema.ToolCall(nil), in.ToolCalls...)
		state.ToolRounds++
		logx.Debug().
			Int("tool_round", state.ToolRounds).
			Int("tool_calls", len(in.ToolCalls)).
			Str("thread_id", state.ThreadID).
			Msg("Tool execution round")
		return in, nil
	}
}

// NewToolExecutorPostHandler commits the results of a round, then any user
// message that was held back while the calls were pending.
func NewToolExecutorPostHandler(mm *conversations.MessagesManager) func(context.Context, []*schema.Message, *model.AppState) ([]*schema.Message, error) {
	return func(ctx context.Context, out []*schema.Message, state *model.AppState) ([]*schema.Message, error) {
		if err := mm.SaveToolResults(ctx, state.ThreadID, state.Pending, out); err != nil {
			logx.Error().Err(err).Str("thread_id", state.ThreadID).Msg("Error saving tool results")
			return nil, err
		}
		state.History = append(state.History, out...)
		state.Pending = nil

		for _, r := range out {
			observers.Emit(ctx, model.TurnEvent{
				Type:       model.EventToolResult,
				ThreadID:   state.ThreadID,
				ToolName:   r.ToolName,
				ToolCallID: r.ToolCallID,
				Content:    r.Content,
			})
		}

		if state.DeferredQuery != "" {
			msg, err := mm.SaveUser(ctx, state.ThreadID, state.DeferredQuery)
			if err != nil {
				return nil, err
			}
			state.History = append(state.History, msg)
			state.DeferredQuery = ""
		}
		return out, nil
	}
}
