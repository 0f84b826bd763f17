package observers

import (
	"context"
	"errors"
	"io"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	agentmodel "github.com/threadchat/server/internal/agent/model"
	logx "github.com/threadchat/server/pkg/logger"
)

// newModelHandler logs model calls and forwards streamed tokens to the run's emitter.
func newModelHandler() *callbackHelper.ModelCallbackHandler {
	return &callbackHelper.ModelCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *model.CallbackInput) context.Context {
			if input == nil {
				return ctx
			}
			logx.Debug().
				Str("component", info.Type).
				Str("node", info.Name).
				Int("messages", len(input.Messages)).
				Str("user", lastUserContent(input.Messages)).
				Msg("model call started")
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *model.CallbackOutput) context.Context {
			if output != nil && output.Message != nil {
				logx.Debug().
					Str("node", info.Name).
					Int("tool_calls", len(output.Message.ToolCalls)).
					Str("assistant", strings.TrimSpace(output.Message.Content)).
					Msg("model call finished")
			}
			return ctx
		},
		OnEndWithStreamOutput: func(ctx context.Context, info *einocb.RunInfo, output *schema.StreamReader[*model.CallbackOutput]) context.Context {
			// Consumed inline so tokens are emitted before the node's post-handler runs.
			defer output.Close()
			var content strings.Builder
			for {
				chunk, err := output.Recv()
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					logx.Warn().Err(err).Str("node", info.Name).Msg("model stream failed")
					break
				}
				if chunk == nil || chunk.Message == nil || chunk.Message.Content == "" {
					continue
				}
				content.WriteString(chunk.Message.Content)
				Emit(ctx, agentmodel.TurnEvent{Type: agentmodel.EventToken, Content: chunk.Message.Content})
			}
			logx.Debug().Str("node", info.Name).Int("chars", content.Len()).Msg("model stream finished")
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Error().Err(err).Str("component", info.Type).Str("node", info.Name).Msg("model call failed")
			return ctx
		},
	}
}

func lastUserContent(msgs []*schema.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m == nil {
			continue
		}
		if m.Role == schema.User {
			return strings.TrimSpace(m.Content)
		}
	}
	return ""
}
