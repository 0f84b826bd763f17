package observers

import (
	"context"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components/tool"
	callbackHelper "github.com/cloudwego/eino/utils/callbacks"

	logx "github.com/threadchat/server/pkg/logger"
)

// newToolHandler builds a typed ToolCallbackHandler that logs tool lifecycle events.
func newToolHandler() *callbackHelper.ToolCallbackHandler {
	return &callbackHelper.ToolCallbackHandler{
		OnStart: func(ctx context.Context, info *einocb.RunInfo, input *tool.CallbackInput) context.Context {
			if input != nil {
				logx.Debug().Str("tool", info.Name).Str("arguments", input.ArgumentsInJSON).Msg("tool started")
			}
			return ctx
		},
		OnEnd: func(ctx context.Context, info *einocb.RunInfo, output *tool.CallbackOutput) context.Context {
			if output != nil {
				logx.Debug().Str("tool", info.Name).Str("response", output.Response).Msg("tool finished")
			}
			return ctx
		},
		OnError: func(ctx context.Context, info *einocb.RunInfo, err error) context.Context {
			logx.Warn().Err(err).Str("tool", info.Name).Msg("tool execution failed")
			return ctx
		},
	}
}
