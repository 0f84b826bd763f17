package graph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/graph/conversations"
	"github.com/threadchat/server/internal/agent/graph/nodes"
	"github.com/threadchat/server/internal/agent/graph/observers"
	"github.com/threadchat/server/internal/agent/graph/parsers"
	"github.com/threadchat/server/internal/agent/graph/prompts"
	"github.com/threadchat/server/internal/agent/graph/tools"
	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

// Runner executes turns of the compiled graph and reads threads back.
type Runner interface {
	// Invoke runs a turn to suspension and returns the final assistant text.
	Invoke(ctx context.Context, in model.TurnInput) (string, error)
	// Stream runs a turn in the background, yielding events as they are produced.
	// Failures arrive as the stream's error.
	Stream(ctx context.Context, in model.TurnInput) (*schema.StreamReader[model.TurnEvent], error)
	// Threads lists thread ids, most recently created first.
	Threads(ctx context.Context) ([]string, error)
	// History returns the log of a thread, optionally only its user and assistant text.
	History(ctx context.Context, threadID string, transcriptOnly bool) ([]*schema.Message, error)
}

// Config holds everything needed to compose the full chat graph end-to-end.
// This is a convenience layer over GraphConfig that also constructs the chat model and MessagesManager.
type Config struct {
	APIKey           string
	BaseURL          string
	ChatModel        model.ChatModelConfig
	Prompt           model.PromptConfig
	Conversation     model.ConversationConfig
	ConversationRepo model.ConversationRepository
	Tools            *tools.Registry
	Publisher        conversations.Publisher
}

// GraphConfig holds all configuration needed to build the graph
type GraphConfig struct {
	ChatModel       einomodel.ToolCallingChatModel
	ModelName       string
	MessagesManager *conversations.MessagesManager
	Tools           *tools.Registry
	PromptConfig    *model.PromptConfig
	ToolMaxRounds   int
	ToolSequential  bool
}

// GraphBuilder handles the construction of the agent conversation graph
type GraphBuilder struct {
	config    *GraphConfig
	graph     *compose.Graph[model.TurnInput, *schema.Message]
	chatModel einomodel.ToolCallingChatModel
	toolInfos []*schema.ToolInfo
}

// BuildChatGraph creates the chat model and MessagesManager, builds the graph, and returns a Runner.
func BuildChatGraph(ctx context.Context, cfg Config) (Runner, error) {
	if cfg.ConversationRepo == nil {
		return nil, fmt.Errorf("conversation repo is nil")
	}

	cms, err := nodes.NewChatModels(ctx, nodes.ChatModelConfig{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   &cfg.ChatModel,
	})
	if err != nil {
		return nil, err
	}

	registry := cfg.Tools
	if registry == nil {
		registry = tools.NewRegistry()
	}

	var opts []conversations.Option
	if cfg.Publisher != nil {
		opts = append(opts, conversations.WithPublisher(cfg.Publisher))
	}
	mm := conversations.NewMessagesManager(cfg.ConversationRepo, opts...)

	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModel:       cms.Chat,
		ModelName:       cms.ModelName,
		MessagesManager: mm,
		Tools:           registry,
		PromptConfig:    &cfg.Prompt,
		ToolMaxRounds:   cfg.Conversation.Tools.MaxRounds,
		ToolSequential:  cfg.Conversation.Tools.Sequential,
	})
	if err != nil {
		return nil, err
	}

	logx.Debug().Msg("Chat graph built successfully")
	return NewRunner(runnable, mm), nil
}

// BuildGraph constructs and returns the compiled agent graph
func BuildGraph(ctx context.Context, config *GraphConfig) (compose.Runnable[model.TurnInput, *schema.Message], error) {
	// Basic config validation
	if config == nil {
		return nil, fmt.Errorf("graph config is nil")
	}
	if config.ChatModel == nil {
		return nil, fmt.Errorf("chat model is not initialized")
	}
	if config.MessagesManager == nil {
		return nil, fmt.Errorf("messages manager is nil")
	}
	if config.Tools == nil {
		config.Tools = tools.NewRegistry()
	}
	if config.PromptConfig == nil {
		config.PromptConfig = &model.PromptConfig{}
	}

	builder := &GraphBuilder{
		config: config,
		graph: compose.NewGraph[model.TurnInput, *schema.Message](
			compose.WithGenLocalState(func(ctx context.Context) *model.AppState {
				return &model.AppState{}
			}),
		),
	}

	if err := builder.setupTools(ctx); err != nil {
		return nil, err
	}

	builder.addNodes()
	builder.addEdges()

	if err := builder.addBranches(); err != nil {
		return nil, err
	}

	return builder.compile(ctx)
}

// setupTools binds the registry's tools to the chat model and adds the executor node.
func (b *GraphBuilder) setupTools(ctx context.Context) error {
	toolInfos, err := b.config.Tools.List(ctx)
	if err != nil {
		logx.Error().Err(err).Msg("Failed to get tool infos")
		return fmt.Errorf("failed to get tool infos: %w", err)
	}
	b.toolInfos = toolInfos

	b.chatModel = b.config.ChatModel
	if len(toolInfos) > 0 {
		bound, err := b.chatModel.WithTools(toolInfos)
		if err != nil {
			logx.Error().Err(err).Msg("Failed to bind tools to chat model")
			return fmt.Errorf("failed to bind tools to chat model: %w", err)
		}
		b.chatModel = bound
	}

	toolsNode, err := compose.NewToolNode(ctx, &compose.ToolsNodeConfig{
		Tools:               b.config.Tools.NodeTools(),
		ExecuteSequentially: b.config.ToolSequential,
		UnknownToolsHandler: b.config.Tools.HandleUnknown,
		ToolArgumentsHandler: func(ctx context.Context, name, arguments string) (string, error) {
			// Best-effort sanitize; never fail hard here
			return parsers.SanitizeToolArguments(name, arguments), nil
		},
	})
	if err != nil {
		logx.Error().Err(err).Msg("Failed to create tools node")
		return fmt.Errorf("failed to create tools node: %w", err)
	}

	b.graph.AddToolsNode(nodes.NodeToolExecutor, toolsNode,
		compose.WithStatePreHandler(nodes.NewToolExecutorPreHandler()),
		compose.WithStatePostHandler(nodes.NewToolExecutorPostHandler(b.config.MessagesManager)),
	)
	return nil
}

// addNodes adds all processing nodes to the graph
func (b *GraphBuilder) addNodes() {
	promptCfg := *b.config.PromptConfig
	toolInfos := b.toolInfos
	systemPrompt := func(ctx context.Context) (string, error) {
		return prompts.RenderSystem(ctx, promptCfg, toolInfos)
	}

	b.graph.AddLambdaNode(nodes.NodeInputConverter,
		nodes.NewInputConverterNode(b.config.MessagesManager, systemPrompt),
		compose.WithStatePreHandler(nodes.NewInputConverterPreHandler()),
	)

	b.graph.AddLambdaNode(nodes.NodeResumeTools,
		nodes.NewResumeToolsNode(),
	)

	b.graph.AddChatModelNode(nodes.NodeChatModel,
		b.chatModel,
		compose.WithStatePreHandler(nodes.NewChatModelPreHandler(b.config.ToolMaxRounds)),
		compose.WithStatePostHandler(nodes.NewChatModelPostHandler(b.config.MessagesManager, b.config.ModelName)),
	)
}

// addEdges creates the main flow connections between nodes
func (b *GraphBuilder) addEdges() {
	edges := [][2]string{
		{compose.START, nodes.NodeInputConverter},
		{nodes.NodeResumeTools, nodes.NodeToolExecutor},
		{nodes.NodeToolExecutor, nodes.NodeChatModel},
	}

	for _, edge := range edges {
		b.graph.AddEdge(edge[0], edge[1])
	}
}

// addBranches creates conditional routing branches
func (b *GraphBuilder) addBranches() error {
	resumeBranch := compose.NewGraphBranch(
		nodes.NewResumeCondition(),
		map[string]bool{
			nodes.NodeResumeTools: true,
			nodes.NodeChatModel:   true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeInputConverter, resumeBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding resume branch")
		return fmt.Errorf("error adding resume branch: %w", err)
	}

	decisionBranch := compose.NewGraphBranch(
		nodes.NewToolExecutorCondition(),
		map[string]bool{
			nodes.NodeToolExecutor: true,
			compose.END:            true,
		},
	)
	if err := b.graph.AddBranch(nodes.NodeChatModel, decisionBranch); err != nil {
		logx.Error().Err(err).Msg("Error adding decision branch")
		return fmt.Errorf("error adding decision branch: %w", err)
	}

	return nil
}

// compile finalizes and compiles the graph
func (b *GraphBuilder) compile(ctx context.Context) (compose.Runnable[model.TurnInput, *schema.Message], error) {
	runnable, err := b.graph.Compile(ctx,
		compose.WithGraphName("threadchat"),
		compose.WithMaxRunSteps(nodes.MaxRunSteps(b.config.ToolMaxRounds)),
	)
	if err != nil {
		logx.Error().Err(err).Msg("Error compiling graph")
		return nil, fmt.Errorf("error compiling graph: %w", err)
	}

	logx.Debug().Msg("Graph compiled successfully")
	return runnable, nil
}

type graphRunner struct {
	runnable compose.Runnable[model.TurnInput, *schema.Message]
	mm       *conversations.MessagesManager
	locks    *conversations.ThreadLocks
}

// NewRunner wraps a compiled graph. Turns on the same thread never overlap.
func NewRunner(runnable compose.Runnable[model.TurnInput, *schema.Message], mm *conversations.MessagesManager) Runner {
	return &graphRunner{runnable: runnable, mm: mm, locks: conversations.NewThreadLocks()}
}

func validateTurn(in model.TurnInput) error {
	if strings.TrimSpace(in.ThreadID) == "" {
		return errx.InvalidInput("thread_id is required")
	}
	return nil
}

func (r *graphRunner) Invoke(ctx context.Context, in model.TurnInput) (string, error) {
	if err := validateTurn(in); err != nil {
		return "", err
	}
	unlock, err := r.locks.Lock(ctx, in.ThreadID)
	if err != nil {
		return "", err
	}
	defer unlock()

	started := time.Now()
	out, err := r.runnable.Invoke(ctx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		logx.Error().Err(err).Str("thread_id", in.ThreadID).Msg("turn failed")
		return "", unwrapGraphError(err)
	}
	logx.Info().Str("thread_id", in.ThreadID).Dur("elapsed", time.Since(started)).Msg("turn finished")
	if out == nil {
		return "", nil
	}
	return out.Content, nil
}

func (r *graphRunner) Stream(ctx context.Context, in model.TurnInput) (*schema.StreamReader[model.TurnEvent], error) {
	if err := validateTurn(in); err != nil {
		return nil, err
	}

	sr, sw := schema.Pipe[model.TurnEvent](32)
	go func() {
		defer sw.Close()
		defer func() {
			if p := recover(); p != nil {
				logx.Error().Interface("panic", p).Str("thread_id", in.ThreadID).Msg("turn panicked")
				sw.Send(model.TurnEvent{}, fmt.Errorf("turn panicked: %v", p))
			}
		}()

		content, err := r.stream(ctx, in, sw)
		if err != nil {
			logx.Error().Err(err).Str("thread_id", in.ThreadID).Msg("turn failed")
			sw.Send(model.TurnEvent{}, err)
			return
		}
		sw.Send(model.TurnEvent{Type: model.EventDone, ThreadID: in.ThreadID, Content: content}, nil)
	}()
	return sr, nil
}

func (r *graphRunner) stream(ctx context.Context, in model.TurnInput, sw *schema.StreamWriter[model.TurnEvent]) (string, error) {
	unlock, err := r.locks.Lock(ctx, in.ThreadID)
	if err != nil {
		return "", err
	}
	defer unlock()

	emitCtx := observers.WithEmitter(ctx, observers.EmitterFunc(func(ev model.TurnEvent) {
		if ev.ThreadID == "" {
			ev.ThreadID = in.ThreadID
		}
		sw.Send(ev, nil)
	}))

	out, err := r.runnable.Stream(emitCtx, in, compose.WithCallbacks(observers.NewAllCallbacks()))
	if err != nil {
		return "", unwrapGraphError(err)
	}
	defer out.Close()

	var final strings.Builder
	for {
		chunk, err := out.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", unwrapGraphError(err)
		}
		if chunk != nil {
			final.WriteString(chunk.Content)
		}
	}
	return final.String(), nil
}

func (r *graphRunner) Threads(ctx context.Context) ([]string, error) {
	return r.mm.ListThreads(ctx)
}

func (r *graphRunner) History(ctx context.Context, threadID string, transcriptOnly bool) ([]*schema.Message, error) {
	if strings.TrimSpace(threadID) == "" {
		return nil, errx.InvalidInput("thread_id is required")
	}
	history, err := r.mm.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if transcriptOnly {
		return model.Transcript(history), nil
	}
	return history, nil
}

// unwrapGraphError keeps our error kinds visible through eino's wrapping.
func unwrapGraphError(err error) error {
	var appErr *errx.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return err
}
