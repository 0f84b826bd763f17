package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/threadchat/server/internal/agent/llm"
	"github.com/threadchat/server/internal/agent/model"
	logx "github.com/threadchat/server/pkg/logger"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey  string
	BaseURL string
	Model   *model.ChatModelConfig
}

// ChatModels holds the tool-calling chat model used by the graph.
type ChatModels struct {
	Chat      einomodel.ToolCallingChatModel
	ModelName string
}

// NewChatModels creates the configured provider's model wrapped with retries.
func NewChatModels(ctx context.Context, config ChatModelConfig) (*ChatModels, error) {
	if config.Model == nil {
		return nil, fmt.Errorf("chat model config is nil")
	}
	cfg := config.Model

	var (
		chat einomodel.ToolCallingChatModel
		err  error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGemini:
		chat, err = newGeminiModel(ctx, config)
	case ProviderOpenAI, "":
		chat, err = llm.NewOpenAIChatModel(llm.OpenAIConfig{
			APIKey:      config.APIKey,
			BaseURL:     config.BaseURL,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
	default:
		err = fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
	if err != nil {
		logx.Error().Err(err).Str("provider", cfg.Provider).Msg("Error creating chat model")
		return nil, fmt.Errorf("error creating chat model: %w", err)
	}

	backoff, err := time.ParseDuration(cfg.RetryBackoff)
	if err != nil {
		return nil, fmt.Errorf("parse MODEL_RETRY_BACKOFF: %w", err)
	}

	return &ChatModels{
		Chat:      llm.WrapModel(chat, llm.RetryConfig{MaxAttempts: cfg.RetryAttempts, Backoff: backoff}),
		ModelName: cfg.Model,
	}, nil
}

func newGeminiModel(ctx context.Context, config ChatModelConfig) (einomodel.ToolCallingChatModel, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	return gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       config.Model.Model,
		Temperature: &config.Model.Temperature,
		MaxTokens:   &config.Model.MaxTokens,
	})
}
