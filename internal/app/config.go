package app

import (
	"time"

	"github.com/threadchat/server/internal/agent/model"
	pkgnats "github.com/threadchat/server/pkg/nats"
	pkgredis "github.com/threadchat/server/pkg/redis"
	pkgsqlite "github.com/threadchat/server/pkg/sqlite"
)

// Store backends selectable with CONVERSATION_STORE.
const (
	StoreMemory      = "memory"
	StoreSQLite      = "sqlite"
	StoreSQLiteAsync = "sqlite-async"
	StoreRedis       = "redis"
)

// AppConfig defines all configurable parameters of the server,
// sourced from environment variables (loaded from .env for local runs).
type AppConfig struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL"`

	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8000"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`
	RetryAfter      time.Duration `envconfig:"HTTP_RETRY_AFTER" default:"5s"`

	// Infrastructure
	Redis  pkgredis.Config
	SQLite pkgsqlite.Config `envconfig:"SQLITE"`
	NATS   pkgnats.Config   `envconfig:"NATS"`

	// LLM provider
	APIKey  string `envconfig:"MODEL_API_KEY" required:"true"`
	BaseURL string `envconfig:"MODEL_BASE_URL"`

	// Agent configs
	ChatModel    model.ChatModelConfig
	Prompt       model.PromptConfig
	Conversation model.ConversationConfig
	Tools        model.ToolsConfig
}
