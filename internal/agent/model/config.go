package model

import "time"

// ================ Config ================
type ConversationConfig struct {
	// Store selects the persistence backend: memory, sqlite, sqlite-async or redis.
	Store     string `envconfig:"CONVERSATION_STORE" default:"sqlite"`
	Namespace string `envconfig:"CONVERSATION_NAMESPACE" default:"default"`
	TTL       string `envconfig:"CONVERSATION_TTL" default:"0s"`
	Tools     struct {
		MaxRounds    int  `envconfig:"CONVERSATION_TOOL_MAX_ROUNDS" default:"10"`
		Sequential   bool `envconfig:"CONVERSATION_TOOL_SEQUENTIAL" default:"false"`
		AsyncQueue   int  `envconfig:"CONVERSATION_ASYNC_QUEUE" default:"64"`
		TimeoutInSec int  `envconfig:"CONVERSATION_TOOL_TIMEOUT" default:"30"`
	}
}

// TTLDuration parses TTL; zero disables expiry.
func (c ConversationConfig) TTLDuration() (time.Duration, error) {
	if c.TTL == "" {
		return 0, nil
	}
	return time.ParseDuration(c.TTL)
}

type ChatModelConfig struct {
	// Provider is gemini or openai.
	Provider    string  `envconfig:"MODEL_PROVIDER" default:"openai"`
	Model       string  `envconfig:"MODEL_NAME" default:"gpt-4o-mini"`
	MaxTokens   int     `envconfig:"MODEL_MAX_TOKENS" default:"2000"`
	Temperature float32 `envconfig:"MODEL_TEMPERATURE" default:"0.4"`

	RetryAttempts int    `envconfig:"MODEL_RETRY_ATTEMPTS" default:"3"`
	RetryBackoff  string `envconfig:"MODEL_RETRY_BACKOFF" default:"500ms"`
}

type PromptConfig struct {
	AssistantName string `envconfig:"PROMPT_ASSISTANT_NAME" default:"Threadchat"`
	// Instruction replaces the built-in system prompt when set.
	Instruction string `envconfig:"PROMPT_SYSTEM_INSTRUCTION"`
}

type ToolsConfig struct {
	SearchEnabled  bool   `envconfig:"TOOLS_SEARCH_ENABLED" default:"true"`
	SearchEndpoint string `envconfig:"TOOLS_SEARCH_ENDPOINT" default:"https://api.duckduckgo.com/"`
	// ServersFile is a YAML file describing remote MCP tool servers.
	ServersFile string `envconfig:"TOOLS_SERVERS_FILE"`
}
