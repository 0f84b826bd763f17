package conversations

import (
	"context"
	"errors"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

// Publisher receives every message after it has been committed.
type Publisher interface {
	PublishMessage(ctx context.Context, threadID string, message *schema.Message) error
}

type MessagesManager struct {
	conversationRepo model.ConversationRepository
	publisher        Publisher
}

type Option func(*MessagesManager)

func WithPublisher(p Publisher) Option {
	return func(cm *MessagesManager) { cm.publisher = p }
}

func NewMessagesManager(conversationRepo model.ConversationRepository, opts ...Option) *MessagesManager {
	cm := &MessagesManager{conversationRepo: conversationRepo}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// LoadHistory returns the committed log of a thread.
func (cm *MessagesManager) LoadHistory(ctx context.Context, threadID string) ([]*schema.Message, error) {
	history, err := cm.conversationRepo.LoadHistory(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return history.Messages, nil
}

func (cm *MessagesManager) ListThreads(ctx context.Context) ([]string, error) {
	return cm.conversationRepo.ListThreads(ctx)
}

// SaveUser commits a user message.
func (cm *MessagesManager) SaveUser(ctx context.Context, threadID, query string) (*schema.Message, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errx.InvalidInput("message is empty")
	}
	msg := schema.UserMessage(query)
	if err := cm.commit(ctx, threadID, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// SaveAssistant commits a model reply after checking its tool call ids.
func (cm *MessagesManager) SaveAssistant(ctx context.Context, threadID string, msg *schema.Message) error {
	if err := ValidateToolCalls(msg); err != nil {
		return err
	}
	return cm.commit(ctx, threadID, msg)
}

// SaveToolResults commits a batch of tool results once it is known to answer
// each pending call exactly once. Results are committed in the given order.
func (cm *MessagesManager) SaveToolResults(ctx context.Context, threadID string, pending []schema.ToolCall, results []*schema.Message) error {
	if err := ValidateToolResults(pending, results); err != nil {
		return err
	}
	for _, r := range results {
		if err := cm.commit(ctx, threadID, r); err != nil {
			return err
		}
	}
	return nil
}

// BuildContext prefixes the history with the system prompt. The system message
// is never persisted.
func (cm *MessagesManager) BuildContext(systemPrompt string, history []*schema.Message) []*schema.Message {
	messages := make([]*schema.Message, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, schema.SystemMessage(systemPrompt))
	}
	for _, m := range history {
		if m != nil {
			messages = append(messages, m)
		}
	}
	return messages
}

func (cm *MessagesManager) commit(ctx context.Context, threadID string, msg *schema.Message) error {
	if err := cm.conversationRepo.AddMessage(ctx, threadID, msg); err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Str("role", string(msg.Role)).Msg("failed to persist message")
		if errors.Is(err, errx.ErrInvalidInput) {
			return err
		}
		return errx.PersistenceWrite(err)
	}
	if cm.publisher != nil {
		if err := cm.publisher.PublishMessage(ctx, threadID, msg); err != nil {
			logx.Warn().Err(err).Str("thread_id", threadID).Msg("failed to publish committed message")
		}
	}
	return nil
}

// ValidateToolCalls rejects an assistant message whose tool calls share an id.
func ValidateToolCalls(msg *schema.Message) error {
	if msg == nil {
		return errx.MalformedToolCall("assistant message is nil")
	}
	seen := make(map[string]bool, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		if strings.TrimSpace(tc.ID) == "" {
			return errx.MalformedToolCall("tool call %q has no id", tc.Function.Name)
		}
		if seen[tc.ID] {
			return errx.MalformedToolCall("duplicate tool call id %q", tc.ID)
		}
		seen[tc.ID] = true
	}
	return nil
}

// ValidateToolResults checks that results answer every pending call exactly once.
func ValidateToolResults(pending []schema.ToolCall, results []*schema.Message) error {
	want := make(map[string]bool, len(pending))
	for _, tc := range pending {
		want[tc.ID] = true
	}
	if len(results) != len(pending) {
		return errx.MalformedToolCall("expected %d tool results, got %d", len(pending), len(results))
	}
	answered := make(map[string]bool, len(results))
	for _, r := range results {
		if r == nil || r.Role != schema.Tool {
			return errx.MalformedToolCall("tool result batch contains a non-tool message")
		}
		if !want[r.ToolCallID] {
			return errx.MalformedToolCall("tool result for unknown call id %q", r.ToolCallID)
		}
		if answered[r.ToolCallID] {
			return errx.MalformedToolCall("duplicate tool result for call id %q", r.ToolCallID)
		}
		answered[r.ToolCallID] = true
	}
	return nil
}
