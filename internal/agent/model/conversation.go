package model

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

type ConversationRepository interface {
	// AddMessage appends one message to the thread log, durably, before returning.
	AddMessage(ctx context.Context, threadID string, message *schema.Message) error

	// LoadHistory retrieves the ordered log of a thread; unknown threads yield an empty log.
	LoadHistory(ctx context.Context, threadID string) (*ConversationHistory, error)

	// ListThreads returns every thread with at least one message, most recently created first.
	ListThreads(ctx context.Context) ([]string, error)

	// GetMessageCount returns the number of messages in the thread.
	GetMessageCount(ctx context.Context, threadID string) (int, error)
}

// ConversationHistory represents loaded conversation data with metadata.
type ConversationHistory struct {
	ThreadID string
	Messages []*schema.Message
}
