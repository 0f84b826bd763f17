package repo

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
)

// MemoryConversationRepository keeps threads in process memory; everything is
// lost on restart.
type MemoryConversationRepository struct {
	mu      sync.RWMutex
	threads map[string][][]byte
	order   []string // creation order, oldest first
}

func NewMemoryConversationRepository() *MemoryConversationRepository {
	return &MemoryConversationRepository{threads: make(map[string][][]byte)}
}

func (r *MemoryConversationRepository) AddMessage(ctx context.Context, threadID string, message *schema.Message) error {
	b, err := encodeMessage(threadID, message)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	log, ok := r.threads[threadID]
	if !ok {
		r.order = append(r.order, threadID)
	}
	r.threads[threadID] = append(log, b)
	return nil
}

func (r *MemoryConversationRepository) LoadHistory(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	if err := validateThreadID(threadID); err != nil {
		return nil, err
	}

	r.mu.RLock()
	rows := append([][]byte(nil), r.threads[threadID]...)
	r.mu.RUnlock()

	msgs := make([]*schema.Message, 0, len(rows))
	for i, b := range rows {
		m, err := decodeMessage(b, i)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return &model.ConversationHistory{ThreadID: threadID, Messages: msgs}, nil
}

func (r *MemoryConversationRepository) ListThreads(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		out = append(out, r.order[i])
	}
	return out, nil
}

func (r *MemoryConversationRepository) GetMessageCount(ctx context.Context, threadID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads[threadID]), nil
}

var _ model.ConversationRepository = (*MemoryConversationRepository)(nil)
