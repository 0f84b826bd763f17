package repo

import (
	"context"
	"database/sql"
	"errors"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
	logx "github.com/threadchat/server/pkg/logger"
)

// ErrStoreClosed is returned for appends submitted after Close.
var ErrStoreClosed = errors.New("conversation store is closed")

type appendRequest struct {
	ctx      context.Context
	threadID string
	message  *schema.Message
	payload  []byte
	done     chan error
}

// AsyncSQLiteConversationRepository queues appends to a single writer goroutine.
// Requests commit in submission order, so the log order of a thread follows the
// order its appends were submitted in.
type AsyncSQLiteConversationRepository struct {
	log   *sqliteLog
	queue chan appendRequest

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewAsyncSQLiteConversationRepository(ctx context.Context, db *sql.DB, namespace string, queueSize int) (*AsyncSQLiteConversationRepository, error) {
	l, err := newSQLiteLog(ctx, db, namespace)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	r := &AsyncSQLiteConversationRepository{
		log:   l,
		queue: make(chan appendRequest, queueSize),
	}
	r.wg.Add(1)
	go r.writer()
	return r, nil
}

func (r *AsyncSQLiteConversationRepository) writer() {
	defer r.wg.Done()
	for req := range r.queue {
		err := req.ctx.Err()
		if err == nil {
			err = r.log.append(req.ctx, req.threadID, req.message, req.payload)
		}
		if err != nil {
			logx.Error().Err(err).Str("thread_id", req.threadID).Msg("async append failed")
		}
		req.done <- err
		close(req.done)
	}
}

// AddMessageAsync submits an append and returns a channel that yields exactly
// one value once the append has committed (nil) or failed.
func (r *AsyncSQLiteConversationRepository) AddMessageAsync(ctx context.Context, threadID string, message *schema.Message) <-chan error {
	done := make(chan error, 1)
	b, err := encodeMessage(threadID, message)
	if err != nil {
		done <- err
		close(done)
		return done
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		done <- ErrStoreClosed
		close(done)
		return done
	}
	select {
	case r.queue <- appendRequest{ctx: ctx, threadID: threadID, message: message, payload: b, done: done}:
	case <-ctx.Done():
		done <- ctx.Err()
		close(done)
	}
	return done
}

// AddMessage waits for the queued append. A context error returned here does not
// guarantee the append was dropped.
func (r *AsyncSQLiteConversationRepository) AddMessage(ctx context.Context, threadID string, message *schema.Message) error {
	select {
	case err := <-r.AddMessageAsync(ctx, threadID, message):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AsyncSQLiteConversationRepository) LoadHistory(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	return r.log.load(ctx, threadID)
}

func (r *AsyncSQLiteConversationRepository) ListThreads(ctx context.Context) ([]string, error) {
	return r.log.listThreads(ctx)
}

func (r *AsyncSQLiteConversationRepository) GetMessageCount(ctx context.Context, threadID string) (int, error) {
	return r.log.count(ctx, threadID)
}

// Close stops accepting appends, drains the queue and closes the database.
func (r *AsyncSQLiteConversationRepository) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
	return r.log.db.Close()
}

var _ model.ConversationRepository = (*AsyncSQLiteConversationRepository)(nil)
