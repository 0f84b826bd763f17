package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

// RedisConversationRepository stores each thread as a Redis list and indexes
// threads in a sorted set scored by a creation sequence.
type RedisConversationRepository struct {
	rdb       redis.Cmdable
	ttl       time.Duration
	namespace string
}

func NewRedisConversationRepository(rdb redis.Cmdable, namespace string, ttl time.Duration) *RedisConversationRepository {
	return &RedisConversationRepository{rdb: rdb, ttl: ttl, namespace: normalizeNamespace(namespace)}
}

func (r *RedisConversationRepository) conversationKey(threadID string) string {
	return fmt.Sprintf("%s:conversation:%s:messages", r.namespace, threadID)
}

func (r *RedisConversationRepository) threadsKey() string {
	return fmt.Sprintf("%s:threads", r.namespace)
}

func (r *RedisConversationRepository) threadSeqKey() string {
	return fmt.Sprintf("%s:threads:seq", r.namespace)
}

// appendScript pushes a message and indexes its thread in one step. The index
// check runs on every append, so a thread is never left unlisted.
//
// KEYS: messages list, thread index, thread sequence.
// ARGV: encoded message, thread id, ttl in milliseconds (0 keeps no TTL).
var appendScript = redis.NewScript(`
local n = redis.call('RPUSH', KEYS[1], ARGV[1])
if not redis.call('ZSCORE', KEYS[2], ARGV[2]) then
	local seq = redis.call('INCR', KEYS[3])
	redis.call('ZADD', KEYS[2], 'NX', seq, ARGV[2])
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return n
`)

func (r *RedisConversationRepository) AddMessage(ctx context.Context, threadID string, message *schema.Message) error {
	b, err := encodeMessage(threadID, message)
	if err != nil {
		logx.Error().Err(err).Str("thread_id", threadID).Msg("failed to marshal message")
		return err
	}
	key := r.conversationKey(threadID)
	keys := []string{key, r.threadsKey(), r.threadSeqKey()}

	if err := appendScript.Run(ctx, r.rdb, keys, b, threadID, r.ttl.Milliseconds()).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to append message to redis")
		return errx.WrapRedis(err)
	}
	return nil
}

func (r *RedisConversationRepository) LoadHistory(ctx context.Context, threadID string) (*model.ConversationHistory, error) {
	if err := validateThreadID(threadID); err != nil {
		return nil, err
	}
	key := r.conversationKey(threadID)

	rows, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return &model.ConversationHistory{ThreadID: threadID, Messages: []*schema.Message{}}, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to load conversation history from redis")
		return nil, errx.WrapRedis(err)
	}

	msgs := make([]*schema.Message, 0, len(rows))
	for i, s := range rows {
		m, err := decodeMessage([]byte(s), i)
		if err != nil {
			logx.Error().Err(err).Str("thread_id", threadID).Int("index", i).Msg("failed to unmarshal message")
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return &model.ConversationHistory{ThreadID: threadID, Messages: msgs}, nil
}

// ListThreads returns indexed threads newest first. With a TTL configured,
// threads whose log has expired are dropped from the index on the way.
func (r *RedisConversationRepository) ListThreads(ctx context.Context) ([]string, error) {
	ids, err := r.rdb.ZRevRange(ctx, r.threadsKey(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		logx.Error().Err(err).Str("key", r.threadsKey()).Msg("failed to list threads from redis")
		return nil, errx.WrapRedis(err)
	}
	if r.ttl <= 0 || len(ids) == 0 {
		return ids, nil
	}

	live := make([]string, 0, len(ids))
	for _, id := range ids {
		n, err := r.rdb.Exists(ctx, r.conversationKey(id)).Result()
		if err != nil {
			return nil, errx.WrapRedis(err)
		}
		if n == 0 {
			if err := r.rdb.ZRem(ctx, r.threadsKey(), id).Err(); err != nil {
				logx.Warn().Err(err).Str("thread_id", id).Msg("failed to drop expired thread from index")
			}
			continue
		}
		live = append(live, id)
	}
	return live, nil
}

func (r *RedisConversationRepository) GetMessageCount(ctx context.Context, threadID string) (int, error) {
	key := r.conversationKey(threadID)
	n, err := r.rdb.LLen(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		logx.Error().Err(err).Str("key", key).Msg("failed to get message count from redis")
		return 0, errx.WrapRedis(err)
	}
	return int(n), nil
}

var _ model.ConversationRepository = (*RedisConversationRepository)(nil)
