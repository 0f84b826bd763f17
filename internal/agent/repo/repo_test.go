package repo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/cloudwego/eino/schema"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	"github.com/threadchat/server/pkg/sqlite"
)

type backend struct {
	name string
	open func(t *testing.T) model.ConversationRepository
}

func openSQLite(t *testing.T, path string) *SQLiteConversationRepository {
	t.Helper()
	cfg := sqlite.Config{Path: path}
	db, err := cfg.Open()
	require.NoError(t, err)
	r, err := NewSQLiteConversationRepository(context.Background(), db, "test")
	require.NoError(t, err)
	return r
}

func openAsyncSQLite(t *testing.T, path string) *AsyncSQLiteConversationRepository {
	t.Helper()
	cfg := sqlite.Config{Path: path}
	db, err := cfg.Open()
	require.NoError(t, err)
	r, err := NewAsyncSQLiteConversationRepository(context.Background(), db, "test", 8)
	require.NoError(t, err)
	return r
}

func backends() []backend {
	return []backend{
		{"memory", func(t *testing.T) model.ConversationRepository {
			return NewMemoryConversationRepository()
		}},
		{"sqlite", func(t *testing.T) model.ConversationRepository {
			r := openSQLite(t, filepath.Join(t.TempDir(), "chat.db"))
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
		{"async_sqlite", func(t *testing.T) model.ConversationRepository {
			r := openAsyncSQLite(t, filepath.Join(t.TempDir(), "chat.db"))
			t.Cleanup(func() { _ = r.Close() })
			return r
		}},
		{"redis", func(t *testing.T) model.ConversationRepository {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisConversationRepository(rdb, "test", time.Hour)
		}},
	}
}

func TestRepositoryContract(t *testing.T) {
	ctx := context.Background()
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Run("unknown thread loads empty", func(t *testing.T) {
				r := b.open(t)
				h, err := r.LoadHistory(ctx, "nope")
				require.NoError(t, err)
				require.Equal(t, "nope", h.ThreadID)
				require.Empty(t, h.Messages)

				n, err := r.GetMessageCount(ctx, "nope")
				require.NoError(t, err)
				require.Zero(t, n)
			})

			t.Run("appends keep order and content", func(t *testing.T) {
				r := b.open(t)
				call := schema.ToolCall{ID: "call_1", Function: schema.FunctionCall{Name: "calculator", Arguments: `{"a":2,"b":2,"operation":"add"}`}}
				msgs := []*schema.Message{
					schema.UserMessage("what is 2 + 2?"),
					schema.AssistantMessage("", []schema.ToolCall{call}),
					schema.ToolMessage("4", "call_1", schema.WithToolName("calculator")),
					schema.AssistantMessage("2 + 2 = 4", nil),
				}
				for _, m := range msgs {
					require.NoError(t, r.AddMessage(ctx, "t1", m))
				}

				h, err := r.LoadHistory(ctx, "t1")
				require.NoError(t, err)
				require.Len(t, h.Messages, 4)
				require.Equal(t, schema.User, h.Messages[0].Role)
				require.Equal(t, "what is 2 + 2?", h.Messages[0].Content)
				require.Len(t, h.Messages[1].ToolCalls, 1)
				require.Equal(t, "call_1", h.Messages[1].ToolCalls[0].ID)
				require.Equal(t, "calculator", h.Messages[1].ToolCalls[0].Function.Name)
				require.Equal(t, "call_1", h.Messages[2].ToolCallID)
				require.Equal(t, "calculator", h.Messages[2].ToolName)
				require.Equal(t, "2 + 2 = 4", h.Messages[3].Content)

				n, err := r.GetMessageCount(ctx, "t1")
				require.NoError(t, err)
				require.Equal(t, 4, n)
			})

			t.Run("loaded messages are copies", func(t *testing.T) {
				r := b.open(t)
				m := schema.UserMessage("hello")
				require.NoError(t, r.AddMessage(ctx, "t1", m))
				m.Content = "mutated"

				h, err := r.LoadHistory(ctx, "t1")
				require.NoError(t, err)
				h.Messages[0].Content = "mutated again"

				h2, err := r.LoadHistory(ctx, "t1")
				require.NoError(t, err)
				require.Equal(t, "hello", h2.Messages[0].Content)
			})

			t.Run("threads list newest created first", func(t *testing.T) {
				r := b.open(t)
				require.NoError(t, r.AddMessage(ctx, "A", schema.UserMessage("first")))
				require.NoError(t, r.AddMessage(ctx, "B", schema.UserMessage("second")))
				// touching A again must not move it
				require.NoError(t, r.AddMessage(ctx, "A", schema.AssistantMessage("reply", nil)))

				ids, err := r.ListThreads(ctx)
				require.NoError(t, err)
				require.Equal(t, []string{"B", "A"}, ids)
			})

			t.Run("invalid input", func(t *testing.T) {
				r := b.open(t)
				err := r.AddMessage(ctx, "", schema.UserMessage("x"))
				require.ErrorIs(t, err, errx.ErrInvalidInput)
				err = r.AddMessage(ctx, "t1", nil)
				require.ErrorIs(t, err, errx.ErrInvalidInput)
			})

			t.Run("concurrent appends on distinct threads", func(t *testing.T) {
				r := b.open(t)
				var wg sync.WaitGroup
				for i := 0; i < 4; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						id := fmt.Sprintf("t%d", i)
						for j := 0; j < 5; j++ {
							require.NoError(t, r.AddMessage(ctx, id, schema.UserMessage(fmt.Sprintf("%d", j))))
						}
					}(i)
				}
				wg.Wait()

				for i := 0; i < 4; i++ {
					h, err := r.LoadHistory(ctx, fmt.Sprintf("t%d", i))
					require.NoError(t, err)
					require.Len(t, h.Messages, 5)
					for j, m := range h.Messages {
						require.Equal(t, fmt.Sprintf("%d", j), m.Content)
					}
				}
			})
		})
	}
}

func TestSQLiteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chat.db")

	r := openSQLite(t, path)
	require.NoError(t, r.AddMessage(ctx, "A", schema.UserMessage("hi")))
	require.NoError(t, r.AddMessage(ctx, "A", schema.AssistantMessage("", []schema.ToolCall{{ID: "c1", Function: schema.FunctionCall{Name: "calculator", Arguments: "{}"}}})))
	require.NoError(t, r.AddMessage(ctx, "B", schema.UserMessage("other")))
	require.NoError(t, r.Close())

	// the async variant reads the same schema
	reopened := openAsyncSQLite(t, path)
	defer reopened.Close()

	h, err := reopened.LoadHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
	require.Equal(t, model.PositionAwaitingTools, model.PositionOf(h.Messages))

	ids, err := reopened.ListThreads(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "A"}, ids)
}

func TestSQLiteNamespacesArePartitioned(t *testing.T) {
	ctx := context.Background()
	cfg := sqlite.Config{Path: filepath.Join(t.TempDir(), "chat.db")}
	db, err := cfg.Open()
	require.NoError(t, err)
	defer db.Close()

	a, err := NewSQLiteConversationRepository(ctx, db, "alpha")
	require.NoError(t, err)
	b, err := NewSQLiteConversationRepository(ctx, db, "beta")
	require.NoError(t, err)

	require.NoError(t, a.AddMessage(ctx, "same", schema.UserMessage("from alpha")))
	h, err := b.LoadHistory(ctx, "same")
	require.NoError(t, err)
	require.Empty(t, h.Messages)

	ids, err := b.ListThreads(ctx)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAsyncSQLiteFutureResolvesAfterCommit(t *testing.T) {
	ctx := context.Background()
	r := openAsyncSQLite(t, filepath.Join(t.TempDir(), "chat.db"))

	futures := make([]<-chan error, 0, 10)
	for i := 0; i < 10; i++ {
		futures = append(futures, r.AddMessageAsync(ctx, "t1", schema.UserMessage(fmt.Sprintf("%d", i))))
	}
	for _, f := range futures {
		require.NoError(t, <-f)
	}

	h, err := r.LoadHistory(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, h.Messages, 10)
	for i, m := range h.Messages {
		require.Equal(t, fmt.Sprintf("%d", i), m.Content)
	}

	require.NoError(t, r.Close())
	require.ErrorIs(t, <-r.AddMessageAsync(ctx, "t1", schema.UserMessage("late")), ErrStoreClosed)
}

func TestRedisIndexDropsExpiredThreads(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisConversationRepository(rdb, "", time.Minute)
	require.NoError(t, r.AddMessage(ctx, "old", schema.UserMessage("x")))
	mr.FastForward(2 * time.Minute)
	require.NoError(t, r.AddMessage(ctx, "new", schema.UserMessage("y")))

	ids, err := r.ListThreads(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, ids)
	require.True(t, mr.Exists("default:threads"))
}

// flakyScripter fails the first script runs the way a dropped connection does.
type flakyScripter struct {
	*redis.Client
	failures int
}

func (c *flakyScripter) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	if c.failures > 0 {
		c.failures--
		cmd := redis.NewCmd(ctx)
		cmd.SetErr(errors.New("connection reset"))
		return cmd
	}
	return c.Client.EvalSha(ctx, sha1, keys, args...)
}

func TestRedisFailedAppendLeavesNoUnlistedThread(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisConversationRepository(&flakyScripter{Client: rdb, failures: 1}, "test", time.Hour)
	err := r.AddMessage(ctx, "A", schema.UserMessage("first"))
	require.ErrorContains(t, err, "connection reset")

	h, err := r.LoadHistory(ctx, "A")
	require.NoError(t, err)
	require.Empty(t, h.Messages)

	require.NoError(t, r.AddMessage(ctx, "A", schema.UserMessage("again")))
	ids, err := r.ListThreads(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A"}, ids)
	require.Greater(t, mr.TTL("test:conversation:A:messages"), time.Duration(0))
}

func TestRedisAppendReindexesThread(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	r := NewRedisConversationRepository(rdb, "test", 0)
	require.NoError(t, r.AddMessage(ctx, "A", schema.UserMessage("x")))
	require.NoError(t, r.AddMessage(ctx, "B", schema.UserMessage("y")))
	// a log whose index entry went missing
	require.NoError(t, rdb.ZRem(ctx, "test:threads", "A").Err())

	require.NoError(t, r.AddMessage(ctx, "A", schema.AssistantMessage("z", nil)))
	ids, err := r.ListThreads(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, ids)

	h, err := r.LoadHistory(ctx, "A")
	require.NoError(t, err)
	require.Len(t, h.Messages, 2)
}
