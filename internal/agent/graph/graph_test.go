package graph

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/threadchat/server/internal/agent/graph/conversations"
	"github.com/threadchat/server/internal/agent/graph/graphtest"
	"github.com/threadchat/server/internal/agent/graph/nodes"
	"github.com/threadchat/server/internal/agent/graph/tools"
	"github.com/threadchat/server/internal/agent/model"
	"github.com/threadchat/server/internal/agent/repo"
	errx "github.com/threadchat/server/internal/core/error"
	pkgsqlite "github.com/threadchat/server/pkg/sqlite"
)

const addTwoAndTwo = `{"a":2,"b":2,"operation":"add"}`

func newRunner(t *testing.T, m *graphtest.ScriptedModel, store model.ConversationRepository, maxRounds int) Runner {
	t.Helper()
	ctx := context.Background()

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(ctx, tools.GetLocalTools(model.ToolsConfig{})...))

	mm := conversations.NewMessagesManager(store)
	runnable, err := BuildGraph(ctx, &GraphConfig{
		ChatModel:       m,
		ModelName:       "scripted",
		MessagesManager: mm,
		Tools:           registry,
		ToolMaxRounds:   maxRounds,
	})
	require.NoError(t, err)
	return NewRunner(runnable, mm)
}

func roles(history []*schema.Message) []schema.RoleType {
	out := make([]schema.RoleType, 0, len(history))
	for _, m := range history {
		out = append(out, m.Role)
	}
	return out
}

func TestCalculatorTurn(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(
		graphtest.CallTools(graphtest.Call("", tools.ToolCalculator, addTwoAndTwo)),
		func(_ int, input []*schema.Message) (*schema.Message, error) {
			last := graphtest.LastMessage(input)
			if last.Role != schema.Tool || last.Content != "4" {
				return nil, errors.New("expected the calculator result")
			}
			return schema.AssistantMessage("2 + 2 = 4", nil), nil
		},
	)
	store := repo.NewMemoryConversationRepository()
	runner := newRunner(t, m, store, 0)

	answer, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t1", Query: "What is 2 + 2?"})
	require.NoError(t, err)
	require.Equal(t, "2 + 2 = 4", answer)

	history, err := runner.History(ctx, "t1", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{schema.User, schema.Assistant, schema.Tool, schema.Assistant}, roles(history))
	require.Equal(t, "call_1", history[1].ToolCalls[0].ID)
	require.Equal(t, "call_1", history[2].ToolCallID)
	require.Equal(t, model.PositionSuspended, model.PositionOf(history))

	require.Len(t, m.BoundTools(), 1)
	require.Equal(t, tools.ToolCalculator, m.BoundTools()[0].Name)

	first := m.Inputs()[0]
	require.Equal(t, schema.System, first[0].Role)
	require.Equal(t, "What is 2 + 2?", graphtest.LastMessage(first).Content)

	transcript, err := runner.History(ctx, "t1", true)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	require.Equal(t, "2 + 2 = 4", transcript[1].Content)
}

func TestEveryToolCallGetsOneResult(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(
		graphtest.CallTools(
			graphtest.Call("a", tools.ToolCalculator, `{"a":1,"b":2,"operation":"add"}`),
			graphtest.Call("b", tools.ToolCalculator, `{"a":6,"b":3,"operation":"div"}`),
			graphtest.Call("c", tools.ToolCalculator, `{"a":1,"b":0,"operation":"div"}`),
		),
		graphtest.Text("done"),
	)
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	_, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "sums"})
	require.NoError(t, err)

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Len(t, history, 6)

	results := map[string]string{}
	for _, msg := range history[2:5] {
		require.Equal(t, schema.Tool, msg.Role)
		results[msg.ToolCallID] = msg.Content
	}
	require.Equal(t, map[string]string{
		"a": "3",
		"b": "2",
		"c": `{"error":"Can not divide number by Zero"}`,
	}, results)
}

func TestUnknownToolIsAnsweredWithError(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(
		graphtest.CallTools(graphtest.Call("x1", "nonexistent_tool", `{}`)),
		graphtest.Text("I cannot do that."),
	)
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	answer, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "beam me up"})
	require.NoError(t, err)
	require.Equal(t, "I cannot do that.", answer)

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, schema.Tool, history[2].Role)
	require.Equal(t, "x1", history[2].ToolCallID)
	require.Contains(t, history[2].Content, "unknown_tool")
}

func TestToolRoundCeiling(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel().WithFallback(
		graphtest.CallTools(graphtest.Call("", tools.ToolCalculator, addTwoAndTwo)),
	)
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 2)

	answer, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "loop forever"})
	require.NoError(t, err)
	require.Equal(t, nodes.ToolLimitNotice, answer)
	require.Equal(t, 3, m.Calls())

	last := graphtest.LastMessage(m.Inputs()[2])
	require.Equal(t, schema.System, last.Role)
	require.Contains(t, last.Content, "maximum number of tool rounds")

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{
		schema.User,
		schema.Assistant, schema.Tool,
		schema.Assistant, schema.Tool,
		schema.Assistant,
	}, roles(history))
	require.Empty(t, history[5].ToolCalls)
	require.Equal(t, model.PositionSuspended, model.PositionOf(history))
}

func TestResumeAfterRestart(t *testing.T) {
	ctx := context.Background()
	cfg := pkgsqlite.Config{Path: filepath.Join(t.TempDir(), "chat.db")}

	// A process that died after committing the tool call.
	db, err := cfg.Open()
	require.NoError(t, err)
	before, err := repo.NewSQLiteConversationRepository(ctx, db, "")
	require.NoError(t, err)
	require.NoError(t, before.AddMessage(ctx, "t", schema.UserMessage("What is 2 + 2?")))
	require.NoError(t, before.AddMessage(ctx, "t", schema.AssistantMessage("", []schema.ToolCall{
		graphtest.Call("c1", tools.ToolCalculator, addTwoAndTwo),
	})))
	require.NoError(t, before.Close())

	db, err = cfg.Open()
	require.NoError(t, err)
	after, err := repo.NewSQLiteConversationRepository(ctx, db, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = after.Close() })

	m := graphtest.NewScriptedModel(graphtest.Text("It is 4. You're welcome!"))
	runner := newRunner(t, m, after, 0)

	answer, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "thanks in advance"})
	require.NoError(t, err)
	require.Equal(t, "It is 4. You're welcome!", answer)

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{schema.User, schema.Assistant, schema.Tool, schema.User, schema.Assistant}, roles(history))
	require.Equal(t, "c1", history[2].ToolCallID)
	require.Equal(t, "4", history[2].Content)
	require.Equal(t, "thanks in advance", history[3].Content)

	require.Equal(t, 1, m.Calls())
	require.Equal(t, "thanks in advance", graphtest.LastMessage(m.Inputs()[0]).Content)
}

func TestResumeAwaitingModel(t *testing.T) {
	ctx := context.Background()
	store := repo.NewMemoryConversationRepository()
	require.NoError(t, store.AddMessage(ctx, "t", schema.UserMessage("hello?")))

	m := graphtest.NewScriptedModel(graphtest.Text("hi"))
	runner := newRunner(t, m, store, 0)

	answer, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t"})
	require.NoError(t, err)
	require.Equal(t, "hi", answer)

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{schema.User, schema.Assistant}, roles(history))
}

func TestInvalidTurnInput(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel()
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	_, err := runner.Invoke(ctx, model.TurnInput{Query: "no thread"})
	require.ErrorIs(t, err, errx.ErrInvalidInput)

	_, err = runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "   "})
	require.ErrorIs(t, err, errx.ErrInvalidInput)
	require.Zero(t, m.Calls())
}

func TestSameThreadTurnsAreSerialised(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel().WithFallback(func(call int, input []*schema.Message) (*schema.Message, error) {
		time.Sleep(20 * time.Millisecond)
		return schema.AssistantMessage("reply to "+graphtest.LastMessage(input).Content, nil), nil
	})
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, q := range []string{"one", "two"} {
		wg.Add(1)
		go func(q string) {
			defer wg.Done()
			_, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "shared", Query: q})
			errs <- err
		}(q)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := runner.History(ctx, "shared", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{schema.User, schema.Assistant, schema.User, schema.Assistant}, roles(history))
	require.Equal(t, "reply to "+history[0].Content, history[1].Content)
	require.Equal(t, "reply to "+history[2].Content, history[3].Content)

	// The second turn saw the first one's messages.
	require.Len(t, m.Inputs()[1], 4)
}

func TestStreamEmitsEvents(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(
		graphtest.CallTools(graphtest.Call("", tools.ToolCalculator, addTwoAndTwo)),
		graphtest.Text("2 + 2 = 4"),
	)
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	sr, err := runner.Stream(ctx, model.TurnInput{ThreadID: "s", Query: "What is 2 + 2?"})
	require.NoError(t, err)
	defer sr.Close()

	var events []model.TurnEvent
	for {
		ev, err := sr.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
	require.NotEmpty(t, events)

	var tokens strings.Builder
	var kinds []model.TurnEventType
	for _, ev := range events {
		require.Equal(t, "s", ev.ThreadID)
		if ev.Type == model.EventToken {
			tokens.WriteString(ev.Content)
			continue
		}
		kinds = append(kinds, ev.Type)
	}
	require.Equal(t, []model.TurnEventType{model.EventToolCall, model.EventToolResult, model.EventDone}, kinds)
	require.Equal(t, "2 + 2 = 4", tokens.String())

	done := events[len(events)-1]
	require.Equal(t, model.EventDone, done.Type)
	require.Equal(t, "2 + 2 = 4", done.Content)

	history, err := runner.History(ctx, "s", false)
	require.NoError(t, err)
	require.Len(t, history, 4)
}

func TestStreamReportsFailure(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(graphtest.Fail(errx.ModelUnavailable(errors.New("upstream 503"))))
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	sr, err := runner.Stream(ctx, model.TurnInput{ThreadID: "s", Query: "hi"})
	require.NoError(t, err)
	defer sr.Close()

	for {
		_, err = sr.Recv()
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, errx.ErrModelUnavailable)
}

func TestDuplicateToolCallIDsAbortTurn(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(graphtest.CallTools(
		graphtest.Call("dup", tools.ToolCalculator, addTwoAndTwo),
		graphtest.Call("dup", tools.ToolCalculator, addTwoAndTwo),
	))
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	_, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "twice"})
	require.ErrorIs(t, err, errx.ErrMalformedToolCall)
	require.Equal(t, 502, errx.StatusOf(err))

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{schema.User}, roles(history))
}

type failingAssistantRepo struct {
	*repo.MemoryConversationRepository
}

func (r failingAssistantRepo) AddMessage(ctx context.Context, threadID string, m *schema.Message) error {
	if m.Role == schema.Assistant {
		return errors.New("disk full")
	}
	return r.MemoryConversationRepository.AddMessage(ctx, threadID, m)
}

func TestPersistenceFailureFailsTurn(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(graphtest.Text("lost"))
	store := failingAssistantRepo{repo.NewMemoryConversationRepository()}
	runner := newRunner(t, m, store, 0)

	_, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "hello"})
	require.ErrorIs(t, err, errx.ErrPersistenceWrite)

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, model.PositionAwaitingModel, model.PositionOf(history))
}

func TestModelUnavailableLeavesThreadResumable(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel(
		graphtest.Fail(errx.ModelUnavailable(errors.New("upstream 503"))),
		graphtest.Text("back online"),
	)
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	_, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t", Query: "hello"})
	require.ErrorIs(t, err, errx.ErrModelUnavailable)
	require.Equal(t, 503, errx.StatusOf(err))

	answer, err := runner.Invoke(ctx, model.TurnInput{ThreadID: "t"})
	require.NoError(t, err)
	require.Equal(t, "back online", answer)

	history, err := runner.History(ctx, "t", false)
	require.NoError(t, err)
	require.Equal(t, []schema.RoleType{schema.User, schema.Assistant}, roles(history))
}

func TestThreadsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := graphtest.NewScriptedModel().WithFallback(graphtest.Text("ok"))
	runner := newRunner(t, m, repo.NewMemoryConversationRepository(), 0)

	for _, id := range []string{"A", "B", "A"} {
		_, err := runner.Invoke(ctx, model.TurnInput{ThreadID: id, Query: "hi " + id})
		require.NoError(t, err)
	}

	threads, err := runner.Threads(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "A"}, threads)

	_, err = runner.History(ctx, "", false)
	require.ErrorIs(t, err, errx.ErrInvalidInput)
}
