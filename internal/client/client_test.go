package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadchat/server/internal/agent/graph"
	"github.com/threadchat/server/internal/agent/graph/conversations"
	"github.com/threadchat/server/internal/agent/graph/graphtest"
	"github.com/threadchat/server/internal/agent/graph/tools"
	"github.com/threadchat/server/internal/agent/model"
	"github.com/threadchat/server/internal/agent/repo"
	"github.com/threadchat/server/internal/httpapi"
)

func newServer(t *testing.T, m *graphtest.ScriptedModel) *Client {
	t.Helper()
	ctx := context.Background()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(ctx, tools.GetLocalTools(model.ToolsConfig{})...))
	mm := conversations.NewMessagesManager(repo.NewMemoryConversationRepository())
	runnable, err := graph.BuildGraph(ctx, &graph.GraphConfig{ChatModel: m, MessagesManager: mm, Tools: registry})
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.NewRouter(graph.NewRunner(runnable, mm)))
	t.Cleanup(srv.Close)
	return New(srv.URL, srv.Client())
}

func TestChatAgainstServer(t *testing.T) {
	ctx := context.Background()
	c := newServer(t, graphtest.NewScriptedModel(
		graphtest.CallTools(graphtest.Call("", tools.ToolCalculator, `{"a":2,"b":2,"operation":"add"}`)),
		graphtest.Text("2 + 2 = 4"),
	))

	id, err := c.NewThread(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	var seen []model.TurnEventType
	answer, err := c.Chat(ctx, id, "What is 2 + 2?", func(ev model.TurnEvent) {
		seen = append(seen, ev.Type)
	})
	require.NoError(t, err)
	require.Equal(t, "2 + 2 = 4", answer)
	require.Contains(t, seen, model.EventToolResult)
	require.Equal(t, model.EventDone, seen[len(seen)-1])

	threads, err := c.Threads(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{id}, threads)

	history, err := c.History(ctx, id, false)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, "calculator", history[1].ToolCalls[0].Function.Name)

	transcript, err := c.History(ctx, id, true)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
}

func TestChatDecodesServiceUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"code":"model_unavailable","message":"try later"}}`)
	}))
	t.Cleanup(srv.Close)

	_, err := New(srv.URL, nil).Chat(context.Background(), "t", "hi", nil)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	require.Equal(t, "model_unavailable", apiErr.Code)
	require.Equal(t, 7*time.Second, apiErr.RetryAfter)
}

func TestChatReportsMidStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"token\",\"content\":\"par\"}\n\n: keepalive\n\ndata: {\"type\":\"error\",\"error\":\"conversation could not be saved\"}\n\n")
	}))
	t.Cleanup(srv.Close)

	var tokens strings.Builder
	_, err := New(srv.URL, nil).Chat(context.Background(), "t", "hi", func(ev model.TurnEvent) {
		tokens.WriteString(ev.Content)
	})
	require.ErrorContains(t, err, "conversation could not be saved")
	require.Equal(t, "par", tokens.String())
}

func TestEventReaderJoinsMultilineData(t *testing.T) {
	r := newEventReader(strings.NewReader("data: {\"type\":\"done\",\ndata: \"content\":\"ok\"}\n\n"))
	ev, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, model.EventDone, ev.Type)
	require.Equal(t, "ok", ev.Content)

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
