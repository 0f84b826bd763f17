package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
)

func localRegistry(t *testing.T, extra ...tool.BaseTool) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register(context.Background(), GetLocalTools(model.ToolsConfig{})...))
	require.NoError(t, r.Register(context.Background(), extra...))
	return r
}

func failingTool() tool.BaseTool {
	return utils.NewTool(
		&schema.ToolInfo{Name: "broken", Desc: "always fails"},
		func(ctx context.Context, in map[string]any) (string, error) {
			return "", errors.New("backend down")
		},
	)
}

func TestCalculator(t *testing.T) {
	r := localRegistry(t)
	ctx := context.Background()

	cases := []struct {
		args string
		want string
	}{
		{`{"a":2,"b":2,"operation":"add"}`, "4"},
		{`{"a":10,"b":4,"operation":"sub"}`, "6"},
		{`{"a":3,"b":4,"operation":"mul"}`, "12"},
		{`{"a":7,"b":2,"operation":"div"}`, "3.5"},
		{`{"a":1,"b":0,"operation":"div"}`, `{"error":"Can not divide number by Zero"}`},
		{`{"a":1,"b":1,"operation":"pow"}`, `{"error":"Unsupported operation: pow"}`},
	}
	for _, tc := range cases {
		out, err := r.Invoke(ctx, ToolCalculator, tc.args)
		require.NoError(t, err, tc.args)
		require.JSONEq(t, tc.want, out, tc.args)
	}
}

func TestRegistryInvokeErrors(t *testing.T) {
	r := localRegistry(t, failingTool())
	ctx := context.Background()

	_, err := r.Invoke(ctx, "nope", "{}")
	require.ErrorIs(t, err, errx.ErrToolNotFound)

	_, err = r.Invoke(ctx, "broken", "{}")
	require.ErrorIs(t, err, errx.ErrToolExecution)
	require.Contains(t, err.Error(), "backend down")
}

func TestRegistryListKeepsOrderAndRejectsDuplicates(t *testing.T) {
	r := localRegistry(t)
	infos, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, ToolCalculator, infos[0].Name)

	err = r.Register(context.Background(), createCalculatorTool())
	require.Error(t, err)
}

func TestNodeToolsConvertFailuresToResults(t *testing.T) {
	r := localRegistry(t, failingTool())
	ctx := context.Background()

	var broken tool.InvokableTool
	for _, bt := range r.NodeTools() {
		info, err := bt.Info(ctx)
		require.NoError(t, err)
		if info.Name == "broken" {
			broken = bt.(tool.InvokableTool)
		}
	}
	require.NotNil(t, broken)

	out, err := broken.InvokableRun(ctx, "{}")
	require.NoError(t, err)
	var res model.ToolErrorResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, errorToolExecution, res.Error)
	require.Equal(t, "broken", res.Name)

	out, err = broken.InvokableRun(ctx, "not json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, errorInvalidArgument, res.Error)
}

func TestHandleUnknown(t *testing.T) {
	r := NewRegistry()
	out, err := r.HandleUnknown(context.Background(), "teleport", `{"to":"mars"}`)
	require.NoError(t, err)
	var res model.ToolErrorResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, errorUnknownTool, res.Error)
	require.Equal(t, "teleport", res.Name)
}

func TestWebSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "golang", r.URL.Query().Get("q"))
		require.Equal(t, "json", r.URL.Query().Get("format"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"Heading": "Go",
			"AbstractText": "Go is a programming language.",
			"AbstractURL": "https://go.dev",
			"RelatedTopics": [
				{"Text": "Gopher - the mascot", "FirstURL": "https://go.dev/gopher"},
				{"Name": "Tools", "Topics": [{"Text": "gofmt - formatter", "FirstURL": "https://go.dev/gofmt"}]}
			]
		}`))
	}))
	defer srv.Close()

	st := createWebSearchTool(srv.Client(), srv.URL).(tool.InvokableTool)
	out, err := st.InvokableRun(context.Background(), `{"query":"golang","max_results":2}`)
	require.NoError(t, err)

	var res model.SearchOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, 2, res.Total)
	require.Equal(t, "Go", res.Results[0].Title)
	require.Equal(t, "Gopher", res.Results[1].Title)
}

func TestWebSearchUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := NewRegistry()
	require.NoError(t, r.Register(context.Background(), createWebSearchTool(srv.Client(), srv.URL)))
	_, err := r.Invoke(context.Background(), ToolWebSearch, `{"query":"x"}`)
	require.ErrorIs(t, err, errx.ErrToolExecution)
	require.Contains(t, err.Error(), "429")
}

func TestParseServers(t *testing.T) {
	f, err := ParseServers([]byte(`
servers:
  expense:
    transport: streamable_http
    url: https://example.com/mcp
  arith:
    transport: STDIO
    command: python3
    args: ["main.py"]
`))
	require.NoError(t, err)
	require.Len(t, f.Servers, 2)
	require.Equal(t, TransportStdio, f.Servers["arith"].Transport)
	require.Equal(t, []string{"main.py"}, f.Servers["arith"].Args)

	_, err = ParseServers([]byte("servers:\n  x:\n    transport: sse\n"))
	require.Error(t, err)
	_, err = ParseServers([]byte("servers:\n  x:\n    transport: carrier_pigeon\n"))
	require.Error(t, err)
}
