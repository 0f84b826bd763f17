package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/eino-contrib/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	logx "github.com/threadchat/server/pkg/logger"
)

// transportBuilder is overridden in tests to use in-memory transports.
var transportBuilder = buildTransport

// RegisterServers connects to every configured server, in name order, and
// registers its tools. Sessions are closed by Registry.Close.
func RegisterServers(ctx context.Context, r *Registry, f *ServersFile) error {
	if f == nil {
		return nil
	}
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ts, err := ConnectServer(ctx, r, name, f.Servers[name])
		if err != nil {
			return err
		}
		if err := r.Register(ctx, ts...); err != nil {
			return fmt.Errorf("register tools of %q: %w", name, err)
		}
		logx.Info().Str("server", name).Int("tools", len(ts)).Msg("remote tool server connected")
	}
	return nil
}

// ConnectServer opens a session with one server and wraps its tools.
func ConnectServer(ctx context.Context, r *Registry, name string, cfg ServerConfig) ([]tool.BaseTool, error) {
	transport, err := transportBuilder(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tool server %q: %w", name, err)
	}
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "threadchat", Version: "dev"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connect tool server %q: %w", name, err)
	}
	r.Attach(session)

	var out []tool.BaseTool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("list tools of %q: %w", name, err)
		}
		info, err := toToolInfo(t)
		if err != nil {
			return nil, fmt.Errorf("tool %q of %q: %w", t.Name, name, err)
		}
		out = append(out, &remoteTool{info: info, session: session})
	}
	return out, nil
}

func buildTransport(ctx context.Context, cfg ServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportStreamableHTTP:
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	case TransportSSE:
		return &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}, nil
	case TransportStdio:
		// #nosec G204 -- command comes from the operator's servers file
		cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Transport)
	}
}

func toToolInfo(t *mcpsdk.Tool) (*schema.ToolInfo, error) {
	info := &schema.ToolInfo{Name: t.Name, Desc: t.Description}
	if t.InputSchema == nil {
		return info, nil
	}
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	js := &jsonschema.Schema{}
	if err := json.Unmarshal(raw, js); err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}
	info.ParamsOneOf = schema.NewParamsOneOfByJSONSchema(js)
	return info, nil
}

// remoteTool forwards calls to a tool server session.
type remoteTool struct {
	info    *schema.ToolInfo
	session *mcpsdk.ClientSession
}

func (t *remoteTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *remoteTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	var args map[string]any
	if strings.TrimSpace(argumentsInJSON) != "" {
		if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
			return "", fmt.Errorf("decode arguments: %w", err)
		}
	}
	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.info.Name, Arguments: args})
	if err != nil {
		return "", err
	}
	text := contentText(res.Content)
	if res.IsError {
		return "", fmt.Errorf("remote tool error: %s", text)
	}
	if text == "" && res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return "", fmt.Errorf("marshal structured content: %w", err)
		}
		return string(b), nil
	}
	return text, nil
}

func contentText(content []mcpsdk.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		switch v := c.(type) {
		case *mcpsdk.TextContent:
			parts = append(parts, v.Text)
		default:
			if b, err := json.Marshal(v); err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}
