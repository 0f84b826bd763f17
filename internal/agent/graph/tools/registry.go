package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

const (
	errorUnknownTool     = "unknown_tool"
	errorToolExecution   = "tool_execution_failed"
	errorInvalidArgument = "invalid_arguments"
)

// Registry is the uniform view over local and remote tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]tool.InvokableTool
	infos   map[string]*schema.ToolInfo
	order   []string
	closers []io.Closer
	timeout time.Duration
}

type RegistryOption func(*Registry)

// WithCallTimeout bounds every tool call made through NodeTools.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools: make(map[string]tool.InvokableTool),
		infos: make(map[string]*schema.ToolInfo),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds tools; names must be unique across local and remote tools.
func (r *Registry) Register(ctx context.Context, ts ...tool.BaseTool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range ts {
		inv, ok := t.(tool.InvokableTool)
		if !ok {
			return fmt.Errorf("tool %T is not invokable", t)
		}
		info, err := inv.Info(ctx)
		if err != nil {
			return fmt.Errorf("tool info: %w", err)
		}
		if info == nil || info.Name == "" {
			return fmt.Errorf("tool %T has no name", t)
		}
		if _, dup := r.tools[info.Name]; dup {
			return fmt.Errorf("tool %q registered twice", info.Name)
		}
		r.tools[info.Name] = inv
		r.infos[info.Name] = info
		r.order = append(r.order, info.Name)
	}
	return nil
}

// Attach hands ownership of a remote session to the registry.
func (r *Registry) Attach(c io.Closer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closers = append(r.closers, c)
}

// List returns the schema of every registered tool in registration order.
func (r *Registry) List(ctx context.Context) ([]*schema.ToolInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.infos[name])
	}
	return out, nil
}

// Invoke runs a tool by name. Failures are reported as errx.ErrToolNotFound or
// errx.ErrToolExecution.
func (r *Registry) Invoke(ctx context.Context, name, argumentsInJSON string) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", errx.ToolNotFound(name)
	}
	return invokeSafely(ctx, name, t, argumentsInJSON)
}

func invokeSafely(ctx context.Context, name string, t tool.InvokableTool, args string) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errx.ToolExecution(name, fmt.Errorf("panic: %v", p))
		}
	}()
	out, err = t.InvokableRun(ctx, args)
	if err != nil {
		return "", errx.ToolExecution(name, err)
	}
	return out, nil
}

// NodeTools returns the registered tools wrapped so that execution failures
// come back as error results instead of aborting the graph.
func (r *Registry) NodeTools() []tool.BaseTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tool.BaseTool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, &resultOnErrorTool{name: name, info: r.infos[name], inner: r.tools[name], timeout: r.timeout})
	}
	return out
}

// HandleUnknown answers a call to a tool that is not registered.
func (r *Registry) HandleUnknown(ctx context.Context, name, input string) (string, error) {
	logx.Warn().
		Str("tool_name", name).
		Str("arguments", input).
		Msg("Unknown or invalid tool call; returning fallback result")
	return ErrorResult(errorUnknownTool, name, errx.ToolNotFound(name).Error()), nil
}

func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ErrorResult renders the JSON payload of a failed tool call.
func ErrorResult(code, name, message string) string {
	b, err := json.Marshal(model.ToolErrorResult{Error: code, Name: name, Message: message})
	if err != nil {
		return fmt.Sprintf(`{"error":%q}`, code)
	}
	return string(b)
}

type resultOnErrorTool struct {
	name    string
	info    *schema.ToolInfo
	inner   tool.InvokableTool
	timeout time.Duration
}

func (t *resultOnErrorTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return t.info, nil
}

func (t *resultOnErrorTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...tool.Option) (string, error) {
	if !json.Valid([]byte(argumentsInJSON)) {
		logx.Warn().Str("tool_name", t.name).Str("arguments", argumentsInJSON).Msg("tool arguments are not valid JSON")
		return ErrorResult(errorInvalidArgument, t.name, "arguments must be a JSON object"), nil
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	out, err := invokeSafely(ctx, t.name, t.inner, argumentsInJSON)
	if err != nil {
		logx.Warn().Err(err).Str("tool_name", t.name).Msg("tool execution failed; returning error result")
		return ErrorResult(errorToolExecution, t.name, err.Error()), nil
	}
	return out, nil
}
