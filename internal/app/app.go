// Package app wires the configured store, tools, model and message feed into
// one context shared by the HTTP handlers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/threadchat/server/internal/agent/graph"
	"github.com/threadchat/server/internal/agent/graph/conversations"
	"github.com/threadchat/server/internal/agent/graph/tools"
	"github.com/threadchat/server/internal/agent/model"
	"github.com/threadchat/server/internal/agent/repo"
	"github.com/threadchat/server/internal/eventbus"
	"github.com/threadchat/server/internal/httpapi"
	logx "github.com/threadchat/server/pkg/logger"
)

// App owns every long-lived dependency of the server.
type App struct {
	cfg     AppConfig
	Runner  graph.Runner
	Tools   *tools.Registry
	handler http.Handler
	closers []func() error
}

// New builds the application context. On error, anything already opened is closed.
func New(ctx context.Context, cfg AppConfig) (_ *App, err error) {
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	var healthOpts []httpapi.Option

	store, check, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	healthOpts = append(healthOpts, httpapi.WithHealthCheck("store", check))

	registry, err := a.buildTools(ctx)
	if err != nil {
		return nil, err
	}
	a.Tools = registry

	var publisher conversations.Publisher
	if cfg.NATS.Enabled() {
		p, err := eventbus.Connect(cfg.NATS)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, p.Close)
		publisher = p
		healthOpts = append(healthOpts, httpapi.WithHealthCheck("message_feed", func(context.Context) error {
			if !p.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}))
	}

	runner, err := graph.BuildChatGraph(ctx, graph.Config{
		APIKey:           cfg.APIKey,
		BaseURL:          cfg.BaseURL,
		ChatModel:        cfg.ChatModel,
		Prompt:           cfg.Prompt,
		Conversation:     cfg.Conversation,
		ConversationRepo: store,
		Tools:            registry,
		Publisher:        publisher,
	})
	if err != nil {
		return nil, fmt.Errorf("build chat graph: %w", err)
	}
	a.Runner = runner

	opts := append(healthOpts, httpapi.WithRetryAfter(cfg.RetryAfter))
	a.handler = httpapi.NewRouter(runner, opts...)
	return a, nil
}

func (a *App) Handler() http.Handler {
	return a.handler
}

// openStore opens the backend named by CONVERSATION_STORE.
func (a *App) openStore(ctx context.Context) (model.ConversationRepository, httpapi.HealthCheck, error) {
	conv := a.cfg.Conversation
	ok := func(context.Context) error { return nil }

	switch strings.ToLower(strings.TrimSpace(conv.Store)) {
	case StoreMemory:
		logx.Warn().Msg("Using in-memory conversation store; threads are lost on restart")
		return repo.NewMemoryConversationRepository(), ok, nil

	case StoreSQLite, "":
		db, err := a.cfg.SQLite.Open()
		if err != nil {
			return nil, nil, err
		}
		store, err := repo.NewSQLiteConversationRepository(ctx, db, conv.Namespace)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		a.closers = append(a.closers, store.Close)
		logx.Info().Str("path", a.cfg.SQLite.Path).Msg("Using SQLite conversation store")
		return store, db.PingContext, nil

	case StoreSQLiteAsync, "sqlite_async":
		db, err := a.cfg.SQLite.Open()
		if err != nil {
			return nil, nil, err
		}
		store, err := repo.NewAsyncSQLiteConversationRepository(ctx, db, conv.Namespace, conv.Tools.AsyncQueue)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		a.closers = append(a.closers, store.Close)
		logx.Info().Str("path", a.cfg.SQLite.Path).Msg("Using async SQLite conversation store")
		return store, db.PingContext, nil

	case StoreRedis:
		ttl, err := conv.TTLDuration()
		if err != nil {
			return nil, nil, fmt.Errorf("invalid CONVERSATION_TTL %q: %w", conv.TTL, err)
		}
		rdb, err := a.cfg.Redis.New(ctx)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		logx.Info().Dur("ttl", ttl).Msg("Using Redis conversation store")
		return repo.NewRedisConversationRepository(rdb, conv.Namespace, ttl), func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown CONVERSATION_STORE %q", conv.Store)
	}
}

func (a *App) buildTools(ctx context.Context) (*tools.Registry, error) {
	timeout := time.Duration(a.cfg.Conversation.Tools.TimeoutInSec) * time.Second
	registry := tools.NewRegistry(tools.WithCallTimeout(timeout))
	a.closers = append(a.closers, registry.Close)

	if err := registry.Register(ctx, tools.GetLocalTools(a.cfg.Tools)...); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(a.cfg.Tools.ServersFile); path != "" {
		servers, err := tools.LoadServersFile(path)
		if err != nil {
			return nil, err
		}
		if err := tools.RegisterServers(ctx, registry, servers); err != nil {
			return nil, err
		}
	}

	infos, err := registry.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name)
	}
	logx.Info().Strs("tools", names).Msg("Tools registered")
	return registry, nil
}

// Close releases dependencies in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
