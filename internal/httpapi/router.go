// Package httpapi exposes the chat runner over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/threadchat/server/internal/agent/graph"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

type handlers struct {
	runner     graph.Runner
	newID      func() string
	retryAfter time.Duration
	health     map[string]HealthCheck
}

type Option func(*handlers)

// WithRetryAfter sets the Retry-After hint sent when the model is unavailable.
func WithRetryAfter(d time.Duration) Option {
	return func(h *handlers) { h.retryAfter = d }
}

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *handlers) { h.health[name] = check }
}

func withIDGenerator(f func() string) Option {
	return func(h *handlers) { h.newID = f }
}

func NewRouter(runner graph.Runner, opts ...Option) http.Handler {
	h := &handlers{
		runner:     runner,
		newID:      uuid.NewString,
		retryAfter: 5 * time.Second,
		health:     map[string]HealthCheck{},
	}
	for _, opt := range opts {
		opt(h)
	}

	r := mux.NewRouter()
	r.HandleFunc("/chat", h.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/threads", h.handleNewThread).Methods(http.MethodPost)
	r.HandleFunc("/threads", h.handleListThreads).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{thread_id}", h.handleConversation).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	return corsMiddleware(requestLoggingMiddleware(r))
}
