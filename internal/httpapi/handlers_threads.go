package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	logx "github.com/threadchat/server/pkg/logger"
)

// handleNewThread hands out a fresh id. The thread exists once its first message is saved.
func (h *handlers) handleNewThread(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, threadResponse{ThreadID: h.newID()})
}

func (h *handlers) handleListThreads(w http.ResponseWriter, r *http.Request) {
	threads, err := h.runner.Threads(r.Context())
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	if threads == nil {
		threads = []string{}
	}
	writeJSON(w, http.StatusOK, threadsResponse{Threads: threads})
}

func (h *handlers) handleConversation(w http.ResponseWriter, r *http.Request) {
	threadID := mux.Vars(r)["thread_id"]
	transcript := false
	if raw := r.URL.Query().Get("transcript"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeInvalidRequest(w, "transcript must be a boolean")
			return
		}
		transcript = v
	}

	history, err := h.runner.History(r.Context(), threadID, transcript)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{
		ThreadID: threadID,
		Messages: toMessageResponses(history),
	})
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.health))
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			logx.Warn().Err(err).Str("dependency", name).Msg("health check failed")
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}
