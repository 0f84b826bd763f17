package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/threadchat/server/internal/agent/model"
	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

// handleChat runs one turn and streams its events as server-sent events. The
// first event is read before any header is written, so a turn that fails
// immediately still gets a JSON error with a proper status.
func (h *handlers) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeInvalidRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.ThreadID) == "" {
		writeInvalidRequest(w, "thread_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorCodeInternal, "streaming is unsupported by response writer")
		return
	}

	sr, err := h.runner.Stream(r.Context(), model.TurnInput{ThreadID: req.ThreadID, Query: req.Message})
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	defer sr.Close()

	first, err := sr.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errx.New(err, http.StatusInternalServerError, "turn produced no output")
		}
		h.writeMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	log := logx.Thread(req.ThreadID)
	ev := first
	for {
		if err := writeSSE(w, flusher, ev); err != nil {
			log.Debug().Err(err).Msg("client went away")
			return
		}
		ev, err = sr.Recv()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("turn failed mid-stream")
			_ = writeSSE(w, flusher, model.TurnEvent{
				Type:     model.EventError,
				ThreadID: req.ThreadID,
				Error:    errx.MessageOf(err),
			})
			return
		}
	}
}

func writeSSE(w io.Writer, flusher http.Flusher, ev model.TurnEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
