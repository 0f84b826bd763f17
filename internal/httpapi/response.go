package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/cloudwego/eino/schema"

	errx "github.com/threadchat/server/internal/core/error"
)

const maxRequestBodyBytes = 1 << 20

const (
	errorCodeInvalidRequest   = "invalid_request"
	errorCodeModelUnavailable = "model_unavailable"
	errorCodePersistence      = "persistence_write_failed"
	errorCodeMalformedTool    = "malformed_tool_call"
	errorCodeInternal         = "internal_error"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type chatRequest struct {
	ThreadID string `json:"thread_id"`
	Message  string `json:"message"`
}

type threadResponse struct {
	ThreadID string `json:"thread_id"`
}

type threadsResponse struct {
	Threads []string `json:"threads"`
}

type messageResponse struct {
	Role       schema.RoleType   `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []schema.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
}

type conversationResponse struct {
	ThreadID string            `json:"thread_id"`
	Messages []messageResponse `json:"messages"`
}

func toMessageResponses(history []*schema.Message) []messageResponse {
	out := make([]messageResponse, 0, len(history))
	for _, m := range history {
		if m == nil {
			continue
		}
		out = append(out, messageResponse{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			ToolName:   m.ToolName,
		})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}

func writeInvalidRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, errorCodeInvalidRequest, message)
}

// writeMappedError renders err with the status it carries. Model outages get a
// Retry-After hint.
func (h *handlers) writeMappedError(w http.ResponseWriter, err error) {
	code := errorCodeOf(err)
	if code == errorCodeModelUnavailable && h.retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.retryAfter.Seconds())))
	}
	message := errx.MessageOf(err)
	if code == errorCodeInvalidRequest {
		message = err.Error()
	}
	writeError(w, errx.StatusOf(err), code, message)
}

func errorCodeOf(err error) string {
	switch {
	case errors.Is(err, errx.ErrInvalidInput):
		return errorCodeInvalidRequest
	case errors.Is(err, errx.ErrModelUnavailable):
		return errorCodeModelUnavailable
	case errors.Is(err, errx.ErrPersistenceWrite):
		return errorCodePersistence
	case errors.Is(err, errx.ErrMalformedToolCall):
		return errorCodeMalformedTool
	default:
		return errorCodeInternal
	}
}

func decodeJSONBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain exactly one JSON object")
	}

	return nil
}
