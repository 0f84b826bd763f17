package errx

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// SystemErrorMessage is a user-facing fallback when internal errors occur.
	SystemErrorMessage = "internal server error"
	// RedisErrorMessage describes Redis related failures.
	RedisErrorMessage = "redis operation failed"
	// RedisNotFoundMessage describes a missing Redis key.
	RedisNotFoundMessage = "redis key not found"
	// SQLiteErrorMessage describes SQLite related failures.
	SQLiteErrorMessage = "sqlite operation failed"

	ModelUnavailableMessage  = "language model is temporarily unavailable, retry later"
	PersistenceFailedMessage = "conversation could not be saved"
	MalformedToolCallMessage = "model produced an inconsistent tool call exchange"
	InvalidInputMessage      = "invalid request"
)

// Error kinds of the conversation engine. Match them with errors.Is.
var (
	ErrModelUnavailable  = errors.New("model unavailable")
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolExecution     = errors.New("tool execution failed")
	ErrPersistenceWrite  = errors.New("persistence write failed")
	ErrMalformedToolCall = errors.New("malformed tool call response")
	ErrInvalidInput      = errors.New("invalid input")
)

// AppError wraps an underlying error with an HTTP status and safe message.
type AppError struct {
	Err     error
	Status  int
	Message string
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the provided information.
func New(err error, status int, message string) *AppError {
	return &AppError{
		Err:     err,
		Status:  status,
		Message: message,
	}
}

// Is reports whether the target matches the underlying error or the AppError itself.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// As allows casting to AppError or the wrapped error in a chain.
func (e *AppError) As(target any) bool {
	if errors.As(e.Err, target) {
		return true
	}
	if t, ok := target.(**AppError); ok {
		*t = e
		return true
	}
	return false
}

// ModelUnavailable marks err as a transient model failure the caller should retry.
func ModelUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return New(fmt.Errorf("%w: %w", ErrModelUnavailable, err), http.StatusServiceUnavailable, ModelUnavailableMessage)
}

// PersistenceWrite marks err as a failed durable append; the current turn must fail.
func PersistenceWrite(err error) error {
	if err == nil {
		return nil
	}
	return New(fmt.Errorf("%w: %w", ErrPersistenceWrite, err), http.StatusInternalServerError, PersistenceFailedMessage)
}

// MalformedToolCall reports a protocol violation in the tool call exchange.
func MalformedToolCall(format string, args ...any) error {
	return New(fmt.Errorf("%w: %s", ErrMalformedToolCall, fmt.Sprintf(format, args...)), http.StatusBadGateway, MalformedToolCallMessage)
}

// InvalidInput reports a caller mistake.
func InvalidInput(format string, args ...any) error {
	return New(fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)), http.StatusBadRequest, InvalidInputMessage)
}

// ToolNotFound is returned by the tool registry for unknown names.
func ToolNotFound(name string) error {
	return fmt.Errorf("%w: %q", ErrToolNotFound, name)
}

// ToolExecution wraps a failure raised by a tool implementation.
func ToolExecution(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrToolExecution, name, err)
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Status != 0 {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns a message safe to show to clients.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return SystemErrorMessage
}
