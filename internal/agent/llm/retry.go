package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go/v3"
	"google.golang.org/genai"

	errx "github.com/threadchat/server/internal/core/error"
	logx "github.com/threadchat/server/pkg/logger"
)

// RetryConfig controls retries of model calls.
type RetryConfig struct {
	MaxAttempts int
	// Backoff is the wait before the second attempt; it doubles after each failure.
	Backoff     time.Duration
	ShouldRetry func(error) bool
}

// WrapModel retries transient model failures. Once attempts are exhausted the
// last error is surfaced as errx.ErrModelUnavailable.
func WrapModel(m einomodel.ToolCallingChatModel, cfg RetryConfig) einomodel.ToolCallingChatModel {
	if m == nil {
		return nil
	}
	return &retryModel{next: m, cfg: cfg}
}

type retryModel struct {
	next einomodel.ToolCallingChatModel
	cfg  RetryConfig
}

func (w *retryModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	return retry(ctx, w.cfg, func() (*schema.Message, error) {
		return w.next.Generate(ctx, input, opts...)
	})
}

func (w *retryModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return retry(ctx, w.cfg, func() (*schema.StreamReader[*schema.Message], error) {
		return w.next.Stream(ctx, input, opts...)
	})
}

func (w *retryModel) WithTools(tools []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	next, err := w.next.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &retryModel{next: next, cfg: w.cfg}, nil
}

// IsCallbacksEnabled defers to the wrapped model so callbacks fire exactly once.
func (w *retryModel) IsCallbacksEnabled() bool {
	if c, ok := w.next.(components.Checker); ok {
		return c.IsCallbacksEnabled()
	}
	return false
}

func (w *retryModel) GetType() string {
	if t, ok := w.next.(components.Typer); ok {
		return t.GetType()
	}
	return "RetryModel"
}

func retry[T any](ctx context.Context, cfg RetryConfig, call func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	attempts := normalizedAttempts(cfg.MaxAttempts)
	wait := cfg.Backoff
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := call()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !shouldRetry(ctx, cfg, err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		logx.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("model call failed; retrying")
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
			wait *= 2
		}
	}
	return zero, errx.ModelUnavailable(lastErr)
}

func normalizedAttempts(maxAttempts int) int {
	if maxAttempts < 1 {
		return 1
	}
	return maxAttempts
}

func shouldRetry(ctx context.Context, cfg RetryConfig, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if cfg.ShouldRetry == nil {
		return IsTransient(err)
	}
	return cfg.ShouldRetry(err)
}

// IsTransient reports whether a model error is worth retrying: network errors,
// timeouts, rate limits and server errors are; request and auth errors are not.
func IsTransient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if status, ok := providerStatus(err); ok {
		return transientStatus(status)
	}
	return true
}

// providerStatus extracts the HTTP status of an OpenAI or Gemini API error.
func providerStatus(err error) (int, bool) {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode, true
	}
	var gemErr genai.APIError
	if errors.As(err, &gemErr) {
		return gemErr.Code, true
	}
	var gemErrPtr *genai.APIError
	if errors.As(err, &gemErrPtr) && gemErrPtr != nil {
		return gemErrPtr.Code, true
	}
	return 0, false
}

func transientStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	}
	return true
}
