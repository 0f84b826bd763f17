// Package client talks to the threadchat HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/threadchat/server/internal/agent/model"
)

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
}

// Message is one entry of a thread as returned by the server.
type Message struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolCalls  []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls,omitempty"`
}

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// NewThread asks the server for a fresh thread id.
func (c *Client) NewThread(ctx context.Context) (string, error) {
	var out struct {
		ThreadID string `json:"thread_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/threads", nil, &out); err != nil {
		return "", err
	}
	return out.ThreadID, nil
}

// Threads lists thread ids, most recently created first.
func (c *Client) Threads(ctx context.Context) ([]string, error) {
	var out struct {
		Threads []string `json:"threads"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads", nil, &out); err != nil {
		return nil, err
	}
	return out.Threads, nil
}

func (c *Client) History(ctx context.Context, threadID string, transcript bool) ([]Message, error) {
	path := "/conversations/" + url.PathEscape(threadID)
	if transcript {
		path += "?transcript=true"
	}
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Chat sends one message and calls onEvent for every streamed event. It
// returns the final assistant text.
func (c *Client) Chat(ctx context.Context, threadID, message string, onEvent func(model.TurnEvent)) (string, error) {
	body, err := json.Marshal(model.TurnInput{ThreadID: threadID, Query: message})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", decodeError(resp)
	}

	reader := newEventReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return "", errors.New("stream ended before the turn finished")
		}
		if err != nil {
			return "", err
		}
		if onEvent != nil {
			onEvent(ev)
		}
		switch ev.Type {
		case model.EventDone:
			return ev.Content, nil
		case model.EventError:
			return "", &APIError{Status: http.StatusOK, Code: "turn_failed", Message: ev.Error}
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(raw))
	return apiErr
}
