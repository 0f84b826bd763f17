package repo

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	errx "github.com/threadchat/server/internal/core/error"
)

const DefaultNamespace = "default"

func normalizeNamespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}

func validateThreadID(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return errx.InvalidInput("thread id is empty")
	}
	return nil
}

// encodeMessage serializes a message for storage. Stores keep only the encoded
// form, so callers can never mutate a committed message through a shared pointer.
func encodeMessage(threadID string, message *schema.Message) ([]byte, error) {
	if err := validateThreadID(threadID); err != nil {
		return nil, err
	}
	if message == nil {
		return nil, errx.InvalidInput("message is nil")
	}
	if message.Role == "" {
		return nil, errx.InvalidInput("message role is empty")
	}
	b, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	return b, nil
}

func decodeMessage(b []byte, index int) (*schema.Message, error) {
	var m schema.Message
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal message at index %d: %w", index, err)
	}
	return &m, nil
}
