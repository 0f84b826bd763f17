// Package eventbus publishes committed conversation messages to NATS JetStream.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/nats-io/nats.go"

	logx "github.com/threadchat/server/pkg/logger"
	pkgnats "github.com/threadchat/server/pkg/nats"
)

// jetStream is the part of nats.JetStreamContext the publisher needs.
type jetStream interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// drainTimeout bounds how long Close waits for outstanding acks.
const drainTimeout = 5 * time.Second

// MessagePublisher feeds every committed message to a JetStream stream, one
// subject per thread: <prefix>.<thread_id>. Publishes do not wait for the
// stream ack; failed acks are logged by the connection's error handler.
type MessagePublisher struct {
	nc     *nats.Conn
	js     jetStream
	prefix string
	now    func() time.Time
}

// Connect dials NATS and makes sure the message stream exists.
func Connect(cfg pkgnats.Config) (*MessagePublisher, error) {
	nc, err := cfg.Connect()
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream(
		nats.PublishAsyncMaxPending(256),
		nats.PublishAsyncErrHandler(func(_ nats.JetStream, msg *nats.Msg, err error) {
			logx.Warn().Err(err).Str("subject", msg.Subject).Msg("EventBus: publish not acknowledged")
		}),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to initialize JetStream: %w", err)
	}
	p, err := NewMessagePublisher(js, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.nc = nc
	logx.Info().Str("url", cfg.URL).Str("stream", cfg.Stream).Msg("Connected to NATS")
	return p, nil
}

// NewMessagePublisher publishes through an existing JetStream context.
func NewMessagePublisher(js jetStream, cfg pkgnats.Config) (*MessagePublisher, error) {
	prefix := strings.TrimSuffix(strings.TrimSpace(cfg.SubjectPrefix), ".")
	if prefix == "" {
		return nil, errors.New("nats subject prefix is empty")
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		return nil, errors.New("nats stream name is empty")
	}
	maxAge := time.Duration(0)
	if cfg.MaxAge != "" {
		d, err := time.ParseDuration(cfg.MaxAge)
		if err != nil {
			return nil, fmt.Errorf("invalid NATS_MAX_AGE %q: %w", cfg.MaxAge, err)
		}
		maxAge = d
	}

	p := &MessagePublisher{js: js, prefix: prefix, now: time.Now}
	if err := p.ensureStream(cfg.Stream, maxAge); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MessagePublisher) ensureStream(name string, maxAge time.Duration) error {
	if _, err := p.js.StreamInfo(name); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", name, err)
	}

	_, err := p.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{p.prefix + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", name, err)
	}
	logx.Info().Str("stream", name).Str("subjects", p.prefix+".>").Msg("Created JetStream stream")
	return nil
}

// SubjectFor maps a thread id onto a single subject token. Bytes outside
// [A-Za-z0-9-] are written as _XX hex, so distinct ids never share a subject.
func (p *MessagePublisher) SubjectFor(threadID string) string {
	var b strings.Builder
	b.Grow(len(p.prefix) + 1 + len(threadID))
	b.WriteString(p.prefix)
	b.WriteByte('.')
	for i := 0; i < len(threadID); i++ {
		c := threadID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02X", c)
		}
	}
	return b.String()
}

// PublishMessage implements conversations.Publisher.
func (p *MessagePublisher) PublishMessage(ctx context.Context, threadID string, message *schema.Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	event := MessageCommitted{
		subject:     p.SubjectFor(threadID),
		ThreadID:    threadID,
		Role:        message.Role,
		Content:     message.Content,
		ToolCalls:   message.ToolCalls,
		ToolCallID:  message.ToolCallID,
		ToolName:    message.ToolName,
		CommittedAt: p.now().UTC(),
	}
	return p.Emit(ctx, event)
}

// Emit publishes any event on its own subject.
func (p *MessagePublisher) Emit(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := event.Subject()
	if _, err := p.js.PublishAsync(subject, data); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", subject, err)
	}
	logx.Debug().Str("subject", subject).Msg("EventBus: event emitted")
	return nil
}

func (p *MessagePublisher) IsConnected() bool {
	return p.nc != nil && p.nc.IsConnected()
}

// Close waits up to drainTimeout for outstanding acks, then drains the connection.
func (p *MessagePublisher) Close() error {
	select {
	case <-p.js.PublishAsyncComplete():
	case <-time.After(drainTimeout):
		logx.Warn().Msg("EventBus: closing with unacknowledged publishes")
	}
	if p.nc != nil {
		if err := p.nc.Drain(); err != nil {
			p.nc.Close()
			return err
		}
	}
	return nil
}
