package nats

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	logx "github.com/threadchat/server/pkg/logger"
)

type Config struct {
	// URL enables the message feed when set.
	URL           string `split_words:"true"`
	SubjectPrefix string `split_words:"true" default:"threadchat.threads"`
	Stream        string `split_words:"true" default:"THREADCHAT_MESSAGES"`
	MaxAge        string `split_words:"true" default:"24h"`
}

// Enabled reports whether a NATS URL was configured.
func (c *Config) Enabled() bool {
	return c.URL != ""
}

func (c *Config) Connect() (*nats.Conn, error) {
	nc, err := nats.Connect(c.URL,
		nats.Name("threadchat"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logx.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logx.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}
