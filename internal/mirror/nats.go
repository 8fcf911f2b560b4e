// Package mirror republishes accepted messages to NATS so other systems
// can follow the relay without holding a channel connection.
package mirror

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/fanout"
	"chatrelay/internal/storage"
	logx "chatrelay/pkg/logx"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "chatrelay.messages"

type Config struct {
	URL     string
	Subject string
	Timeout time.Duration // connect timeout
}

// NATSSink is a fanout.Sink backed by core NATS publish, which buffers
// locally and never waits for the server.
type NATSSink struct {
	nc      *nats.Conn
	subject string
	log     logx.Logger
}

var _ fanout.Sink = (*NATSSink)(nil)

func Dial(cfg Config, log logx.Logger) (*NATSSink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		subject = DefaultSubject
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	log = log.With(logx.String("comp", "mirror"))

	nc, err := nats.Connect(url,
		nats.Name("chatrelay"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", logx.Err(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", logx.String("url", c.ConnectedUrlRedacted()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Warn("nats async error", logx.Err(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info("mirroring messages", logx.String("subject", subject))
	return &NATSSink{nc: nc, subject: subject, log: log}, nil
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Publish(msg storage.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %d: %w", msg.ID, err)
	}
	if err := s.nc.Publish(s.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", s.subject, err)
	}
	return nil
}

// Close flushes buffered publishes, then disconnects.
func (s *NATSSink) Close() error {
	if s == nil || s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	if err != nil {
		s.nc.Close()
	}
	return err
}
