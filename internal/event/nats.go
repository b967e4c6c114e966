package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink forwards bus events to NATS subjects named <prefix>.<kind>, so
// services outside this process can follow session, adapter and chat activity.
type NATSSink struct {
	conn   Publisher
	prefix string
	logger *slog.Logger
	close  func()
}

// DialNATS connects to url and returns a sink publishing under prefix.
func DialNATS(url, prefix string, logger *slog.Logger) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("streamhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	sink := NewNATSSink(conn, prefix, logger)
	sink.close = func() {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	return sink, nil
}

func NewNATSSink(conn Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = "streamhub.events"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{conn: conn, prefix: prefix, logger: logger}
}

// Run forwards events until ctx is cancelled or the channel closes.
func (s *NATSSink) Run(ctx context.Context, events <-chan Event) {
	defer func() {
		if s.close != nil {
			s.close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Forward(ev); err != nil {
				s.logger.Warn("Failed to forward event to NATS", "type", ev.Kind, "error", err)
			}
		}
	}
}

func (s *NATSSink) Forward(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return s.conn.Publish(s.prefix+"."+string(ev.Kind), data)
}
