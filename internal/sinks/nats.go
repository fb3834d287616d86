package sinks

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/banshee-data/watchtower/internal/bus"
)

// natsConn is the subset of *nats.Conn the sink uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSSink publishes JSON payloads to <prefix>.detections and
// <prefix>.critical.
type NATSSink struct {
	conn   natsConn
	prefix string
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(conn natsConn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "watchtower"
	}
	return &NATSSink{conn: conn, prefix: prefix}
}

// DialNATS connects with unlimited reconnects.
func DialNATS(url, prefix string) (*NATSSink, error) {
	conn, err := nats.Connect(url,
		nats.Name("watchtower-alerts"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logf("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logf("NATS connected to %s", url)
	return NewNATSSink(conn, prefix), nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Send implements Sink.
func (s *NATSSink) Send(ctx context.Context, env bus.Envelope) error {
	topic, data, err := Encode(env)
	if err != nil {
		return err
	}
	subject := s.prefix + "." + topic
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error { return s.conn.Drain() }
