// Package sinks forwards bus envelopes to external brokers. Each sink is
// fed from its own bus.Queue and drained on its own goroutine, so a slow or
// unreachable broker only drops its own envelopes.
package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/monitoring"
)

var logf = monitoring.Component("Sinks")

// sendTimeout bounds a single Send.
const sendTimeout = 5 * time.Second

// ErrUnknownKind is returned for envelopes a sink cannot route.
var ErrUnknownKind = errors.New("sinks: unknown envelope kind")

// Sink delivers envelopes to one external system.
type Sink interface {
	Name() string
	Send(ctx context.Context, env bus.Envelope) error
	Close() error
}

// Topic returns the per-kind routing suffix.
func Topic(kind bus.Kind) (string, error) {
	switch kind {
	case bus.KindDetection:
		return "detections", nil
	case bus.KindCritical:
		return "critical", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
}

// Encode returns the routing suffix and JSON payload for env.
func Encode(env bus.Envelope) (string, []byte, error) {
	topic, err := Topic(env.Kind)
	if err != nil {
		return "", nil, err
	}
	var payload interface{} = env.Detection
	if env.Kind == bus.KindCritical {
		payload = env.Critical
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	return topic, data, nil
}

// Run drains q into sink until ctx is cancelled. Keepalives are skipped and
// send failures are logged.
func Run(ctx context.Context, sink Sink, q *bus.Queue) {
	var sent, failed int64
	for {
		env, err := q.Next(ctx)
		if err != nil {
			logf("%s stopping: sent=%d failed=%d dropped=%d", sink.Name(), sent, failed, q.Dropped())
			return
		}
		if env.Kind == bus.KindKeepalive {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		err = sink.Send(sendCtx, env)
		cancel()
		if err != nil {
			failed++
			logf("%s: send %s %s: %v", sink.Name(), env.Kind, env.ID(), err)
			continue
		}
		sent++
	}
}

// Attach subscribes a queue for sink on b and drains it until ctx is
// cancelled. The returned channel closes once the sink is unsubscribed and
// closed.
func Attach(ctx context.Context, b *bus.Bus, sink Sink, queueSize int) <-chan struct{} {
	q := bus.NewQueue(queueSize, 0, nil)
	id := b.Subscribe(q.Handler())
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if err := sink.Close(); err != nil {
				logf("%s close: %v", sink.Name(), err)
			}
		}()
		defer b.Unsubscribe(id)
		Run(ctx, sink, q)
	}()
	logf("%s attached", sink.Name())
	return done
}
