package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/watchtower/internal/timeutil"
)

const (
	// DefaultQueueSize is the per-consumer buffer.
	DefaultQueueSize = 64
	// DefaultKeepalive is the silence after which Next yields a keepalive.
	DefaultKeepalive = 30 * time.Second
)

// Queue decouples a slow consumer from the publisher. Offer never blocks;
// envelopes that do not fit are dropped and counted.
type Queue struct {
	ch        chan Envelope
	keepalive time.Duration
	clock     timeutil.Clock
	dropped   atomic.Int64
}

// NewQueue returns a queue with the given buffer and keepalive interval.
// Zero values select the defaults; a nil clock uses the real clock.
func NewQueue(size int, keepalive time.Duration, clock timeutil.Clock) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if keepalive <= 0 {
		keepalive = DefaultKeepalive
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Queue{ch: make(chan Envelope, size), keepalive: keepalive, clock: clock}
}

// Offer enqueues env if there is room and reports whether it did.
func (q *Queue) Offer(env Envelope) bool {
	select {
	case q.ch <- env:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Handler adapts the queue to a bus subscriber. A full queue is not an
// error for the publisher.
func (q *Queue) Handler() Handler {
	return func(env Envelope) error {
		q.Offer(env)
		return nil
	}
}

// Next returns the next envelope, a keepalive envelope after the keepalive
// interval of silence, or ctx.Err().
func (q *Queue) Next(ctx context.Context) (Envelope, error) {
	select {
	case env := <-q.ch:
		return env, nil
	default:
	}

	timer := q.clock.NewTimer(q.keepalive)
	defer timer.Stop()
	select {
	case env := <-q.ch:
		return env, nil
	case at := <-timer.C():
		return Envelope{Kind: KindKeepalive, At: at}, nil
	case <-ctx.Done():
		return Envelope{}, ctx.Err()
	}
}

// Dropped returns the number of envelopes discarded by Offer.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int { return len(q.ch) }
