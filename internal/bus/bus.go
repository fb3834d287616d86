// Package bus fans detection events and critical alerts out to subscribers.
//
// Publishing is synchronous: handlers run on the publisher's goroutine, so a
// handler that may block should hand envelopes to a Queue and drain it on
// its own goroutine.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/monitoring"
)

var logf = monitoring.Component("Bus")

// Kind discriminates envelope payloads.
type Kind string

const (
	KindDetection Kind = "detection"
	KindCritical  Kind = "critical_alert"
	KindKeepalive Kind = "keepalive"
)

// Envelope carries one published item.
type Envelope struct {
	Kind      Kind                   `json:"type"`
	Detection *events.DetectionEvent `json:"detection,omitempty"`
	Critical  *events.CriticalAlert  `json:"critical_alert,omitempty"`
	At        time.Time              `json:"at"`
}

// ID returns the payload id, or "" for keepalives.
func (e Envelope) ID() string {
	switch {
	case e.Detection != nil:
		return e.Detection.ID
	case e.Critical != nil:
		return e.Critical.ID
	}
	return ""
}

// Handler receives envelopes. Errors are logged by the bus.
type Handler func(Envelope) error

// Bus is a registry of subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string

	published int64
	failures  int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers h and returns its subscription id.
func (b *Bus) Subscribe(h Handler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
	b.order = append(b.order, id)
	return id
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[id]; !ok {
		return
	}
	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Subscribers returns the number of registered handlers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// PublishDetection delivers ev to every subscriber.
func (b *Bus) PublishDetection(ev events.DetectionEvent) {
	b.publish(Envelope{Kind: KindDetection, Detection: &ev, At: ev.Wallclock})
}

// PublishCritical delivers a to every subscriber.
func (b *Bus) PublishCritical(a events.CriticalAlert) error {
	b.publish(Envelope{Kind: KindCritical, Critical: &a, At: a.Timestamp})
	return nil
}

func (b *Bus) publish(env Envelope) {
	b.mu.Lock()
	b.published++
	handlers := make([]Handler, 0, len(b.order))
	ids := make([]string, 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for i, h := range handlers {
		if err := deliver(h, env); err != nil {
			b.mu.Lock()
			b.failures++
			b.mu.Unlock()
			logf("subscriber %s failed on %s %s: %v", ids[i], env.Kind, env.ID(), err)
		}
	}
}

func deliver(h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(env)
}

// Stats reports publish and failure counts.
func (b *Bus) Stats() (published, failures int64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.published, b.failures
}
