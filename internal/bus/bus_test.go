package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestPublish_FailingSubscribersIsolated(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe(func(Envelope) error { panic("bad subscriber") })
	b.Subscribe(func(Envelope) error { return errors.New("closed socket") })
	b.Subscribe(func(env Envelope) error {
		got = append(got, env.ID())
		return nil
	})

	b.PublishDetection(events.DetectionEvent{ID: "ev-1"})
	require.NoError(t, b.PublishCritical(events.CriticalAlert{ID: "al-1"}))

	assert.Equal(t, []string{"ev-1", "al-1"}, got)
	published, failures := b.Stats()
	assert.Equal(t, int64(2), published)
	assert.Equal(t, int64(4), failures)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	b := New()
	var calls int
	id := b.Subscribe(func(Envelope) error { calls++; return nil })
	assert.Equal(t, 1, b.Subscribers())

	b.PublishDetection(events.DetectionEvent{})
	b.Unsubscribe(id)
	b.Unsubscribe(id)
	b.PublishDetection(events.DetectionEvent{})

	assert.Equal(t, 1, calls)
	assert.Zero(t, b.Subscribers())
}

func TestPublish_HandlerMayUnsubscribeDuringDelivery(t *testing.T) {
	b := New()
	var id string
	id = b.Subscribe(func(Envelope) error {
		b.Unsubscribe(id)
		return nil
	})
	b.PublishDetection(events.DetectionEvent{})
	assert.Zero(t, b.Subscribers())
}

func TestPublish_ConcurrentSubscribe(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := b.Subscribe(func(Envelope) error { return nil })
			b.Unsubscribe(id)
		}()
		go func() {
			defer wg.Done()
			b.PublishDetection(events.DetectionEvent{})
		}()
	}
	wg.Wait()
	published, _ := b.Stats()
	assert.Equal(t, int64(8), published)
}

func TestEnvelopeKinds(t *testing.T) {
	b := New()
	var kinds []Kind
	b.Subscribe(func(env Envelope) error {
		kinds = append(kinds, env.Kind)
		return nil
	})
	b.PublishDetection(events.DetectionEvent{ID: "d"})
	b.PublishCritical(events.CriticalAlert{ID: "c"})
	assert.Equal(t, []Kind{KindDetection, KindCritical}, kinds)
	assert.Equal(t, "", Envelope{Kind: KindKeepalive}.ID())
}

func TestQueue_OfferDropsWhenFull(t *testing.T) {
	q := NewQueue(2, time.Second, nil)
	assert.True(t, q.Offer(Envelope{Kind: KindDetection}))
	assert.True(t, q.Offer(Envelope{Kind: KindDetection}))
	assert.False(t, q.Offer(Envelope{Kind: KindDetection}))
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())
}

func TestQueue_NextReturnsBuffered(t *testing.T) {
	q := NewQueue(4, time.Hour, nil)
	q.Handler()(Envelope{Kind: KindCritical, Critical: &events.CriticalAlert{ID: "x"}})

	env, err := q.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", env.ID())
}

func TestQueue_KeepaliveAfterSilence(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := NewQueue(4, 30*time.Second, clock)

	done := make(chan Envelope, 1)
	go func() {
		env, _ := q.Next(context.Background())
		done <- env
	}()

	clock.BlockUntil(1)
	clock.Advance(29 * time.Second)
	select {
	case <-done:
		t.Fatal("keepalive fired early")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Second)
	select {
	case env := <-done:
		assert.Equal(t, KindKeepalive, env.Kind)
	case <-time.After(time.Second):
		t.Fatal("no keepalive after interval")
	}
}

func TestQueue_NextHonoursContext(t *testing.T) {
	q := NewQueue(1, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
