package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

type fakeStream struct {
	mu     sync.Mutex
	frames []detect.Frame
	endErr error // returned after frames run out; nil blocks until ctx is done
	i      int
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (detect.Frame, error) {
	s.mu.Lock()
	if s.i < len(s.frames) {
		f := s.frames[s.i]
		s.i++
		s.mu.Unlock()
		return f, nil
	}
	endErr := s.endErr
	s.mu.Unlock()
	if endErr != nil {
		return detect.Frame{}, endErr
	}
	<-ctx.Done()
	return detect.Frame{}, ctx.Err()
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeSource struct {
	mu      sync.Mutex
	opens   int
	fail    int // number of leading Open calls that fail
	streams []*fakeStream
}

func (s *fakeSource) Open(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opens++
	if s.opens <= s.fail {
		return nil, errors.New("connection refused")
	}
	if len(s.streams) == 0 {
		return &fakeStream{}, nil
	}
	st := s.streams[0]
	s.streams = s.streams[1:]
	return st, nil
}

type recordingHandler struct {
	mu      sync.Mutex
	secs    []int64
	panicAt int64
	notify  chan int64
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{panicAt: -1, notify: make(chan int64, 64)}
}

func (h *recordingHandler) HandleFrame(ctx context.Context, f detect.Frame, sec int64) error {
	h.mu.Lock()
	h.secs = append(h.secs, sec)
	panicAt := h.panicAt
	h.mu.Unlock()
	h.notify <- sec
	if sec == panicAt {
		panic("model exploded")
	}
	return nil
}

func (h *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.notify:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d of %d", i+1, n)
		}
	}
}

func (h *recordingHandler) seen() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int64(nil), h.secs...)
}

type transition struct{ from, to string }

type recordingRecorder struct {
	mu   sync.Mutex
	seen []transition
}

func (r *recordingRecorder) RecordTransition(ctx context.Context, component, from, to, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, transition{from, to})
	return nil
}

func (r *recordingRecorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.seen {
		out = append(out, t.to)
	}
	return out
}

func fastConfig() Config {
	return Config{
		InitialBackoff:     time.Millisecond,
		MaxBackoff:         3 * time.Millisecond,
		MaxConnectAttempts: 4,
		RestartDelay:       time.Millisecond,
	}
}

func ptsFrames(pts ...float64) []detect.Frame {
	out := make([]detect.Frame, len(pts))
	for i, p := range pts {
		out[i] = detect.Frame{PTS: p, HasPTS: true, Seq: int64(i)}
	}
	return out
}

func TestRun_ConnectExhausted(t *testing.T) {
	src := &fakeSource{fail: 100}
	var delays []time.Duration
	s := NewSupervisor(fastConfig(), src, newRecordingHandler(), Options{
		Jitter: func(d time.Duration) time.Duration {
			delays = append(delays, d)
			return d
		},
	})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, ErrConnectExhausted)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, delays)
	assert.Equal(t, 4, src.opens)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, int64(4), s.Stats().ConnectFailures)
}

func TestRun_RecoversAfterTransientConnectFailures(t *testing.T) {
	src := &fakeSource{fail: 2, streams: []*fakeStream{{frames: ptsFrames(0)}}}
	h := newRecordingHandler()
	s := NewSupervisor(fastConfig(), src, h, Options{})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	h.waitFor(t, 1)
	assert.Equal(t, StateStreaming, s.State())

	s.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 3, src.opens)
}

func TestRun_SamplesOncePerSecond(t *testing.T) {
	src := &fakeSource{streams: []*fakeStream{{frames: ptsFrames(0, 0.4, 0.9, 1.1, 1.5, 2.5, 2.7)}}}
	h := newRecordingHandler()
	s := NewSupervisor(fastConfig(), src, h, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	h.waitFor(t, 3)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2}, h.seen())
	st := s.Stats()
	assert.Equal(t, int64(7), st.FramesRead)
	assert.Equal(t, int64(3), st.FramesSampled)
}

func TestRun_ReconnectsAfterEOFWithMonotonicSeconds(t *testing.T) {
	first := &fakeStream{frames: ptsFrames(0, 1), endErr: io.EOF}
	second := &fakeStream{frames: ptsFrames(0, 1)}
	src := &fakeSource{streams: []*fakeStream{first, second}}
	h := newRecordingHandler()
	rec := &recordingRecorder{}
	s := NewSupervisor(fastConfig(), src, h, Options{Recorder: rec})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	h.waitFor(t, 4)
	s.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2, 3}, h.seen())
	assert.True(t, first.closed)
	assert.True(t, second.closed)
	assert.Equal(t, int64(1), s.Stats().Reconnects)
	assert.Equal(t, int64(2), s.Stats().Sessions)
	assert.Equal(t, []string{"connecting", "streaming", "disconnected", "connecting", "streaming", "idle"}, rec.states())
}

func TestRun_HandlerPanicCrashesAndRecovers(t *testing.T) {
	first := &fakeStream{frames: ptsFrames(0, 1, 2)}
	second := &fakeStream{frames: ptsFrames(0)}
	src := &fakeSource{streams: []*fakeStream{first, second}}
	h := newRecordingHandler()
	h.panicAt = 1
	rec := &recordingRecorder{}
	s := NewSupervisor(fastConfig(), src, h, Options{Recorder: rec})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	h.waitFor(t, 3)
	s.Stop()
	require.NoError(t, <-done)

	assert.Equal(t, []int64{0, 1, 2}, h.seen())
	assert.Contains(t, rec.states(), "crashed")
	assert.Contains(t, s.Stats().LastError, "panic")
}

func TestStop_DuringBackoff(t *testing.T) {
	src := &fakeSource{fail: 100}
	cfg := fastConfig()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	s := NewSupervisor(cfg, src, newRecordingHandler(), Options{})

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.Eventually(t, func() bool { return s.Stats().ConnectFailures == 1 }, 2*time.Second, time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt backoff")
	}
	assert.Equal(t, StateIdle, s.State())
}

func TestDefaultJitter(t *testing.T) {
	s := NewSupervisor(DefaultConfig(), &fakeSource{}, newRecordingHandler(), Options{})
	for i := 0; i < 200; i++ {
		j := s.defaultJitter(8 * time.Second)
		if j < 4*time.Second || j > 8*time.Second {
			t.Fatalf("jitter %v outside [4s, 8s]", j)
		}
		if j := s.defaultJitter(time.Second); j != time.Second {
			t.Fatalf("jitter below initial backoff: %v", j)
		}
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "crashed", StateCrashed.String())
	assert.Equal(t, "unknown", State(42).String())
}
