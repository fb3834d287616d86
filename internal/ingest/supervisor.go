// Package ingest keeps a video source connected and hands one frame per
// second of source time to a FrameHandler.
//
// The Supervisor walks Idle → Connecting → Streaming → (Disconnected |
// Crashed) → Connecting and back to Idle when stopped. Connection attempts
// use jittered exponential backoff; a dropped or crashed stream waits a
// fixed restart delay before reconnecting with a fresh attempt budget.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/watchtower/internal/detect"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

var logf = monitoring.Component("Supervisor")

// ErrConnectExhausted is returned by Run when every connection attempt in a
// backoff budget failed.
var ErrConnectExhausted = errors.New("ingest: connect attempts exhausted")

// Source opens a stream of frames.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Stream yields frames until io.EOF or an error.
type Stream interface {
	Next(ctx context.Context) (detect.Frame, error)
	Close() error
}

// FrameHandler consumes sampled frames. streamSec is monotonic across
// reconnects.
type FrameHandler interface {
	HandleFrame(ctx context.Context, f detect.Frame, streamSec int64) error
}

// TransitionRecorder persists state transitions. The session journal in
// internal/db implements it.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, component, from, to, detail string) error
}

// Config controls reconnection behaviour.
type Config struct {
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
	MaxConnectAttempts int
	RestartDelay       time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:     time.Second,
		MaxBackoff:         10 * time.Second,
		MaxConnectAttempts: 10,
		RestartDelay:       3 * time.Second,
	}
}

// Stats are supervisor counters.
type Stats struct {
	State           string     `json:"state"`
	FramesRead      int64      `json:"frames_read"`
	FramesSampled   int64      `json:"frames_sampled"`
	Sessions        int64      `json:"sessions"`
	Reconnects      int64      `json:"reconnects"`
	ConnectFailures int64      `json:"connect_failures"`
	LastError       string     `json:"last_error,omitempty"`
	StreamingSince  *time.Time `json:"streaming_since,omitempty"`
}

// Options carry optional collaborators.
type Options struct {
	Clock    timeutil.Clock
	Recorder TransitionRecorder
	// Jitter maps a backoff delay to the actual wait. Defaults to a uniform
	// draw from [d/2, d].
	Jitter func(d time.Duration) time.Duration
}

// Supervisor owns the ingestion loop.
type Supervisor struct {
	cfg     Config
	src     Source
	handler FrameHandler
	clock   timeutil.Clock
	rec     TransitionRecorder
	jitter  func(time.Duration) time.Duration

	mu     sync.Mutex
	state  State
	stats  Stats
	since  time.Time
	cancel context.CancelFunc

	timeline timeline
}

// NewSupervisor builds a supervisor. Zero config fields use DefaultConfig.
func NewSupervisor(cfg Config, src Source, handler FrameHandler, opts Options) *Supervisor {
	def := DefaultConfig()
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.InitialBackoff)
	}
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	s := &Supervisor{
		cfg:      cfg,
		src:      src,
		handler:  handler,
		clock:    opts.Clock,
		rec:      opts.Recorder,
		jitter:   opts.Jitter,
		timeline: timeline{last: -1},
	}
	if s.jitter == nil {
		s.jitter = s.defaultJitter
	}
	return s
}

// defaultJitter draws uniformly from [d/2, d], never below the initial
// backoff.
func (s *Supervisor) defaultJitter(d time.Duration) time.Duration {
	half := d / 2
	j := half + rand.N(d-half+1)
	if j < s.cfg.InitialBackoff {
		j = s.cfg.InitialBackoff
	}
	return j
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a copy of the counters.
func (s *Supervisor) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.State = s.state.String()
	if s.state == StateStreaming {
		since := s.since
		st.StreamingSince = &since
	}
	return st
}

// Stop asks a running supervisor to return to Idle at the next frame
// boundary or connect checkpoint. It is safe to call at any time.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run supervises the source until ctx is cancelled or Stop is called
// (returning nil) or a backoff budget is exhausted (returning an error
// wrapping ErrConnectExhausted).
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer cancel()

	for {
		stream, err := s.connect(ctx)
		if err != nil {
			s.setState(ctx, StateIdle, err.Error())
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.stats.Sessions++
		s.mu.Unlock()
		s.setState(ctx, StateStreaming, "")
		err = s.stream(ctx, stream)
		if cerr := stream.Close(); cerr != nil {
			logf("closing stream: %v", cerr)
		}

		if ctx.Err() != nil {
			s.setState(ctx, StateIdle, "stopped")
			return nil
		}

		next := StateCrashed
		if errors.Is(err, io.EOF) {
			next = StateDisconnected
		}
		s.mu.Lock()
		s.stats.Reconnects++
		s.stats.LastError = err.Error()
		s.mu.Unlock()
		logf("stream ended (%s): %v; reconnecting in %s", next, err, s.cfg.RestartDelay)
		s.setState(ctx, next, err.Error())

		if !s.sleep(ctx, s.cfg.RestartDelay) {
			s.setState(ctx, StateIdle, "stopped")
			return nil
		}
	}
}

// connect opens the source with jittered exponential backoff.
func (s *Supervisor) connect(ctx context.Context) (Stream, error) {
	delay := s.cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxConnectAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.setState(ctx, StateConnecting, fmt.Sprintf("attempt %d", attempt))

		stream, err := s.src.Open(ctx)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		s.mu.Lock()
		s.stats.ConnectFailures++
		s.stats.LastError = err.Error()
		s.mu.Unlock()

		if attempt == s.cfg.MaxConnectAttempts {
			break
		}
		wait := s.jitter(delay)
		logf("connect attempt %d/%d failed: %v; retrying in %s", attempt, s.cfg.MaxConnectAttempts, err, wait)
		if !s.sleep(ctx, wait) {
			return nil, ctx.Err()
		}
		delay = min(delay*2, s.cfg.MaxBackoff)
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrConnectExhausted, s.cfg.MaxConnectAttempts, lastErr)
}

// stream reads frames until the stream ends, the handler fails, or ctx is
// cancelled.
func (s *Supervisor) stream(ctx context.Context, stream Stream) error {
	s.timeline.startSession(s.clock)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		frame, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.stats.FramesRead++
		s.mu.Unlock()

		sec, ok := s.timeline.sample(frame, s.clock)
		if !ok {
			continue
		}
		s.mu.Lock()
		s.stats.FramesSampled++
		s.mu.Unlock()

		if err := s.dispatch(ctx, frame, sec); err != nil {
			return err
		}
	}
}

func (s *Supervisor) dispatch(ctx context.Context, f detect.Frame, sec int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("frame handler panic at %ds: %v", sec, r)
		}
	}()
	return s.handler.HandleFrame(ctx, f, sec)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	t := s.clock.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C():
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) setState(ctx context.Context, to State, detail string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if to == StateStreaming {
		s.since = s.clock.Now()
	}
	s.mu.Unlock()

	if from == to {
		return
	}
	if s.rec != nil {
		if err := s.rec.RecordTransition(context.WithoutCancel(ctx), "ingest", from.String(), to.String(), detail); err != nil {
			logf("recording transition %s → %s: %v", from, to, err)
		}
	}
}
