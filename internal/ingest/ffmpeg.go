package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/watchtower/internal/detect"
)

// FFmpegSource decodes a video URL with an ffmpeg child process that writes
// MJPEG frames to stdout. Frames carry no presentation timestamp, so the
// supervisor samples them by wall clock.
type FFmpegSource struct {
	Binary string  // defaults to "ffmpeg"
	URL    string  // rtsp://, http://, file path, ...
	FPS    float64 // decode rate handed to -vf fps; 0 keeps the source rate
	// ExtraInputArgs are placed before -i, e.g. "-rtsp_transport", "tcp".
	ExtraInputArgs []string
	// StopTimeout is how long Close waits after SIGTERM before killing.
	StopTimeout time.Duration
	// FirstFrameTimeout bounds how long Open waits for the first frame.
	// Defaults to 15s.
	FirstFrameTimeout time.Duration
}

// Args returns the ffmpeg argument list.
func (s *FFmpegSource) Args() []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, s.ExtraInputArgs...)
	args = append(args, "-i", s.URL, "-an")
	if s.FPS > 0 {
		args = append(args, "-vf", "fps="+strconv.FormatFloat(s.FPS, 'f', -1, 64))
	}
	return append(args, "-f", "image2pipe", "-c:v", "mjpeg", "-q:v", "5", "-")
}

// Open implements Source. The child counts as connected only once it has
// written a complete frame; an exit or timeout before that is an Open error
// so the supervisor backs off instead of cycling through Streaming.
func (s *FFmpegSource) Open(ctx context.Context) (Stream, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, s.Args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	st := &ffmpegStream{
		cmd:        cmd,
		frames:     NewFrameReader(stdout),
		timeout:    s.StopTimeout,
		done:       make(chan struct{}),
		stderrDone: make(chan struct{}),
	}
	if st.timeout <= 0 {
		st.timeout = 5 * time.Second
	}
	go st.drainStderr(stderr)

	wait := s.FirstFrameTimeout
	if wait <= 0 {
		wait = 15 * time.Second
	}
	firstCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	first, err := st.read(firstCtx)
	if err != nil {
		st.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("no frame from %s within %s", s.URL, wait)
		}
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("ffmpeg exited before the first frame (%s)", st.lastStderr())
		}
		return nil, err
	}
	st.pending = &first
	return st, nil
}

type ffmpegStream struct {
	cmd     *exec.Cmd
	frames  *FrameReader
	timeout time.Duration
	seq     int64
	pending *detect.Frame

	waitOnce   sync.Once
	done       chan struct{}
	stderrDone chan struct{}
	waitErr    error

	mu       sync.Mutex
	lastLine string
	closed   bool
}

// reap waits for the child in the background. Wait closes both pipes, so it
// only starts once reading is finished and stderr has drained or gone quiet
// for the stop timeout.
func (st *ffmpegStream) reap() {
	st.waitOnce.Do(func() {
		go func() {
			select {
			case <-st.stderrDone:
			case <-time.After(st.timeout):
			}
			st.waitErr = st.cmd.Wait()
			close(st.done)
		}()
	})
}

func (st *ffmpegStream) lastStderr() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.lastLine == "" {
		return "no output"
	}
	return st.lastLine
}

func (st *ffmpegStream) drainStderr(r io.Reader) {
	defer close(st.stderrDone)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		st.mu.Lock()
		st.lastLine = line
		st.mu.Unlock()
		logf("ffmpeg: %s", line)
	}
}

// Next implements Stream. Reads happen on the calling goroutine; cancelling
// ctx terminates the child, which unblocks the read.
func (st *ffmpegStream) Next(ctx context.Context) (detect.Frame, error) {
	if f := st.pending; f != nil {
		st.pending = nil
		return *f, nil
	}
	return st.read(ctx)
}

// read returns the next frame. When the child's output ends it reaps the
// process and reports a non-zero exit with the last stderr line; a clean
// exit is io.EOF.
func (st *ffmpegStream) read(ctx context.Context) (detect.Frame, error) {
	stop := context.AfterFunc(ctx, func() { st.Close() })
	defer stop()

	data, err := st.frames.Next()
	if err != nil {
		if ctx.Err() != nil {
			return detect.Frame{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			st.reap()
			<-st.done
			if st.waitErr != nil {
				return detect.Frame{}, fmt.Errorf("ffmpeg exited: %v (%s)", st.waitErr, st.lastStderr())
			}
			return detect.Frame{}, io.EOF
		}
		return detect.Frame{}, err
	}
	f := detect.Frame{Data: data, Seq: st.seq}
	st.seq++
	return f, nil
}

// Close terminates the child with SIGTERM, escalating to Kill after the
// stop timeout.
func (st *ffmpegStream) Close() error {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil
	}
	st.closed = true
	st.mu.Unlock()

	st.reap()
	select {
	case <-st.done:
		return nil
	default:
	}
	if err := st.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return st.cmd.Process.Kill()
	}
	select {
	case <-st.done:
		return nil
	case <-time.After(st.timeout):
		return st.cmd.Process.Kill()
	}
}
