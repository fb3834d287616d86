// Package transcode keeps an ffmpeg process producing an HLS playlist from
// the camera feed for browser playback. It runs independently of detection:
// a transcoder crash never interrupts ingestion and vice versa.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/watchtower/internal/fsutil"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/timeutil"
)

var logf = monitoring.Component("Transcoder")

var (
	// ErrNoInput is returned by Validate when no input URL is configured.
	ErrNoInput = errors.New("transcode: input url is required")
	// ErrNoOutputDir is returned by Validate when no output directory is set.
	ErrNoOutputDir = errors.New("transcode: output directory is required")
)

// Issue classifies an ffmpeg stderr line.
type Issue string

const (
	IssueNone          Issue = ""
	IssueSourceOffline Issue = "source_offline"
	IssueBadStream     Issue = "bad_stream"
)

// Classify maps a stderr line to a known failure class.
func Classify(line string) Issue {
	switch {
	case strings.Contains(line, "Connection refused"), strings.Contains(line, "No route to host"):
		return IssueSourceOffline
	case strings.Contains(line, "Invalid data found"):
		return IssueBadStream
	}
	return IssueNone
}

// Config configures the HLS output.
type Config struct {
	Binary         string
	InputURL       string
	OutputDir      string
	Playlist       string
	SegmentSeconds int
	ListSize       int
	RestartDelay   time.Duration
	StopTimeout    time.Duration
}

// DefaultConfig returns production defaults without an input.
func DefaultConfig() Config {
	return Config{
		Binary:         "ffmpeg",
		OutputDir:      "hls",
		Playlist:       "stream.m3u8",
		SegmentSeconds: 2,
		ListSize:       5,
		RestartDelay:   3 * time.Second,
		StopTimeout:    5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Binary == "" {
		c.Binary = def.Binary
	}
	if c.Playlist == "" {
		c.Playlist = def.Playlist
	}
	if c.SegmentSeconds <= 0 {
		c.SegmentSeconds = def.SegmentSeconds
	}
	if c.ListSize <= 0 {
		c.ListSize = def.ListSize
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = def.RestartDelay
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	return c
}

// PlaylistPath returns the playlist location.
func (c Config) PlaylistPath() string {
	c = c.withDefaults()
	return filepath.Join(c.OutputDir, c.Playlist)
}

// Args returns the ffmpeg arguments.
func (c Config) Args() []string {
	c = c.withDefaults()
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
		"-i", c.InputURL,
		"-c:v", "libx264",
		"-c:a", "aac",
		"-preset", "veryfast",
		"-g", "30",
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", strconv.Itoa(c.SegmentSeconds),
		"-hls_list_size", strconv.Itoa(c.ListSize),
		"-hls_delete_threshold", "1",
		"-hls_flags", "delete_segments+append_list",
		"-y", c.PlaylistPath(),
	}
}

// Validate reports configuration errors that make starting pointless.
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.InputURL == "" {
		return ErrNoInput
	}
	if c.OutputDir == "" {
		return ErrNoOutputDir
	}
	if _, err := exec.LookPath(c.Binary); err != nil {
		return fmt.Errorf("transcode: %s not found: %w", c.Binary, err)
	}
	return nil
}

// Recorder receives process lifecycle transitions.
type Recorder interface {
	RecordTransition(ctx context.Context, component, from, to, detail string) error
}

// Options carry optional collaborators.
type Options struct {
	Clock    timeutil.Clock
	FS       fsutil.FileSystem
	Recorder Recorder
}

// Status is a snapshot of the transcoder.
type Status struct {
	Running        bool       `json:"running"`
	PID            int        `json:"pid,omitempty"`
	Restarts       int64      `json:"restarts"`
	LastExit       string     `json:"last_exit,omitempty"`
	LastIssue      Issue      `json:"last_issue,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	PlaylistPath   string     `json:"playlist_path"`
	PlaylistExists bool       `json:"playlist_exists"`
}

// Transcoder supervises the ffmpeg HLS process.
type Transcoder struct {
	cfg   Config
	clock timeutil.Clock
	fs    fsutil.FileSystem
	rec   Recorder

	mu     sync.Mutex
	status Status
}

// New returns a transcoder. Call Config.Validate first.
func New(cfg Config, opts Options) *Transcoder {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	cfg = cfg.withDefaults()
	return &Transcoder{
		cfg:    cfg,
		clock:  opts.Clock,
		fs:     opts.FS,
		rec:    opts.Recorder,
		status: Status{PlaylistPath: cfg.PlaylistPath()},
	}
}

// Status returns a snapshot.
func (t *Transcoder) Status() Status {
	t.mu.Lock()
	s := t.status
	t.mu.Unlock()
	s.PlaylistExists = t.fs.Exists(s.PlaylistPath)
	return s
}

// Run keeps ffmpeg running until ctx is cancelled, restarting it after
// RestartDelay whenever it exits. On cancellation the child gets SIGTERM
// and is killed if it has not exited after StopTimeout.
func (t *Transcoder) Run(ctx context.Context) error {
	if err := t.fs.MkdirAll(t.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create hls dir: %w", err)
	}
	for {
		err := t.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		t.mu.Lock()
		t.status.Restarts++
		t.mu.Unlock()
		logf("ffmpeg exited: %v; restarting in %s", err, t.cfg.RestartDelay)

		timer := t.clock.NewTimer(t.cfg.RestartDelay)
		select {
		case <-timer.C():
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (t *Transcoder) runOnce(ctx context.Context) error {
	cmd := exec.Command(t.cfg.Binary, t.cfg.Args()...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		t.exited(ctx, err)
		return err
	}

	started := t.clock.Now()
	t.mu.Lock()
	t.status.Running = true
	t.status.PID = cmd.Process.Pid
	t.status.StartedAt = &started
	t.mu.Unlock()
	t.record(ctx, "stopped", "running", fmt.Sprintf("pid %d", cmd.Process.Pid))
	logf("started ffmpeg pid %d writing %s", cmd.Process.Pid, t.cfg.PlaylistPath())

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		t.monitor(stderr)
	}()

	exit := make(chan error, 1)
	go func() {
		<-stderrDone
		exit <- cmd.Wait()
	}()

	select {
	case err := <-exit:
		t.exited(ctx, err)
		if err == nil {
			return errors.New("exited cleanly")
		}
		return err
	case <-ctx.Done():
		err := t.stop(cmd, exit)
		t.exited(ctx, err)
		return err
	}
}

// stop sends SIGTERM and escalates to Kill after StopTimeout.
func (t *Transcoder) stop(cmd *exec.Cmd, exit <-chan error) error {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
		return <-exit
	}
	timer := t.clock.NewTimer(t.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case err := <-exit:
		return err
	case <-timer.C():
		logf("ffmpeg pid %d ignored SIGTERM for %s; killing", cmd.Process.Pid, t.cfg.StopTimeout)
		cmd.Process.Kill()
		return <-exit
	}
}

func (t *Transcoder) monitor(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		issue := Classify(line)
		switch issue {
		case IssueSourceOffline:
			logf("camera offline or unreachable: %s", line)
		case IssueBadStream:
			logf("invalid stream data: %s", line)
		default:
			continue
		}
		t.mu.Lock()
		t.status.LastIssue = issue
		t.mu.Unlock()
	}
}

func (t *Transcoder) exited(ctx context.Context, err error) {
	detail := "exit 0"
	if err != nil {
		detail = err.Error()
	}
	t.mu.Lock()
	wasRunning := t.status.Running
	t.status.Running = false
	t.status.PID = 0
	t.status.LastExit = detail
	t.mu.Unlock()
	if wasRunning {
		t.record(ctx, "running", "stopped", detail)
	}
}

func (t *Transcoder) record(ctx context.Context, from, to, detail string) {
	if t.rec == nil {
		return
	}
	if err := t.rec.RecordTransition(context.WithoutCancel(ctx), "transcode", from, to, detail); err != nil {
		logf("recording transition: %v", err)
	}
}
