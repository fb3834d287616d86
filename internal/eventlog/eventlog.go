// Package eventlog appends records to newline-delimited JSON files and reads
// back their tail at startup.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/banshee-data/watchtower/internal/fsutil"
	"github.com/banshee-data/watchtower/internal/monitoring"
)

const (
	// DetectionsFile holds one DetectionEvent per line.
	DetectionsFile = "detections.jsonl"
	// CriticalAlertsFile holds one CriticalAlert per line.
	CriticalAlertsFile = "critical_alerts.jsonl"

	maxLineBytes = 1 << 20
)

var logf = monitoring.Component("EventLog")

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("eventlog: writer closed")

// Writer appends JSON records to a single file. Each Append is written and
// synced before it returns.
type Writer struct {
	path string

	mu      sync.Mutex
	f       fsutil.AppendFile
	records int64
	closed  bool
}

// Open creates the parent directory if needed and opens path for appending.
func Open(fsys fsutil.FileSystem, path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := fsys.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %s: %w", dir, err)
		}
	}
	f, err := fsys.OpenAppend(path)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	return &Writer{path: path, f: f}, nil
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string { return w.path }

// Append writes v as one JSON line.
func (w *Writer) Append(v interface{}) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", w.path, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	w.records++
	return nil
}

// Records returns the number of records appended by this writer.
func (w *Writer) Records() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// Close flushes and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.f.Sync(); err != nil {
		logf("sync %s on close: %v", w.path, err)
	}
	return w.f.Close()
}

// Tail decodes the last n well-formed records of path, oldest first. A
// missing file yields no records. Malformed lines are skipped and logged.
func Tail[T any](fsys fsutil.FileSystem, path string, n int) ([]T, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	window := make([]T, 0, n)
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			skipped++
			continue
		}
		if len(window) == n {
			copy(window, window[1:])
			window = window[:n-1]
		}
		window = append(window, v)
	}
	if err := sc.Err(); err != nil {
		return window, fmt.Errorf("read %s: %w", path, err)
	}
	if skipped > 0 {
		logf("skipped %d malformed lines in %s", skipped, path)
	}
	return window, nil
}
