package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/db"
	"github.com/banshee-data/watchtower/internal/events"
	"github.com/banshee-data/watchtower/internal/httputil"
	"github.com/banshee-data/watchtower/internal/identity"
	"github.com/banshee-data/watchtower/internal/monitoring"
	"github.com/banshee-data/watchtower/internal/pipeline"
	"github.com/banshee-data/watchtower/internal/timeutil"
	"github.com/banshee-data/watchtower/internal/transcode"
	"github.com/banshee-data/watchtower/internal/version"
)

var logf = monitoring.Component("API")

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const (
	defaultEventLimit    = 50
	defaultCriticalLimit = 20
	maxLimit             = 100
)

// Pipeline is the query and subscription surface the server reads from.
type Pipeline interface {
	RecentEvents(limit int) []events.DetectionEvent
	RecentCriticalAlerts(limit int) []events.CriticalAlert
	Status() pipeline.Status
	Summary(now time.Time) pipeline.Summary
	Identities() []identity.Identity
	Subscribe(h bus.Handler) string
	Unsubscribe(id string)
}

// StreamStatus reports the HLS transcoder state.
type StreamStatus interface {
	Status() transcode.Status
}

// Journal lists recorded supervisor transitions.
type Journal interface {
	RecentTransitions(ctx context.Context, limit int) ([]db.Transition, error)
	RestartCounts(ctx context.Context) ([]db.RestartCount, error)
}

// Options holds the optional collaborators of a Server.
type Options struct {
	Transcoder StreamStatus // nil when transcoding is disabled
	Journal    Journal      // nil when no journal is open
	HLSDir     string       // served under /hls/ when set
	Clock      timeutil.Clock
	QueueSize  int           // per SSE/WebSocket consumer
	Keepalive  time.Duration // silence before a keepalive is sent
}

type Server struct {
	p          Pipeline
	transcoder StreamStatus
	journal    Journal
	hlsDir     string
	clock      timeutil.Clock
	queueSize  int
	keepalive  time.Duration
}

func NewServer(p Pipeline, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = bus.DefaultQueueSize
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = bus.DefaultKeepalive
	}
	return &Server{
		p:          p,
		transcoder: opts.Transcoder,
		journal:    opts.Journal,
		hlsDir:     opts.HLSDir,
		clock:      opts.Clock,
		queueSize:  opts.QueueSize,
		keepalive:  opts.Keepalive,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the WebSocket upgrader take over the connection.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", s.listEvents)
	mux.HandleFunc("/api/alerts", s.listAlerts)
	mux.HandleFunc("/api/alerts/critical", s.listCriticalAlerts)
	mux.HandleFunc("/api/alerts/stream", s.streamAlerts)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/health", s.showHealth)
	mux.HandleFunc("/api/stream", s.showStream)
	mux.HandleFunc("/api/analytics/summary", s.showSummary)
	mux.HandleFunc("/api/transitions", s.listTransitions)
	mux.HandleFunc("/api/restarts", s.listRestarts)
	mux.HandleFunc("/ws", s.serveWebSocket)
	if s.hlsDir != "" {
		mux.Handle("/hls/", http.StripPrefix("/hls/", noCachePlaylists(http.FileServer(http.Dir(s.hlsDir)))))
	}
	return mux
}

// noCachePlaylists stops clients caching the rolling playlist; segments are
// immutable and keep default caching.
func noCachePlaylists(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, defaultEventLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	evs := s.p.RecentEvents(limit)
	if evs == nil {
		evs = []events.DetectionEvent{}
	}
	httputil.WriteJSONOK(w, evs)
}

// listAlerts pages through the recent detection events newest first.
func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, defaultCriticalLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	offset := 0
	if o := r.URL.Query().Get("offset"); o != "" {
		offset, err = strconv.Atoi(o)
		if err != nil || offset < 0 {
			httputil.BadRequest(w, "Invalid 'offset' parameter")
			return
		}
	}

	all := s.p.RecentEvents(0)
	page := []events.DetectionEvent{}
	for i := len(all) - 1 - offset; i >= 0 && len(page) < limit; i-- {
		page = append(page, all[i])
	}
	httputil.WriteJSONOK(w, page)
}

func (s *Server) listCriticalAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, err := httputil.QueryLimit(r, defaultCriticalLimit, maxLimit)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	alerts := s.p.RecentCriticalAlerts(limit)
	if alerts == nil {
		alerts = []events.CriticalAlert{}
	}
	httputil.WriteJSONOK(w, alerts)
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := struct {
		pipeline.Status
		Transcoder *transcode.Status `json:"transcoder,omitempty"`
	}{Status: s.p.Status()}
	if s.transcoder != nil {
		ts := s.transcoder.Status()
		resp.Transcoder = &ts
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	st := s.p.Status()
	resp := map[string]interface{}{
		"status":           "healthy",
		"supervisor_state": st.SupervisorState,
		"ffmpeg_running":   false,
		"hls_available":    false,
		"timestamp":        s.clock.Now().UTC().Format(time.RFC3339),
		"build":            version.Get(),
	}
	if s.transcoder != nil {
		ts := s.transcoder.Status()
		resp["ffmpeg_running"] = ts.Running
		resp["hls_available"] = ts.PlaylistExists
	}
	httputil.WriteJSONOK(w, resp)
}

// StreamInfo describes where the HLS playlist can be fetched.
type StreamInfo struct {
	URL            string `json:"url"`
	Status         string `json:"status"` // "active" or "unavailable"
	Type           string `json:"type"`
	Error          string `json:"error,omitempty"`
	FFmpegRunning  bool   `json:"ffmpeg_running"`
	PlaylistExists bool   `json:"playlist_exists"`
}

func (s *Server) showStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.transcoder == nil {
		httputil.ServiceUnavailable(w, "transcoding is disabled")
		return
	}
	ts := s.transcoder.Status()
	info := StreamInfo{
		Type:           "hls",
		FFmpegRunning:  ts.Running,
		PlaylistExists: ts.PlaylistExists,
	}
	if !ts.PlaylistExists {
		info.Status = "unavailable"
		info.Error = "Stream not available - source may be offline"
		if ts.LastIssue != "" {
			info.Error = string(ts.LastIssue)
		}
	} else {
		info.Status = "active"
		info.URL = "/hls/" + filepath.Base(ts.PlaylistPath)
	}
	httputil.WriteJSONOK(w, info)
}

func (s *Server) showSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, s.p.Summary(s.clock.Now()))
}

func (s *Server) listTransitions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.ServiceUnavailable(w, "no session journal configured")
		return
	}
	limit, err := httputil.QueryLimit(r, defaultEventLimit, 1000)
	if err != nil {
		httputil.BadRequest(w, "Invalid 'limit' parameter")
		return
	}
	ts, err := s.journal.RecentTransitions(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to retrieve transitions: "+err.Error())
		return
	}
	if ts == nil {
		ts = []db.Transition{}
	}
	httputil.WriteJSONOK(w, ts)
}

func (s *Server) listRestarts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.journal == nil {
		httputil.ServiceUnavailable(w, "no session journal configured")
		return
	}
	counts, err := s.journal.RestartCounts(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "Failed to retrieve restart counts: "+err.Error())
		return
	}
	if counts == nil {
		counts = []db.RestartCount{}
	}
	httputil.WriteJSONOK(w, counts)
}
