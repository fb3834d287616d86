package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/banshee-data/watchtower/internal/bus"
	"github.com/banshee-data/watchtower/internal/httputil"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard may be served from a different origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscribe attaches a fresh queue to the pipeline bus and returns it with
// its detach function.
func (s *Server) subscribe() (*bus.Queue, func()) {
	q := bus.NewQueue(s.queueSize, s.keepalive, s.clock)
	id := s.p.Subscribe(q.Handler())
	return q, func() {
		s.p.Unsubscribe(id)
		if n := q.Dropped(); n > 0 {
			logf("subscriber %s dropped %d envelopes", id, n)
		}
	}
}

// streamAlerts pushes every published envelope as a server-sent event until
// the client goes away.
func (s *Server) streamAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	q, detach := s.subscribe()
	defer detach()

	w.Write([]byte(": ping\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		env, err := q.Next(ctx)
		if err != nil {
			return
		}
		if env.Kind == bus.KindKeepalive {
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
			continue
		}
		payload, err := json.Marshal(env)
		if err != nil {
			logf("failed to encode %s envelope: %v", env.Kind, err)
			continue
		}
		if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
			return
		}
		flusher.Flush()
	}
}

// serveWebSocket pushes every published envelope as a JSON text message.
// Pings go out every keepalive interval on their own ticker, so a busy
// connection is pinged as often as an idle one; the read side only watches
// for pongs and close.
func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		httputil.BadRequest(w, "not a websocket upgrade request")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pongWait := 2 * s.keepalive
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logf("websocket read error: %v", err)
				}
				return
			}
		}
	}()
	go s.pingWebSocket(ctx, cancel, conn)

	q, detach := s.subscribe()
	defer detach()

	for {
		env, err := q.Next(ctx)
		if err != nil {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(wsWriteWait))
			return
		}
		if env.Kind == bus.KindKeepalive {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(env); err != nil {
			logf("websocket write failed: %v", err)
			return
		}
	}
}

// pingWebSocket sends a ping every keepalive interval until ctx ends.
// WriteControl may run concurrently with the writer loop.
func (s *Server) pingWebSocket(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				cancel()
				return
			}
		}
	}
}
