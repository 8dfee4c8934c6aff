package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
	"github.com/ryuuseigun/ryuu-gate/internal/logsanitize"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// handleEvents upgrades to a websocket speaking the same messages as the
// unix socket bridge. Events are pushed from the moment the socket opens;
// every request except login_request gets one response.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.sockets.Add(1)
	defer s.sockets.Done()

	select {
	case <-s.closing:
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already replied.
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	events, cancel := s.bridge.Hub().Subscribe()
	responses := make(chan *ipc.Response, 1)
	quit := make(chan struct{})
	writerDone := make(chan struct{})

	slog.Debug("websocket opened", "remote_addr", logsanitize.Sanitize(r.RemoteAddr))

	go func() {
		defer close(writerDone)
		s.writeLoop(conn, events, responses, quit)
	}()

	s.readLoop(r.Context(), conn, responses, writerDone)

	close(quit)
	cancel()
	<-writerDone

	slog.Debug("websocket closed", "remote_addr", logsanitize.Sanitize(r.RemoteAddr))
}

// readLoop serves requests until the peer goes away or the writer stops.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, responses chan<- *ipc.Response, writerDone <-chan struct{}) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var req ipc.Request
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "error", err)
			}
			return
		}

		slog.Debug("websocket request", "type", logsanitize.Sanitize(string(req.Type)))

		var resp *ipc.Response
		switch req.Type {
		case ipc.MessageTypeLoginRequest:
			// Outcome arrives as an event.
			_, _ = s.bridge.Handle(ctx, &req)
			continue
		case ipc.MessageTypeSubscribe:
			resp = &ipc.Response{Type: ipc.MessageTypeResponse, ID: req.ID, Success: true}
		default:
			var err error
			resp, err = s.bridge.Handle(ctx, &req)
			if err != nil {
				resp = ipc.ErrorResponse(&req, err.Error())
			}
		}

		select {
		case responses <- resp:
		case <-writerDone:
			return
		}
	}
}

// writeLoop owns all writes to conn. It closes conn on return, which also
// unblocks the reader.
func (s *Server) writeLoop(conn *websocket.Conn, events <-chan ipc.Event, responses <-chan *ipc.Response, quit <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(conn, ev); err != nil {
				slog.Debug("websocket event write failed", "error", err)
				return
			}

		case resp := <-responses:
			if err := writeJSON(conn, resp); err != nil {
				slog.Debug("websocket response write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.closing:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return

		case <-quit:
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// checkOrigin admits clients without an Origin header (native UIs) and
// pages served from this host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// sameOriginNavigation reports whether r was not triggered by another site.
// Fetch metadata decides when the browser sends it; otherwise Origin and
// Referer, when present, must name this host.
func sameOriginNavigation(r *http.Request) bool {
	switch r.Header.Get("Sec-Fetch-Site") {
	case "same-origin", "none":
		return true
	case "same-site", "cross-site":
		return false
	}

	if !checkOrigin(r) {
		return false
	}
	if ref := r.Referer(); ref != "" {
		u, err := url.Parse(ref)
		if err != nil || !strings.EqualFold(u.Host, r.Host) {
			return false
		}
	}
	return true
}
