package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
)

// RequestHandler is the function type for handling bridge requests.
// A returned error is sent to the requester as {success:false, error}.
type RequestHandler func(ctx context.Context, req *Request) (*Response, error)

// Subscriber hands out event streams. The returned func cancels the
// subscription and must be called exactly once.
type Subscriber interface {
	Subscribe() (<-chan Event, func())
}

// Server is the IPC server that listens on a Unix socket for bridge requests
type Server struct {
	socketPath string
	listener   net.Listener
	handler    RequestHandler
	events     Subscriber
	wg         sync.WaitGroup
	stopChan   chan struct{}
	mu         sync.Mutex
}

// NewServer creates a new IPC server. events may be nil, in which case
// subscribe requests are refused.
func NewServer(socketPath string, handler RequestHandler, events Subscriber) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		events:     events,
		stopChan:   make(chan struct{}),
	}
}

// SocketPath returns the path the server listens on.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// Start starts the IPC server
func (s *Server) Start(ctx context.Context) error {
	// The socket only serves the desktop user, so keep the directory private.
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove old socket if it exists
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove old socket: %w", err)
	}

	// Create Unix listener
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}

	// Set socket permissions: 0600 (owner only). Anyone who can connect can
	// drive the login flow and read access tokens.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	// Start accept loop in goroutine
	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
				// Server is stopping, this is expected
				return
			default:
				slog.Error("failed to accept connection", "error", err)
				continue
			}
		}

		// Handle connection in goroutine
		s.wg.Add(1)
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection handles a single IPC connection. Each connection carries
// one request; a subscribe request keeps it open as an event stream.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	// Decode request
	var req Request
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&req); err != nil {
		slog.Error("failed to decode request", "error", err)
		s.sendResponse(conn, ErrorResponse(nil, "invalid request format"))
		return
	}

	slog.Debug("bridge request received", requestAttrs(&req)...)

	switch req.Type {
	case MessageTypeLoginRequest:
		// Fire-and-forget: failures reach subscribers as login_failed events.
		if _, err := s.handler(ctx, &req); err != nil {
			slog.Error("handler error", "type", req.Type, "error", err)
		}
		return

	case MessageTypeSubscribe:
		s.stream(ctx, conn, dec, &req)
		return

	case MessageTypeCheckMembership, MessageTypeRedirect, MessageTypeStatus, MessageTypeLogout:

	default:
		slog.Error("invalid request type", requestAttrs(&req)...)
		s.sendResponse(conn, ErrorResponse(&req, "invalid request type"))
		return
	}

	// Call handler
	resp, err := s.handler(ctx, &req)
	if err != nil {
		slog.Error("handler error", "type", req.Type, "error", err)
		s.sendResponse(conn, ErrorResponse(&req, err.Error()))
		return
	}

	resp.ID = req.ID
	s.sendResponse(conn, resp)

	slog.Debug("bridge response sent", "type", req.Type, "success", resp.Success)
}

// stream acknowledges a subscription and then forwards events until the
// client disconnects or the server stops.
func (s *Server) stream(ctx context.Context, conn net.Conn, dec *json.Decoder, req *Request) {
	if s.events == nil {
		s.sendResponse(conn, ErrorResponse(req, "events are not available"))
		return
	}

	events, cancel := s.events.Subscribe()
	defer cancel()

	if !s.sendResponse(conn, &Response{Type: MessageTypeResponse, ID: req.ID, Success: true}) {
		return
	}

	// Subscribers never send again; a read returning means they went away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard json.RawMessage
		for dec.Decode(&discard) == nil {
		}
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-gone:
			slog.Debug("subscriber disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ev.Type = MessageTypeEvent
			if err := enc.Encode(&ev); err != nil {
				slog.Debug("failed to push event", "event", ev.Event, "error", err)
				return
			}
		}
	}
}

// sendResponse writes resp to conn and reports whether it succeeded
func (s *Server) sendResponse(conn net.Conn, resp *Response) bool {
	resp.Type = MessageTypeResponse
	enc := json.NewEncoder(conn)
	if err := enc.Encode(resp); err != nil {
		slog.Error("failed to send response", "error", err)
		return false
	}
	return true
}

// Stop stops the IPC server gracefully
func (s *Server) Stop() error {
	slog.Info("stopping IPC server")

	// Signal accept loop to stop
	close(s.stopChan)

	// Close listener
	s.mu.Lock()
	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			slog.Warn("failed to close listener", "error", err)
		}
	}
	s.mu.Unlock()

	// Wait for all connections to finish
	s.wg.Wait()

	// Remove socket file
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove socket file", "error", err)
	}

	slog.Info("IPC server stopped")
	return nil
}
