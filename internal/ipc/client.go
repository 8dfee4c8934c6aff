package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

// DefaultCheckTimeout covers a membership check end to end: the daemon's
// exchange and verify timeouts plus slack.
const DefaultCheckTimeout = 30 * time.Second

// Client is the IPC client used by UI processes and the deep-link handler
// to talk to the daemon
type Client struct {
	socketPath   string
	timeout      time.Duration
	checkTimeout time.Duration
}

// NewClient creates a new IPC client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath:   socketPath,
		timeout:      5 * time.Second,
		checkTimeout: DefaultCheckTimeout,
	}
}

// SetTimeout sets the connection timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
}

// SetCheckTimeout sets how long CheckMembership waits for its response
// when the context has no deadline.
func (c *Client) SetCheckTimeout(timeout time.Duration) {
	c.checkTimeout = timeout
}

// RequestLogin asks the daemon to start a login attempt. No response is
// read; failures are pushed to subscribers as login_failed events.
func (c *Client) RequestLogin(ctx context.Context) error {
	conn, err := c.dial(ctx, c.timeout)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if err := json.NewEncoder(conn).Encode(&Request{Type: MessageTypeLoginRequest}); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	return nil
}

// CheckMembership asks the daemon to exchange code and check guild membership.
func (c *Client) CheckMembership(ctx context.Context, code string) (*Response, error) {
	return c.roundTrip(ctx, &Request{Type: MessageTypeCheckMembership, Code: code}, c.checkTimeout)
}

// DeliverRedirect forwards an intercepted callback URL to the daemon.
func (c *Client) DeliverRedirect(ctx context.Context, rawURL string) (*Response, error) {
	return c.roundTrip(ctx, &Request{Type: MessageTypeRedirect, URL: rawURL}, c.timeout)
}

// Status asks for the current gate state.
func (c *Client) Status(ctx context.Context) (*Response, error) {
	return c.roundTrip(ctx, &Request{Type: MessageTypeStatus}, c.timeout)
}

// Logout asks the daemon to clear the session marker.
func (c *Client) Logout(ctx context.Context) (*Response, error) {
	return c.roundTrip(ctx, &Request{Type: MessageTypeLogout}, c.timeout)
}

// Subscribe opens an event stream. The returned channel is closed when ctx
// is cancelled or the daemon goes away.
func (c *Client) Subscribe(ctx context.Context) (<-chan Event, error) {
	conn, err := c.dial(ctx, c.timeout)
	if err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(&Request{Type: MessageTypeSubscribe}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	dec := json.NewDecoder(conn)
	var ack Response
	if err := dec.Decode(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if ack.Type != MessageTypeResponse {
		_ = conn.Close()
		return nil, fmt.Errorf("invalid response type: %s", ack.Type)
	}
	if !ack.Success {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe refused: %s", ack.Error)
	}

	// Events may be far apart.
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to clear connection deadline: %w", err)
	}

	events := make(chan Event)
	done := make(chan struct{})

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		_ = conn.Close()
	}()

	go func() {
		defer close(events)
		defer close(done)
		for {
			var ev Event
			if err := dec.Decode(&ev); err != nil {
				return
			}
			if ev.Type != MessageTypeEvent {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}

func (c *Client) dial(ctx context.Context, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	return conn, nil
}

func (c *Client) roundTrip(ctx context.Context, req *Request, timeout time.Duration) (*Response, error) {
	// Connect to Unix socket with timeout
	conn, err := c.dial(ctx, c.timeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	// Set overall deadline
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("failed to set connection deadline: %w", err)
	}

	// Send request
	enc := json.NewEncoder(conn)
	if err := enc.Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	// Read response
	var resp Response
	dec := json.NewDecoder(conn)
	if err := dec.Decode(&resp); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("timed out waiting for daemon: %w", err)
		}
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// Validate response type
	if resp.Type != MessageTypeResponse {
		return nil, fmt.Errorf("invalid response type: %s", resp.Type)
	}

	return &resp, nil
}
