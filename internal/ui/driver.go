// Package ui is the UI-process side of the bridge: it drives a login through
// a running daemon and reports the outcome to the user.
package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ryuuseigun/ryuu-gate/internal/gate"
	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
)

// Exit codes for the UI commands
const (
	ExitAllowed = 0 // Member of the required guild
	ExitFailure = 1 // Login could not complete
	ExitDenied  = 2 // Declined, or not a member
	ExitConfig  = 3 // Configuration error
)

// DefaultRedirectTimeout bounds how long Login waits for the user to finish
// in the browser.
const DefaultRedirectTimeout = 5 * time.Minute

// Driver talks to the daemon over its unix socket.
type Driver struct {
	client          *ipc.Client
	out             io.Writer
	redirectTimeout time.Duration
}

// NewDriver creates a driver writing user-facing messages to out.
func NewDriver(client *ipc.Client, out io.Writer) *Driver {
	return &Driver{
		client:          client,
		out:             out,
		redirectTimeout: DefaultRedirectTimeout,
	}
}

// SetRedirectTimeout sets how long Login waits for the redirect.
func (d *Driver) SetRedirectTimeout(timeout time.Duration) {
	d.redirectTimeout = timeout
}

// Login subscribes for events, asks the daemon to open the authorization
// page, waits for the redirect and then checks membership. It returns the
// process exit code.
func (d *Driver) Login(ctx context.Context) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe first so the redirect cannot be missed.
	events, err := d.client.Subscribe(ctx)
	if err != nil {
		return d.daemonDown(err)
	}

	if err := d.client.RequestLogin(ctx); err != nil {
		return d.daemonDown(err)
	}

	d.printf("Opening Discord in your browser. Finish the login there.\n")

	timer := time.NewTimer(d.redirectTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				d.printf("Login failed: connection to the daemon was lost\n")
				return ExitFailure
			}
			if code, done := d.handleEvent(ctx, ev); done {
				return code
			}

		case <-timer.C:
			slog.Warn("timed out waiting for redirect", "timeout", d.redirectTimeout)
			d.printf("Login timed out waiting for the browser. Run login again.\n")
			return ExitFailure

		case <-ctx.Done():
			d.printf("Login cancelled\n")
			return ExitFailure
		}
	}
}

// handleEvent reacts to one pushed event. done is false for events that do
// not end the login.
func (d *Driver) handleEvent(ctx context.Context, ev ipc.Event) (code int, done bool) {
	switch ev.Event {
	case ipc.EventOAuthCode:
		return d.checkMembership(ctx, ev.Code), true

	case ipc.EventOAuthError:
		slog.Info("authorization declined", "error", ev.Error)
		d.printf("Authorization was declined in the browser.\n")
		return ExitDenied, true

	case ipc.EventLoginFailed:
		d.printf("Login failed: %s\n", ev.Error)
		return ExitFailure, true

	default:
		slog.Debug("ignoring event", "event", ev.Event)
		return 0, false
	}
}

func (d *Driver) checkMembership(ctx context.Context, code string) int {
	d.printf("Checking your Discord server membership...\n")

	resp, err := d.client.CheckMembership(ctx, code)
	if err != nil {
		return d.daemonDown(err)
	}
	return d.report(resp)
}

// report renders a check_membership response and returns its exit code.
func (d *Driver) report(resp *ipc.Response) int {
	switch {
	case !resp.Success:
		d.printf("Login failed: %s\n", resp.Error)
		return ExitFailure

	case resp.HasMembership:
		d.printf("Access granted.\n")
		return ExitAllowed

	default:
		d.printf("You are not a member of the required Discord server.\n")
		if resp.InviteURL != "" {
			d.printf("Join it here, then log in again: %s\n", resp.InviteURL)
		}
		return ExitDenied
	}
}

// Status prints the daemon's gate state. It exits with ExitAllowed only
// when the gate is Allowed.
func (d *Driver) Status(ctx context.Context) int {
	resp, err := d.client.Status(ctx)
	if err != nil {
		return d.daemonDown(err)
	}

	switch {
	case resp.Reason != "":
		d.printf("%s (%s)\n", resp.State, resp.Reason)
	case resp.Error != "":
		d.printf("%s: %s\n", resp.State, resp.Error)
	default:
		d.printf("%s\n", resp.State)
	}

	switch resp.State {
	case gate.Allowed.String():
		return ExitAllowed
	case gate.Denied.String():
		return ExitDenied
	default:
		return ExitFailure
	}
}

// Logout clears the daemon's session marker.
func (d *Driver) Logout(ctx context.Context) int {
	resp, err := d.client.Logout(ctx)
	if err != nil {
		return d.daemonDown(err)
	}
	if !resp.Success {
		d.printf("Logout failed: %s\n", resp.Error)
		return ExitFailure
	}
	d.printf("Logged out.\n")
	return ExitAllowed
}

// HandleURL forwards a redirect URL the desktop handed to this process.
func (d *Driver) HandleURL(ctx context.Context, rawURL string) int {
	resp, err := d.client.DeliverRedirect(ctx, rawURL)
	if err != nil {
		return d.daemonDown(err)
	}
	if !resp.Success {
		slog.Warn("redirect not accepted", "error", resp.Error)
		d.printf("Redirect not accepted: %s\n", resp.Error)
		return ExitFailure
	}
	return ExitAllowed
}

func (d *Driver) daemonDown(err error) int {
	slog.Error("failed to communicate with daemon", "error", err)
	d.printf("Error: daemon communication failed: %v\n", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return ExitFailure
	}
	d.printf("Is the daemon running? Start it with: ryuu-gate serve\n")
	return ExitFailure
}

func (d *Driver) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, format, args...)
}
