// Package bridge connects UI processes to the login gate. It turns bridge
// requests into gate operations, pushes redirect results to subscribers,
// and makes sure every failure crosses the process boundary as
// {success:false, error}.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/ryuuseigun/ryuu-gate/internal/gate"
	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
)

// Bridge dispatches bridge requests to the gate.
type Bridge struct {
	gate        *gate.Gate
	hub         *Hub
	redirectURI *url.URL
}

// New creates a Bridge. redirectURI is the configured OAuth redirect URI;
// forwarded callback URLs must match it.
func New(g *gate.Gate, hub *Hub, redirectURI string) (*Bridge, error) {
	if g == nil {
		return nil, fmt.Errorf("gate is required")
	}
	if hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect URI: %w", err)
	}
	return &Bridge{gate: g, hub: hub, redirectURI: u}, nil
}

// Hub returns the event hub.
func (b *Bridge) Hub() *Hub {
	return b.hub
}

// Gate returns the gate the bridge drives.
func (b *Bridge) Gate() *gate.Gate {
	return b.gate
}

// Handle serves one bridge request. It never returns an error; failures
// are reported in the response.
func (b *Bridge) Handle(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
	var resp *ipc.Response

	switch req.Type {
	case ipc.MessageTypeLoginRequest:
		resp = b.requestLogin(ctx)
	case ipc.MessageTypeCheckMembership:
		resp = OutcomeResponse(b.gate.CheckMembership(ctx, req.Code))
	case ipc.MessageTypeRedirect:
		resp = b.forwardRedirect(ctx, req.URL)
	case ipc.MessageTypeStatus:
		resp = StatusResponse(b.gate.Status())
	case ipc.MessageTypeLogout:
		resp = b.logout(ctx)
	default:
		resp = ipc.ErrorResponse(req, fmt.Sprintf("unsupported request type %q", req.Type))
	}

	resp.Type = ipc.MessageTypeResponse
	resp.ID = req.ID
	return resp, nil
}

func (b *Bridge) requestLogin(ctx context.Context) *ipc.Response {
	authURL, err := b.gate.RequestLogin(ctx)
	if err != nil {
		b.hub.Publish(ipc.Event{Event: ipc.EventLoginFailed, Error: err.Error()})
		return &ipc.Response{Success: false, AuthURL: authURL, Error: err.Error()}
	}
	return &ipc.Response{Success: true, AuthURL: authURL}
}

func (b *Bridge) forwardRedirect(ctx context.Context, raw string) *ipc.Response {
	r, err := b.ParseRedirectURL(raw)
	if err != nil {
		slog.Warn("rejected forwarded redirect", "error", err)
		return &ipc.Response{Success: false, Error: err.Error()}
	}

	d := b.DeliverRedirect(ctx, r)
	if d.Disposition == gate.Ignored {
		return &ipc.Response{Success: false, Error: d.Err.Error()}
	}
	return &ipc.Response{Success: true}
}

func (b *Bridge) logout(ctx context.Context) *ipc.Response {
	if err := b.gate.Logout(ctx); err != nil {
		return &ipc.Response{Success: false, Error: err.Error()}
	}
	return &ipc.Response{Success: true, State: gate.Idle.String()}
}

// DeliverRedirect hands an intercepted redirect to the gate and pushes the
// result to subscribers: oauth_code for an accepted code, oauth_error for
// a declined authorization. Ignored redirects are not pushed.
func (b *Bridge) DeliverRedirect(ctx context.Context, r gate.Redirect) gate.Delivery {
	d := b.gate.DeliverRedirect(ctx, r)

	switch d.Disposition {
	case gate.Accepted:
		b.hub.Publish(ipc.Event{Event: ipc.EventOAuthCode, Code: d.Code})
	case gate.Declined:
		b.hub.Publish(ipc.Event{Event: ipc.EventOAuthError, Error: d.ProviderError})
	}

	return d
}

// OutcomeResponse converts a membership check outcome into its bridge shape.
func OutcomeResponse(out gate.Outcome) *ipc.Response {
	if !out.Success {
		msg := "membership check failed"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		return &ipc.Response{Type: ipc.MessageTypeResponse, Success: false, Error: msg}
	}

	resp := &ipc.Response{
		Type:          ipc.MessageTypeResponse,
		Success:       true,
		HasMembership: out.HasMembership,
		Reason:        out.Reason,
		InviteURL:     out.InviteURL,
	}
	if out.Token != nil {
		resp.Token = out.Token.Value
	}
	return resp
}

// StatusResponse converts a gate status into its bridge shape.
func StatusResponse(st gate.Status) *ipc.Response {
	resp := &ipc.Response{
		Type:    ipc.MessageTypeResponse,
		Success: true,
		State:   st.State.String(),
		Reason:  st.Reason,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}
