package bridge

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryuuseigun/ryuu-gate/internal/discord"
	"github.com/ryuuseigun/ryuu-gate/internal/gate"
	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
	"github.com/ryuuseigun/ryuu-gate/internal/session"
)

type stubProvider struct {
	mu          sync.Mutex
	consumed    map[string]bool
	exchangeErr error
	member      bool
}

func (p *stubProvider) AuthCodeURL(state string) string {
	return "https://discord.test/oauth2/authorize?state=" + url.QueryEscape(state)
}

func (p *stubProvider) Exchange(_ context.Context, code string) (*discord.AccessToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumed[code] = true
	if p.exchangeErr != nil {
		return nil, p.exchangeErr
	}
	return &discord.AccessToken{Value: "tok1", TokenType: "Bearer"}, nil
}

func (p *stubProvider) HasMembership(context.Context, *discord.AccessToken, string) (bool, error) {
	return p.member, nil
}

func (p *stubProvider) Consumed(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed[code]
}

func newBridge(t *testing.T, p *stubProvider, launcher gate.Launcher) *Bridge {
	t.Helper()
	if p.consumed == nil {
		p.consumed = make(map[string]bool)
	}

	store, err := session.NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)

	g, err := gate.New(context.Background(), gate.Options{
		Provider:  p,
		Store:     store,
		Launcher:  launcher,
		GuildID:   "123",
		InviteURL: "https://discord.gg/ryuu",
	})
	require.NoError(t, err)

	b, err := New(g, NewHub(4), "ryuu://callback")
	require.NoError(t, err)
	return b
}

func nextEvent(t *testing.T, ch <-chan ipc.Event) ipc.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ipc.Event{}
	}
}

func stateOf(t *testing.T, authURL string) string {
	t.Helper()
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return u.Query().Get("state")
}

func TestFullLoginOverBridge(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t, &stubProvider{member: true}, nil)

	events, cancel := b.Hub().Subscribe()
	defer cancel()

	resp, err := b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeLoginRequest})
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.AuthURL)

	redirect := "ryuu://callback?code=abc123&state=" + stateOf(t, resp.AuthURL)
	resp, err = b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeRedirect, URL: redirect})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	ev := nextEvent(t, events)
	assert.Equal(t, ipc.MessageTypeEvent, ev.Type)
	assert.Equal(t, ipc.EventOAuthCode, ev.Event)
	assert.Equal(t, "abc123", ev.Code)

	resp, err = b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeCheckMembership, Code: ev.Code, ID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, ipc.MessageTypeResponse, resp.Type)
	assert.Equal(t, "req-1", resp.ID)
	assert.True(t, resp.Success)
	assert.True(t, resp.HasMembership)
	assert.Equal(t, "tok1", resp.Token)

	resp, err = b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeStatus})
	require.NoError(t, err)
	assert.Equal(t, "Allowed", resp.State)

	resp, err = b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeLogout})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, gate.Idle, b.Gate().Status().State)
}

func TestNotAMemberOverBridge(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t, &stubProvider{member: false}, nil)

	_, err := b.Gate().LoginURL(ctx)
	require.NoError(t, err)

	resp, err := b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeCheckMembership, Code: "abc123"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.HasMembership)
	assert.Equal(t, gate.ReasonNotAMember, resp.Reason)
	assert.Equal(t, "https://discord.gg/ryuu", resp.InviteURL)
}

func TestDeclinedRedirectPushesError(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t, &stubProvider{}, nil)

	events, cancel := b.Hub().Subscribe()
	defer cancel()

	authURL, err := b.Gate().LoginURL(ctx)
	require.NoError(t, err)

	d := b.DeliverRedirect(ctx, gate.Redirect{Error: "access_denied", State: stateOf(t, authURL)})
	assert.Equal(t, gate.Declined, d.Disposition)

	ev := nextEvent(t, events)
	assert.Equal(t, ipc.EventOAuthError, ev.Event)
	assert.Equal(t, "access_denied", ev.Error)

	resp, err := b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeStatus})
	require.NoError(t, err)
	assert.Equal(t, "Denied", resp.State)
	assert.Equal(t, gate.ReasonUserDeclined, resp.Reason)
}

func TestIgnoredRedirectIsNotPushed(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t, &stubProvider{}, nil)

	events, cancel := b.Hub().Subscribe()
	defer cancel()

	// No login in progress.
	resp, err := b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeRedirect, URL: "ryuu://callback?code=abc123"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, gate.ErrNoLoginInProgress.Error(), resp.Error)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestLaunchFailurePushesLoginFailed(t *testing.T) {
	b := newBridge(t, &stubProvider{}, gate.LauncherFunc(func(string) error {
		return errors.New("xdg-open not found")
	}))

	events, cancel := b.Hub().Subscribe()
	defer cancel()

	resp, err := b.Handle(context.Background(), &ipc.Request{Type: ipc.MessageTypeLoginRequest})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "xdg-open not found")

	ev := nextEvent(t, events)
	assert.Equal(t, ipc.EventLoginFailed, ev.Event)
	assert.Contains(t, ev.Error, "Browser launch failed")
}

func TestCheckMembershipFailureShape(t *testing.T) {
	ctx := context.Background()
	b := newBridge(t, &stubProvider{
		exchangeErr: &discord.ExchangeError{Status: 400, Body: `{"error":"invalid_grant"}`},
	}, nil)

	_, err := b.Gate().LoginURL(ctx)
	require.NoError(t, err)

	resp, err := b.Handle(ctx, &ipc.Request{Type: ipc.MessageTypeCheckMembership, Code: "abc123"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Regexp(t, `^Token exchange failed: `, resp.Error)
	assert.Empty(t, resp.Token)
}

func TestCheckMembershipWithoutLogin(t *testing.T) {
	b := newBridge(t, &stubProvider{}, nil)

	resp, err := b.Handle(context.Background(), &ipc.Request{Type: ipc.MessageTypeCheckMembership, Code: "abc123"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, gate.ErrNoLoginInProgress.Error(), resp.Error)
}

func TestUnsupportedRequest(t *testing.T) {
	b := newBridge(t, &stubProvider{}, nil)

	resp, err := b.Handle(context.Background(), &ipc.Request{Type: "subscribe", ID: "x"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "x", resp.ID)
	assert.Contains(t, resp.Error, "unsupported request type")
}

func TestParseRedirectURL(t *testing.T) {
	b := newBridge(t, &stubProvider{}, nil)

	tests := []struct {
		name    string
		raw     string
		want    gate.Redirect
		wantErr bool
	}{
		{
			name: "code",
			raw:  "ryuu://callback?code=abc123&state=s1",
			want: gate.Redirect{Code: "abc123", State: "s1"},
		},
		{
			name: "trailing slash",
			raw:  "ryuu://callback/?code=abc123",
			want: gate.Redirect{Code: "abc123"},
		},
		{
			name: "error",
			raw:  "ryuu://callback?error=access_denied&error_description=The+resource+owner+denied",
			want: gate.Redirect{Error: "access_denied", ErrorDescription: "The resource owner denied"},
		},
		{
			name: "scheme is case-insensitive",
			raw:  "RYUU://callback?code=abc123",
			want: gate.Redirect{Code: "abc123"},
		},
		{
			name:    "other host",
			raw:     "ryuu://elsewhere?code=abc123",
			wantErr: true,
		},
		{
			name:    "other scheme",
			raw:     "https://callback?code=abc123",
			wantErr: true,
		},
		{
			name:    "garbage",
			raw:     "::not a url",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.ParseRedirectURL(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHub(t *testing.T) {
	h := NewHub(1)

	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	assert.Equal(t, 2, h.Count())

	h.Publish(ipc.Event{Event: ipc.EventOAuthCode, Code: "one"})
	// Buffers are full; this one is dropped for both.
	h.Publish(ipc.Event{Event: ipc.EventOAuthCode, Code: "two"})

	assert.Equal(t, "one", (<-a).Code)
	assert.Equal(t, "one", (<-b).Code)

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok, "cancelled subscriber channel must be closed")
	assert.Equal(t, 1, h.Count())

	h.Publish(ipc.Event{Event: ipc.EventOAuthError, Error: "access_denied"})
	ev := <-b
	assert.Equal(t, ipc.MessageTypeEvent, ev.Type)
	assert.Equal(t, "access_denied", ev.Error)

	cancelB()
	assert.Equal(t, 0, h.Count())
}
