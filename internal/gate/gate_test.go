package gate

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryuuseigun/ryuu-gate/internal/discord"
	"github.com/ryuuseigun/ryuu-gate/internal/metrics"
	"github.com/ryuuseigun/ryuu-gate/internal/session"
)

const testGuild = "123"

// fakeProvider is an in-memory Provider that counts network-equivalent calls.
type fakeProvider struct {
	mu            sync.Mutex
	consumed      map[string]bool
	exchangeCalls int
	verifyCalls   int

	exchange func(ctx context.Context, code string) (*discord.AccessToken, error)
	member   func(ctx context.Context, token *discord.AccessToken, guildID string) (bool, error)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		consumed: make(map[string]bool),
		exchange: func(ctx context.Context, code string) (*discord.AccessToken, error) {
			return &discord.AccessToken{Value: "tok1", TokenType: "Bearer"}, nil
		},
		member: func(ctx context.Context, token *discord.AccessToken, guildID string) (bool, error) {
			return true, nil
		},
	}
}

func (p *fakeProvider) AuthCodeURL(state string) string {
	return "https://discord.test/oauth2/authorize?" + url.Values{"state": {state}}.Encode()
}

func (p *fakeProvider) Exchange(ctx context.Context, code string) (*discord.AccessToken, error) {
	p.mu.Lock()
	p.exchangeCalls++
	if p.consumed[code] {
		p.mu.Unlock()
		return nil, discord.ErrCodeReused
	}
	p.consumed[code] = true
	fn := p.exchange
	p.mu.Unlock()
	return fn(ctx, code)
}

func (p *fakeProvider) HasMembership(ctx context.Context, token *discord.AccessToken, guildID string) (bool, error) {
	p.mu.Lock()
	p.verifyCalls++
	fn := p.member
	p.mu.Unlock()
	return fn(ctx, token, guildID)
}

func (p *fakeProvider) Consumed(code string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.consumed[code]
}

func (p *fakeProvider) calls() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exchangeCalls, p.verifyCalls
}

// failingStore wraps a Store and fails selected operations.
type failingStore struct {
	session.Store
	readErr  error
	writeErr error
}

func (s *failingStore) Authorized(ctx context.Context) (bool, error) {
	if s.readErr != nil {
		return false, s.readErr
	}
	return s.Store.Authorized(ctx)
}

func (s *failingStore) MarkAuthorized(ctx context.Context) error {
	if s.writeErr != nil {
		return s.writeErr
	}
	return s.Store.MarkAuthorized(ctx)
}

func newStore(t *testing.T) *session.FileStore {
	t.Helper()
	s, err := session.NewFileStore(filepath.Join(t.TempDir(), "session.json"))
	require.NoError(t, err)
	return s
}

func newGate(t *testing.T, p Provider, store session.Store, mutate ...func(*Options)) *Gate {
	t.Helper()
	opts := Options{
		Provider:  p,
		Store:     store,
		GuildID:   testGuild,
		InviteURL: "https://discord.gg/ryuu",
	}
	for _, m := range mutate {
		m(&opts)
	}
	g, err := New(context.Background(), opts)
	require.NoError(t, err)
	return g
}

func authorized(t *testing.T, s session.Store) bool {
	t.Helper()
	ok, err := s.Authorized(context.Background())
	require.NoError(t, err)
	return ok
}

// armed returns a gate awaiting a redirect and the state parameter of its attempt.
func armed(t *testing.T, p Provider, store session.Store, mutate ...func(*Options)) (*Gate, string) {
	t.Helper()
	g := newGate(t, p, store, mutate...)
	authURL, err := g.LoginURL(context.Background())
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	return g, u.Query().Get("state")
}

func TestNewRequiresCollaborators(t *testing.T) {
	store := newStore(t)

	_, err := New(context.Background(), Options{Store: store, GuildID: testGuild})
	require.Error(t, err)

	_, err = New(context.Background(), Options{Provider: newFakeProvider(), GuildID: testGuild})
	require.Error(t, err)

	_, err = New(context.Background(), Options{Provider: newFakeProvider(), Store: store})
	require.Error(t, err)
}

func TestStartupWithoutMarker(t *testing.T) {
	p := newFakeProvider()
	g := newGate(t, p, newStore(t))

	assert.Equal(t, Idle, g.Status().State)
	ex, ver := p.calls()
	assert.Zero(t, ex)
	assert.Zero(t, ver)
}

func TestStartupWithMarker(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.MarkAuthorized(context.Background()))

	p := newFakeProvider()
	g := newGate(t, p, store)

	assert.Equal(t, Allowed, g.Status().State)
	ex, ver := p.calls()
	assert.Zero(t, ex, "startup must not contact the provider")
	assert.Zero(t, ver, "startup must not contact the provider")
}

func TestStartupUnreadableMarker(t *testing.T) {
	store := &failingStore{Store: newStore(t), readErr: errors.New("disk on fire")}
	g := newGate(t, newFakeProvider(), store)

	assert.Equal(t, Idle, g.Status().State)
}

func TestRequestLoginOpensAuthorizationPage(t *testing.T) {
	var opened []string
	launcher := LauncherFunc(func(u string) error {
		opened = append(opened, u)
		return nil
	})

	g := newGate(t, newFakeProvider(), newStore(t), func(o *Options) { o.Launcher = launcher })

	authURL, err := g.RequestLogin(context.Background())
	require.NoError(t, err)
	require.Len(t, opened, 1)
	assert.Equal(t, authURL, opened[0])

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Len(t, u.Query().Get("state"), 32)

	st := g.Status()
	assert.Equal(t, AwaitingRedirect, st.State)
	assert.NotEmpty(t, st.AttemptID)
}

func TestRequestLoginLaunchFailure(t *testing.T) {
	launchErr := errors.New("no display")
	g := newGate(t, newFakeProvider(), newStore(t), func(o *Options) {
		o.Launcher = LauncherFunc(func(string) error { return launchErr })
	})

	authURL, err := g.RequestLogin(context.Background())
	require.ErrorIs(t, err, launchErr)
	assert.NotEmpty(t, authURL)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepLaunch, stepErr.Step)

	st := g.Status()
	assert.Equal(t, Failed, st.State)
	assert.ErrorIs(t, st.Err, launchErr)
}

func TestRequestLoginReplacesAttempt(t *testing.T) {
	g := newGate(t, newFakeProvider(), newStore(t))

	_, err := g.LoginURL(context.Background())
	require.NoError(t, err)
	first := g.Status().AttemptID

	_, err = g.LoginURL(context.Background())
	require.NoError(t, err)
	second := g.Status()

	assert.Equal(t, AwaitingRedirect, second.State)
	assert.NotEqual(t, first, second.AttemptID)
}

func TestIdleIgnoresEverythingButLogin(t *testing.T) {
	p := newFakeProvider()
	g := newGate(t, p, newStore(t))

	d := g.DeliverRedirect(context.Background(), Redirect{Code: "abc123"})
	assert.Equal(t, Ignored, d.Disposition)
	assert.ErrorIs(t, d.Err, ErrNoLoginInProgress)

	d = g.DeliverRedirect(context.Background(), Redirect{Error: "access_denied"})
	assert.Equal(t, Ignored, d.Disposition)

	out := g.CheckMembership(context.Background(), "abc123")
	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, ErrNoLoginInProgress)
	assert.True(t, IsIgnored(out.Err))

	assert.Equal(t, Idle, g.Status().State)
	ex, ver := p.calls()
	assert.Zero(t, ex)
	assert.Zero(t, ver)
}

func TestTerminalStatesIgnoreEventsUntilLogin(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, g *Gate, state string)
		want  State
	}{
		{
			name: "allowed",
			setup: func(t *testing.T, g *Gate, state string) {
				out := g.CheckMembership(context.Background(), "code-allowed")
				require.True(t, out.HasMembership)
			},
			want: Allowed,
		},
		{
			name: "denied",
			setup: func(t *testing.T, g *Gate, state string) {
				d := g.DeliverRedirect(context.Background(), Redirect{Error: "access_denied", State: state})
				require.Equal(t, Declined, d.Disposition)
			},
			want: Denied,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakeProvider()
			g, state := armed(t, p, newStore(t))
			tt.setup(t, g, state)
			require.Equal(t, tt.want, g.Status().State)
			exBefore, verBefore := p.calls()

			d := g.DeliverRedirect(context.Background(), Redirect{Code: "late-code", State: state})
			assert.Equal(t, Ignored, d.Disposition)

			d = g.DeliverRedirect(context.Background(), Redirect{Error: "access_denied", State: state})
			assert.Equal(t, Ignored, d.Disposition)

			out := g.CheckMembership(context.Background(), "late-code")
			assert.ErrorIs(t, out.Err, ErrNoLoginInProgress)

			assert.Equal(t, tt.want, g.Status().State)
			ex, ver := p.calls()
			assert.Equal(t, exBefore, ex)
			assert.Equal(t, verBefore, ver)

			_, err := g.LoginURL(context.Background())
			require.NoError(t, err)
			assert.Equal(t, AwaitingRedirect, g.Status().State)
		})
	}
}

func TestRedirectDeclined(t *testing.T) {
	p := newFakeProvider()
	store := newStore(t)
	g, state := armed(t, p, store)

	d := g.DeliverRedirect(context.Background(), Redirect{
		Error:            "access_denied",
		ErrorDescription: "The resource owner or authorization server denied the request",
		State:            state,
	})

	assert.Equal(t, Declined, d.Disposition)
	assert.Equal(t, "access_denied", d.ProviderError)

	st := g.Status()
	assert.Equal(t, Denied, st.State)
	assert.Equal(t, ReasonUserDeclined, st.Reason)
	assert.ErrorIs(t, st.Err, ErrUserDeclined)

	ex, ver := p.calls()
	assert.Zero(t, ex, "declined redirect must not reach the provider")
	assert.Zero(t, ver)
	assert.False(t, authorized(t, store))
}

func TestRedirectFiltering(t *testing.T) {
	g, state := armed(t, newFakeProvider(), newStore(t))

	d := g.DeliverRedirect(context.Background(), Redirect{Code: "abc123", State: "someone-elses-state"})
	assert.Equal(t, Ignored, d.Disposition)
	assert.ErrorIs(t, d.Err, ErrStateMismatch)

	d = g.DeliverRedirect(context.Background(), Redirect{State: state})
	assert.Equal(t, Ignored, d.Disposition)
	assert.ErrorIs(t, d.Err, ErrEmptyCode)

	d = g.DeliverRedirect(context.Background(), Redirect{Code: "abc123", State: state})
	assert.Equal(t, Accepted, d.Disposition)
	assert.Equal(t, "abc123", d.Code)

	d = g.DeliverRedirect(context.Background(), Redirect{Code: "abc123", State: state})
	assert.Equal(t, Ignored, d.Disposition)
	assert.ErrorIs(t, d.Err, ErrCodeConsumed)

	// Redirects without a state parameter are accepted.
	d = g.DeliverRedirect(context.Background(), Redirect{Code: "def456"})
	assert.Equal(t, Accepted, d.Disposition)

	assert.Equal(t, AwaitingRedirect, g.Status().State)
}

func TestCheckMembershipAllowed(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	p := newFakeProvider()
	p.member = func(ctx context.Context, token *discord.AccessToken, guildID string) (bool, error) {
		assert.Equal(t, "tok1", token.Value)
		assert.Equal(t, testGuild, guildID)
		return true, nil
	}
	store := newStore(t)
	g, _ := armed(t, p, store, func(o *Options) { o.Metrics = m })

	out := g.CheckMembership(context.Background(), "abc123")

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.True(t, out.HasMembership)
	require.NotNil(t, out.Token)
	assert.Equal(t, "tok1", out.Token.Value)
	assert.Empty(t, out.InviteURL)

	assert.Equal(t, Allowed, g.Status().State)
	assert.True(t, authorized(t, store))
	assert.InDelta(t, 1, testutil.ToFloat64(m.Outcomes.WithLabelValues("Allowed", "")), 0)
}

func TestCheckMembershipNotAMember(t *testing.T) {
	p := newFakeProvider()
	p.member = func(context.Context, *discord.AccessToken, string) (bool, error) { return false, nil }
	store := newStore(t)
	g, _ := armed(t, p, store)

	out := g.CheckMembership(context.Background(), "abc123")

	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.False(t, out.HasMembership)
	assert.Equal(t, ReasonNotAMember, out.Reason)
	assert.Equal(t, "https://discord.gg/ryuu", out.InviteURL)

	st := g.Status()
	assert.Equal(t, Denied, st.State)
	assert.ErrorIs(t, st.Err, ErrNotAMember)
	assert.False(t, authorized(t, store))
}

func TestCheckMembershipExchangeFailure(t *testing.T) {
	p := newFakeProvider()
	p.exchange = func(context.Context, string) (*discord.AccessToken, error) {
		return nil, &discord.ExchangeError{Status: 400, Body: `{"error":"invalid_grant"}`}
	}
	store := newStore(t)
	g, _ := armed(t, p, store)

	out := g.CheckMembership(context.Background(), "abc123")

	assert.False(t, out.Success)
	require.Error(t, out.Err)
	assert.Regexp(t, `^Token exchange failed: `, out.Err.Error())

	var exErr *discord.ExchangeError
	assert.ErrorAs(t, out.Err, &exErr)

	assert.Equal(t, Failed, g.Status().State)
	_, ver := p.calls()
	assert.Zero(t, ver)
	assert.False(t, authorized(t, store))
}

func TestCheckMembershipVerifyFailure(t *testing.T) {
	p := newFakeProvider()
	p.member = func(context.Context, *discord.AccessToken, string) (bool, error) {
		return false, &discord.VerifyError{Status: 401, Body: "401: Unauthorized"}
	}
	g, _ := armed(t, p, newStore(t))

	out := g.CheckMembership(context.Background(), "abc123")

	assert.False(t, out.Success)
	assert.Regexp(t, `^Membership check failed: `, out.Err.Error())
	assert.Equal(t, Failed, g.Status().State)
}

func TestCheckMembershipTimeout(t *testing.T) {
	p := newFakeProvider()
	p.exchange = func(ctx context.Context, code string) (*discord.AccessToken, error) {
		<-ctx.Done()
		return nil, &discord.TransportError{Op: "token exchange", Err: ctx.Err()}
	}
	g, _ := armed(t, p, newStore(t), func(o *Options) { o.ExchangeTimeout = 20 * time.Millisecond })

	out := g.CheckMembership(context.Background(), "abc123")

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
	var tErr *discord.TransportError
	require.ErrorAs(t, out.Err, &tErr)
	assert.True(t, tErr.Timeout())
	assert.Equal(t, Failed, g.Status().State)
}

func TestCheckMembershipRejectsUsedCode(t *testing.T) {
	p := newFakeProvider()
	p.exchange = func(context.Context, string) (*discord.AccessToken, error) {
		return nil, &discord.ExchangeError{Status: 400}
	}
	g, _ := armed(t, p, newStore(t))

	out := g.CheckMembership(context.Background(), "abc123")
	require.Error(t, out.Err)

	_, err := g.LoginURL(context.Background())
	require.NoError(t, err)

	out = g.CheckMembership(context.Background(), "abc123")
	assert.ErrorIs(t, out.Err, ErrCodeConsumed)
	assert.Equal(t, AwaitingRedirect, g.Status().State)

	ex, _ := p.calls()
	assert.Equal(t, 1, ex)
}

func TestCheckMembershipEmptyCode(t *testing.T) {
	g, _ := armed(t, newFakeProvider(), newStore(t))

	out := g.CheckMembership(context.Background(), "")
	assert.ErrorIs(t, out.Err, ErrEmptyCode)
	assert.Equal(t, AwaitingRedirect, g.Status().State)
}

func TestCheckMembershipConcurrentAndSuperseded(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	p := newFakeProvider()
	p.exchange = func(ctx context.Context, code string) (*discord.AccessToken, error) {
		close(entered)
		<-release
		return &discord.AccessToken{Value: "tok1"}, nil
	}
	store := newStore(t)
	g, _ := armed(t, p, store)

	done := make(chan Outcome, 1)
	go func() {
		done <- g.CheckMembership(context.Background(), "abc123")
	}()
	<-entered

	assert.Equal(t, ExchangingCode, g.Status().State)
	out := g.CheckMembership(context.Background(), "other-code")
	assert.ErrorIs(t, out.Err, ErrLoginInProgress)

	_, err := g.LoginURL(context.Background())
	require.NoError(t, err)
	newAttempt := g.Status().AttemptID

	close(release)
	out = <-done

	assert.ErrorIs(t, out.Err, ErrAttemptSuperseded)
	st := g.Status()
	assert.Equal(t, AwaitingRedirect, st.State)
	assert.Equal(t, newAttempt, st.AttemptID)
	assert.False(t, authorized(t, store))
}

func TestCheckMembershipMarkerWriteFailure(t *testing.T) {
	writeErr := errors.New("read-only filesystem")
	store := &failingStore{Store: newStore(t), writeErr: writeErr}
	g, _ := armed(t, newFakeProvider(), store)

	out := g.CheckMembership(context.Background(), "abc123")

	assert.False(t, out.Success)
	assert.ErrorIs(t, out.Err, writeErr)
	assert.Regexp(t, `^Session save failed: `, out.Err.Error())
	assert.Equal(t, Failed, g.Status().State)
}

func TestLogout(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.MarkAuthorized(context.Background()))
	g := newGate(t, newFakeProvider(), store)
	require.Equal(t, Allowed, g.Status().State)

	require.NoError(t, g.Logout(context.Background()))

	assert.Equal(t, Idle, g.Status().State)
	assert.False(t, authorized(t, store))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingRedirect", AwaitingRedirect.String())
	assert.Equal(t, "Unknown", State(42).String())
	assert.True(t, Denied.Terminal())
	assert.False(t, VerifyingMembership.Terminal())
}

// blockingStore holds MarkAuthorized until release is closed.
type blockingStore struct {
	session.Store
	entered chan struct{}
	release chan struct{}
}

func newBlockingStore(t *testing.T) *blockingStore {
	return &blockingStore{
		Store:   newStore(t),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *blockingStore) MarkAuthorized(ctx context.Context) error {
	close(s.entered)
	<-s.release
	return s.Store.MarkAuthorized(ctx)
}

func TestLogoutDuringMarkerWrite(t *testing.T) {
	store := newBlockingStore(t)
	g, _ := armed(t, newFakeProvider(), store)

	outcome := make(chan Outcome, 1)
	go func() { outcome <- g.CheckMembership(context.Background(), "abc123") }()
	<-store.entered

	loggedOut := make(chan error, 1)
	go func() { loggedOut <- g.Logout(context.Background()) }()

	select {
	case <-loggedOut:
		t.Fatal("Logout returned while the marker write was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)

	out := <-outcome
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	assert.True(t, out.HasMembership)
	require.NoError(t, <-loggedOut)

	assert.Equal(t, Idle, g.Status().State)
	assert.False(t, authorized(t, store))

	restarted := newGate(t, newFakeProvider(), store.Store)
	assert.Equal(t, Idle, restarted.Status().State)
}

func TestRequestLoginDuringMarkerWrite(t *testing.T) {
	store := newBlockingStore(t)
	g, _ := armed(t, newFakeProvider(), store)

	outcome := make(chan Outcome, 1)
	go func() { outcome <- g.CheckMembership(context.Background(), "abc123") }()
	<-store.entered

	rearmed := make(chan error, 1)
	go func() {
		_, err := g.LoginURL(context.Background())
		rearmed <- err
	}()

	select {
	case <-rearmed:
		t.Fatal("LoginURL returned while the marker write was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)

	out := <-outcome
	require.NoError(t, out.Err)
	assert.True(t, out.Success)
	require.NoError(t, <-rearmed)

	// The completed login stands; the new attempt starts from there.
	assert.Equal(t, AwaitingRedirect, g.Status().State)
	assert.True(t, authorized(t, store))
}
