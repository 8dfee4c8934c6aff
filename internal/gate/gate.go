// Package gate implements the login state machine: it starts a login
// attempt, filters the provider redirect, runs the code exchange and the
// guild membership check, and records the allow decision.
package gate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ryuuseigun/ryuu-gate/internal/discord"
	"github.com/ryuuseigun/ryuu-gate/internal/logsanitize"
	"github.com/ryuuseigun/ryuu-gate/internal/metrics"
	"github.com/ryuuseigun/ryuu-gate/internal/session"
)

// DefaultTimeout bounds each provider call when Options leaves it unset.
const DefaultTimeout = 10 * time.Second

// Provider is the OAuth provider the gate talks to.
// *discord.Client implements it.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*discord.AccessToken, error)
	HasMembership(ctx context.Context, token *discord.AccessToken, guildID string) (bool, error)
	Consumed(code string) bool
}

// Options configures a Gate.
type Options struct {
	Provider Provider
	Store    session.Store

	// Launcher opens the authorization page. Nil disables launching;
	// RequestLogin then only returns the URL.
	Launcher Launcher

	// GuildID is the guild the user must belong to.
	GuildID string

	// InviteURL is offered to users who are not members. Optional.
	InviteURL string

	ExchangeTimeout time.Duration
	VerifyTimeout   time.Duration

	Metrics *metrics.Metrics
}

// Redirect is the query of an intercepted provider redirect.
type Redirect struct {
	Code             string
	Error            string
	ErrorDescription string
	State            string
}

// Disposition says what the gate did with a redirect.
type Disposition int

const (
	// Ignored redirects change nothing.
	Ignored Disposition = iota
	// Accepted redirects carry a fresh code for the current attempt.
	Accepted
	// Declined redirects carried an error and moved the gate to Denied.
	Declined
)

func (d Disposition) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	default:
		return "ignored"
	}
}

// Delivery is the result of DeliverRedirect.
type Delivery struct {
	Disposition Disposition

	// Code is set when Accepted.
	Code string

	// ProviderError is the provider's error parameter when Declined.
	ProviderError string

	// Err explains why a redirect was Ignored.
	Err error
}

// Outcome is the result of CheckMembership.
type Outcome struct {
	// Success is true when the attempt reached Allowed or Denied(not_a_member).
	Success bool

	HasMembership bool

	// Token is the access token obtained by the attempt. Set when Success.
	Token *discord.AccessToken

	// Reason is set for Denied.
	Reason string

	// InviteURL is set for Denied(not_a_member) when configured.
	InviteURL string

	// Err is set when Success is false. Its message is suitable for the UI.
	Err error
}

type attempt struct {
	id        string
	state     string
	authURL   string
	startedAt time.Time
	delivered map[string]struct{}
}

// Gate is the login state machine. One Gate exists per daemon.
type Gate struct {
	provider        Provider
	store           session.Store
	launcher        Launcher
	guildID         string
	inviteURL       string
	exchangeTimeout time.Duration
	verifyTimeout   time.Duration
	metrics         *metrics.Metrics

	// markerMu serializes session marker writes with Logout and with arming
	// a new attempt. Lock order is markerMu, then mu.
	markerMu sync.Mutex

	mu      sync.Mutex
	status  Status
	attempt *attempt
}

// New creates a Gate. The initial state is Allowed if the store holds a
// session marker and Idle otherwise. The provider is not contacted.
func New(ctx context.Context, opts Options) (*Gate, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if opts.GuildID == "" {
		return nil, fmt.Errorf("required guild ID is empty")
	}
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = DefaultTimeout
	}
	if opts.VerifyTimeout <= 0 {
		opts.VerifyTimeout = DefaultTimeout
	}

	g := &Gate{
		provider:        opts.Provider,
		store:           opts.Store,
		launcher:        opts.Launcher,
		guildID:         opts.GuildID,
		inviteURL:       opts.InviteURL,
		exchangeTimeout: opts.ExchangeTimeout,
		verifyTimeout:   opts.VerifyTimeout,
		metrics:         opts.Metrics,
		status:          Status{State: Idle},
	}

	authorized, err := opts.Store.Authorized(ctx)
	if err != nil {
		slog.Warn("failed to read session marker, starting logged out", "error", err)
	}
	if authorized {
		g.status = Status{State: Allowed}
		slog.Info("session marker present, access allowed")
	}

	return g, nil
}

// Status returns the current state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// RequestLogin starts a new login attempt and opens the authorization page.
// It is valid from every state; an attempt already in progress is abandoned.
// A launch failure moves the gate to Failed. The URL is returned either way.
func (g *Gate) RequestLogin(ctx context.Context) (string, error) {
	a, err := g.arm()
	if err != nil {
		return "", err
	}

	if g.launcher == nil {
		return a.authURL, nil
	}

	if err := g.launcher.Open(a.authURL); err != nil {
		err = &StepError{Step: StepLaunch, Err: err}
		slog.Error("failed to open authorization page", "attempt", a.id, "error", err)
		g.finish(a, Status{State: Failed, Err: err})
		return a.authURL, err
	}

	slog.Info("opened authorization page", "attempt", a.id)
	return a.authURL, nil
}

// LoginURL starts a new login attempt like RequestLogin but leaves opening
// the returned URL to the caller.
func (g *Gate) LoginURL(ctx context.Context) (string, error) {
	a, err := g.arm()
	if err != nil {
		return "", err
	}
	return a.authURL, nil
}

func (g *Gate) arm() (*attempt, error) {
	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state: %w", err)
	}

	a := &attempt{
		id:        uuid.NewString(),
		state:     state,
		startedAt: time.Now(),
		delivered: make(map[string]struct{}),
	}
	a.authURL = g.provider.AuthCodeURL(state)

	g.markerMu.Lock()
	defer g.markerMu.Unlock()

	g.mu.Lock()
	prev := g.status.State
	g.attempt = a
	g.status = Status{State: AwaitingRedirect, AttemptID: a.id}
	g.mu.Unlock()

	g.metrics.IncLoginRequests()
	slog.Info("login requested", "attempt", a.id, "previous_state", prev.String())
	return a, nil
}

// DeliverRedirect applies an intercepted provider redirect.
//
// Redirects are only considered while a login attempt awaits one. A redirect
// carrying an error moves the gate to Denied(user_declined) without any
// network call. A redirect whose state does not match the attempt, or whose
// code was already seen, is ignored.
func (g *Gate) DeliverRedirect(ctx context.Context, r Redirect) Delivery {
	d := g.deliver(r)
	g.metrics.IncRedirect(d.Disposition.String())
	return d
}

func (g *Gate) deliver(r Redirect) Delivery {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status.State != AwaitingRedirect || g.attempt == nil {
		slog.Info("ignoring redirect", "state", g.status.State.String(), "reason", ErrNoLoginInProgress)
		return Delivery{Disposition: Ignored, Err: ErrNoLoginInProgress}
	}
	a := g.attempt

	if r.State != "" && r.State != a.state {
		slog.Warn("ignoring redirect with mismatched state", "attempt", a.id)
		return Delivery{Disposition: Ignored, Err: ErrStateMismatch}
	}

	if r.Error != "" {
		slog.Info("authorization declined",
			"attempt", a.id,
			"error", logsanitize.Sanitize(r.Error),
			"description", logsanitize.Sanitize(r.ErrorDescription),
		)
		g.attempt = nil
		g.status = Status{State: Denied, Reason: ReasonUserDeclined, Err: ErrUserDeclined, AttemptID: a.id}
		g.metrics.IncOutcome(Denied.String(), ReasonUserDeclined)
		return Delivery{Disposition: Declined, ProviderError: r.Error}
	}

	if r.Code == "" {
		return Delivery{Disposition: Ignored, Err: ErrEmptyCode}
	}

	if _, seen := a.delivered[r.Code]; seen || g.provider.Consumed(r.Code) {
		slog.Info("ignoring duplicate redirect", "attempt", a.id, "code", logsanitize.Mask(r.Code))
		return Delivery{Disposition: Ignored, Err: ErrCodeConsumed}
	}
	a.delivered[r.Code] = struct{}{}

	slog.Info("authorization code received", "attempt", a.id, "code", logsanitize.Mask(r.Code))
	return Delivery{Disposition: Accepted, Code: r.Code}
}

// CheckMembership exchanges code for a token and checks the token's user
// against the required guild. It is only valid while an attempt awaits a
// redirect; otherwise the returned Outcome carries the reason it was ignored
// and the state is left untouched.
//
// Each provider call runs under its own timeout. Errors move the gate to
// Failed. A non-member moves it to Denied(not_a_member). A member has the
// session marker written and moves it to Allowed.
func (g *Gate) CheckMembership(ctx context.Context, code string) Outcome {
	a, err := g.beginCheck(code)
	if err != nil {
		slog.Info("ignoring membership check", "reason", err)
		return Outcome{Err: err}
	}

	start := time.Now()
	exCtx, cancel := context.WithTimeout(ctx, g.exchangeTimeout)
	token, err := g.provider.Exchange(exCtx, code)
	cancel()
	g.metrics.ObserveExchange(start)

	if err != nil {
		err = &StepError{Step: StepExchange, Err: err}
		slog.Error("token exchange failed", "attempt", a.id, "error", logsanitize.Sanitize(err.Error()))
		return g.finish(a, Status{State: Failed, Err: err})
	}

	if !g.advance(a, VerifyingMembership) {
		return Outcome{Err: ErrAttemptSuperseded}
	}

	start = time.Now()
	vCtx, cancel := context.WithTimeout(ctx, g.verifyTimeout)
	member, err := g.provider.HasMembership(vCtx, token, g.guildID)
	cancel()
	g.metrics.ObserveVerify(start)

	if err != nil {
		err = &StepError{Step: StepVerify, Err: err}
		slog.Error("membership check failed", "attempt", a.id, "error", logsanitize.Sanitize(err.Error()))
		return g.finish(a, Status{State: Failed, Err: err})
	}

	if !member {
		slog.Info("user is not a member of the required guild", "attempt", a.id)
		out := g.finish(a, Status{State: Denied, Reason: ReasonNotAMember, Err: ErrNotAMember})
		if out.Err == nil {
			out.Token = token
		}
		return out
	}

	// Held until Allowed is applied so a Logout or new attempt cannot land
	// between the marker write and the state change.
	g.markerMu.Lock()
	defer g.markerMu.Unlock()

	if !g.current(a) {
		return Outcome{Err: ErrAttemptSuperseded}
	}

	if err := g.store.MarkAuthorized(ctx); err != nil {
		err = &StepError{Step: StepSession, Err: err}
		slog.Error("failed to write session marker", "attempt", a.id, "error", err)
		return g.finish(a, Status{State: Failed, Err: err})
	}

	slog.Info("membership verified, access allowed",
		"attempt", a.id,
		"duration", time.Since(a.startedAt).Round(time.Millisecond),
	)
	out := g.finish(a, Status{State: Allowed})
	if out.Err == nil {
		out.Token = token
	}
	return out
}

func (g *Gate) beginCheck(code string) (*attempt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.status.State {
	case AwaitingRedirect:
	case ExchangingCode, VerifyingMembership:
		return nil, ErrLoginInProgress
	default:
		return nil, ErrNoLoginInProgress
	}

	if code == "" {
		return nil, ErrEmptyCode
	}
	if g.provider.Consumed(code) {
		return nil, ErrCodeConsumed
	}

	a := g.attempt
	g.status = Status{State: ExchangingCode, AttemptID: a.id}
	return a, nil
}

// advance moves a still-current attempt to state.
func (g *Gate) advance(a *attempt, state State) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.attempt != a {
		return false
	}
	g.status = Status{State: state, AttemptID: a.id}
	return true
}

func (g *Gate) current(a *attempt) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempt == a
}

// finish applies a terminal status for a and builds the matching Outcome.
// Nothing is applied if a newer attempt has replaced a.
func (g *Gate) finish(a *attempt, st Status) Outcome {
	g.mu.Lock()
	if g.attempt != a {
		g.mu.Unlock()
		slog.Info("discarding result of superseded attempt", "attempt", a.id, "state", st.State.String())
		return Outcome{Err: ErrAttemptSuperseded}
	}
	st.AttemptID = a.id
	g.attempt = nil
	g.status = st
	g.mu.Unlock()

	g.metrics.IncOutcome(st.State.String(), st.Reason)

	switch st.State {
	case Allowed:
		return Outcome{Success: true, HasMembership: true}
	case Denied:
		return Outcome{Success: true, HasMembership: false, Reason: st.Reason, InviteURL: g.inviteURL}
	default:
		return Outcome{Err: st.Err}
	}
}

// Logout clears the session marker and returns the gate to Idle.
func (g *Gate) Logout(ctx context.Context) error {
	g.markerMu.Lock()
	defer g.markerMu.Unlock()

	if err := g.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear session marker: %w", err)
	}

	g.mu.Lock()
	g.attempt = nil
	g.status = Status{State: Idle}
	g.mu.Unlock()

	slog.Info("logged out")
	return nil
}

// IsIgnored reports whether err means an event was ignored rather than failed.
func IsIgnored(err error) bool {
	return errors.Is(err, ErrNoLoginInProgress) ||
		errors.Is(err, ErrLoginInProgress) ||
		errors.Is(err, ErrAttemptSuperseded) ||
		errors.Is(err, ErrCodeConsumed) ||
		errors.Is(err, ErrEmptyCode) ||
		errors.Is(err, ErrStateMismatch)
}

// generateState creates a random state parameter for CSRF protection.
// The state is 16 random bytes encoded as hex (32 characters).
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
