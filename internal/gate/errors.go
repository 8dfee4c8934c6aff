package gate

import "errors"

var (
	// ErrUserDeclined means the provider redirected back with an error
	// instead of a code, normally because consent was refused.
	ErrUserDeclined = errors.New("authorization was declined on the provider page")

	// ErrNotAMember means the user authenticated but is not in the required guild.
	ErrNotAMember = errors.New("user is not a member of the required guild")

	// ErrNoLoginInProgress is returned for redirects and membership checks
	// that arrive when no login attempt is waiting for them.
	ErrNoLoginInProgress = errors.New("no login in progress")

	// ErrLoginInProgress is returned for a membership check that arrives
	// while another one is still running.
	ErrLoginInProgress = errors.New("membership check already in progress")

	// ErrAttemptSuperseded is returned when a newer login request replaced
	// the attempt while its network calls were in flight.
	ErrAttemptSuperseded = errors.New("login attempt was superseded by a newer one")

	// ErrCodeConsumed is returned for a code that was already delivered or exchanged.
	ErrCodeConsumed = errors.New("authorization code was already used")

	// ErrEmptyCode is returned for a membership check without a code.
	ErrEmptyCode = errors.New("authorization code is empty")

	// ErrStateMismatch is returned for a redirect whose state parameter does
	// not belong to the current attempt.
	ErrStateMismatch = errors.New("redirect state does not match the current login attempt")
)

// StepError reports which step of a login attempt failed. Its message is
// what the UI shows, e.g. "Token exchange failed: ...".
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return e.Step + " failed: " + e.Err.Error()
}

func (e *StepError) Unwrap() error { return e.Err }

// Step names used in StepError.
const (
	StepLaunch   = "Browser launch"
	StepExchange = "Token exchange"
	StepVerify   = "Membership check"
	StepSession  = "Session save"
)
