package discord

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrEmptyCode is returned when Exchange is called without a code.
	ErrEmptyCode = errors.New("authorization code is empty")

	// ErrCodeReused is returned when a code was already sent to the token
	// endpoint by this client. No request is made.
	ErrCodeReused = errors.New("authorization code was already exchanged")

	// ErrEmptyGuildID is returned when HasMembership is called without a guild.
	ErrEmptyGuildID = errors.New("required guild ID is empty")

	// ErrEmptyToken is returned when a membership check is attempted without
	// an access token.
	ErrEmptyToken = errors.New("access token is empty")
)

// ExchangeError reports a token endpoint response that did not yield a token.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("token endpoint returned status %d", e.Status)
	}
	return fmt.Sprintf("token endpoint returned status %d: %s", e.Status, e.Body)
}

// VerifyError reports a guilds endpoint response that could not be used,
// either a non-2xx status or a body that is not a guild list.
type VerifyError struct {
	Status int
	Body   string
	Err    error
}

func (e *VerifyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("guilds endpoint returned unusable response (status %d): %v", e.Status, e.Err)
	}
	if e.Body == "" {
		return fmt.Sprintf("guilds endpoint returned status %d", e.Status)
	}
	return fmt.Sprintf("guilds endpoint returned status %d: %s", e.Status, e.Body)
}

func (e *VerifyError) Unwrap() error { return e.Err }

// TransportError reports a failure to reach the provider at all: DNS,
// connection, TLS, or a deadline expiring before a response arrived.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline.
func (e *TransportError) Timeout() bool {
	var ne net.Error
	if errors.As(e.Err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}
