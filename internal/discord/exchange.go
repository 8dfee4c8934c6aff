package discord

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/oauth2"
)

// maxErrorBody bounds how much of a provider error body is kept in errors.
const maxErrorBody = 512

// AccessToken is a bearer credential returned by the token endpoint.
// It is held in memory only.
type AccessToken struct {
	// Value is the opaque access token string.
	Value string `json:"-"`

	// TokenType is the token type reported by the provider, normally "Bearer".
	TokenType string

	// Scopes are the scopes the provider actually granted.
	Scopes []string

	// Expiry is when the token stops being valid. Zero if unknown.
	Expiry time.Time
}

// Exchange trades an authorization code for an access token with a single
// POST to the token endpoint. The code is recorded as consumed before the
// request is sent, so a second call with the same code fails with
// ErrCodeReused whatever the outcome of the first.
func (c *Client) Exchange(ctx context.Context, code string) (*AccessToken, error) {
	if code == "" {
		return nil, ErrEmptyCode
	}
	if !c.consume(code) {
		return nil, ErrCodeReused
	}

	token, err := c.oauth2Config.Exchange(c.withHTTPClient(ctx), code)
	if err != nil {
		return nil, classifyExchangeError(err)
	}

	scope, _ := token.Extra("scope").(string)

	return &AccessToken{
		Value:     token.AccessToken,
		TokenType: token.Type(),
		Scopes:    strings.Fields(scope),
		Expiry:    token.Expiry,
	}, nil
}

// Consumed reports whether code has already been exchanged by this client.
func (c *Client) Consumed(code string) bool {
	sum := sha256.Sum256([]byte(code))

	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.consumed[sum]
	return ok
}

// consume records code and reports whether it was fresh.
// Only digests are kept so the raw codes never linger in memory.
func (c *Client) consume(code string) bool {
	sum := sha256.Sum256([]byte(code))

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.consumed[sum]; ok {
		return false
	}
	c.consumed[sum] = struct{}{}
	return true
}

func classifyExchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		return &ExchangeError{Status: status, Body: truncate(string(rerr.Body))}
	}

	if isTransport(err) {
		return &TransportError{Op: "token exchange", Err: err}
	}

	// A 2xx response the oauth2 package could not turn into a token,
	// e.g. one without access_token.
	return &ExchangeError{Status: http.StatusOK, Body: truncate(err.Error())}
}

func isTransport(err error) bool {
	var uerr *url.Error
	return errors.As(err, &uerr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxErrorBody {
		return s
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
