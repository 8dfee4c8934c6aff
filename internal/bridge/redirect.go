package bridge

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ryuuseigun/ryuu-gate/internal/gate"
)

// RedirectFromQuery extracts the provider's redirect parameters. Names are
// the provider's: code, error, error_description, state.
func RedirectFromQuery(q url.Values) gate.Redirect {
	return gate.Redirect{
		Code:             q.Get("code"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
		State:            q.Get("state"),
	}
}

// ParseRedirectURL checks that raw targets the configured redirect URI and
// returns its parameters.
func (b *Bridge) ParseRedirectURL(raw string) (gate.Redirect, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return gate.Redirect{}, fmt.Errorf("invalid redirect URL: %w", err)
	}

	if !sameEndpoint(u, b.redirectURI) {
		return gate.Redirect{}, fmt.Errorf("redirect URL does not match %s", b.redirectURI.Redacted())
	}

	return RedirectFromQuery(u.Query()), nil
}

// sameEndpoint compares scheme, host and path, ignoring the query.
// A bare "/" path equals an empty one, as desktop environments differ in
// how they hand custom scheme URLs over.
func sameEndpoint(got, want *url.URL) bool {
	if !strings.EqualFold(got.Scheme, want.Scheme) || !strings.EqualFold(got.Host, want.Host) {
		return false
	}
	return normalizePath(got.Path) == normalizePath(want.Path)
}

func normalizePath(p string) string {
	return strings.TrimSuffix(p, "/")
}
