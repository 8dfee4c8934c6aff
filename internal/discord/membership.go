package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// Guild is the subset of a partial guild object the gate cares about.
type Guild struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner bool   `json:"owner"`
}

// ListGuilds fetches the guilds of the user the token belongs to.
// Discord's default page of 200 covers the per-user guild limit, so no
// pagination is done.
func (c *Client) ListGuilds(ctx context.Context, token *AccessToken) ([]Guild, error) {
	if token == nil || token.Value == "" {
		return nil, ErrEmptyToken
	}

	ctx = c.withHTTPClient(ctx)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token.Value,
		TokenType:   token.TokenType,
	}))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.guildsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build guilds request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "list guilds", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &TransportError{Op: "read guilds response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &VerifyError{Status: resp.StatusCode, Body: truncate(string(body))}
	}

	var guilds []Guild
	if err := json.Unmarshal(body, &guilds); err != nil {
		return nil, &VerifyError{Status: resp.StatusCode, Err: fmt.Errorf("decode guild list: %w", err)}
	}
	if guilds == nil {
		return nil, &VerifyError{Status: resp.StatusCode, Err: errors.New("guild list is null")}
	}
	for i, g := range guilds {
		if g.ID == "" {
			return nil, &VerifyError{Status: resp.StatusCode, Err: fmt.Errorf("guild %d has no id", i)}
		}
	}

	return guilds, nil
}

// HasMembership reports whether the token's user is in requiredGuildID.
// Guild IDs are compared exactly; an empty guild list yields false.
func (c *Client) HasMembership(ctx context.Context, token *AccessToken, requiredGuildID string) (bool, error) {
	if requiredGuildID == "" {
		return false, ErrEmptyGuildID
	}

	guilds, err := c.ListGuilds(ctx, token)
	if err != nil {
		return false, err
	}

	for _, g := range guilds {
		if g.ID == requiredGuildID {
			return true, nil
		}
	}
	return false, nil
}
