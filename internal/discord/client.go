// Package discord implements the two Discord OAuth2 calls the gate needs:
// exchanging an authorization code for an access token and listing the
// guilds the token's user belongs to.
package discord

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/ryuuseigun/ryuu-gate/internal/config"
)

// defaultHTTPTimeout caps a single provider round trip when the caller's
// context carries no deadline.
const defaultHTTPTimeout = 30 * time.Second

// maxBodyBytes limits how much of a provider response is read.
const maxBodyBytes = 1 << 20

// Client talks to the Discord OAuth2 and user endpoints.
// It remembers every authorization code it has exchanged so that a code is
// never sent to the token endpoint twice.
type Client struct {
	oauth2Config *oauth2.Config
	guildsURL    string
	httpClient   *http.Client

	mu       sync.Mutex
	consumed map[[32]byte]struct{}
}

// NewClient creates a Client from the Discord section of the configuration.
// A nil httpClient selects a default client with a conservative timeout.
func NewClient(cfg *config.DiscordConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	return &Client{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL,
				TokenURL: cfg.TokenURL,
				// Credentials go in the form body. Leaving this on auto-detect
				// would retry a failed exchange with basic auth, sending the
				// same code twice.
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		guildsURL:  cfg.GuildsURL,
		httpClient: httpClient,
		consumed:   make(map[[32]byte]struct{}),
	}
}

// AuthCodeURL returns the provider authorization page URL for the given
// state parameter. It carries client_id, response_type=code, redirect_uri
// and the configured scopes.
func (c *Client) AuthCodeURL(state string) string {
	return c.oauth2Config.AuthCodeURL(state)
}

// withHTTPClient makes the oauth2 package use c.httpClient for ctx.
func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}
