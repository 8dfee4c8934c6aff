package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:5173", cfg.Listen.HTTP)
	assert.Equal(t, "https://discord.com/api/oauth2/token", cfg.Discord.TokenURL)
	assert.Equal(t, "https://discord.com/api/users/@me/guilds", cfg.Discord.GuildsURL)
	assert.Equal(t, 10, cfg.Auth.ExchangeTimeout)
	assert.Equal(t, 10, cfg.Auth.VerifyTimeout)
	assert.Equal(t, BackendFile, cfg.Session.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	assert.Equal(t, "/run/user/1000/ryuu-gate/bridge.sock", DefaultSocketPath())

	t.Setenv("XDG_RUNTIME_DIR", "")
	assert.Equal(t, filepath.Join(os.TempDir(), "ryuu-gate", "bridge.sock"), DefaultSocketPath())
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		wantErr     bool
		errContains string
	}{
		{
			name: "valid config",
			configYAML: `
listen:
  http: "127.0.0.1:5173"
  socket: "/tmp/test.sock"
discord:
  client_id: "1234567890"
  redirect_uri: "http://localhost:5173/auth/callback"
  required_guild_id: "123"
  scopes:
    - identify
    - guilds
auth:
  exchange_timeout: 10
  verify_timeout: 10
session:
  backend: sqlite
  path: "/tmp/ryuu-session.db"
log:
  level: "info"
  format: "json"
`,
			wantErr: false,
		},
		{
			name: "custom scheme redirect",
			configYAML: `
discord:
  client_id: "1234567890"
  redirect_uri: "ryuu://callback"
  required_guild_id: "123"
`,
			wantErr: false,
		},
		{
			name: "missing client_id",
			configYAML: `
discord:
  redirect_uri: "http://localhost:5173/auth/callback"
  required_guild_id: "123"
`,
			wantErr:     true,
			errContains: "client_id is required",
		},
		{
			name: "missing guild",
			configYAML: `
discord:
  client_id: "1234567890"
  redirect_uri: "http://localhost:5173/auth/callback"
`,
			wantErr:     true,
			errContains: "required_guild_id is required",
		},
		{
			name: "relative redirect_uri",
			configYAML: `
discord:
  client_id: "1234567890"
  redirect_uri: "/auth/callback"
  required_guild_id: "123"
`,
			wantErr:     true,
			errContains: "absolute URI",
		},
		{
			name: "scopes missing guilds",
			configYAML: `
discord:
  client_id: "1234567890"
  required_guild_id: "123"
  scopes:
    - identify
`,
			wantErr:     true,
			errContains: "must include 'guilds'",
		},
		{
			name: "invalid token url",
			configYAML: `
discord:
  client_id: "1234567890"
  required_guild_id: "123"
  token_url: "discord.com/api/oauth2/token"
`,
			wantErr:     true,
			errContains: "discord.token_url must be a valid HTTP(S) URL",
		},
		{
			name: "unknown session backend",
			configYAML: `
discord:
  client_id: "1234567890"
  required_guild_id: "123"
session:
  backend: "localstorage"
`,
			wantErr:     true,
			errContains: "session.backend must be one of",
		},
		{
			name: "invalid log level",
			configYAML: `
discord:
  client_id: "1234567890"
  required_guild_id: "123"
log:
  level: "verbose"
`,
			wantErr:     true,
			errContains: "log.level must be one of",
		},
		{
			name: "invalid yaml",
			configYAML: `
this is not: valid: yaml:
  bad: [syntax
`,
			wantErr:     true,
			errContains: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.configYAML), 0600))

			cfg, err := Load(path)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cfg)
		})
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("RYUU_DISCORD_CLIENT_SECRET", "env-secret")
	t.Setenv("RYUU_DISCORD_GUILD_ID", "999")
	t.Setenv("RYUU_DISCORD_SCOPES", "identify,guilds,email")
	t.Setenv("RYUU_LOG_LEVEL", "debug")

	configYAML := `
discord:
  client_id: "1234567890"
  client_secret: "yaml-secret"
  required_guild_id: "123"
log:
  level: "info"
`

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.Discord.ClientSecret)
	assert.Equal(t, "999", cfg.Discord.RequiredGuildID)
	assert.Equal(t, []string{"identify", "guilds", "email"}, cfg.Discord.Scopes)
	assert.Equal(t, "debug", cfg.Log.Level)
	// untouched by env
	assert.Equal(t, "1234567890", cfg.Discord.ClientID)
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Listen.Socket = "/tmp/test.sock"
	cfg.Discord.ClientID = "1234567890"
	cfg.Discord.RequiredGuildID = "123"
	cfg.Session.Path = "/tmp/session.json"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "exchange timeout too high",
			modify: func(c *Config) {
				c.Auth.ExchangeTimeout = 600
			},
			wantErr: true,
			errMsg:  "auth.exchange_timeout must be between",
		},
		{
			name: "verify timeout zero",
			modify: func(c *Config) {
				c.Auth.VerifyTimeout = 0
			},
			wantErr: true,
			errMsg:  "auth.verify_timeout must be between",
		},
		{
			name: "invite url not http",
			modify: func(c *Config) {
				c.Discord.InviteURL = "discord.gg/abc"
			},
			wantErr: true,
			errMsg:  "invite_url",
		},
		{
			name: "http redirect without host",
			modify: func(c *Config) {
				c.Discord.RedirectURI = "http:///auth/callback"
			},
			wantErr: true,
			errMsg:  "must include a host",
		},
		{
			name: "TLS enabled without cert",
			modify: func(c *Config) {
				c.TLS.Enabled = true
				c.TLS.CertFile = ""
			},
			wantErr: true,
			errMsg:  "are required when TLS is enabled",
		},
		{
			name: "empty socket",
			modify: func(c *Config) {
				c.Listen.Socket = ""
			},
			wantErr: true,
			errMsg:  "listen.socket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()

			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCallbackPath(t *testing.T) {
	tests := []struct {
		redirect string
		want     string
	}{
		{"http://localhost:5173/auth/callback", "/auth/callback"},
		{"http://localhost:5173", "/"},
		{"ryuu://callback", ""},
	}

	for _, tt := range tests {
		d := DiscordConfig{RedirectURI: tt.redirect}
		assert.Equal(t, tt.want, d.CallbackPath(), "CallbackPath(%q)", tt.redirect)
	}
}

func TestRedact(t *testing.T) {
	cfg := &Config{
		Discord: DiscordConfig{
			ClientSecret: "super-secret",
			Scopes:       []string{"identify", "guilds"},
		},
	}

	redacted := cfg.Redact()

	assert.Equal(t, "[REDACTED]", redacted.Discord.ClientSecret)

	// Original should be unchanged
	assert.Equal(t, "super-secret", cfg.Discord.ClientSecret)

	redacted.Discord.Scopes[0] = "changed"
	assert.Equal(t, "identify", cfg.Discord.Scopes[0], "scopes slice shared with original")
}

func TestSetupLogging(t *testing.T) {
	old := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(old)
	})

	ctx := context.Background()

	SetupLogging(&LogConfig{Level: "debug", Format: "json"})
	assert.True(t, slog.Default().Enabled(ctx, slog.LevelDebug))

	SetupLogging(&LogConfig{Level: "error", Format: "text"})
	assert.False(t, slog.Default().Enabled(ctx, slog.LevelInfo))
	assert.True(t, slog.Default().Enabled(ctx, slog.LevelError))
}
