package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Discord DiscordConfig `yaml:"discord"`
	Auth    AuthConfig    `yaml:"auth"`
	Session SessionConfig `yaml:"session"`
	TLS     TLSConfig     `yaml:"tls"`
	Log     LogConfig     `yaml:"log"`
}

// ListenConfig defines where the daemon listens for requests
type ListenConfig struct {
	HTTP   string `yaml:"http" env:"RYUU_LISTEN_HTTP"`     // Loopback HTTP address for the callback route
	Socket string `yaml:"socket" env:"RYUU_LISTEN_SOCKET"` // Unix socket path for the UI bridge
}

// DiscordConfig defines the OAuth2 application and the guild gate
type DiscordConfig struct {
	ClientID        string   `yaml:"client_id" env:"RYUU_DISCORD_CLIENT_ID"`
	ClientSecret    string   `yaml:"client_secret" env:"RYUU_DISCORD_CLIENT_SECRET"` // empty for public clients
	RedirectURI     string   `yaml:"redirect_uri" env:"RYUU_DISCORD_REDIRECT_URI"`   // must match the registered URI exactly
	Scopes          []string `yaml:"scopes" env:"RYUU_DISCORD_SCOPES" envSeparator:","`
	RequiredGuildID string   `yaml:"required_guild_id" env:"RYUU_DISCORD_GUILD_ID"`
	InviteURL       string   `yaml:"invite_url" env:"RYUU_DISCORD_INVITE_URL"` // shown to users who are not members
	AuthorizeURL    string   `yaml:"authorize_url" env:"RYUU_DISCORD_AUTHORIZE_URL"`
	TokenURL        string   `yaml:"token_url" env:"RYUU_DISCORD_TOKEN_URL"`
	GuildsURL       string   `yaml:"guilds_url" env:"RYUU_DISCORD_GUILDS_URL"`
}

// AuthConfig defines timeouts for the provider calls, in seconds
type AuthConfig struct {
	ExchangeTimeout int `yaml:"exchange_timeout" env:"RYUU_AUTH_EXCHANGE_TIMEOUT"`
	VerifyTimeout   int `yaml:"verify_timeout" env:"RYUU_AUTH_VERIFY_TIMEOUT"`
}

// SessionConfig defines where the session marker is persisted
type SessionConfig struct {
	Backend string `yaml:"backend" env:"RYUU_SESSION_BACKEND"` // file or sqlite
	Path    string `yaml:"path" env:"RYUU_SESSION_PATH"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level" env:"RYUU_LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"RYUU_LOG_FORMAT"` // json, text
}

// Session backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// maxTimeoutSeconds bounds the provider call timeouts.
const maxTimeoutSeconds = 120

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:   "127.0.0.1:5173",
			Socket: DefaultSocketPath(),
		},
		Discord: DiscordConfig{
			RedirectURI:  "http://localhost:5173/auth/callback",
			Scopes:       []string{"identify", "guilds"},
			AuthorizeURL: "https://discord.com/oauth2/authorize",
			TokenURL:     "https://discord.com/api/oauth2/token",
			GuildsURL:    "https://discord.com/api/users/@me/guilds",
		},
		Auth: AuthConfig{
			ExchangeTimeout: 10,
			VerifyTimeout:   10,
		},
		Session: SessionConfig{
			Backend: BackendFile,
			Path:    filepath.Join(userDir(os.UserConfigDir), "ryuu-gate", "session.json"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the config file location under the user's config directory.
func DefaultPath() string {
	return filepath.Join(userDir(os.UserConfigDir), "ryuu-gate", "config.yaml")
}

// DefaultSocketPath prefers XDG_RUNTIME_DIR and falls back to the temp dir.
func DefaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "ryuu-gate", "bridge.sock")
	}
	return filepath.Join(os.TempDir(), "ryuu-gate", "bridge.sock")
}

func userDir(lookup func() (string, error)) string {
	dir, err := lookup()
	if err != nil || dir == "" {
		return "."
	}
	return dir
}

// applyEnvOverrides applies RYUU_* environment variable overrides
func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate Discord config
	if c.Discord.ClientID == "" {
		return fmt.Errorf("discord.client_id is required")
	}

	if c.Discord.RedirectURI == "" {
		return fmt.Errorf("discord.redirect_uri is required")
	}
	redirect, err := url.Parse(c.Discord.RedirectURI)
	if err != nil || redirect.Scheme == "" {
		return fmt.Errorf("discord.redirect_uri must be an absolute URI")
	}
	if (redirect.Scheme == "http" || redirect.Scheme == "https") && redirect.Host == "" {
		return fmt.Errorf("discord.redirect_uri must include a host")
	}

	if c.Discord.RequiredGuildID == "" {
		return fmt.Errorf("discord.required_guild_id is required")
	}

	for _, scope := range []string{"identify", "guilds"} {
		if !slices.Contains(c.Discord.Scopes, scope) {
			return fmt.Errorf("discord.scopes must include '%s'", scope)
		}
	}

	endpoints := map[string]string{
		"discord.authorize_url": c.Discord.AuthorizeURL,
		"discord.token_url":     c.Discord.TokenURL,
		"discord.guilds_url":    c.Discord.GuildsURL,
	}
	for name, value := range endpoints {
		if !isHTTPURL(value) {
			return fmt.Errorf("%s must be a valid HTTP(S) URL", name)
		}
	}
	if c.Discord.InviteURL != "" && !isHTTPURL(c.Discord.InviteURL) {
		return fmt.Errorf("discord.invite_url must be a valid HTTP(S) URL")
	}

	// Validate auth config
	if c.Auth.ExchangeTimeout <= 0 || c.Auth.ExchangeTimeout > maxTimeoutSeconds {
		return fmt.Errorf("auth.exchange_timeout must be between 1 and %d seconds", maxTimeoutSeconds)
	}
	if c.Auth.VerifyTimeout <= 0 || c.Auth.VerifyTimeout > maxTimeoutSeconds {
		return fmt.Errorf("auth.verify_timeout must be between 1 and %d seconds", maxTimeoutSeconds)
	}

	// Validate session config
	if c.Session.Backend != BackendFile && c.Session.Backend != BackendSQLite {
		return fmt.Errorf("session.backend must be one of: file, sqlite")
	}
	if c.Session.Path == "" {
		return fmt.Errorf("session.path is required")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if c.Listen.Socket == "" {
		return fmt.Errorf("listen.socket is required")
	}

	return nil
}

// CallbackPath returns the local route that receives the provider redirect,
// or "" when the redirect URI uses a custom scheme.
func (c *DiscordConfig) CallbackPath() string {
	u, err := url.Parse(c.RedirectURI)
	if err != nil {
		return ""
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.Discord.Scopes != nil {
		redacted.Discord.Scopes = slices.Clone(c.Discord.Scopes)
	}
	if redacted.Discord.ClientSecret != "" {
		redacted.Discord.ClientSecret = "[REDACTED]"
	}
	return &redacted
}
