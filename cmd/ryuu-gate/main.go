package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ryuuseigun/ryuu-gate/internal/config"
	"github.com/ryuuseigun/ryuu-gate/internal/daemon"
	"github.com/ryuuseigun/ryuu-gate/internal/ipc"
	"github.com/ryuuseigun/ryuu-gate/internal/ui"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = ui.ExitAllowed
	ExitError   = ui.ExitFailure
	ExitDenied  = ui.ExitDenied
	ExitConfig  = ui.ExitConfig
)

var rootCmd = &cobra.Command{
	Use:   "ryuu-gate",
	Short: "Discord server membership gate",
	Long: `Gates a desktop application behind membership of a Discord server.

This binary operates in two roles:
  - serve: Run the daemon that owns the OAuth flow and the session marker
  - login, status, logout, handle-url: Talk to a running daemon

The daemon exchanges the authorization code, checks the user's guilds and
remembers a successful check until logout. No token is ever written to disk.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gate daemon",
	Long: `Start the daemon that drives the Discord login.

The daemon:
  - Listens on a Unix socket for UI requests and event subscriptions
  - Serves the OAuth callback, /login, /health, /metrics and a websocket
    bridge on a loopback HTTP address
  - Exchanges authorization codes and checks guild membership
  - Persists the session marker after a successful check`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands so main() can call os.Exit() after
// cobra finishes. This avoids calling os.Exit() inside RunE which would
// bypass deferred functions. -1 means "use default".
var overrideExitCode = -1

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in with Discord",
	Long: `Open the Discord authorization page and wait for the result.

Exit codes:
  0 = Member of the required server, access allowed
  1 = Login could not complete
  2 = Authorization declined, or not a member`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the gate state",
	Long: `Print the daemon's gate state.

Exit codes:
  0 = Allowed
  1 = Any other state, or the daemon is unreachable
  2 = Denied`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the successful login",
	Args:  cobra.NoArgs,
	RunE:  runLogout,
}

var handleURLCmd = &cobra.Command{
	Use:   "handle-url <url>",
	Short: "Forward a redirect URL to the daemon",
	Long: `Forward a custom scheme redirect to the daemon.

The desktop environment runs this command when the browser follows the
redirect URI. See register-scheme.`,
	Args: cobra.ExactArgs(1),
	RunE: runHandleURL,
}

var registerSchemeCmd = &cobra.Command{
	Use:   "register-scheme",
	Short: "Register this binary as the redirect URI scheme handler",
	Long: `Write a desktop entry that hands the configured redirect URI scheme
to "ryuu-gate handle-url", and make it the default handler with xdg-mime
when available. Not needed when the redirect URI is an http(s) URL served
by the daemon.`,
	Args: cobra.NoArgs,
	RunE: runRegisterScheme,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the daemon.

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", config.DefaultPath(),
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(handleURLCmd)
	rootCmd.AddCommand(registerSchemeCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// commandContext returns the command's context, which tests leave unset.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// applyLogFlags overrides the configured log settings from flags.
func applyLogFlags(cfg *config.LogConfig) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
}

// runServe starts the daemon
func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	applyLogFlags(&cfg.Log)
	config.SetupLogging(&cfg.Log)

	slog.Info("starting ryuu-gate daemon",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)
	slog.Debug("effective configuration", "config", cfg.Redact())

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := daemon.New(ctx, cfg, daemon.Options{Version: version})
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run(ctx)
}

// newDriver builds a UI driver for the configured socket. A missing or
// invalid config falls back to the default socket path.
func newDriver(cmd *cobra.Command) *ui.Driver {
	logCfg := config.LogConfig{Level: "warn", Format: "text"}
	socketPath := config.DefaultSocketPath()

	if cfg, err := config.Load(configFile); err == nil {
		socketPath = cfg.Listen.Socket
		logCfg.Format = cfg.Log.Format
	}

	applyLogFlags(&logCfg)
	config.SetupLogging(&logCfg)

	var out io.Writer = os.Stdout
	if cmd != nil {
		out = cmd.OutOrStdout()
	}
	return ui.NewDriver(ipc.NewClient(socketPath), out)
}

// runLogin drives one login through the daemon
func runLogin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	overrideExitCode = newDriver(cmd).Login(ctx)
	return nil
}

// runStatus prints the gate state
func runStatus(cmd *cobra.Command, args []string) error {
	overrideExitCode = newDriver(cmd).Status(commandContext(cmd))
	return nil
}

// runLogout clears the session marker
func runLogout(cmd *cobra.Command, args []string) error {
	overrideExitCode = newDriver(cmd).Logout(commandContext(cmd))
	return nil
}

// runHandleURL forwards a redirect handed over by the desktop
func runHandleURL(cmd *cobra.Command, args []string) error {
	overrideExitCode = newDriver(cmd).HandleURL(commandContext(cmd), args[0])
	return nil
}

// runRegisterScheme installs the scheme handler for the redirect URI
func runRegisterScheme(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	redirect, err := url.Parse(cfg.Discord.RedirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if redirect.Scheme == "http" || redirect.Scheme == "https" {
		fmt.Printf("Redirect URI %s is served by the daemon; no scheme handler needed.\n", cfg.Discord.RedirectURI)
		return nil
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable: %w", err)
	}

	path, err := ui.RegisterScheme(redirect.Scheme, exe)
	if err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)

	mimeType := "x-scheme-handler/" + redirect.Scheme
	xdgMime, err := exec.LookPath("xdg-mime")
	if err != nil {
		fmt.Printf("xdg-mime not found; set %s as the handler for %s manually.\n", ui.DesktopFile, mimeType)
		return nil
	}

	// #nosec G204 -- arguments are a constant file name and a validated scheme
	if out, err := exec.CommandContext(commandContext(cmd), xdgMime, "default", ui.DesktopFile, mimeType).CombinedOutput(); err != nil {
		return fmt.Errorf("xdg-mime failed: %w: %s", err, out)
	}
	fmt.Printf("Registered %s for %s\n", ui.DesktopFile, mimeType)
	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("ryuu-gate version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", runtime.Version())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}

	callback := cfg.Discord.CallbackPath()
	if callback == "" {
		callback = "(custom scheme, see register-scheme)"
	}

	// Print configuration summary (with secrets redacted)
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Client ID:        %s\n", cfg.Discord.ClientID)
	fmt.Printf("  Redirect URI:     %s\n", cfg.Discord.RedirectURI)
	fmt.Printf("  Callback route:   %s\n", callback)
	fmt.Printf("  Scopes:           %v\n", cfg.Discord.Scopes)
	fmt.Printf("  Required Guild:   %s\n", cfg.Discord.RequiredGuildID)
	fmt.Printf("  Invite URL:       %s\n", cfg.Discord.InviteURL)
	fmt.Printf("  HTTP Listen:      %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Unix Socket:      %s\n", cfg.Listen.Socket)
	fmt.Printf("  Timeouts:         exchange %ds, verify %ds\n", cfg.Auth.ExchangeTimeout, cfg.Auth.VerifyTimeout)
	fmt.Printf("  Session:          %s (%s)\n", cfg.Session.Backend, cfg.Session.Path)
	fmt.Printf("  Log Level:        %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:       %s\n", cfg.Log.Format)
	fmt.Printf("  TLS Enabled:      %v\n", cfg.TLS.Enabled)

	if cfg.Discord.ClientSecret != "" {
		fmt.Println("\n  Client Secret:    [SET]")
	} else {
		fmt.Println("\n  Client Secret:    [NOT SET] (public client)")
	}

	fmt.Println("\n✅ Ready to start daemon")

	return nil
}
