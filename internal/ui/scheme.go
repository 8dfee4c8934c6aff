package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
)

// DesktopFile is the name of the desktop entry that handles the redirect
// scheme.
const DesktopFile = "ryuu-gate-handler.desktop"

// desktopEnv holds the XDG locations used to register the scheme handler
type desktopEnv struct {
	DataHome string `env:"XDG_DATA_HOME"`
	Home     string `env:"HOME"`
}

// schemePattern follows RFC 3986: a letter, then letters, digits, "+", "-" or ".".
var schemePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9+.\-]*$`)

func parseDesktopEnv() (*desktopEnv, error) {
	var e desktopEnv
	if err := env.Parse(&e); err != nil {
		return nil, fmt.Errorf("failed to parse desktop environment: %w", err)
	}
	return &e, nil
}

// applicationsDir is $XDG_DATA_HOME/applications, defaulting XDG_DATA_HOME
// to ~/.local/share.
func (e *desktopEnv) applicationsDir() (string, error) {
	if e.DataHome != "" {
		return filepath.Join(e.DataHome, "applications"), nil
	}
	if e.Home == "" {
		return "", fmt.Errorf("neither XDG_DATA_HOME nor HOME is set")
	}
	return filepath.Join(e.Home, ".local", "share", "applications"), nil
}

// DesktopEntry renders a desktop entry that hands scheme URLs to
// "exe handle-url".
func DesktopEntry(scheme, exe string) string {
	var b strings.Builder
	b.WriteString("[Desktop Entry]\n")
	b.WriteString("Type=Application\n")
	b.WriteString("Name=Ryuu Gate\n")
	b.WriteString("Comment=Completes Discord logins for Ryuu Gate\n")
	fmt.Fprintf(&b, "Exec=%s handle-url %%u\n", quoteExec(exe))
	b.WriteString("Terminal=false\n")
	b.WriteString("NoDisplay=true\n")
	fmt.Fprintf(&b, "MimeType=x-scheme-handler/%s;\n", strings.ToLower(scheme))
	return b.String()
}

// RegisterScheme writes the desktop entry for scheme under the user's XDG
// applications directory and returns its path. Making it the default
// handler is left to xdg-mime.
func RegisterScheme(scheme, exe string) (string, error) {
	if !schemePattern.MatchString(scheme) {
		return "", fmt.Errorf("invalid URI scheme %q", scheme)
	}
	if scheme == "http" || scheme == "https" {
		return "", fmt.Errorf("refusing to register a handler for %s", scheme)
	}
	if exe == "" {
		return "", fmt.Errorf("executable path is required")
	}

	e, err := parseDesktopEnv()
	if err != nil {
		return "", err
	}
	dir, err := e.applicationsDir()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create applications directory: %w", err)
	}

	path := filepath.Join(dir, DesktopFile)
	if err := os.WriteFile(path, []byte(DesktopEntry(scheme, exe)), 0600); err != nil {
		return "", fmt.Errorf("failed to write desktop entry: %w", err)
	}

	return path, nil
}

// quoteExec quotes an Exec argument per the desktop entry rules.
func quoteExec(arg string) string {
	if !strings.ContainsAny(arg, " \t\n\"'\\><~|&;$*?#()`") {
		return arg
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`)
	return `"` + r.Replace(arg) + `"`
}
