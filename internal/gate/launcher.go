package gate

import (
	"io"

	"github.com/pkg/browser"
)

// Launcher opens an authorization URL for the user.
type Launcher interface {
	Open(url string) error
}

// LauncherFunc adapts a function to a Launcher.
type LauncherFunc func(url string) error

// Open calls f(url).
func (f LauncherFunc) Open(url string) error {
	return f(url)
}

// SystemBrowser opens URLs in the desktop's default browser.
type SystemBrowser struct{}

// Open launches the default browser on url.
func (SystemBrowser) Open(url string) error {
	// Keep the browser's own chatter off the daemon's stdout.
	browser.Stdout = io.Discard
	browser.Stderr = io.Discard
	return browser.OpenURL(url)
}
