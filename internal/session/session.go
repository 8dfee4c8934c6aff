// Package session persists the durable "authorized" marker that lets the
// gate skip the login flow on later starts.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ryuuseigun/ryuu-gate/internal/config"
)

// Marker is the persisted form of a successful membership verification.
// It deliberately holds no token.
type Marker struct {
	Authorized   bool      `json:"authorized"`
	AuthorizedAt time.Time `json:"authorized_at"`
}

// Store reads and writes the session marker.
// Implementations must make MarkAuthorized and Clear atomic: a crash
// mid-write leaves either the old or the new marker, never a torn one.
type Store interface {
	// Authorized reports whether a marker is present.
	Authorized(ctx context.Context) (bool, error)

	// MarkAuthorized records a successful verification.
	MarkAuthorized(ctx context.Context) error

	// Clear removes the marker. Clearing an absent marker is not an error.
	Clear(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

// Open returns the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg *config.SessionConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendFile, "":
		return NewFileStore(cfg.Path)
	case config.BackendSQLite:
		return NewSQLiteStore(ctx, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}
