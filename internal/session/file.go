package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileStore keeps the marker in a small JSON document.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewFileStore creates a FileStore writing to path. The file and its
// directory are created on the first MarkAuthorized.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session file path is empty")
	}
	return &FileStore{path: filepath.Clean(path), now: time.Now}, nil
}

// Path returns the marker file location.
func (s *FileStore) Path() string {
	return s.path
}

// Authorized reports whether the marker file says authorized.
// A missing or unparsable file reads as not authorized.
func (s *FileStore) Authorized(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read session file: %w", err)
	}

	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Warn("ignoring unparsable session file", "path", s.path, "error", err)
		return false, nil
	}

	return m.Authorized, nil
}

// MarkAuthorized writes the marker via a temp file in the same directory,
// fsyncs it, and renames it over the old one.
func (s *FileStore) MarkAuthorized(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(Marker{Authorized: true, AuthorizedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode session marker: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp session file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp session file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	committed = true

	syncDir(dir)

	slog.Debug("wrote session marker", "path", s.path)
	return nil
}

// Clear removes the marker file.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}

	slog.Debug("cleared session marker", "path", s.path)
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// syncDir flushes the directory entry after a rename. Best effort.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
