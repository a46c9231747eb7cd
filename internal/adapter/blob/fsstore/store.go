// Package fsstore implements the blob store on a local directory. It backs
// single-binary development and the test suites; production deployments use
// the GCS store.
package fsstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// Store keeps objects as files under a root directory. Keys may contain
// slashes; they map to subdirectories.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if root == "" {
		var err error
		root, err = os.MkdirTemp("", "exports-blob-*")
		if err != nil {
			return nil, fmt.Errorf("op=fsstore.new: %w", err)
		}
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("op=fsstore.new: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the backing directory.
func (s *Store) Root() string { return s.root }

func (s *Store) path(key string) (string, error) {
	clean := filepath.Clean(key)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: invalid blob key %q", domain.ErrInvalidArgument, key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes a new object; an existing key fails with ErrConflict.
func (s *Store) Put(_ context.Context, key, _ string, r io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(p); err == nil {
		return fmt.Errorf("op=fsstore.put: %s: %w", key, domain.ErrConflict)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("op=fsstore.put: %w", err)
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("op=fsstore.put: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("op=fsstore.put: %w", err)
	}
	return f.Close()
}

// Get opens an object for reading.
func (s *Store) Get(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=fsstore.get: %s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=fsstore.get: %w", err)
	}
	return f, nil
}

// Delete removes an object; missing keys are not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("op=fsstore.delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every object under prefix.
func (s *Store) DeletePrefix(_ context.Context, prefix string) error {
	p, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("op=fsstore.delete_prefix: %w", err)
	}
	return nil
}

// SignedURL is unsupported; the download endpoint proxies bytes instead.
func (s *Store) SignedURL(context.Context, string, time.Duration) (string, error) {
	return "", domain.ErrNoSignedURL
}

// Exists reports whether key names a stored object.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("op=fsstore.exists: %w", err)
	}
	return true, nil
}
