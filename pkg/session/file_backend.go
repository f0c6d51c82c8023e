package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrInvalidPathComponent is returned when a path component contains unsafe characters.
var ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")

// validatePathComponent checks that a string is safe to use as a path component.
// It rejects empty strings, path separators, and traversal sequences.
func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// FileBackend implements Backend using one JSON file per session.
// Storage layout:
//
//	~/.signup-agent/sessions/
//	  ├── <session-id>.json
//	  └── users/
//	      └── <user-id>/
//	          └── <session-id>      # empty marker, lists a user's sessions
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.signup-agent/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".signup-agent", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir: baseDir,
	}, nil
}

// Load implements Backend.
func (f *FileBackend) Load(_ context.Context, sessionID, _ string) (*Context, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	if err := validatePathComponent(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session ID: %w", err)
	}

	data, err := os.ReadFile(f.sessionPath(sessionID)) // #nosec G304 - path components validated to prevent traversal
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var sc Context
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &sc, nil
}

// Save implements Backend. The file is written to a temp path and renamed so
// a crash never leaves a truncated session behind.
func (f *FileBackend) Save(_ context.Context, sessionID string, sc *Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}

	if err := validatePathComponent(sessionID); err != nil {
		return fmt.Errorf("invalid session ID: %w", err)
	}

	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := f.sessionPath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename session file: %w", err)
	}

	if userID != "" {
		if err := validatePathComponent(userID); err != nil {
			return fmt.Errorf("invalid user ID: %w", err)
		}
		userDir := filepath.Join(f.baseDir, "users", userID)
		if err := os.MkdirAll(userDir, 0700); err != nil {
			return fmt.Errorf("create user directory: %w", err)
		}
		if err := os.WriteFile(filepath.Join(userDir, sessionID), nil, 0600); err != nil {
			return fmt.Errorf("write user index: %w", err)
		}
	}

	return nil
}

// ListByUser returns the session IDs saved for userID.
func (f *FileBackend) ListByUser(userID string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validatePathComponent(userID); err != nil {
		return nil, fmt.Errorf("invalid user ID: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(f.baseDir, "users", userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read user index: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Close implements Backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *FileBackend) sessionPath(sessionID string) string {
	return filepath.Join(f.baseDir, sessionID+".json")
}
