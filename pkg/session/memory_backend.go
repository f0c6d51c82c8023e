package session

import (
	"context"
	"sync"
)

// MemoryBackend keeps snapshots in a map. It is useful for tests and for
// single-process deployments that accept losing state on restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Context
	closed   bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*Context)}
}

// Load implements Backend.
func (b *MemoryBackend) Load(_ context.Context, sessionID, _ string) (*Context, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrStorageClosed
	}
	sc, ok := b.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sc.Clone(), nil
}

// Save implements Backend.
func (b *MemoryBackend) Save(_ context.Context, sessionID string, sc *Context, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrStorageClosed
	}
	b.sessions[sessionID] = sc.Clone()
	return nil
}

// Close implements Backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
