package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// MemoryEntries is a process-wide EntryStore.
type MemoryEntries struct {
	mu      sync.RWMutex
	entries map[Key]session.CacheEntry
}

// NewMemoryEntries creates an empty store.
func NewMemoryEntries() *MemoryEntries {
	return &MemoryEntries{entries: make(map[Key]session.CacheEntry)}
}

// Get implements EntryStore.
func (m *MemoryEntries) Get(_ context.Context, key Key) (session.CacheEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

// Set implements EntryStore.
func (m *MemoryEntries) Set(_ context.Context, key Key, e session.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = e
	return nil
}

// Sweep removes entries expired at now and returns how many were removed.
func (m *MemoryEntries) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, e := range m.entries {
		if !e.LiveAt(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

// Len returns the number of entries, live or not.
func (m *MemoryEntries) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// SessionEntries stores entries in one session's context so they are
// persisted with it.
type SessionEntries struct {
	store     *session.Store
	sessionID string
}

// NewSessionEntries returns an EntryStore over sessionID's cache map.
func NewSessionEntries(store *session.Store, sessionID string) *SessionEntries {
	return &SessionEntries{store: store, sessionID: sessionID}
}

// Get implements EntryStore.
func (s *SessionEntries) Get(ctx context.Context, key Key) (session.CacheEntry, bool, error) {
	sc, err := s.store.Get(ctx, s.sessionID)
	if err != nil {
		return session.CacheEntry{}, false, err
	}
	e, ok := sc.Cache[string(key)]
	return e, ok, nil
}

// Set implements EntryStore.
func (s *SessionEntries) Set(ctx context.Context, key Key, e session.CacheEntry) error {
	_, err := s.store.Update(ctx, s.sessionID, session.Patch{
		CacheSet: map[string]session.CacheEntry{string(key): e},
	})
	return err
}

// RedisEntries shares entries across processes. Redis expiry mirrors
// ExpiresAt so stale keys are also dropped server-side.
type RedisEntries struct {
	client *redis.Client
	prefix string
}

// NewRedisEntries creates a Redis-backed EntryStore.
func NewRedisEntries(client *redis.Client, prefix string) *RedisEntries {
	if prefix == "" {
		prefix = "signup:discovery:"
	}
	return &RedisEntries{client: client, prefix: prefix}
}

// Get implements EntryStore.
func (r *RedisEntries) Get(ctx context.Context, key Key) (session.CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+string(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.CacheEntry{}, false, nil
		}
		return session.CacheEntry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var e session.CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return session.CacheEntry{}, false, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, true, nil
}

// Set implements EntryStore.
func (r *RedisEntries) Set(ctx context.Context, key Key, e session.CacheEntry) error {
	ttl := time.Until(e.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+string(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Tiered reads from each store in order and writes to all of them. A live
// hit in a later tier is copied into the earlier ones, and an expired entry
// never hides a live one further down.
type Tiered []EntryStore

// Get implements EntryStore.
func (t Tiered) Get(ctx context.Context, key Key) (session.CacheEntry, bool, error) {
	return t.GetLive(ctx, key, time.Now())
}

// GetLive returns the first entry live at now. With no live entry it
// returns the first expired one, if any, and the caller treats it as a miss.
func (t Tiered) GetLive(ctx context.Context, key Key, now time.Time) (session.CacheEntry, bool, error) {
	var (
		firstErr error
		stale    session.CacheEntry
		hasStale bool
	)
	for i, s := range t {
		e, ok, err := s.Get(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		if !e.LiveAt(now) {
			if !hasStale {
				stale, hasStale = e, true
			}
			continue
		}
		for _, earlier := range t[:i] {
			if err := earlier.Set(ctx, key, e); err != nil {
				log.Printf("[discovery] backfill of %s failed: %v", key, err)
			}
		}
		return e, true, nil
	}
	if hasStale {
		return stale, true, nil
	}
	return session.CacheEntry{}, false, firstErr
}

// Set implements EntryStore.
func (t Tiered) Set(ctx context.Context, key Key, e session.CacheEntry) error {
	var errs []error
	for _, s := range t {
		if err := s.Set(ctx, key, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
