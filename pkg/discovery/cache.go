package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/flight"
	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// ErrCacheMiss signals that no live entry exists. It is a control-flow
// signal, not a failure.
var ErrCacheMiss = errors.New("cache miss")

const (
	// DefaultTTL is how long a discovery result is served from cache.
	DefaultTTL = 10 * time.Minute

	// DefaultEmptyTTL is used for results with no programs so new listings
	// show up sooner.
	DefaultEmptyTTL = 30 * time.Second
)

// Outcome describes how Resolve produced its result.
type Outcome string

const (
	OutcomeHit      Outcome = "hit"
	OutcomeFastPath Outcome = "fast_path"
	OutcomeFallback Outcome = "fallback"
	OutcomeFull     Outcome = "full"
)

// Query is passed to a FetchFunc. Target is set for a narrowed fast-path
// query and nil for the full query.
type Query struct {
	Plan   session.Plan
	Target *session.FastPathTarget
}

// Narrowed reports whether q targets a single program.
func (q Query) Narrowed() bool {
	return q.Target != nil
}

// FetchFunc performs the remote discovery call.
type FetchFunc func(ctx context.Context, q Query) ([]Program, error)

// EntryStore holds cache entries. Implementations need not check expiry;
// Cache does.
type EntryStore interface {
	Get(ctx context.Context, key Key) (session.CacheEntry, bool, error)
	Set(ctx context.Context, key Key, e session.CacheEntry) error
}

// Cache is a TTL cache over an EntryStore with a single Resolve entry point.
type Cache struct {
	store    EntryStore
	group    *flight.Group
	ttl      time.Duration
	emptyTTL time.Duration
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets the lifetime of cached results.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithEmptyTTL sets the lifetime of cached empty results. Zero disables
// caching of empty results.
func WithEmptyTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl >= 0 {
			c.emptyTTL = ttl
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithGroup shares a single-flight group with other components.
func WithGroup(g *flight.Group) Option {
	return func(c *Cache) { c.group = g }
}

// NewCache creates a Cache backed by store.
func NewCache(store EntryStore, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		group:    &flight.Group{},
		ttl:      DefaultTTL,
		emptyTTL: DefaultEmptyTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithStore returns a Cache sharing c's settings and single-flight group but
// reading and writing store.
func (c *Cache) WithStore(store EntryStore) *Cache {
	cp := *c
	cp.store = store
	return &cp
}

// Get returns the cached programs for key or ErrCacheMiss. Entries at or past
// their expiry are treated as absent.
func (c *Cache) Get(ctx context.Context, key Key) ([]Program, error) {
	var (
		e   session.CacheEntry
		ok  bool
		err error
	)
	if t, tiered := c.store.(Tiered); tiered {
		e, ok, err = t.GetLive(ctx, key, c.now())
	} else {
		e, ok, err = c.store.Get(ctx, key)
	}
	if err != nil {
		return nil, fmt.Errorf("cache get: %w", err)
	}
	if !ok || !e.LiveAt(c.now()) {
		return nil, ErrCacheMiss
	}

	var programs []Program
	if err := json.Unmarshal(e.Payload, &programs); err != nil {
		return nil, fmt.Errorf("decode cached programs: %w", err)
	}
	return programs, nil
}

// Put stores programs under key for ttl.
func (c *Cache) Put(ctx context.Context, key Key, programs []Program, ttl time.Duration) error {
	if programs == nil {
		programs = []Program{}
	}
	payload, err := json.Marshal(programs)
	if err != nil {
		return fmt.Errorf("encode programs: %w", err)
	}
	return c.store.Set(ctx, key, session.CacheEntry{Payload: payload, ExpiresAt: c.now().Add(ttl)})
}

// Resolve returns programs for plan, consulting the cache first.
//
// On a miss with a fast-path target, fetch is first called with a query
// narrowed to the target. An empty or failed narrowed result falls back to
// the full query. Only full-query results are cached, so the narrowed answer
// never stands in for the full plan.
func (c *Cache) Resolve(ctx context.Context, plan *session.Plan, fetch FetchFunc, target *session.FastPathTarget) ([]Program, Outcome, error) {
	key := PlanKey(plan)

	programs, err := c.Get(ctx, key)
	switch {
	case err == nil:
		return programs, OutcomeHit, nil
	case !errors.Is(err, ErrCacheMiss):
		log.Printf("[discovery] cache read for %s failed, fetching: %v", key, err)
	}

	flightKey := string(key)
	if target != nil {
		flightKey += "#" + target.ProgramRef
	}

	type resolved struct {
		programs []Program
		outcome  Outcome
	}

	res, err := c.group.Do(ctx, flightKey, func(ctx context.Context) (any, error) {
		if target != nil {
			narrowed, err := fetch(ctx, Query{Plan: *plan, Target: target})
			if err == nil && len(narrowed) > 0 {
				return resolved{narrowed, OutcomeFastPath}, nil
			}
			if err != nil {
				log.Printf("[discovery] fast path for %s failed, falling back: %v", target.ProgramRef, err)
			}
		}

		full, err := fetch(ctx, Query{Plan: *plan})
		if err != nil {
			return nil, err
		}

		ttl := c.ttl
		if len(full) == 0 {
			ttl = c.emptyTTL
		}
		if ttl > 0 {
			if err := c.Put(ctx, key, full, ttl); err != nil {
				log.Printf("[discovery] cache write for %s failed: %v", key, err)
			}
		}

		outcome := OutcomeFull
		if target != nil {
			outcome = OutcomeFallback
		}
		return resolved{full, outcome}, nil
	})
	if err != nil {
		return nil, "", err
	}

	r := res.Value.(resolved)
	return r.programs, r.outcome, nil
}
