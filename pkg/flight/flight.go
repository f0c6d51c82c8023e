// Package flight collapses concurrent identical operations into one execution
// and serializes work per key.
package flight

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// Group runs at most one invocation of a function per key at a time. Callers
// that arrive while a call is in flight wait for it and receive the same
// result or error. Once the call completes the key is forgotten, so the next
// call starts a fresh invocation.
//
// A caller whose context is cancelled stops waiting, but the shared call keeps
// running to completion so that later duplicates can still observe its
// result. The function therefore receives a context detached from the
// caller's cancellation.
type Group struct {
	g        singleflight.Group
	executed atomic.Int64
	shared   atomic.Int64
}

// Result is the outcome of Do.
type Result struct {
	Value  any
	Shared bool
}

// Do executes fn for key, deduplicating concurrent callers.
func (g *Group) Do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (Result, error) {
	detached := context.WithoutCancel(ctx)

	ch := g.g.DoChan(key, func() (any, error) {
		g.executed.Add(1)
		return fn(detached)
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.shared.Add(1)
		}
		return Result{Value: res.Val, Shared: res.Shared}, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stats returns the number of executions performed and the number of
// results delivered to callers that shared another caller's execution.
func (g *Group) Stats() (executed, shared int64) {
	return g.executed.Load(), g.shared.Load()
}

// Serializer runs functions one at a time per key. Unlike Group, every
// caller's function runs; callers with the same key simply queue behind one
// another. Keys with no waiters are released.
type Serializer struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewSerializer creates an empty Serializer.
func NewSerializer() *Serializer {
	return &Serializer{locks: make(map[string]*keyLock)}
}

// Run acquires key, calls fn, and releases key. It returns ctx.Err() without
// calling fn if ctx is done before the key is acquired.
func (s *Serializer) Run(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l := s.acquireRef(key)
	defer s.releaseRef(key, l)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.ch }()

	return fn(ctx)
}

// Len returns the number of keys currently held or waited on.
func (s *Serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Serializer) acquireRef(key string) *keyLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = l
	}
	l.refs++
	return l
}

func (s *Serializer) releaseRef(key string, l *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, key)
	}
}
