package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"sync"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
	// ErrEmptySessionID is returned for operations without a session ID.
	ErrEmptySessionID = errors.New("session id is required")
)

// Backend abstracts session persistence.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load retrieves a session context. userID may be empty.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Load(ctx context.Context, sessionID, userID string) (*Context, error)

	// Save creates or replaces a session context.
	Save(ctx context.Context, sessionID string, sc *Context, userID string) error

	// Close releases any resources held by the backend.
	Close() error
}

// Patch is a partial update. Nil fields are left untouched. Cache entries are
// merged key by key.
type Patch struct {
	UserID        *string
	ProviderRef   *string
	CredentialRef *string
	Remote        *RemoteSession
	ClearRemote   bool
	Mandate       *mandate.Mandate
	ClearMandate  bool
	Triad         *Triad
	Plan          *Plan
	ClearPlan     bool
	Signup        *Signup
	CacheSet      map[string]CacheEntry
	CacheDelete   []string
}

func (p Patch) apply(c *Context) {
	if p.UserID != nil {
		c.UserID = *p.UserID
	}
	if p.ProviderRef != nil {
		c.ProviderRef = *p.ProviderRef
	}
	if p.CredentialRef != nil {
		c.CredentialRef = *p.CredentialRef
	}
	if p.ClearRemote {
		c.Remote = nil
	}
	if p.Remote != nil {
		r := *p.Remote
		c.Remote = &r
	}
	if p.ClearMandate {
		c.Mandate = nil
	}
	if p.Mandate != nil {
		c.Mandate = (&Context{Mandate: p.Mandate}).Clone().Mandate
	}
	if p.Triad != nil {
		c.Triad = (&Context{Triad: *p.Triad}).Clone().Triad
	}
	if p.ClearPlan {
		c.Plan = nil
	}
	if p.Plan != nil {
		c.Plan = (&Context{Plan: p.Plan}).Clone().Plan
	}
	if p.Signup != nil {
		c.Signup = (&Context{Signup: *p.Signup}).Clone().Signup
	}
	if len(p.CacheSet) > 0 && c.Cache == nil {
		c.Cache = make(map[string]CacheEntry, len(p.CacheSet))
	}
	maps.Copy(c.Cache, p.CacheSet)
	for _, k := range p.CacheDelete {
		delete(c.Cache, k)
	}
}

// Store owns the in-memory SessionContexts and writes them through to a
// Backend asynchronously. Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*entry

	backend        Backend
	persistTimeout time.Duration
	now            func() time.Time
	onPersistError func(sessionID string, err error)

	pmu     sync.Mutex
	pending map[string]pendingSave
	flushMu sync.Mutex
	kick    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  bool
}

type entry struct {
	ctx        *Context
	lastAccess time.Time
}

type pendingSave struct {
	snapshot *Context
	userID   string
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithPersistTimeout bounds each backend Save.
func WithPersistTimeout(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.persistTimeout = d
		}
	}
}

// WithPersistErrorHook is called whenever a backend Save fails.
func WithPersistErrorHook(fn func(sessionID string, err error)) StoreOption {
	return func(s *Store) { s.onPersistError = fn }
}

// NewStore creates a Store persisting to backend. A nil backend keeps state
// in memory only.
func NewStore(backend Backend, opts ...StoreOption) *Store {
	s := &Store{
		sessions:       make(map[string]*entry),
		backend:        backend,
		persistTimeout: 5 * time.Second,
		now:            time.Now,
		pending:        make(map[string]pendingSave),
		kick:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.persistLoop()
	return s
}

// Get returns a snapshot of the session's context, creating an empty one if
// it does not exist in memory or in the backend.
func (s *Store) Get(ctx context.Context, sessionID string) (*Context, error) {
	return s.GetFor(ctx, sessionID, "")
}

// GetFor is Get with a user hint passed to the backend on load.
func (s *Store) GetFor(ctx context.Context, sessionID, userID string) (*Context, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	e, err := s.acquire(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return e.ctx.Clone(), nil
}

// Update merges patch into the latest snapshot and schedules persistence.
// It returns the merged snapshot. Persistence failures are logged and never
// returned.
func (s *Store) Update(ctx context.Context, sessionID string, patch Patch) (*Context, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	e, err := s.acquire(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}

	patch.apply(e.ctx)
	e.ctx.UpdatedAt = e.lastAccess
	e.ctx.Version++
	snapshot := e.ctx.Clone()
	s.mu.Unlock()

	s.schedulePersist(snapshot)
	return snapshot.Clone(), nil
}

// Reset re-initializes the session to an empty context.
func (s *Store) Reset(ctx context.Context, sessionID string) (*Context, error) {
	if sessionID == "" {
		return nil, ErrEmptySessionID
	}
	e, err := s.acquire(ctx, sessionID, "")
	if err != nil {
		return nil, err
	}

	fresh := New(sessionID, e.lastAccess)
	fresh.Version = e.ctx.Version + 1
	e.ctx = fresh
	snapshot := fresh.Clone()
	s.mu.Unlock()

	s.schedulePersist(snapshot)
	return snapshot.Clone(), nil
}

// Len returns the number of sessions held in memory.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep drops in-memory sessions idle for longer than idle and prunes
// expired cache entries from the rest. Evicted sessions remain in the
// backend and are reloaded on next access.
func (s *Store) Sweep(idle time.Duration) (evicted, pruned int) {
	s.pmu.Lock()
	unsaved := make(map[string]bool, len(s.pending))
	for id := range s.pending {
		unsaved[id] = true
	}
	s.pmu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, e := range s.sessions {
		if idle > 0 && now.Sub(e.lastAccess) > idle && !unsaved[id] {
			delete(s.sessions, id)
			evicted++
			continue
		}
		for k, ce := range e.ctx.Cache {
			if !ce.LiveAt(now) {
				delete(e.ctx.Cache, k)
				pruned++
			}
		}
	}
	return evicted, pruned
}

// Flush synchronously writes all pending snapshots to the backend.
func (s *Store) Flush() {
	s.flushPending()
}

// Close flushes pending writes and closes the backend.
func (s *Store) Close() error {
	s.pmu.Lock()
	if s.closed {
		s.pmu.Unlock()
		return nil
	}
	s.closed = true
	s.pmu.Unlock()

	close(s.stop)
	<-s.done

	if s.backend != nil {
		return s.backend.Close()
	}
	return nil
}

// testHookEnsured runs between loading an entry and locking it.
var testHookEnsured = func() {}

// acquire returns sessionID's entry with s.mu held and its access time
// stamped. An entry evicted by Sweep after ensure returned it is never
// written to; the session is looked up again instead.
func (s *Store) acquire(ctx context.Context, sessionID, userID string) (*entry, error) {
	for {
		e, err := s.ensure(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		testHookEnsured()
		s.mu.Lock()
		if s.sessions[sessionID] == e {
			e.lastAccess = s.now()
			return e, nil
		}
		s.mu.Unlock()
	}
}

func (s *Store) ensure(ctx context.Context, sessionID, userID string) (*entry, error) {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if ok {
		return e, nil
	}

	var loaded *Context
	if s.backend != nil {
		sc, err := s.backend.Load(ctx, sessionID, userID)
		switch {
		case err == nil:
			loaded = sc
		case errors.Is(err, ErrSessionNotFound):
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			log.Printf("[session] load %s failed, starting empty: %v", sessionID, err)
		}
	}
	if loaded == nil {
		loaded = New(sessionID, s.now())
	}
	loaded.SessionID = sessionID

	s.mu.Lock()
	defer s.mu.Unlock()
	// Another caller may have created the entry while we were loading.
	if e, ok := s.sessions[sessionID]; ok {
		return e, nil
	}
	e = &entry{ctx: loaded, lastAccess: s.now()}
	s.sessions[sessionID] = e
	return e, nil
}

func (s *Store) schedulePersist(snapshot *Context) {
	if s.backend == nil {
		return
	}
	s.pmu.Lock()
	if s.closed {
		s.pmu.Unlock()
		log.Printf("[session] store closed, dropping write for %s", snapshot.SessionID)
		return
	}
	s.pending[snapshot.SessionID] = pendingSave{snapshot: snapshot, userID: snapshot.UserID}
	s.pmu.Unlock()

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) persistLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.kick:
			s.flushPending()
		case <-s.stop:
			s.flushPending()
			return
		}
	}
}

func (s *Store) flushPending() {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.pmu.Lock()
	batch := s.pending
	s.pending = make(map[string]pendingSave)
	s.pmu.Unlock()

	if s.backend == nil {
		return
	}

	for id, p := range batch {
		ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
		err := s.backend.Save(ctx, id, p.snapshot, p.userID)
		cancel()
		if err != nil {
			log.Printf("[session] persist %s failed: %v", id, fmt.Errorf("save: %w", err))
			if s.onPersistError != nil {
				s.onPersistError(id, err)
			}
		}
	}
}
