package mandate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Manager decides between reusing and minting mandates.
//
// Manager never retries on its own. Callers that observe a remote rejection
// of a mandate may call Refresh exactly once; anything beyond that is the
// caller's policy to refuse.
type Manager struct {
	issuer Issuer
	ttl    time.Duration
	grace  time.Duration
	now    func() time.Time
	debug  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lifetime of minted mandates.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithGrace sets the reuse safety margin.
func WithGrace(grace time.Duration) Option {
	return func(m *Manager) {
		if grace >= 0 {
			m.grace = grace
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDebug enables verbose logging of reuse decisions.
func WithDebug(debug bool) Option {
	return func(m *Manager) {
		m.debug = debug
	}
}

// NewManager creates a Manager that signs with issuer.
func NewManager(issuer Issuer, opts ...Option) *Manager {
	m := &Manager{
		issuer: issuer,
		ttl:    DefaultTTL,
		grace:  DefaultGrace,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Grace returns the configured reuse margin.
func (m *Manager) Grace() time.Duration {
	return m.grace
}

// Ensure returns a mandate covering required for subj. The current mandate is
// returned unchanged when it belongs to the same user and provider, covers
// required and now < ValidUntil - Grace. Otherwise a new mandate is minted
// and minted is true.
func (m *Manager) Ensure(ctx context.Context, subj Subject, required []Scope) (md *Mandate, minted bool, err error) {
	subj.Current = subj.current()
	if subj.Current.Satisfies(required, m.now(), m.grace) {
		if m.debug {
			log.Printf("[mandate] reusing %s for %s (valid until %s)", subj.Current.ID, subj.UserID, subj.Current.ValidUntil.Format(time.RFC3339))
		}
		return subj.Current, false, nil
	}

	md, err = m.mint(ctx, subj, required)
	if err != nil {
		return nil, false, err
	}
	return md, true, nil
}

// Refresh mints a new mandate regardless of the current one's validity.
func (m *Manager) Refresh(ctx context.Context, subj Subject, required []Scope) (*Mandate, error) {
	return m.mint(ctx, subj, required)
}

func (m *Manager) mint(ctx context.Context, subj Subject, required []Scope) (*Mandate, error) {
	if subj.UserID == "" {
		return nil, &AuthError{Reason: ReasonMissingIdentity}
	}
	if subj.ProviderRef == "" {
		return nil, &AuthError{Reason: ReasonMissingProvider}
	}

	var previous []Scope
	if subj.current() != nil {
		previous = subj.Current.Scopes
	}
	scopes := UnionScopes(previous, required)

	now := m.now()
	validUntil := now.Add(m.ttl)
	claims := Claims{
		ID:        uuid.New().String(),
		Subject:   subj.UserID,
		Issuer:    subj.ProviderRef,
		Scopes:    scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: validUntil.Unix(),
	}

	token, err := m.issuer.Issue(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("failed to issue mandate: %w", err)
	}

	return &Mandate{
		ID:         claims.ID,
		Token:      token,
		Subject:    subj.UserID,
		Issuer:     subj.ProviderRef,
		Scopes:     scopes,
		IssuedAt:   now,
		ValidUntil: validUntil,
	}, nil
}
