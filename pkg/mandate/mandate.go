// Package mandate issues and verifies short-lived, scope-limited capability
// tokens ("mandates") that gate every consequential remote action taken on a
// user's behalf.
//
// A Mandate is reused while it covers the requested scopes and is not within
// the grace window of its expiry. Otherwise the Manager mints a fresh one whose
// scope set is the union of what was previously granted and what is now
// required.
package mandate

import (
	"slices"
	"time"
)

// Scope names a single delegated capability.
type Scope string

// Well-known scopes used by the signup flow.
const (
	ScopeAuthenticate Scope = "authenticate"
	ScopeReadListings Scope = "read-listings"
	ScopeRegister     Scope = "register"
	ScopePay          Scope = "pay"
)

const (
	// DefaultTTL is the lifetime given to a newly minted mandate.
	DefaultTTL = 5 * time.Minute

	// DefaultGrace is subtracted from a mandate's expiry when deciding
	// whether it can still be reused.
	DefaultGrace = 60 * time.Second
)

// Mandate is a signed capability token together with the claims it encodes.
type Mandate struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	Subject    string    `json:"subject"`
	Issuer     string    `json:"issuer"`
	Scopes     []Scope   `json:"scopes"`
	IssuedAt   time.Time `json:"issued_at"`
	ValidUntil time.Time `json:"valid_until"`
}

// Covers reports whether the mandate grants every scope in required.
func (m *Mandate) Covers(required []Scope) bool {
	if m == nil {
		return false
	}
	for _, s := range required {
		if !slices.Contains(m.Scopes, s) {
			return false
		}
	}
	return true
}

// UsableAt reports whether the mandate is still reusable at now, that is
// now < ValidUntil - grace.
func (m *Mandate) UsableAt(now time.Time, grace time.Duration) bool {
	if m == nil || m.Token == "" {
		return false
	}
	return now.Before(m.ValidUntil.Add(-grace))
}

// Satisfies combines Covers and UsableAt.
func (m *Mandate) Satisfies(required []Scope, now time.Time, grace time.Duration) bool {
	return m.Covers(required) && m.UsableAt(now, grace)
}

// UnionScopes returns the sorted, de-duplicated union of a and b.
func UnionScopes(a, b []Scope) []Scope {
	out := make([]Scope, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Subject carries the parts of a conversation the Manager needs to decide
// whether a mandate can be reused or must be minted.
type Subject struct {
	UserID      string
	ProviderRef string
	Current     *Mandate
}

// current returns Current if it was issued for the same user and provider,
// and nil otherwise. A mandate never carries over to another provider.
func (s Subject) current() *Mandate {
	if s.Current == nil || s.Current.Subject != s.UserID || s.Current.Issuer != s.ProviderRef {
		return nil
	}
	return s.Current
}
