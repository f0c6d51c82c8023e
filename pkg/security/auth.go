// Package security holds the identity, rate limiting, audit and input
// hygiene pieces shared by the HTTP surface and the tool channel.
package security

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
)

// IdentityIssuer is the issuer claim carried by identity tokens. It is
// distinct from any provider ref so an identity token can never be replayed
// as a mandate.
const IdentityIssuer = "signup-agent"

// ErrUnauthenticated is returned when a presented credential is rejected.
var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is an authenticated end user.
type Principal struct {
	ID       string
	Name     string
	Roles    []string
	Metadata map[string]string
}

// AuthContext carries who is making a request and from where.
type AuthContext struct {
	Principal   *Principal
	Token       string
	SessionID   string
	IPAddress   string
	UserAgent   string
	RequestTime time.Time
}

// Authenticator resolves a presented credential to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// TokenAuthenticator accepts signed identity tokens.
type TokenAuthenticator struct {
	verifier mandate.Verifier
}

// NewTokenAuthenticator creates an authenticator over v.
func NewTokenAuthenticator(v mandate.Verifier) *TokenAuthenticator {
	return &TokenAuthenticator{verifier: v}
}

// Authenticate implements Authenticator.
func (a *TokenAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing identity token", ErrUnauthenticated)
	}
	claims, err := mandate.Authorize(ctx, a.verifier, token, IdentityIssuer, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return &Principal{ID: claims.Subject}, nil
}

// IssueIdentity signs an identity token for userID valid for ttl.
func IssueIdentity(ctx context.Context, issuer mandate.Issuer, userID string, ttl time.Duration, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	return issuer.Issue(ctx, mandate.Claims{
		ID:        fmt.Sprintf("id-%s-%d", userID, now.UnixNano()),
		Subject:   userID,
		Issuer:    IdentityIssuer,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
}

// APIKeyAuthenticator maps static keys to principals. It is meant for local
// development and tests.
type APIKeyAuthenticator struct {
	keys map[string]*Principal
	mu   sync.RWMutex
}

// NewAPIKeyAuthenticator creates an empty authenticator.
func NewAPIKeyAuthenticator() *APIKeyAuthenticator {
	return &APIKeyAuthenticator{keys: make(map[string]*Principal)}
}

// AddKey registers key for principal.
func (a *APIKeyAuthenticator) AddKey(key string, principal *Principal) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys[key] = principal
}

// Authenticate implements Authenticator using constant-time comparison.
func (a *APIKeyAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing key", ErrUnauthenticated)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	for key, principal := range a.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			return principal, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown key", ErrUnauthenticated)
}

// Chain tries each authenticator in order and returns the first success.
type Chain []Authenticator

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context, token string) (*Principal, error) {
	var errs []error
	for _, a := range c {
		p, err := a.Authenticate(ctx, token)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, ErrUnauthenticated
	}
	return nil, errors.Join(errs...)
}

type contextKey string

const authContextKey contextKey = "auth_context"

// WithAuthContext attaches authCtx to ctx.
func WithAuthContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, authCtx)
}

// GetAuthContext returns the AuthContext attached to ctx, if any.
func GetAuthContext(ctx context.Context) (*AuthContext, bool) {
	authCtx, ok := ctx.Value(authContextKey).(*AuthContext)
	return authCtx, ok && authCtx != nil
}

// UserIDFromContext returns the authenticated user id or "".
func UserIDFromContext(ctx context.Context) string {
	if authCtx, ok := GetAuthContext(ctx); ok && authCtx.Principal != nil {
		return authCtx.Principal.ID
	}
	return ""
}
