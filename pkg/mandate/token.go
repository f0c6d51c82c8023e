package mandate

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Claims is the payload encoded in a capability token.
type Claims struct {
	ID        string  `json:"jti"`
	Subject   string  `json:"sub"`
	Issuer    string  `json:"iss"`
	Scopes    []Scope `json:"scopes"`
	IssuedAt  int64   `json:"iat"`
	ExpiresAt int64   `json:"exp"`
}

// ValidUntil returns the expiry as a time.
func (c *Claims) ValidUntil() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Issuer signs claims into an opaque token string.
type Issuer interface {
	Issue(ctx context.Context, claims Claims) (string, error)
}

// Verifier checks a presented token and returns the claims it carries.
// Implementations must return ErrInvalidToken or ErrExpired (possibly
// wrapped) for rejected tokens.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// HMACCodec issues and verifies HS256 JWT-shaped tokens with a shared secret.
// It implements both Issuer and Verifier.
type HMACCodec struct {
	secret []byte
	now    func() time.Time
}

var hmacHeader = base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

// NewHMACCodec creates a codec using secret. The secret must not be empty.
func NewHMACCodec(secret []byte) (*HMACCodec, error) {
	if len(secret) == 0 {
		return nil, errors.New("mandate signing secret is required")
	}
	return &HMACCodec{secret: secret, now: time.Now}, nil
}

// WithClock overrides the codec's time source. Used by tests.
func (c *HMACCodec) WithClock(now func() time.Time) *HMACCodec {
	c.now = now
	return c
}

// Issue implements Issuer.
func (c *HMACCodec) Issue(_ context.Context, claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal claims: %w", err)
	}
	signingInput := hmacHeader + "." + base64.RawURLEncoding.EncodeToString(payload)
	return signingInput + "." + c.sign(signingInput), nil
}

// Verify implements Verifier.
func (c *HMACCodec) Verify(_ context.Context, token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: malformed token", ErrInvalidToken)
	}

	expected := c.sign(parts[0] + "." + parts[1])
	if !hmac.Equal([]byte(expected), []byte(parts[2])) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrInvalidToken)
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode payload", ErrInvalidToken)
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal claims", ErrInvalidToken)
	}

	if !c.now().Before(claims.ValidUntil()) {
		return &claims, ErrExpired
	}

	return &claims, nil
}

func (c *HMACCodec) sign(input string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(input))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Authorize verifies token and checks it grants every required scope for
// the expected issuer. It is what a remote side runs before honoring a
// protected call.
func Authorize(ctx context.Context, v Verifier, token, issuer string, required []Scope) (*Claims, error) {
	if token == "" {
		return nil, &AuthError{Reason: ReasonInvalidToken, Err: ErrInvalidToken}
	}

	claims, err := v.Verify(ctx, token)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return nil, &AuthError{Reason: ReasonExpired, Err: err}
		}
		return nil, &AuthError{Reason: ReasonInvalidToken, Err: err}
	}

	if issuer != "" && claims.Issuer != issuer {
		return nil, &AuthError{Reason: ReasonInvalidToken, Err: fmt.Errorf("issuer %q does not match %q", claims.Issuer, issuer)}
	}

	m := Mandate{Scopes: claims.Scopes}
	if !m.Covers(required) {
		return nil, &AuthError{Reason: ReasonScopeInsufficient}
	}

	return claims, nil
}
