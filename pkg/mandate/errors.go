package mandate

import (
	"errors"
	"fmt"
)

// Reasons carried by AuthError.
const (
	ReasonMissingIdentity   = "missing-identity"
	ReasonMissingProvider   = "missing-provider"
	ReasonScopeInsufficient = "scope-insufficient"
	ReasonInvalidToken      = "invalid-token"
	ReasonExpired           = "expired"
)

var (
	// ErrInvalidToken is returned when a token is malformed or its signature
	// does not match.
	ErrInvalidToken = errors.New("invalid capability token")

	// ErrExpired is returned when a token is past its validUntil.
	ErrExpired = errors.New("capability token expired")
)

// AuthError reports that a delegated action cannot be authorized. It is never
// downgraded to let the action proceed.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err is an AuthError, optionally with one of the
// given reasons.
func IsAuthError(err error, reasons ...string) bool {
	var ae *AuthError
	if !errors.As(err, &ae) {
		return false
	}
	if len(reasons) == 0 {
		return true
	}
	for _, r := range reasons {
		if ae.Reason == r {
			return true
		}
	}
	return false
}
