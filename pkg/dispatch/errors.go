package dispatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mcp"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

// ErrUnknownProvider is returned when no ToolCaller is registered for the
// session's provider.
var ErrUnknownProvider = errors.New("no tool caller registered for provider")

// TimeoutError reports that a tool call did not answer within the dispatch
// timeout.
type TimeoutError struct {
	Op    Op
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// TransportError reports that a tool call never produced a readable answer.
type TransportError struct {
	Op  Op
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// FailureKind classifies a failure reported by a provider.
type FailureKind string

const (
	KindAuthenticationFailed FailureKind = "authentication_failed"
	KindNetworkTimeout       FailureKind = "network_timeout"
	KindPaymentDeclined      FailureKind = "payment_declined"
	KindProgramFull          FailureKind = "program_full"
	KindSiteMaintenance      FailureKind = "site_maintenance"
	KindCaptchaChallenge     FailureKind = "captcha_challenge"
	KindRateLimited          FailureKind = "rate_limited"
	KindFormValidation       FailureKind = "form_validation_error"
	KindMandateRejected      FailureKind = "mandate_rejected"
	KindToolError            FailureKind = "tool_error"
)

// NextAction is the single thing the user is offered after a failure.
type NextAction string

const (
	ActionRetry     NextAction = "retry"
	ActionReconnect NextAction = "reconnect"
	ActionRestart   NextAction = "restart"
)

// Transient reports whether the dispatcher retries this kind on its own.
// program_full and payment_declined are never retried.
func (k FailureKind) Transient() bool {
	switch k {
	case KindNetworkTimeout, KindRateLimited:
		return true
	}
	return false
}

// NextAction maps the kind to what the user should do next.
func (k FailureKind) NextAction() NextAction {
	switch k {
	case KindAuthenticationFailed, KindCaptchaChallenge, KindMandateRejected:
		return ActionReconnect
	case KindPaymentDeclined, KindProgramFull:
		return ActionRestart
	default:
		return ActionRetry
	}
}

// classify maps a provider error code onto a FailureKind. Codes produced by
// the tool server itself are folded into the nearest kind.
func classify(code string) FailureKind {
	switch k := FailureKind(code); k {
	case KindAuthenticationFailed, KindNetworkTimeout, KindPaymentDeclined,
		KindProgramFull, KindSiteMaintenance, KindCaptchaChallenge,
		KindRateLimited, KindFormValidation, KindMandateRejected:
		return k
	}
	switch security.ErrorCode(code) {
	case security.ErrCodeRateLimit:
		return KindRateLimited
	case security.ErrCodeTimeout:
		return KindNetworkTimeout
	case security.ErrCodeValidation, security.ErrCodeInvalidInput:
		return KindFormValidation
	case security.ErrCodeUnauthorized, security.ErrCodeForbidden:
		return KindAuthenticationFailed
	}
	return KindToolError
}

// SemanticFailure is a failure reported inside a tool result, whether the
// result was flagged as an error or carried an embedded error object.
type SemanticFailure struct {
	Op      Op
	Kind    FailureKind
	Code    string
	Message string
	Reason  string
}

func (e *SemanticFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s failed: %s: %s", e.Op, e.Kind, e.Message)
}

func newSemanticFailure(op Op, body *mcp.ErrorBody) *SemanticFailure {
	return &SemanticFailure{
		Op:      op,
		Kind:    classify(body.Code),
		Code:    body.Code,
		Message: body.Message,
		Reason:  body.Reason,
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TimeoutError
	var tr *TransportError
	var sf *SemanticFailure
	switch {
	case errors.As(err, &te):
		return true
	case errors.As(err, &tr):
		return !errors.Is(tr.Err, ErrUnknownProvider) && !errors.Is(tr.Err, security.ErrCircuitOpen)
	case errors.As(err, &sf):
		return sf.Kind.Transient()
	}
	return false
}
