package security

import (
	"fmt"
	"log"
	"regexp"
	"strings"
)

// ErrorCode is a stable code returned to clients in place of internal errors.
type ErrorCode string

const (
	ErrCodeInternal      ErrorCode = "INTERNAL_ERROR"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden     ErrorCode = "FORBIDDEN"
	ErrCodeRateLimit     ErrorCode = "RATE_LIMIT"
	ErrCodeTimeout       ErrorCode = "TIMEOUT"
	ErrCodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	ErrCodeToolExecution ErrorCode = "TOOL_EXECUTION_ERROR"
	ErrCodeValidation    ErrorCode = "VALIDATION_ERROR"
)

// SecureError is safe to hand to a client.
type SecureError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *SecureError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// SanitizeError logs err and returns a client-safe error carrying code and
// message. With debug set the scrubbed internal message is included.
func SanitizeError(err error, code ErrorCode, message string, debug bool) *SecureError {
	if err == nil {
		return nil
	}

	log.Printf("[security] %s: %v", code, removeSecretPatterns(err.Error()))

	se := &SecureError{Code: code, Message: message}
	if debug {
		se.Details = map[string]any{"error": sanitizeErrorMessage(err.Error())}
	}
	return se
}

var (
	secretPattern   = regexp.MustCompile(`(?i)(bearer\s+|token=|api_key=|apikey=|sk-)[A-Za-z0-9._\-]+`)
	jwtPattern      = regexp.MustCompile(`eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+`)
	ipPattern       = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)
	pathPattern     = regexp.MustCompile(`(/(home|Users|var|etc|opt|tmp|root)/)\S*`)
	fileLinePattern = regexp.MustCompile(`\S+\.go:\d+`)
	addrPattern     = regexp.MustCompile(`0x[0-9a-fA-F]+`)
)

func sanitizeErrorMessage(msg string) string {
	msg = removeSecretPatterns(msg)
	msg = ipPattern.ReplaceAllString(msg, "[IP_ADDRESS]")
	msg = pathPattern.ReplaceAllString(msg, "[PATH]")
	msg = fileLinePattern.ReplaceAllString(msg, "[FILE:LINE]")
	return addrPattern.ReplaceAllString(msg, "[ADDR]")
}

func removeSecretPatterns(msg string) string {
	msg = jwtPattern.ReplaceAllString(msg, "[REDACTED]")
	return secretPattern.ReplaceAllString(msg, "${1}[REDACTED]")
}

// MaskSecret shortens a secret to its first and last four characters.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:4] + "****" + secret[len(secret)-4:]
	}
}

// RedactToken is MaskSecret for values that may be logged in full lines.
func RedactToken(token string) string {
	if token == "" {
		return "<none>"
	}
	return MaskSecret(strings.TrimSpace(token))
}
