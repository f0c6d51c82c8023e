package security

import (
	"fmt"
	"regexp"
	"strings"
)

// ArgValidator validates a single tool argument.
type ArgValidator interface {
	Validate(value any) error
}

// StringValidator constrains a string argument.
type StringValidator struct {
	Pattern              *regexp.Regexp
	MaxLength            int
	MinLength            int
	AllowedVals          []string
	DisallowNullBytes    bool
	DisallowControlChars bool
}

// Validate implements ArgValidator.
func (v *StringValidator) Validate(value any) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("expected string, got %T", value)
	}

	if v.MinLength > 0 && len(str) < v.MinLength {
		return fmt.Errorf("string too short: minimum %d characters", v.MinLength)
	}
	if v.MaxLength > 0 && len(str) > v.MaxLength {
		return fmt.Errorf("string exceeds max length %d", v.MaxLength)
	}
	if v.DisallowNullBytes && strings.Contains(str, "\x00") {
		return fmt.Errorf("string contains null bytes")
	}
	if v.DisallowControlChars {
		for _, r := range str {
			if r < 32 && r != '\n' && r != '\t' && r != '\r' {
				return fmt.Errorf("string contains control characters")
			}
		}
	}
	if v.Pattern != nil && !v.Pattern.MatchString(str) {
		return fmt.Errorf("string does not match required pattern")
	}
	if len(v.AllowedVals) > 0 {
		for _, allowed := range v.AllowedVals {
			if str == allowed {
				return nil
			}
		}
		return fmt.Errorf("string not in allowlist")
	}
	return nil
}

// IntValidator constrains an integer argument. JSON numbers arrive as
// float64 and are accepted when they are whole.
type IntValidator struct {
	Min *int
	Max *int
}

// Validate implements ArgValidator.
func (v *IntValidator) Validate(value any) error {
	var n int
	switch val := value.(type) {
	case int:
		n = val
	case int64:
		n = int(val)
	case float64:
		if val != float64(int(val)) {
			return fmt.Errorf("expected integer, got %v", val)
		}
		n = int(val)
	default:
		return fmt.Errorf("expected integer, got %T", value)
	}

	if v.Min != nil && n < *v.Min {
		return fmt.Errorf("integer %d is less than minimum %d", n, *v.Min)
	}
	if v.Max != nil && n > *v.Max {
		return fmt.Errorf("integer %d exceeds maximum %d", n, *v.Max)
	}
	return nil
}

// DefaultStringValidator is applied to every string argument of every tool.
var DefaultStringValidator = &StringValidator{
	MaxLength:            10000,
	DisallowNullBytes:    true,
	DisallowControlChars: true,
}

// SanitizeString drops null bytes and control characters other than
// newline, tab and carriage return.
func SanitizeString(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' || r == '\r' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var toolNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ValidateToolName rejects empty, overlong or oddly shaped tool names.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("tool name too long")
	}
	if !toolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid tool name: must contain only alphanumeric, underscore, hyphen, and colon")
	}
	return nil
}

// ValidateJSONObject checks value is a decoded JSON object.
func ValidateJSONObject(value any) error {
	if _, ok := value.(map[string]any); !ok {
		return fmt.Errorf("expected JSON object, got %T", value)
	}
	return nil
}
