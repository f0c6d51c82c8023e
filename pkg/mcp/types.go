// Package mcp is the tool-invocation channel between the orchestrator and
// provider integrations. A provider exposes named tools on a Server; the
// orchestrator reaches them through a Session over a local or HTTP
// transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

// Reserved argument names. They are attached by the caller and stripped
// before a handler sees its arguments.
const (
	ArgMandate        = "_mandate"
	ArgRemoteSession  = "_remote_session"
	ArgIdempotencyKey = "_idempotency_key"
)

// Tool is a named operation exposed by a Server.
type Tool struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Handler        ToolHandler     `json:"-"`
	Schema         Schema          `json:"input_schema"`
	RequiredScopes []mandate.Scope `json:"required_scopes,omitempty"`
}

// ToolHandler runs a tool. Returning a *ToolError reports a domain failure
// with a stable code; any other error is reported as an execution error.
type ToolHandler func(context.Context, Args) (any, error)

// ToolError is a failure the provider wants the caller to see verbatim.
type ToolError struct {
	Code    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Schema describes a tool's arguments.
type Schema map[string]SchemaField

// SchemaField describes one argument.
type SchemaField struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	MaxLength   int      `json:"maxLength,omitempty"`
	MinLength   int      `json:"minLength,omitempty"`
	Enum        []any    `json:"enum,omitempty"`
	Minimum     *float64 `json:"minimum,omitempty"`
	Maximum     *float64 `json:"maximum,omitempty"`
}

// Args gives typed access to tool arguments.
type Args map[string]any

// String returns a string argument or "".
func (a Args) String(key string) string {
	if v, ok := a[key].(string); ok {
		return v
	}
	return ""
}

// Int returns an integer argument or 0.
func (a Args) Int(key string) int {
	switch v := a[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return 0
}

// ValidateArgs checks args against the schema.
func (s Schema) ValidateArgs(args Args) error {
	for name, field := range s {
		val, ok := args[name]
		if !ok {
			if field.Required {
				return fmt.Errorf("missing required field: %s", name)
			}
			continue
		}
		if err := field.check(name, val); err != nil {
			return err
		}
	}
	return nil
}

func (f SchemaField) check(name string, val any) error {
	switch f.Type {
	case "string":
		str, ok := val.(string)
		if !ok {
			return fmt.Errorf("field %s: expected string, got %T", name, val)
		}
		if f.MinLength > 0 && len(str) < f.MinLength {
			return fmt.Errorf("field %s: string too short (min %d)", name, f.MinLength)
		}
		if f.MaxLength > 0 && len(str) > f.MaxLength {
			return fmt.Errorf("field %s: string too long (max %d)", name, f.MaxLength)
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if s, ok := allowed.(string); ok && s == str {
					return nil
				}
			}
			return fmt.Errorf("field %s: value not in allowed list", name)
		}
	case "number", "integer":
		var n float64
		switch v := val.(type) {
		case float64:
			n = v
		case int:
			n = float64(v)
		case int64:
			n = float64(v)
		default:
			return fmt.Errorf("field %s: expected number, got %T", name, val)
		}
		if f.Minimum != nil && n < *f.Minimum {
			return fmt.Errorf("field %s: value %v below minimum %v", name, n, *f.Minimum)
		}
		if f.Maximum != nil && n > *f.Maximum {
			return fmt.Errorf("field %s: value %v above maximum %v", name, n, *f.Maximum)
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("field %s: expected boolean, got %T", name, val)
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			return fmt.Errorf("field %s: expected object, got %T", name, val)
		}
	case "array":
		switch val.(type) {
		case []any, []string:
		default:
			return fmt.Errorf("field %s: expected array, got %T", name, val)
		}
	}
	return nil
}

// CallToolParams names a tool and its arguments.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// CallToolResult is what a tool call produced.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one piece of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ErrorBody is the payload of an error result. Providers may also embed it
// under an "error" key in an otherwise successful-looking result.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// Text joins the text parts of the result.
func (r *CallToolResult) Text() string {
	if r == nil {
		return ""
	}
	var parts []string
	for _, c := range r.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Decode unmarshals the text payload into v.
func (r *CallToolResult) Decode(v any) error {
	if err := json.Unmarshal([]byte(r.Text()), v); err != nil {
		return fmt.Errorf("decode tool result: %w", err)
	}
	return nil
}

// ErrorInfo returns the error carried by r, if any. It recognises error
// results and results with any non-null "error" key, whether that key holds
// an ErrorBody, a bare message or some other value.
func (r *CallToolResult) ErrorInfo() (*ErrorBody, bool) {
	if r == nil {
		return nil, false
	}
	text := r.Text()

	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(text), &wrapped); err == nil && len(wrapped.Error) > 0 && string(wrapped.Error) != "null" {
		return embeddedError(wrapped.Error), true
	}
	if !r.IsError {
		return nil, false
	}

	var body ErrorBody
	if err := json.Unmarshal([]byte(text), &body); err == nil && body.Code != "" {
		return &body, true
	}
	return &ErrorBody{Code: string(security.ErrCodeToolExecution), Message: text}, true
}

func embeddedError(raw json.RawMessage) *ErrorBody {
	var body ErrorBody
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Code == "" {
			body.Code = string(security.ErrCodeToolExecution)
		}
		return &body
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err != nil {
		msg = string(raw)
	}
	return &ErrorBody{Code: string(security.ErrCodeToolExecution), Message: msg}
}

// TextResult wraps text in a successful result.
func TextResult(text string) *CallToolResult {
	return &CallToolResult{Content: []Content{{Type: "text", Text: text}}}
}

// ErrorResult builds an error result whose text is an ErrorBody.
func ErrorResult(body ErrorBody) *CallToolResult {
	data, _ := json.Marshal(map[string]ErrorBody{"error": body})
	return &CallToolResult{Content: []Content{{Type: "text", Text: string(data)}}, IsError: true}
}

// Transport carries requests to a Server.
type Transport interface {
	Send(ctx context.Context, method string, params any) (any, error)
	Close() error
}
