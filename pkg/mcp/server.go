package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

// CodeMandateRejected is the error code for calls whose mandate did not
// authorize the tool.
const CodeMandateRejected = "mandate_rejected"

// Server hosts the tools of one provider.
type Server struct {
	name  string
	tools map[string]Tool
	mu    sync.RWMutex

	verifier    mandate.Verifier
	issuer      string
	audit       security.AuditLogger
	toolLimiter *security.ToolRateLimiter
	timeouts    *security.TimeoutManager
	debug       bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithMandateVerifier enforces Tool.RequiredScopes using v. Mandates must
// name issuer, which is normally the provider ref.
func WithMandateVerifier(v mandate.Verifier, issuer string) ServerOption {
	return func(s *Server) {
		s.verifier = v
		s.issuer = issuer
	}
}

// WithAuditLogger records every call.
func WithAuditLogger(l security.AuditLogger) ServerOption {
	return func(s *Server) { s.audit = l }
}

// WithToolRateLimit limits one tool.
func WithToolRateLimit(tool string, perSecond float64, burst int) ServerOption {
	return func(s *Server) { s.toolLimiter.SetToolLimit(tool, perSecond, burst) }
}

// WithTimeouts replaces the handler timeouts.
func WithTimeouts(tm *security.TimeoutManager) ServerOption {
	return func(s *Server) { s.timeouts = tm }
}

// WithDebug includes scrubbed internal error text in error results.
func WithDebug(debug bool) ServerOption {
	return func(s *Server) { s.debug = debug }
}

// NewServer creates a Server.
func NewServer(name string, opts ...ServerOption) *Server {
	s := &Server{
		name:        name,
		tools:       make(map[string]Tool),
		audit:       security.NoOpAuditLogger{},
		toolLimiter: security.NewToolRateLimiter(),
		timeouts:    security.NewTimeoutManager(30 * time.Second),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		log.Printf("[mcp] server %q has no mandate verifier; required scopes are not enforced", name)
	}
	return s
}

// Name returns the server name.
func (s *Server) Name() string { return s.name }

// RegisterTool adds tool.
func (s *Server) RegisterTool(tool Tool) error {
	if err := security.ValidateToolName(tool.Name); err != nil {
		return err
	}
	if tool.Handler == nil {
		return errors.New("tool handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tools[tool.Name]; exists {
		return fmt.Errorf("tool already registered: %s", tool.Name)
	}
	s.tools[tool.Name] = tool
	return nil
}

// ListTools returns the registered tools sorted by name.
func (s *Server) ListTools() []Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools
}

// CallTool runs a tool. Domain failures come back as error results; the
// returned error is reserved for problems the caller cannot act on.
func (s *Server) CallTool(ctx context.Context, params CallToolParams) (result *CallToolResult, err error) {
	defer func() {
		var callErr error
		if result != nil && result.IsError {
			callErr = errors.New(result.Text())
		}
		security.LogToolCall(ctx, s.audit, params.Name, params.Arguments, callErr)
	}()

	if err := security.ValidateToolName(params.Name); err != nil {
		return s.errorResult(security.ErrCodeValidation, "invalid tool name", err), nil
	}

	s.mu.RLock()
	tool, ok := s.tools[params.Name]
	s.mu.RUnlock()
	if !ok {
		return s.errorResult(security.ErrCodeToolNotFound, "tool not found: "+params.Name, errors.New("unknown tool")), nil
	}

	if !s.toolLimiter.Allow(tool.Name) {
		return s.errorResult(security.ErrCodeRateLimit, "tool rate limit exceeded", errors.New("rate limited")), nil
	}

	args := Args{}
	for k, v := range params.Arguments {
		args[k] = v
	}
	mandateToken, _ := args[ArgMandate].(string)
	remote, _ := args[ArgRemoteSession].(string)
	idemKey, _ := args[ArgIdempotencyKey].(string)
	delete(args, ArgMandate)
	delete(args, ArgRemoteSession)
	delete(args, ArgIdempotencyKey)

	if len(tool.RequiredScopes) > 0 && s.verifier != nil {
		claims, err := mandate.Authorize(ctx, s.verifier, mandateToken, s.issuer, tool.RequiredScopes)
		if err != nil {
			var ae *mandate.AuthError
			reason := mandate.ReasonInvalidToken
			if errors.As(err, &ae) {
				reason = ae.Reason
			}
			log.Printf("[mcp] %s/%s rejected mandate: %s", s.name, tool.Name, reason)
			return ErrorResult(ErrorBody{Code: CodeMandateRejected, Message: "mandate does not authorize " + tool.Name, Reason: reason}), nil
		}
		ctx = withClaims(ctx, claims)
	}
	if remote != "" {
		ctx = withRemoteSession(ctx, remote)
	}
	if idemKey != "" {
		ctx = context.WithValue(ctx, idempotencyKey, idemKey)
	}

	if err := s.validateArguments(args); err != nil {
		return s.errorResult(security.ErrCodeValidation, "invalid arguments", err), nil
	}
	if err := tool.Schema.ValidateArgs(args); err != nil {
		return s.errorResult(security.ErrCodeValidation, err.Error(), err), nil
	}

	execCtx, cancel := s.timeouts.WithTimeout(ctx, tool.Name)
	defer cancel()

	out, err := tool.Handler(execCtx, args)
	if err != nil {
		var te *ToolError
		switch {
		case errors.As(err, &te):
			return ErrorResult(ErrorBody{Code: te.Code, Message: te.Message}), nil
		case errors.Is(execCtx.Err(), context.DeadlineExceeded):
			return s.errorResult(security.ErrCodeTimeout, "tool execution timed out", err), nil
		default:
			return s.errorResult(security.ErrCodeToolExecution, "tool execution failed", err), nil
		}
	}

	return formatResult(out)
}

func (s *Server) validateArguments(args Args) error {
	if err := security.ValidateJSONObject(map[string]any(args)); err != nil {
		return err
	}
	for key, val := range args {
		if str, ok := val.(string); ok {
			if err := security.DefaultStringValidator.Validate(str); err != nil {
				return fmt.Errorf("argument %s: %w", key, err)
			}
		}
	}
	return nil
}

func (s *Server) errorResult(code security.ErrorCode, message string, err error) *CallToolResult {
	se := security.SanitizeError(err, code, message, s.debug)
	body := ErrorBody{Code: string(se.Code), Message: se.Message}
	if detail, ok := se.Details["error"].(string); ok {
		body.Message += ": " + detail
	}
	return ErrorResult(body)
}

func formatResult(out any) (*CallToolResult, error) {
	switch v := out.(type) {
	case *CallToolResult:
		return v, nil
	case string:
		return TextResult(v), nil
	case nil:
		return TextResult("null"), nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal tool result: %w", err)
		}
		return TextResult(string(data)), nil
	}
}

type ctxKey int

const (
	claimsKey ctxKey = iota
	remoteSessionKey
	idempotencyKey
)

func withClaims(ctx context.Context, c *mandate.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns the verified mandate claims for the current
// call, if the tool required scopes.
func ClaimsFromContext(ctx context.Context) (*mandate.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*mandate.Claims)
	return c, ok
}

func withRemoteSession(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, remoteSessionKey, token)
}

// RemoteSessionFromContext returns the provider session token attached by
// the caller.
func RemoteSessionFromContext(ctx context.Context) string {
	s, _ := ctx.Value(remoteSessionKey).(string)
	return s
}

// IdempotencyKeyFromContext returns the key the caller attached to a call
// with side effects. Repeated calls with the same key must have the effect
// of one.
func IdempotencyKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKey).(string)
	return k
}
