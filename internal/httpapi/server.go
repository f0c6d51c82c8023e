// Package httpapi is the HTTP host surface of the signup agent.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/aixgo-dev/signup-agent/pkg/conversation"
	"github.com/aixgo-dev/signup-agent/pkg/observability"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

// SessionHeader carries the session ID when the body does not.
const SessionHeader = "X-Session-ID"

const maxBodyBytes = 64 << 10

// Conversation answers turns and actions.
type Conversation interface {
	Respond(ctx context.Context, req conversation.TurnRequest) (conversation.Response, error)
	HandleAction(ctx context.Context, req conversation.ActionRequest) (conversation.Response, error)
}

type Server struct {
	conv    Conversation
	auth    security.Authenticator
	audit   security.AuditLogger
	checker *observability.HealthChecker
	debug   bool
}

// Option configures a Server.
type Option func(*Server)

// WithAuditLogger records identity checks.
func WithAuditLogger(l security.AuditLogger) Option {
	return func(s *Server) { s.audit = l }
}

// WithHealthChecker serves checker on the health routes.
func WithHealthChecker(c *observability.HealthChecker) Option {
	return func(s *Server) { s.checker = c }
}

// WithDebug includes scrubbed error details in error responses.
func WithDebug(debug bool) Option {
	return func(s *Server) { s.debug = debug }
}

func New(conv Conversation, auth security.Authenticator, opts ...Option) *Server {
	s := &Server{conv: conv, auth: auth}
	for _, opt := range opts {
		opt(s)
	}
	if s.checker == nil {
		s.checker = observability.NewHealthChecker("dev")
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(instrument)

	r.Get("/health", s.checker.HealthHandler())
	r.Get("/health/live", observability.LivenessHandler())
	r.Get("/health/ready", s.checker.ReadinessHandler())
	r.Handle("/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(security.IdentityMiddleware(s.auth, s.audit))
		r.Post("/v1/turn", s.handleTurn)
		r.Post("/v1/action", s.handleAction)
	})
	return r
}

type turnBody struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type actionBody struct {
	SessionID string                  `json:"session_id"`
	Action    conversation.ActionName `json:"action"`
	Payload   map[string]string       `json:"payload,omitempty"`
}

// reply is a conversation response plus the session it belongs to, so that
// a client which sent no session ID learns the one it was given.
type reply struct {
	SessionID string `json:"session_id"`
	conversation.Response
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var body turnBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err, security.ErrCodeInvalidInput, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		respondJSON(w, http.StatusBadRequest, &security.SecureError{Code: security.ErrCodeValidation, Message: "text is required"})
		return
	}
	if err := security.DefaultStringValidator.Validate(body.Text); err != nil {
		s.respondError(w, http.StatusBadRequest, err, security.ErrCodeValidation, "text is not acceptable")
		return
	}

	sessionID := sessionOf(r, body.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	resp, err := s.conv.Respond(r.Context(), conversation.TurnRequest{
		SessionID:     sessionID,
		Text:          body.Text,
		IdentityToken: tokenOf(r),
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err, security.ErrCodeInvalidInput, "the turn could not be handled")
		return
	}
	respondJSON(w, http.StatusOK, reply{SessionID: sessionID, Response: resp})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var body actionBody
	if err := decodeJSON(w, r, &body); err != nil {
		s.respondError(w, http.StatusBadRequest, err, security.ErrCodeInvalidInput, "request body must be a JSON object")
		return
	}
	if body.Action == "" {
		respondJSON(w, http.StatusBadRequest, &security.SecureError{Code: security.ErrCodeValidation, Message: "action is required"})
		return
	}
	sessionID := sessionOf(r, body.SessionID)
	if sessionID == "" {
		respondJSON(w, http.StatusBadRequest, &security.SecureError{Code: security.ErrCodeValidation, Message: "session_id is required"})
		return
	}

	resp, err := s.conv.HandleAction(r.Context(), conversation.ActionRequest{
		SessionID:     sessionID,
		Action:        body.Action,
		Payload:       body.Payload,
		IdentityToken: tokenOf(r),
	})
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err, security.ErrCodeInvalidInput, "the action could not be handled")
		return
	}
	respondJSON(w, http.StatusOK, reply{SessionID: sessionID, Response: resp})
}

// sessionOf picks the session ID from the body, then the header. A turn
// without one starts a new session; an action without one is rejected.
func sessionOf(r *http.Request, fromBody string) string {
	if id := strings.TrimSpace(fromBody); id != "" {
		return id
	}
	return strings.TrimSpace(r.Header.Get(SessionHeader))
}

// tokenOf returns the identity token IdentityMiddleware already verified.
func tokenOf(r *http.Request) string {
	if authCtx, ok := security.GetAuthContext(r.Context()); ok {
		return authCtx.Token
	}
	return ""
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error, code security.ErrorCode, message string) {
	respondJSON(w, status, security.SanitizeError(err, code, message, s.debug))
}

// instrument records request counts and latency per route pattern.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}
