package internal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

func newIdentityHandler(t *testing.T) (http.Handler, *mandate.HMACCodec, *security.MemoryAuditLogger) {
	t.Helper()
	codec, err := mandate.NewHMACCodec([]byte("integration-secret-0123456789abcdef"))
	if err != nil {
		t.Fatal(err)
	}
	keys := security.NewAPIKeyAuthenticator()
	keys.AddKey("dev-key-0123456789", &security.Principal{ID: "dev-parent"})
	audit := security.NewMemoryAuditLogger()

	whoami := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user := security.UserIDFromContext(r.Context()); user != "" {
			_, _ = w.Write([]byte(user))
			return
		}
		_, _ = w.Write([]byte("anonymous"))
	})
	mw := security.IdentityMiddleware(security.Chain{security.NewTokenAuthenticator(codec), keys}, audit)
	return mw(whoami), codec, audit
}

func get(h http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// Test End-to-End Authentication Flow
func TestSecurityIntegration_AuthenticationFlow(t *testing.T) {
	h, codec, audit := newIdentityHandler(t)

	token, err := security.IssueIdentity(context.Background(), codec, "parent-1", time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		header   string
		value    string
		wantCode int
		wantBody string
	}{
		{"anonymous", "", "", http.StatusOK, "anonymous"},
		{"bearer token", "Authorization", "Bearer " + token, http.StatusOK, "parent-1"},
		{"identity header", security.IdentityHeader, token, http.StatusOK, "parent-1"},
		{"development key", "Authorization", "Bearer dev-key-0123456789", http.StatusOK, "dev-parent"},
		{"forged token", "Authorization", "Bearer " + token + "x", http.StatusUnauthorized, ""},
		{"unknown key", security.IdentityHeader, "dev-key-nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(h, tt.header, tt.value)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}

	// One audit event per presented credential, none for the anonymous call.
	events := audit.Events()
	if len(events) != 5 {
		t.Fatalf("expected 5 audit events, got %d", len(events))
	}
	failures := 0
	for _, ev := range events {
		if ev.EventType != security.EventAuthAttempt {
			t.Errorf("unexpected event type %q", ev.EventType)
		}
		if ev.Result == "failure" {
			failures++
		}
		if strings.Contains(ev.Error, token) {
			t.Error("audit event leaks the token")
		}
	}
	if failures != 2 {
		t.Errorf("expected 2 failed attempts, got %d", failures)
	}
}

func TestSecurityIntegration_ExpiredIdentity(t *testing.T) {
	h, codec, _ := newIdentityHandler(t)

	token, err := security.IssueIdentity(context.Background(), codec, "parent-1", time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if rec := get(h, "Authorization", "Bearer "+token); rec.Code != http.StatusUnauthorized {
		t.Errorf("expired token: status = %d, want 401", rec.Code)
	}
}

// Test rate limiting and circuit breaking together, the way provider calls
// are protected.
func TestSecurityIntegration_ProviderProtection(t *testing.T) {
	limiter := security.NewRateLimiter(1, 2)
	breaker := security.NewCircuitBreaker(2, time.Hour)

	allowed := 0
	for range 5 {
		if limiter.Allow("skiclubpro/register") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("expected burst of 2 allowed calls, got %d", allowed)
	}
	if !limiter.Allow("daysmart/register") {
		t.Error("limits must be tracked per key")
	}

	down := errors.New("connection refused")
	always := func(error) bool { return true }
	for range 2 {
		if err := breaker.Execute(func() error { return down }, always); !errors.Is(err, down) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}
	called := false
	err := breaker.Execute(func() error { called = true; return nil }, always)
	if !errors.Is(err, security.ErrCircuitOpen) {
		t.Errorf("expected open circuit, got %v", err)
	}
	if called {
		t.Error("open circuit must not call through")
	}
}

func TestSecurityIntegration_ErrorSanitization(t *testing.T) {
	err := errors.New("dial tcp 10.0.0.7:5432: password=hunter2 rejected")
	secure := security.SanitizeError(err, security.ErrCodeInternal, "history unavailable", false)
	if strings.Contains(secure.Error(), "hunter2") || strings.Contains(secure.Error(), "10.0.0.7") {
		t.Errorf("sanitized error leaks details: %v", secure)
	}
	if secure.Message != "history unavailable" {
		t.Errorf("message = %q", secure.Message)
	}
}
