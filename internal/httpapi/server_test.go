package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/signup-agent/internal/provider"
	"github.com/aixgo-dev/signup-agent/pkg/conversation"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/nlu"
	"github.com/aixgo-dev/signup-agent/pkg/observability"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

type fakeConversation struct {
	mu      sync.Mutex
	turns   []conversation.TurnRequest
	actions []conversation.ActionRequest
	err     error
}

func (f *fakeConversation) Respond(_ context.Context, req conversation.TurnRequest) (conversation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, req)
	return conversation.Response{Message: "echo: " + req.Text, Stage: conversation.StageProviderSearch}, f.err
}

func (f *fakeConversation) HandleAction(_ context.Context, req conversation.ActionRequest) (conversation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, req)
	return conversation.Response{Message: string(req.Action), Stage: conversation.StageDiscovery}, f.err
}

func newCodec(t *testing.T) *mandate.HMACCodec {
	t.Helper()
	codec, err := mandate.NewHMACCodec([]byte("httpapi-test-secret"))
	require.NoError(t, err)
	return codec
}

func post(t *testing.T, h http.Handler, path string, body any, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if s, ok := body.(string); ok {
		buf.WriteString(s)
	} else {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestTurn_AssignsSession(t *testing.T) {
	conv := &fakeConversation{}
	h := New(conv, security.NewTokenAuthenticator(newCodec(t))).Router()

	rec, out := post(t, h, "/v1/turn", map[string]any{"text": "hello"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "echo: hello", out["message"])
	assert.Equal(t, "provider_search", out["stage"])

	require.Len(t, conv.turns, 1)
	assert.NotEmpty(t, conv.turns[0].SessionID)
	assert.Equal(t, conv.turns[0].SessionID, out["session_id"])
	assert.Empty(t, conv.turns[0].IdentityToken)

	rec, out = post(t, h, "/v1/turn", map[string]any{"text": "again"}, map[string]string{SessionHeader: "s-42"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s-42", out["session_id"])
}

func TestTurn_IdentityToken(t *testing.T) {
	codec := newCodec(t)
	conv := &fakeConversation{}
	audit := security.NewMemoryAuditLogger()
	h := New(conv, security.NewTokenAuthenticator(codec), WithAuditLogger(audit)).Router()

	token, err := security.IssueIdentity(context.Background(), codec, "parent-1", time.Hour, time.Now())
	require.NoError(t, err)

	rec, _ := post(t, h, "/v1/turn", map[string]any{"session_id": "s1", "text": "hi"}, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, conv.turns, 1)
	assert.Equal(t, token, conv.turns[0].IdentityToken)

	rec, _ = post(t, h, "/v1/turn", map[string]any{"session_id": "s1", "text": "hi"}, map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Len(t, conv.turns, 1)
	assert.Len(t, audit.Events(), 2)
}

func TestRequestValidation(t *testing.T) {
	conv := &fakeConversation{}
	h := New(conv, security.NewTokenAuthenticator(newCodec(t))).Router()

	tests := []struct {
		name string
		path string
		body any
	}{
		{"empty text", "/v1/turn", map[string]any{"session_id": "s1", "text": "  "}},
		{"unknown field", "/v1/turn", map[string]any{"session_id": "s1", "text": "hi", "admin": true}},
		{"not json", "/v1/turn", "text=hi"},
		{"control characters", "/v1/turn", map[string]any{"session_id": "s1", "text": "hi\x00there"}},
		{"action without session", "/v1/action", map[string]any{"action": "retry"}},
		{"action without name", "/v1/action", map[string]any{"session_id": "s1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, out := post(t, h, tt.path, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, out["code"])
		})
	}
	assert.Empty(t, conv.turns)
	assert.Empty(t, conv.actions)
}

func TestAction_Forwarded(t *testing.T) {
	conv := &fakeConversation{}
	h := New(conv, security.NewTokenAuthenticator(newCodec(t))).Router()

	rec, out := post(t, h, "/v1/action", map[string]any{
		"session_id": "s1",
		"action":     "select_program",
		"payload":    map[string]string{"program_ref": "ski-nordic-kids"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "discovery", out["stage"])
	require.Len(t, conv.actions, 1)
	assert.Equal(t, conversation.ActionSelectProgram, conv.actions[0].Action)
	assert.Equal(t, "ski-nordic-kids", conv.actions[0].Payload["program_ref"])
}

func TestConversationErrorIsSanitized(t *testing.T) {
	conv := &fakeConversation{err: errors.New("backend at /var/lib/signup exploded")}
	h := New(conv, security.NewTokenAuthenticator(newCodec(t))).Router()

	rec, out := post(t, h, "/v1/turn", map[string]any{"session_id": "s1", "text": "hi"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NotContains(t, rec.Body.String(), "/var/lib")
	assert.Equal(t, string(security.ErrCodeInvalidInput), out["code"])
}

func TestHealthAndMetrics(t *testing.T) {
	checker := observability.NewHealthChecker("test")
	checker.RegisterCheck(observability.PingCheck("backend", func(context.Context) error { return errors.New("down") }))
	h := New(&fakeConversation{}, security.NewTokenAuthenticator(newCodec(t)), WithHealthChecker(checker)).Router()

	for path, want := range map[string]int{
		"/health/live":  http.StatusOK,
		"/health/ready": http.StatusServiceUnavailable,
		"/metrics":      http.StatusOK,
	} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, want, rec.Code, path)
	}
}

func TestSignupOverHTTP(t *testing.T) {
	ctx := context.Background()
	codec := newCodec(t)
	store := session.NewStore(nil)
	t.Cleanup(func() { _ = store.Close() })
	d := dispatch.New(store, mandate.NewManager(codec), dispatch.WithTimeout(time.Second))
	client, err := provider.Connect(ctx, d, provider.New(), codec)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	auth := security.NewTokenAuthenticator(codec)
	o := conversation.New(store, triad.NewTracker(), nlu.New(nil, nil, nil), d, conversation.WithAuthenticator(auth))
	h := New(o, auth).Router()

	token, err := security.IssueIdentity(ctx, codec, "parent-1", time.Hour, time.Now())
	require.NoError(t, err)
	bearer := map[string]string{"Authorization": "Bearer " + token}

	rec, out := post(t, h, "/v1/turn", map[string]any{"session_id": "web-1", "text": "Sign up my 9 year old for snowboarding at Blackhawk"}, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "discovery", out["stage"])
	cards, _ := out["cards"].([]any)
	require.Len(t, cards, 1)
	assert.Equal(t, "snowboard-intro", cards[0].(map[string]any)["ref"])

	rec, out = post(t, h, "/v1/action", map[string]any{
		"session_id": "web-1",
		"action":     "select_program",
		"payload":    map[string]string{"program_ref": "snowboard-intro"},
	}, bearer)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "field_collection", out["stage"])
	updates, _ := out["session_updates"].(map[string]any)
	assert.Equal(t, "snowboard-intro", updates["program_ref"])
}
