package mcp

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/security"
)

func echoTool(name string, scopes ...mandate.Scope) Tool {
	return Tool{
		Name:           name,
		RequiredScopes: scopes,
		Handler: func(ctx context.Context, args Args) (any, error) {
			return map[string]any{"echo": args.String("value"), "remote": RemoteSessionFromContext(ctx)}, nil
		},
	}
}

func TestServer_RegisterTool(t *testing.T) {
	s := NewServer("test")

	tests := []struct {
		name    string
		tool    Tool
		wantErr string
	}{
		{"valid", echoTool("echo"), ""},
		{"duplicate", echoTool("echo"), "already registered"},
		{"empty name", echoTool(""), "cannot be empty"},
		{"bad name", echoTool("rm -rf"), "invalid tool name"},
		{"nil handler", Tool{Name: "nil_handler"}, "handler cannot be nil"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.RegisterTool(tt.tool)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("RegisterTool: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestServer_CallTool(t *testing.T) {
	s := NewServer("test")
	_ = s.RegisterTool(echoTool("echo"))

	result, err := s.CallTool(context.Background(), CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"value": "hi", ArgRemoteSession: "sess-1"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Text())
	}

	var out map[string]string
	if err := result.Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["echo"] != "hi" || out["remote"] != "sess-1" {
		t.Errorf("out = %v", out)
	}
}

func TestServer_CallToolErrors(t *testing.T) {
	s := NewServer("test", WithToolRateLimit("limited", 0.001, 1))
	_ = s.RegisterTool(echoTool("limited"))
	_ = s.RegisterTool(Tool{
		Name: "full",
		Handler: func(context.Context, Args) (any, error) {
			return nil, &ToolError{Code: "program_full", Message: "no spots left"}
		},
	})
	_ = s.RegisterTool(Tool{
		Name: "crash",
		Handler: func(context.Context, Args) (any, error) {
			return nil, errors.New("db at 10.1.2.3 unreachable")
		},
	})
	_ = s.RegisterTool(Tool{
		Name:   "typed",
		Schema: Schema{"age": {Type: "integer", Required: true}},
		Handler: func(context.Context, Args) (any, error) {
			return "ok", nil
		},
	})

	ctx := context.Background()
	_, _ = s.CallTool(ctx, CallToolParams{Name: "limited"})

	tests := []struct {
		name     string
		params   CallToolParams
		wantCode string
	}{
		{"unknown tool", CallToolParams{Name: "missing"}, string(security.ErrCodeToolNotFound)},
		{"bad name", CallToolParams{Name: "../etc"}, string(security.ErrCodeValidation)},
		{"rate limited", CallToolParams{Name: "limited"}, string(security.ErrCodeRateLimit)},
		{"domain failure", CallToolParams{Name: "full"}, "program_full"},
		{"handler failure", CallToolParams{Name: "crash"}, string(security.ErrCodeToolExecution)},
		{"schema", CallToolParams{Name: "typed", Arguments: map[string]any{}}, string(security.ErrCodeValidation)},
		{"null byte", CallToolParams{Name: "typed", Arguments: map[string]any{"age": 3, "x": "a\x00"}}, string(security.ErrCodeValidation)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.CallTool(ctx, tt.params)
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			info, ok := result.ErrorInfo()
			if !result.IsError || !ok {
				t.Fatalf("expected error result, got %s", result.Text())
			}
			if info.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", info.Code, tt.wantCode)
			}
			if strings.Contains(info.Message, "10.1.2.3") {
				t.Errorf("internal detail leaked: %q", info.Message)
			}
		})
	}
}

func TestServer_Timeout(t *testing.T) {
	tm := security.NewTimeoutManager(time.Second)
	tm.SetToolTimeout("slow", 10*time.Millisecond)
	s := NewServer("test", WithTimeouts(tm))
	_ = s.RegisterTool(Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	result, err := s.CallTool(context.Background(), CallToolParams{Name: "slow"})
	if err != nil {
		t.Fatal(err)
	}
	info, _ := result.ErrorInfo()
	if info == nil || info.Code != string(security.ErrCodeTimeout) {
		t.Errorf("info = %+v, want TIMEOUT", info)
	}
}

func TestServer_MandateEnforcement(t *testing.T) {
	codec, err := mandate.NewHMACCodec([]byte("provider-secret"))
	if err != nil {
		t.Fatal(err)
	}
	audit := security.NewMemoryAuditLogger()
	s := NewServer("skiclubpro", WithMandateVerifier(codec, "skiclubpro"), WithAuditLogger(audit))
	_ = s.RegisterTool(Tool{
		Name:           "pay",
		RequiredScopes: []mandate.Scope{mandate.ScopePay},
		Handler: func(ctx context.Context, _ Args) (any, error) {
			claims, ok := ClaimsFromContext(ctx)
			if !ok {
				return nil, errors.New("claims missing")
			}
			return map[string]string{"paid_by": claims.Subject}, nil
		},
	})

	ctx := context.Background()
	exp := time.Now().Add(time.Minute).Unix()
	issue := func(issuer string, scopes ...mandate.Scope) string {
		tok, err := codec.Issue(ctx, mandate.Claims{Subject: "user-1", Issuer: issuer, Scopes: scopes, ExpiresAt: exp})
		if err != nil {
			t.Fatal(err)
		}
		return tok
	}

	tests := []struct {
		name       string
		token      string
		wantReason string
	}{
		{"no mandate", "", mandate.ReasonInvalidToken},
		{"wrong scope", issue("skiclubpro", mandate.ScopeRegister), mandate.ReasonScopeInsufficient},
		{"wrong provider", issue("daysmart", mandate.ScopePay), mandate.ReasonInvalidToken},
		{"ok", issue("skiclubpro", mandate.ScopePay, mandate.ScopeRegister), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := s.CallTool(ctx, CallToolParams{Name: "pay", Arguments: map[string]any{ArgMandate: tt.token}})
			if err != nil {
				t.Fatal(err)
			}
			info, isErr := result.ErrorInfo()
			if tt.wantReason == "" {
				if isErr {
					t.Fatalf("unexpected rejection %+v", info)
				}
				if !strings.Contains(result.Text(), "user-1") {
					t.Errorf("result = %s", result.Text())
				}
				return
			}
			if !isErr || info.Code != CodeMandateRejected || info.Reason != tt.wantReason {
				t.Errorf("info = %+v, want %s/%s", info, CodeMandateRejected, tt.wantReason)
			}
		})
	}

	if got := len(audit.Events()); got != len(tests) {
		t.Errorf("audit events = %d, want %d", got, len(tests))
	}
}

func TestCallToolResult_EmbeddedError(t *testing.T) {
	r := TextResult(`{"error":{"code":"site_maintenance","message":"back soon"}}`)
	info, ok := r.ErrorInfo()
	if !ok || info.Code != "site_maintenance" {
		t.Errorf("ErrorInfo = %+v, %v", info, ok)
	}

	if _, ok := TextResult(`{"programs":[]}`).ErrorInfo(); ok {
		t.Error("plain result should carry no error")
	}
	if _, ok := TextResult(`not json`).ErrorInfo(); ok {
		t.Error("non-JSON success should carry no error")
	}
	if _, ok := TextResult(`{"programs":[],"error":null}`).ErrorInfo(); ok {
		t.Error("null error should carry no error")
	}

	embedded := []struct {
		text        string
		wantMessage string
	}{
		{`{"error":"backend unavailable"}`, "backend unavailable"},
		{`{"programs":[],"error":{"message":"scrape failed"}}`, "scrape failed"},
		{`{"error":true}`, "true"},
	}
	for _, tt := range embedded {
		info, ok := TextResult(tt.text).ErrorInfo()
		if !ok {
			t.Errorf("%s: expected an error", tt.text)
			continue
		}
		if info.Code != string(security.ErrCodeToolExecution) || info.Message != tt.wantMessage {
			t.Errorf("%s: info = %+v", tt.text, info)
		}
	}

	raw := &CallToolResult{IsError: true, Content: []Content{{Type: "text", Text: "boom"}}}
	info, ok = raw.ErrorInfo()
	if !ok || info.Code != string(security.ErrCodeToolExecution) || info.Message != "boom" {
		t.Errorf("raw error info = %+v", info)
	}
}
