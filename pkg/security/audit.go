package security

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"sync"
	"time"
)

// Audit event types.
const (
	EventToolCall    = "tool.call"
	EventAuthAttempt = "auth.attempt"
	EventMandate     = "mandate"
	EventSignup      = "signup"
)

// AuditEvent is one security-relevant occurrence. Argument values and
// tokens are never recorded.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	Resource  string         `json:"resource"`
	Action    string         `json:"action"`
	Result    string         `json:"result"`
	Error     string         `json:"error,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AuditLogger records audit events.
type AuditLogger interface {
	Log(event *AuditEvent)
	Close() error
}

// NewEvent fills the caller identity from ctx and the outcome from err.
func NewEvent(ctx context.Context, eventType, resource, action string, err error) *AuditEvent {
	ev := &AuditEvent{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Resource:  resource,
		Action:    action,
		Result:    "success",
	}
	if authCtx, ok := GetAuthContext(ctx); ok {
		if authCtx.Principal != nil {
			ev.UserID = authCtx.Principal.ID
		}
		ev.SessionID = authCtx.SessionID
		ev.IPAddress = authCtx.IPAddress
	}
	if err != nil {
		ev.Result = "failure"
		ev.Error = sanitizeErrorMessage(err.Error())
	}
	return ev
}

// LogToolCall records a tool invocation. Only the argument count is kept.
func LogToolCall(ctx context.Context, l AuditLogger, tool string, args map[string]any, err error) {
	if l == nil {
		return
	}
	ev := NewEvent(ctx, EventToolCall, tool, "execute", err)
	ev.Metadata = map[string]any{"args_count": len(args)}
	l.Log(ev)
}

// MemoryAuditLogger keeps events in memory.
type MemoryAuditLogger struct {
	mu     sync.RWMutex
	events []AuditEvent
}

// NewMemoryAuditLogger creates an empty logger.
func NewMemoryAuditLogger() *MemoryAuditLogger {
	return &MemoryAuditLogger{}
}

// Log implements AuditLogger.
func (l *MemoryAuditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, *event)
}

// Events returns a copy of the recorded events.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

// Close implements AuditLogger.
func (l *MemoryAuditLogger) Close() error { return nil }

// JSONAuditLogger writes one JSON object per line.
type JSONAuditLogger struct {
	mu  sync.Mutex
	enc *json.Encoder
	c   io.Closer
}

// NewJSONAuditLogger writes to w. If w is an io.Closer it is closed by Close.
func NewJSONAuditLogger(w io.Writer) *JSONAuditLogger {
	l := &JSONAuditLogger{enc: json.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		l.c = c
	}
	return l
}

// Log implements AuditLogger.
func (l *JSONAuditLogger) Log(event *AuditEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(event); err != nil {
		log.Printf("[audit] failed to write event: %v", err)
	}
}

// Close implements AuditLogger.
func (l *JSONAuditLogger) Close() error {
	if l.c != nil {
		return l.c.Close()
	}
	return nil
}

// NoOpAuditLogger discards events.
type NoOpAuditLogger struct{}

// Log implements AuditLogger.
func (NoOpAuditLogger) Log(*AuditEvent) {}

// Close implements AuditLogger.
func (NoOpAuditLogger) Close() error { return nil }
