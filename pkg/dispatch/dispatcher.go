// Package dispatch performs protected remote operations on a user's behalf.
//
// Every protected call carries a mandate covering the operation's scopes and,
// where the provider needs one, a still-fresh remote session. Calls run under
// a fixed timeout, transient failures are retried a bounded number of times,
// and an explicit mandate rejection earns exactly one forced refresh.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/flight"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 2 * time.Second
	DefaultRemoteTTL      = 30 * time.Minute
	DefaultRemoteGrace    = 60 * time.Second
)

// DirectoryProvider is the ref under which the provider directory is
// registered. search_providers always goes there.
const DirectoryProvider = "directory"

// ToolCaller invokes a named tool on a provider.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// Recorder receives dispatch measurements.
type Recorder interface {
	ToolCall(provider string, op Op, outcome string, elapsed time.Duration)
	MandateUse(event string)
	Login(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) ToolCall(string, Op, string, time.Duration) {}
func (nopRecorder) MandateUse(string)                          {}
func (nopRecorder) Login(string)                               {}

// Result is the outcome of a successful Invoke.
type Result struct {
	Op        Op
	Payload   *mcp.CallToolResult
	Mandate   *mandate.Mandate
	Remote    *session.RemoteSession
	Login     LoginOutcome
	Attempts  int
	Refreshed bool
}

// Decode unmarshals the tool payload into v.
func (r *Result) Decode(v any) error {
	if r.Payload == nil {
		return errors.New("result has no payload")
	}
	return r.Payload.Decode(v)
}

// Dispatcher runs protected operations for sessions held in a Store.
type Dispatcher struct {
	store    *session.Store
	mandates *mandate.Manager

	mu       sync.RWMutex
	callers  map[string]ToolCaller
	breakers map[string]*security.CircuitBreaker

	logins    *flight.Group
	remotesMu sync.Mutex
	remotes   map[string]session.RemoteSession

	cache   *discovery.Cache
	entries discovery.EntryStore

	limiter *security.RateLimiter
	audit   security.AuditLogger
	rec     Recorder
	tracer  trace.Tracer

	timeout        time.Duration
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	breakerMax     int
	breakerReset   time.Duration
	remoteTTL      time.Duration
	remoteGrace    time.Duration
	now            func() time.Time
	debug          bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProvider registers the tool caller for a provider ref.
func WithProvider(ref string, caller ToolCaller) Option {
	return func(d *Dispatcher) { d.callers[ref] = caller }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithRetry sets the attempt budget and backoff bounds for transient
// failures.
func WithRetry(maxAttempts int, initial, max time.Duration) Option {
	return func(d *Dispatcher) {
		if maxAttempts > 0 {
			d.maxAttempts = maxAttempts
		}
		if initial > 0 {
			d.initialBackoff = initial
		}
		if max > 0 {
			d.maxBackoff = max
		}
	}
}

// WithRateLimiter throttles calls per provider.
func WithRateLimiter(l *security.RateLimiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithCircuitBreaker stops calling a provider after maxFailures consecutive
// transport failures, for reset.
func WithCircuitBreaker(maxFailures int, reset time.Duration) Option {
	return func(d *Dispatcher) {
		d.breakerMax = maxFailures
		d.breakerReset = reset
	}
}

// WithDiscoveryCache routes Discover through cache, with entries as the
// shared tier behind each session's own entries.
func WithDiscoveryCache(cache *discovery.Cache, entries discovery.EntryStore) Option {
	return func(d *Dispatcher) {
		d.cache = cache
		d.entries = entries
	}
}

// WithAuditLogger records mandate and call outcomes.
func WithAuditLogger(l security.AuditLogger) Option {
	return func(d *Dispatcher) { d.audit = l }
}

// WithRecorder receives metrics.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.rec = r }
}

// WithRemoteSession sets the assumed lifetime of provider sessions that do
// not report one, and the margin kept before their expiry.
func WithRemoteSession(ttl, grace time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.remoteTTL = ttl
		}
		if grace >= 0 {
			d.remoteGrace = grace
		}
	}
}

// WithLoginGroup shares the login single-flight group.
func WithLoginGroup(g *flight.Group) Option {
	return func(d *Dispatcher) { d.logins = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithDebug enables verbose logging.
func WithDebug(debug bool) Option {
	return func(d *Dispatcher) { d.debug = debug }
}

// New creates a Dispatcher.
func New(store *session.Store, mandates *mandate.Manager, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          store,
		mandates:       mandates,
		callers:        make(map[string]ToolCaller),
		breakers:       make(map[string]*security.CircuitBreaker),
		logins:         &flight.Group{},
		remotes:        make(map[string]session.RemoteSession),
		audit:          security.NoOpAuditLogger{},
		rec:            nopRecorder{},
		tracer:         otel.Tracer("github.com/aixgo-dev/signup-agent/pkg/dispatch"),
		timeout:        DefaultTimeout,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		maxBackoff:     DefaultMaxBackoff,
		breakerMax:     5,
		breakerReset:   30 * time.Second,
		remoteTTL:      DefaultRemoteTTL,
		remoteGrace:    DefaultRemoteGrace,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cache == nil {
		d.entries = discovery.NewMemoryEntries()
		d.cache = discovery.NewCache(d.entries, discovery.WithClock(d.now))
	}
	return d
}

// Register adds or replaces the tool caller for a provider.
func (d *Dispatcher) Register(ref string, caller ToolCaller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callers[ref] = caller
}

// Providers returns the registered provider refs.
func (d *Dispatcher) Providers() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.callers))
	for ref := range d.callers {
		out = append(out, ref)
	}
	return out
}

func (d *Dispatcher) caller(ref string) (ToolCaller, *security.CircuitBreaker, bool) {
	d.mu.RLock()
	c, ok := d.callers[ref]
	b := d.breakers[ref]
	d.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	if b == nil {
		d.mu.Lock()
		if b = d.breakers[ref]; b == nil {
			b = security.NewCircuitBreaker(d.breakerMax, d.breakerReset)
			d.breakers[ref] = b
		}
		d.mu.Unlock()
	}
	return c, b, true
}

// call is one protected operation being dispatched.
type call struct {
	sessionID string
	userID    string
	provider  string
	op        Op
	scopes    []mandate.Scope
	mandate   *mandate.Mandate
	remote    string
	caller    ToolCaller
	breaker   *security.CircuitBreaker
}

// ProviderOf returns the provider a session is working against.
func ProviderOf(sc *session.Context) string {
	if sc.ProviderRef != "" {
		return sc.ProviderRef
	}
	if p := sc.Triad.Provider; p.Known && !p.Declined {
		return p.Normalized
	}
	return ""
}

// Invoke runs op for sessionID with args. Protected operations carry a
// mandate covering their scopes; operations inside a provider session log in
// first when no fresh remote session exists.
func (d *Dispatcher) Invoke(ctx context.Context, sessionID string, op Op, args map[string]any) (*Result, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch."+string(op), trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	res, err := d.invoke(ctx, sessionID, op, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (d *Dispatcher) invoke(ctx context.Context, sessionID string, op Op, args map[string]any) (*Result, error) {
	if op == OpLogin {
		return d.Login(ctx, sessionID)
	}

	c, err := d.prepare(ctx, sessionID, op)
	if err != nil {
		return nil, err
	}

	if hasSideEffects(op) {
		if key, _ := args[mcp.ArgIdempotencyKey].(string); key == "" {
			args = maps.Clone(args)
			if args == nil {
				args = map[string]any{}
			}
			args[mcp.ArgIdempotencyKey] = uuid.NewString()
		}
	}

	if needsRemoteSession(op) {
		login, err := d.Login(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		c.remote = login.Remote.Token
	}

	res, err := d.run(ctx, c, args)
	if err != nil {
		d.forgetRemote(ctx, c, err)
		return nil, err
	}
	return res, nil
}

func (d *Dispatcher) prepare(ctx context.Context, sessionID string, op Op) (*call, error) {
	sc, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	c := &call{
		sessionID: sessionID,
		userID:    sc.UserID,
		provider:  ProviderOf(sc),
		op:        op,
	}
	if op == OpSearchProviders {
		c.provider = DirectoryProvider
	}

	if scopes, ok := protectedOps[op]; ok {
		c.scopes = scopes
		ensure := scopes
		if needsRemoteSession(op) && !sc.Remote.FreshAt(d.now(), d.remoteGrace) {
			// the login that follows reuses this mandate
			ensure = append(slices.Clone(scopes), protectedOps[OpLogin]...)
		}
		c.mandate, err = d.ensureMandate(ctx, sc, c.provider, ensure)
		if err != nil {
			return nil, err
		}
	}

	var ok bool
	c.caller, c.breaker, ok = d.caller(c.provider)
	if !ok {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("%w: %q", ErrUnknownProvider, c.provider)}
	}
	return c, nil
}

func (d *Dispatcher) ensureMandate(ctx context.Context, sc *session.Context, provider string, scopes []mandate.Scope) (*mandate.Mandate, error) {
	subj := mandate.Subject{UserID: sc.UserID, ProviderRef: provider, Current: sc.Mandate}
	md, minted, err := d.mandates.Ensure(ctx, subj, scopes)
	if err != nil {
		d.auditMandate(ctx, provider, "ensure", err)
		return nil, err
	}
	if !minted {
		d.rec.MandateUse("reused")
		return md, nil
	}

	d.rec.MandateUse("minted")
	d.auditMandate(ctx, provider, "mint", nil)
	if _, err := d.store.Update(ctx, sc.SessionID, session.Patch{Mandate: md}); err != nil {
		log.Printf("[dispatch] failed to record mandate for %s: %v", sc.SessionID, err)
	}
	return md, nil
}

func (d *Dispatcher) refreshMandate(ctx context.Context, c *call) error {
	md, err := d.mandates.Refresh(ctx, mandate.Subject{UserID: c.userID, ProviderRef: c.provider, Current: c.mandate}, c.scopes)
	if err != nil {
		d.auditMandate(ctx, c.provider, "refresh", err)
		return err
	}
	c.mandate = md
	d.rec.MandateUse("refreshed")
	d.auditMandate(ctx, c.provider, "refresh", nil)
	if _, err := d.store.Update(ctx, c.sessionID, session.Patch{Mandate: md}); err != nil {
		log.Printf("[dispatch] failed to record refreshed mandate for %s: %v", c.sessionID, err)
	}
	return nil
}

// run is the bounded retry loop. Transient failures consume the attempt
// budget; a mandate rejection is answered with one refresh that does not.
func (d *Dispatcher) run(ctx context.Context, c *call, args map[string]any) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.initialBackoff
	bo.MaxInterval = d.maxBackoff
	bo.Reset()

	result := &Result{Op: c.op}
	attempts := 0
	for {
		attempts++
		result.Attempts++

		payload, err := d.callOnce(ctx, c, args)
		if err == nil {
			if info, failed := payload.ErrorInfo(); failed {
				err = newSemanticFailure(c.op, info)
			}
		}

		if err == nil {
			result.Payload = payload
			result.Mandate = c.mandate
			d.auditCall(ctx, c, nil)
			return result, nil
		}

		var sf *SemanticFailure
		if errors.As(err, &sf) && sf.Kind == KindMandateRejected && c.mandate != nil && !result.Refreshed {
			log.Printf("[dispatch] %s rejected mandate %s (%s), refreshing once", c.op, c.mandate.ID, sf.Reason)
			if rerr := d.refreshMandate(ctx, c); rerr != nil {
				return nil, rerr
			}
			result.Refreshed = true
			attempts--
			continue
		}

		if !IsTransient(err) || attempts >= d.maxAttempts {
			d.auditCall(ctx, c, err)
			return nil, err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			d.auditCall(ctx, c, err)
			return nil, err
		}
		log.Printf("[dispatch] %s attempt %d/%d failed, retrying in %s: %v", c.op, attempts, d.maxAttempts, wait, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

type callReply struct {
	result *mcp.CallToolResult
	err    error
}

// callOnce makes a single attempt under the dispatch timeout. The reply is
// awaited in a select so a caller that ignores its context still cannot hold
// the dispatcher past the timeout.
func (d *Dispatcher) callOnce(ctx context.Context, c *call, args map[string]any) (*mcp.CallToolResult, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, c.provider); err != nil {
			return nil, &TransportError{Op: c.op, Err: err}
		}
	}

	callArgs := maps.Clone(args)
	if callArgs == nil {
		callArgs = map[string]any{}
	}
	if c.mandate != nil {
		callArgs[mcp.ArgMandate] = c.mandate.Token
	}
	if c.remote != "" {
		callArgs[mcp.ArgRemoteSession] = c.remote
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := d.now()
	var result *mcp.CallToolResult

	err := c.breaker.Execute(func() error {
		replies := make(chan callReply, 1)
		go func() {
			r, err := c.caller.CallTool(callCtx, string(c.op), callArgs)
			replies <- callReply{r, err}
		}()

		select {
		case reply := <-replies:
			switch {
			case reply.err != nil && ctx.Err() != nil:
				return ctx.Err()
			case reply.err != nil && callCtx.Err() != nil:
				return &TimeoutError{Op: c.op, After: d.timeout}
			case reply.err != nil:
				return &TransportError{Op: c.op, Err: reply.err}
			case reply.result == nil:
				return &TransportError{Op: c.op, Err: errors.New("empty tool result")}
			}
			result = reply.result
			return nil
		case <-callCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TimeoutError{Op: c.op, After: d.timeout}
		}
	}, func(err error) bool {
		var te *TimeoutError
		var tr *TransportError
		return errors.As(err, &te) || errors.As(err, &tr)
	})

	elapsed := d.now().Sub(start)
	switch {
	case errors.Is(err, security.ErrCircuitOpen):
		d.rec.ToolCall(c.provider, c.op, "circuit_open", elapsed)
		return nil, &TransportError{Op: c.op, Err: err}
	case err != nil:
		d.rec.ToolCall(c.provider, c.op, outcomeOf(err), elapsed)
		return nil, err
	}

	if info, failed := result.ErrorInfo(); failed {
		d.rec.ToolCall(c.provider, c.op, string(classify(info.Code)), elapsed)
	} else {
		d.rec.ToolCall(c.provider, c.op, "ok", elapsed)
	}
	if d.debug {
		log.Printf("[dispatch] %s on %s took %s", c.op, c.provider, elapsed)
	}
	return result, nil
}

func outcomeOf(err error) string {
	var te *TimeoutError
	if errors.As(err, &te) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "transport_error"
}

func (d *Dispatcher) auditMandate(ctx context.Context, provider, action string, err error) {
	ev := security.NewEvent(ctx, security.EventMandate, provider, action, err)
	d.audit.Log(ev)
}

func (d *Dispatcher) auditCall(ctx context.Context, c *call, err error) {
	ev := security.NewEvent(ctx, security.EventToolCall, c.provider+"/"+string(c.op), "invoke", err)
	ev.SessionID = c.sessionID
	if ev.UserID == "" {
		ev.UserID = c.userID
	}
	if c.mandate != nil {
		ev.Metadata = map[string]any{"mandate_id": c.mandate.ID}
	}
	d.audit.Log(ev)
}
