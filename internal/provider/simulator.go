// Package provider simulates the third-party systems the agent signs users
// up with. Each provider is an MCP tool server enforcing mandates, so the
// dispatcher talks to it exactly as it would to a real integration.
package provider

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
)

// DefaultSessionTTL is how long a simulated provider session lasts.
const DefaultSessionTTL = 30 * time.Minute

// Simulator holds the state of every simulated provider.
type Simulator struct {
	mu        sync.Mutex
	providers map[string]Info
	listings  map[string][]Listing

	sessions      map[string]remote
	registrations map[string]registration
	satisfied     map[string]bool
	faults        map[string][]dispatch.FailureKind
	delays        map[string][]time.Duration
	calls         map[string]int
	replies       map[string]any

	autoSatisfy bool
	ttl         time.Duration
	now         func() time.Time
	debug       bool
}

type remote struct {
	userID   string
	provider string
	expires  time.Time
}

type registration struct {
	userID   string
	provider string
	program  string
	amount   int
	paid     bool
	receipt  string
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithProvider adds or replaces a provider and its listings.
func WithProvider(info Info, listings []Listing) Option {
	return func(s *Simulator) {
		s.providers[info.Ref] = info
		s.listings[info.Ref] = listings
	}
}

// WithAutoSatisfy reports each missing prerequisite once and then treats it
// as done, so an interactive session can move past it.
func WithAutoSatisfy() Option {
	return func(s *Simulator) { s.autoSatisfy = true }
}

// WithSessionTTL sets the lifetime of provider sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Simulator) { s.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Simulator) { s.now = now }
}

// WithDebug logs every tool call.
func WithDebug(debug bool) Option {
	return func(s *Simulator) { s.debug = debug }
}

// New creates a Simulator serving the default providers.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		providers:     make(map[string]Info),
		listings:      DefaultListings(),
		sessions:      make(map[string]remote),
		registrations: make(map[string]registration),
		satisfied:     make(map[string]bool),
		faults:        make(map[string][]dispatch.FailureKind),
		delays:        make(map[string][]time.Duration),
		calls:         make(map[string]int),
		replies:       make(map[string]any),
		ttl:           DefaultSessionTTL,
		now:           time.Now,
	}
	for _, p := range DefaultProviders() {
		s.providers[p.Ref] = p
	}
	for _, opt := range opts {
		opt(s)
	}
	for ref, ls := range s.listings {
		for i := range ls {
			ls[i].Provider = ref
		}
	}
	return s
}

// Refs returns the provider refs in sorted order.
func (s *Simulator) Refs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := make([]string, 0, len(s.providers))
	for ref := range s.providers {
		refs = append(refs, ref)
	}
	slices.Sort(refs)
	return refs
}

// Fail makes the next calls to op on provider fail with kinds, in order.
func (s *Simulator) Fail(provider string, op dispatch.Op, kinds ...dispatch.FailureKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := callKey(provider, op)
	s.faults[k] = append(s.faults[k], kinds...)
}

// Delay makes the next calls to op on provider answer late, one delay per
// call. The call takes effect before the delay, like a provider whose reply
// is slow to arrive.
func (s *Simulator) Delay(provider string, op dispatch.Op, delays ...time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := callKey(provider, op)
	s.delays[k] = append(s.delays[k], delays...)
}

// Satisfy marks a prerequisite as done for a user.
func (s *Simulator) Satisfy(userID, prereq string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.satisfied[userID+"|"+prereq] = true
}

// Calls returns how many times op reached provider.
func (s *Simulator) Calls(provider string, op dispatch.Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[callKey(provider, op)]
}

// Spots returns the open spots left in a program.
func (s *Simulator) Spots(provider, programRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listing(provider, programRef); l != nil {
		return l.Spots
	}
	return 0
}

func callKey(provider string, op dispatch.Op) string {
	return provider + "/" + string(op)
}

// enter counts a call and pops any injected failure for it.
func (s *Simulator) enter(provider string, op dispatch.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := callKey(provider, op)
	s.calls[k]++
	if s.debug {
		log.Printf("[provider] %s", k)
	}
	if q := s.faults[k]; len(q) > 0 {
		s.faults[k] = q[1:]
		return &mcp.ToolError{Code: string(q[0]), Message: "simulated " + string(q[0])}
	}
	return nil
}

// lag sleeps for the next injected delay of op, if any.
func (s *Simulator) lag(provider string, op dispatch.Op) {
	s.mu.Lock()
	k := callKey(provider, op)
	var d time.Duration
	if q := s.delays[k]; len(q) > 0 {
		d, s.delays[k] = q[0], q[1:]
	}
	s.mu.Unlock()
	if d > 0 {
		time.Sleep(d)
	}
}

// replayKey scopes an idempotency key to the provider, user and op. Calls
// without a key are never replayed.
func replayKey(ctx context.Context, provider, user string, op dispatch.Op) string {
	key := mcp.IdempotencyKeyFromContext(ctx)
	if key == "" {
		return ""
	}
	return callKey(provider, op) + "|" + user + "|" + key
}

func (s *Simulator) listing(provider, ref string) *Listing {
	ls := s.listings[provider]
	for i := range ls {
		if ls[i].Ref == ref {
			return &ls[i]
		}
	}
	return nil
}

func subject(ctx context.Context) string {
	if c, ok := mcp.ClaimsFromContext(ctx); ok {
		return c.Subject
	}
	return ""
}

// session resolves the caller's provider session. The session must belong
// to the mandate's subject.
func (s *Simulator) session(ctx context.Context, provider string) (string, error) {
	token := mcp.RemoteSessionFromContext(ctx)
	s.mu.Lock()
	r, ok := s.sessions[token]
	s.mu.Unlock()
	switch {
	case !ok, r.provider != provider, !s.now().Before(r.expires):
		return "", &mcp.ToolError{Code: string(dispatch.KindAuthenticationFailed), Message: "provider session is missing or expired"}
	case r.userID != subject(ctx):
		return "", &mcp.ToolError{Code: string(dispatch.KindAuthenticationFailed), Message: "provider session belongs to another user"}
	}
	return r.userID, nil
}

type loginInput struct {
	CredentialRef string `json:"credential_ref,omitempty" description:"Stored credential to sign in with"`
}

func (s *Simulator) login(provider string) func(context.Context, loginInput) (dispatch.LoginReply, error) {
	return func(ctx context.Context, _ loginInput) (dispatch.LoginReply, error) {
		if err := s.enter(provider, dispatch.OpLogin); err != nil {
			return dispatch.LoginReply{}, err
		}
		user := subject(ctx)
		if user == "" {
			return dispatch.LoginReply{}, &mcp.ToolError{Code: string(dispatch.KindAuthenticationFailed), Message: "no user to sign in"}
		}
		token := uuid.NewString()
		s.mu.Lock()
		s.sessions[token] = remote{userID: user, provider: provider, expires: s.now().Add(s.ttl)}
		s.mu.Unlock()
		return dispatch.LoginReply{SessionToken: token, ExpiresIn: int(s.ttl.Seconds())}, nil
	}
}

type discoverInput struct {
	Feed       string         `json:"feed" jsonschema:"required"`
	Provider   string         `json:"provider"`
	Category   string         `json:"category" jsonschema:"required"`
	Schedule   string         `json:"schedule,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	ProgramRef string         `json:"program_ref,omitempty" description:"Narrow the listing to one program"`
}

func (s *Simulator) discover(provider string) func(context.Context, discoverInput) (dispatch.ProgramList, error) {
	return func(_ context.Context, in discoverInput) (dispatch.ProgramList, error) {
		if err := s.enter(provider, dispatch.OpDiscover); err != nil {
			return dispatch.ProgramList{}, err
		}
		if in.Feed != discovery.DefaultFeed {
			return dispatch.ProgramList{}, &mcp.ToolError{Code: string(dispatch.KindFormValidation), Message: "unknown feed " + in.Feed}
		}
		age, hasAge := 0, false
		if v, ok := in.Params["age"].(string); ok {
			if n, err := strconv.Atoi(v); err == nil {
				age, hasAge = n, true
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		out := dispatch.ProgramList{Programs: []discovery.Program{}}
		for _, l := range s.listings[provider] {
			switch {
			case in.Category != "all" && l.Category != in.Category:
				continue
			case in.ProgramRef != "" && l.Ref != in.ProgramRef:
				continue
			case in.Schedule != "" && !matchesSchedule(l.Schedule, in.Schedule):
				continue
			case hasAge && (age < l.AgeMin || (l.AgeMax > 0 && age > l.AgeMax)):
				continue
			}
			out.Programs = append(out.Programs, l.Program)
		}
		return out, nil
	}
}

// matchesSchedule reports whether every word of want appears in schedule.
func matchesSchedule(schedule, want string) bool {
	for _, w := range strings.Fields(want) {
		if !strings.Contains(schedule, strings.TrimSuffix(w, "s")) {
			return false
		}
	}
	return true
}

type prereqInput struct {
	ProgramRef string `json:"program_ref" jsonschema:"required"`
}

func (s *Simulator) checkPrereqs(provider string) func(context.Context, prereqInput) (dispatch.PrereqReport, error) {
	return func(ctx context.Context, in prereqInput) (dispatch.PrereqReport, error) {
		if err := s.enter(provider, dispatch.OpCheckPrereqs); err != nil {
			return dispatch.PrereqReport{}, err
		}
		user, err := s.session(ctx, provider)
		if err != nil {
			return dispatch.PrereqReport{}, err
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		l := s.listing(provider, in.ProgramRef)
		if l == nil {
			return dispatch.PrereqReport{}, &mcp.ToolError{Code: string(dispatch.KindFormValidation), Message: "unknown program " + in.ProgramRef}
		}
		report := dispatch.PrereqReport{Missing: []string{}, RequiredFields: slices.Clone(l.Fields)}
		for _, p := range l.Prereqs {
			key := user + "|" + p
			if s.satisfied[key] {
				continue
			}
			report.Missing = append(report.Missing, p)
			if s.autoSatisfy {
				s.satisfied[key] = true
			}
		}
		return report, nil
	}
}

type registerInput struct {
	ProgramRef string         `json:"program_ref" jsonschema:"required"`
	Fields     map[string]any `json:"fields"`
}

func (s *Simulator) register(provider string) func(context.Context, registerInput) (dispatch.Registration, error) {
	return func(ctx context.Context, in registerInput) (dispatch.Registration, error) {
		if err := s.enter(provider, dispatch.OpRegister); err != nil {
			return dispatch.Registration{}, err
		}
		user, err := s.session(ctx, provider)
		if err != nil {
			return dispatch.Registration{}, err
		}
		reg, err := s.registerOnce(replayKey(ctx, provider, user, dispatch.OpRegister), provider, user, in)
		s.lag(provider, dispatch.OpRegister)
		return reg, err
	}
}

func (s *Simulator) registerOnce(replay, provider, user string, in registerInput) (dispatch.Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.replies[replay].(dispatch.Registration); ok && replay != "" {
		return prev, nil
	}

	l := s.listing(provider, in.ProgramRef)
	if l == nil {
		return dispatch.Registration{}, &mcp.ToolError{Code: string(dispatch.KindFormValidation), Message: "unknown program " + in.ProgramRef}
	}
	for _, f := range l.Fields {
		if v, _ := in.Fields[f].(string); strings.TrimSpace(v) == "" {
			return dispatch.Registration{}, &mcp.ToolError{Code: string(dispatch.KindFormValidation), Message: "missing field " + f}
		}
	}
	if l.Spots <= 0 {
		return dispatch.Registration{}, &mcp.ToolError{Code: string(dispatch.KindProgramFull), Message: l.Title + " is full"}
	}
	l.Spots--

	ref := "CONF-" + strings.ToUpper(uuid.NewString()[:8])
	s.registrations[ref] = registration{userID: user, provider: provider, program: l.Ref, amount: l.PriceCent}
	reg := dispatch.Registration{ConfirmationRef: ref, AmountCent: l.PriceCent}
	if replay != "" {
		s.replies[replay] = reg
	}
	return reg, nil
}

type payInput struct {
	ConfirmationRef string `json:"confirmation_ref" jsonschema:"required"`
	AmountCent      int    `json:"amount_cents" jsonschema:"minimum=1"`
}

// pay charges a registration at most once. Paying an already-paid
// registration returns its receipt.
func (s *Simulator) pay(provider string) func(context.Context, payInput) (dispatch.Payment, error) {
	return func(ctx context.Context, in payInput) (dispatch.Payment, error) {
		if err := s.enter(provider, dispatch.OpPay); err != nil {
			return dispatch.Payment{}, err
		}
		user, err := s.session(ctx, provider)
		if err != nil {
			return dispatch.Payment{}, err
		}
		payment, err := s.payOnce(provider, user, in)
		s.lag(provider, dispatch.OpPay)
		return payment, err
	}
}

func (s *Simulator) payOnce(provider, user string, in payInput) (dispatch.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.registrations[in.ConfirmationRef]
	if !ok || reg.userID != user || reg.provider != provider {
		return dispatch.Payment{}, &mcp.ToolError{Code: string(dispatch.KindFormValidation), Message: "unknown registration"}
	}
	if in.AmountCent != reg.amount {
		return dispatch.Payment{}, &mcp.ToolError{Code: string(dispatch.KindPaymentDeclined), Message: "amount does not match the registration"}
	}
	if reg.paid {
		return dispatch.Payment{ReceiptRef: reg.receipt, AmountCent: reg.amount}, nil
	}
	reg.paid = true
	reg.receipt = "RCPT-" + strings.ToUpper(uuid.NewString()[:8])
	s.registrations[in.ConfirmationRef] = reg
	return dispatch.Payment{ReceiptRef: reg.receipt, AmountCent: reg.amount}, nil
}

// Charges returns how many registrations of provider have been paid.
func (s *Simulator) Charges(provider string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, reg := range s.registrations {
		if reg.provider == provider && reg.paid {
			n++
		}
	}
	return n
}

// Server builds the tool server for one provider. Tools that act for a user
// verify the caller's mandate with v.
func (s *Simulator) Server(ref string, v mandate.Verifier, opts ...mcp.ServerOption) (*mcp.Server, error) {
	s.mu.Lock()
	_, ok := s.providers[ref]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", ref)
	}

	srv := mcp.NewServer(ref, append([]mcp.ServerOption{mcp.WithMandateVerifier(v, ref)}, opts...)...)
	tools := []interface{ ToTool() mcp.Tool }{
		mcp.NewTypedTool(string(dispatch.OpLogin), "Sign in to the provider", s.login(ref), scopes(dispatch.OpLogin)...),
		mcp.NewTypedTool(string(dispatch.OpDiscover), "List programs", s.discover(ref), scopes(dispatch.OpDiscover)...),
		mcp.NewTypedTool(string(dispatch.OpCheckPrereqs), "Check what a program requires", s.checkPrereqs(ref), scopes(dispatch.OpCheckPrereqs)...),
		mcp.NewTypedTool(string(dispatch.OpRegister), "Register for a program", s.register(ref), scopes(dispatch.OpRegister)...),
		mcp.NewTypedTool(string(dispatch.OpPay), "Pay for a registration", s.pay(ref), scopes(dispatch.OpPay)...),
	}
	for _, t := range tools {
		if err := srv.RegisterTypedTool(t); err != nil {
			return nil, fmt.Errorf("register %s tool: %w", ref, err)
		}
	}
	return srv, nil
}

func scopes(op dispatch.Op) []mandate.Scope {
	sc, _ := dispatch.RequiredScopes(op)
	return sc
}
