package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
	"github.com/aixgo-dev/signup-agent/pkg/session"
)

type harness struct {
	sim   *Simulator
	store *session.Store
	codec *mandate.HMACCodec
	d     *dispatch.Dispatcher
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWith(t, nil, opts...)
}

func newHarnessWith(t *testing.T, dopts []dispatch.Option, opts ...Option) *harness {
	t.Helper()
	codec, err := mandate.NewHMACCodec([]byte("provider-test-secret"))
	if err != nil {
		t.Fatalf("NewHMACCodec: %v", err)
	}
	store := session.NewStore(nil)
	t.Cleanup(func() { _ = store.Close() })

	base := []dispatch.Option{
		dispatch.WithRetry(3, time.Millisecond, 2*time.Millisecond),
		dispatch.WithTimeout(time.Second),
	}
	d := dispatch.New(store, mandate.NewManager(codec), append(base, dopts...)...)
	sim := New(opts...)
	client, err := Connect(context.Background(), d, sim, codec)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return &harness{sim: sim, store: store, codec: codec, d: d}
}

func (h *harness) session(t *testing.T, id, user, provider string) {
	t.Helper()
	if _, err := h.store.Update(context.Background(), id, session.Patch{UserID: &user, ProviderRef: &provider}); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func TestDiscoverFiltersByCategoryAndAge(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "skiclubpro")

	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{"category", map[string]any{"feed": "programs", "category": "ski"}, []string{"ski-nordic-kids", "ski-alpine-teens", "ski-racing-devo"}},
		{"age", map[string]any{"feed": "programs", "category": "ski", "params": map[string]any{"age": "7"}}, []string{"ski-nordic-kids"}},
		{"schedule", map[string]any{"feed": "programs", "category": "ski", "schedule": "sunday"}, []string{"ski-alpine-teens", "ski-racing-devo"}},
		{"narrowed", map[string]any{"feed": "programs", "category": "ski", "program_ref": "ski-racing-devo"}, []string{"ski-racing-devo"}},
		{"all", map[string]any{"feed": "programs", "category": "all", "params": map[string]any{"age": "12"}}, []string{"ski-alpine-teens", "ski-racing-devo", "snowboard-intro"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.d.Invoke(context.Background(), "s1", dispatch.OpDiscover, tt.args)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			var list dispatch.ProgramList
			if err := res.Decode(&list); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			var got []string
			for _, p := range list.Programs {
				got = append(got, p.Ref)
				if p.Provider != "skiclubpro" {
					t.Errorf("program %s has provider %q", p.Ref, p.Provider)
				}
			}
			if len(got) != len(tt.want) {
				t.Fatalf("programs = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("programs = %v, want %v", got, tt.want)
					break
				}
			}
		})
	}
}

func TestPrerequisitesAndRegistration(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "skiclubpro")
	ctx := context.Background()

	res, err := h.d.Invoke(ctx, "s1", dispatch.OpCheckPrereqs, map[string]any{"program_ref": "ski-nordic-kids"})
	if err != nil {
		t.Fatalf("check_prerequisites: %v", err)
	}
	var report dispatch.PrereqReport
	if err := res.Decode(&report); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(report.Missing) != 1 || report.Missing[0] != "membership" {
		t.Errorf("missing = %v, want [membership]", report.Missing)
	}
	if len(report.RequiredFields) != 3 {
		t.Errorf("required fields = %v", report.RequiredFields)
	}
	if h.sim.Calls("skiclubpro", dispatch.OpLogin) != 1 {
		t.Errorf("expected exactly one login, got %d", h.sim.Calls("skiclubpro", dispatch.OpLogin))
	}

	h.sim.Satisfy("user-1", "membership")
	res, err = h.d.Invoke(ctx, "s1", dispatch.OpCheckPrereqs, map[string]any{"program_ref": "ski-nordic-kids"})
	if err != nil {
		t.Fatalf("check_prerequisites: %v", err)
	}
	report = dispatch.PrereqReport{}
	_ = res.Decode(&report)
	if len(report.Missing) != 0 {
		t.Errorf("missing after Satisfy = %v", report.Missing)
	}

	_, err = h.d.Invoke(ctx, "s1", dispatch.OpRegister, map[string]any{
		"program_ref": "ski-nordic-kids",
		"fields":      map[string]any{"child_name": "Ava"},
	})
	var sf *dispatch.SemanticFailure
	if !errors.As(err, &sf) || sf.Kind != dispatch.KindFormValidation {
		t.Fatalf("incomplete fields: err = %v, want form_validation_error", err)
	}

	before := h.sim.Spots("skiclubpro", "ski-nordic-kids")
	res, err = h.d.Invoke(ctx, "s1", dispatch.OpRegister, map[string]any{
		"program_ref": "ski-nordic-kids",
		"fields":      map[string]any{"child_name": "Ava", "child_dob": "2017-02-01", "emergency_contact": "Sam 555-0100"},
	})
	if err != nil {
		t.Fatalf("submit_registration: %v", err)
	}
	var reg dispatch.Registration
	if err := res.Decode(&reg); err != nil || reg.ConfirmationRef == "" || reg.AmountCent != 15000 {
		t.Fatalf("registration = %+v, err = %v", reg, err)
	}
	if got := h.sim.Spots("skiclubpro", "ski-nordic-kids"); got != before-1 {
		t.Errorf("spots = %d, want %d", got, before-1)
	}

	_, err = h.d.Invoke(ctx, "s1", dispatch.OpPay, map[string]any{"confirmation_ref": reg.ConfirmationRef, "amount_cents": 100})
	if !errors.As(err, &sf) || sf.Kind != dispatch.KindPaymentDeclined {
		t.Fatalf("wrong amount: err = %v, want payment_declined", err)
	}
	if n := h.sim.Calls("skiclubpro", dispatch.OpPay); n != 1 {
		t.Errorf("declined payment was attempted %d times", n)
	}

	res, err = h.d.Invoke(ctx, "s1", dispatch.OpPay, map[string]any{"confirmation_ref": reg.ConfirmationRef, "amount_cents": 15000})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	var pay dispatch.Payment
	if err := res.Decode(&pay); err != nil || pay.ReceiptRef == "" {
		t.Errorf("payment = %+v, err = %v", pay, err)
	}
}

var nordicFields = map[string]any{"child_name": "Ava", "child_dob": "2017-02-01", "emergency_contact": "Sam 555-0100"}

func register(t *testing.T, h *harness, sessionID string) dispatch.Registration {
	t.Helper()
	res, err := h.d.Invoke(context.Background(), sessionID, dispatch.OpRegister, map[string]any{
		"program_ref": "ski-nordic-kids",
		"fields":      nordicFields,
	})
	if err != nil {
		t.Fatalf("submit_registration: %v", err)
	}
	var reg dispatch.Registration
	if err := res.Decode(&reg); err != nil || reg.ConfirmationRef == "" {
		t.Fatalf("registration = %+v, err = %v", reg, err)
	}
	return reg
}

func pay(t *testing.T, h *harness, sessionID string, reg dispatch.Registration) (dispatch.Payment, int) {
	t.Helper()
	res, err := h.d.Invoke(context.Background(), sessionID, dispatch.OpPay, map[string]any{
		"confirmation_ref": reg.ConfirmationRef,
		"amount_cents":     reg.AmountCent,
	})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	var p dispatch.Payment
	if err := res.Decode(&p); err != nil || p.ReceiptRef == "" {
		t.Fatalf("payment = %+v, err = %v", p, err)
	}
	return p, res.Attempts
}

func TestPaidRegistrationIsChargedOnce(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "skiclubpro")
	reg := register(t, h, "s1")

	first, _ := pay(t, h, "s1", reg)
	second, _ := pay(t, h, "s1", reg)
	if first.ReceiptRef != second.ReceiptRef {
		t.Errorf("second payment issued receipt %s, want the existing %s", second.ReceiptRef, first.ReceiptRef)
	}
	if first.AmountCent != reg.AmountCent {
		t.Errorf("charged %d, want %d", first.AmountCent, reg.AmountCent)
	}
	if n := h.sim.Charges("skiclubpro"); n != 1 {
		t.Errorf("charges = %d, want 1", n)
	}
}

func TestSlowReplyRetriedWithoutRepeatingEffect(t *testing.T) {
	h := newHarnessWith(t, []dispatch.Option{dispatch.WithTimeout(50 * time.Millisecond)})
	h.session(t, "s1", "user-1", "skiclubpro")
	before := h.sim.Spots("skiclubpro", "ski-nordic-kids")

	// The first attempt registers but answers after the dispatcher gave up.
	h.sim.Delay("skiclubpro", dispatch.OpRegister, 200*time.Millisecond)
	res, err := h.d.Invoke(context.Background(), "s1", dispatch.OpRegister, map[string]any{
		"program_ref": "ski-nordic-kids",
		"fields":      nordicFields,
	})
	if err != nil {
		t.Fatalf("submit_registration: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if n := h.sim.Calls("skiclubpro", dispatch.OpRegister); n != 2 {
		t.Errorf("register calls = %d, want 2", n)
	}
	if got := h.sim.Spots("skiclubpro", "ski-nordic-kids"); got != before-1 {
		t.Errorf("spots = %d, want %d: the retry registered again", got, before-1)
	}
	var reg dispatch.Registration
	if err := res.Decode(&reg); err != nil {
		t.Fatalf("Decode: %v", err)
	}

	h.sim.Delay("skiclubpro", dispatch.OpPay, 200*time.Millisecond)
	_, attempts := pay(t, h, "s1", reg)
	if attempts != 2 {
		t.Errorf("pay attempts = %d, want 2", attempts)
	}
	if n := h.sim.Charges("skiclubpro"); n != 1 {
		t.Errorf("charges = %d, want 1", n)
	}
}

func TestIdempotencyKeyReplaysRegistration(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "skiclubpro")
	before := h.sim.Spots("skiclubpro", "ski-nordic-kids")

	var refs []string
	for range 2 {
		res, err := h.d.Invoke(context.Background(), "s1", dispatch.OpRegister, map[string]any{
			"program_ref":         "ski-nordic-kids",
			"fields":              nordicFields,
			mcp.ArgIdempotencyKey: "signup-1/register",
		})
		if err != nil {
			t.Fatalf("submit_registration: %v", err)
		}
		var reg dispatch.Registration
		_ = res.Decode(&reg)
		refs = append(refs, reg.ConfirmationRef)
	}
	if refs[0] == "" || refs[0] != refs[1] {
		t.Errorf("confirmation refs = %v, want one registration", refs)
	}
	if got := h.sim.Spots("skiclubpro", "ski-nordic-kids"); got != before-1 {
		t.Errorf("spots = %d, want %d", got, before-1)
	}
}

func TestFullProgramIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "skiclubpro")

	_, err := h.d.Invoke(context.Background(), "s1", dispatch.OpRegister, map[string]any{
		"program_ref": "ski-alpine-teens",
		"fields":      map[string]any{"child_name": "Ava", "child_dob": "2012-02-01", "emergency_contact": "Sam"},
	})
	var sf *dispatch.SemanticFailure
	if !errors.As(err, &sf) || sf.Kind != dispatch.KindProgramFull {
		t.Fatalf("err = %v, want program_full", err)
	}
	if n := h.sim.Calls("skiclubpro", dispatch.OpRegister); n != 1 {
		t.Errorf("register calls = %d, want 1", n)
	}
}

func TestInjectedFailures(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "daysmart")
	h.sim.Fail("daysmart", dispatch.OpDiscover, dispatch.KindNetworkTimeout, dispatch.KindRateLimited)

	res, err := h.d.Invoke(context.Background(), "s1", dispatch.OpDiscover, map[string]any{"feed": "programs", "category": "swim"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}

	h.sim.Fail("daysmart", dispatch.OpDiscover, dispatch.KindSiteMaintenance)
	_, err = h.d.Invoke(context.Background(), "s1", dispatch.OpDiscover, map[string]any{"feed": "programs", "category": "swim"})
	var sf *dispatch.SemanticFailure
	if !errors.As(err, &sf) || sf.Kind != dispatch.KindSiteMaintenance {
		t.Fatalf("err = %v, want site_maintenance", err)
	}
}

func TestServerRejectsCallsWithoutMandate(t *testing.T) {
	sim := New()
	codec, _ := mandate.NewHMACCodec([]byte("provider-test-secret"))
	srv, err := sim.Server("campminder", codec)
	if err != nil {
		t.Fatalf("Server: %v", err)
	}

	res, err := srv.CallTool(context.Background(), mcp.CallToolParams{
		Name:      string(dispatch.OpDiscover),
		Arguments: map[string]any{"feed": "programs", "category": "art"},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	body, ok := res.ErrorInfo()
	if !ok || body.Code != mcp.CodeMandateRejected {
		t.Errorf("result = %s, want mandate_rejected", res.Text())
	}
	if sim.Calls("campminder", dispatch.OpDiscover) != 0 {
		t.Error("handler ran without a mandate")
	}

	if _, err := sim.Server("nowhere", codec); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestRemoteSessionBelongsToUser(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "user-1", "skiclubpro")
	ctx := context.Background()

	login, err := h.d.Login(ctx, "s1")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	// another user's mandate presenting user-1's provider session
	token, err := h.codec.Issue(ctx, mandate.Claims{
		Subject:   "user-2",
		Issuer:    "skiclubpro",
		Scopes:    []mandate.Scope{mandate.ScopeReadListings},
		ExpiresAt: time.Now().Add(time.Minute).Unix(),
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	srv, _ := h.sim.Server("skiclubpro", h.codec)
	res, err := srv.CallTool(ctx, mcp.CallToolParams{
		Name: string(dispatch.OpCheckPrereqs),
		Arguments: map[string]any{
			"program_ref":        "ski-nordic-kids",
			mcp.ArgMandate:       token,
			mcp.ArgRemoteSession: login.Remote.Token,
		},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	body, ok := res.ErrorInfo()
	if !ok || body.Code != string(dispatch.KindAuthenticationFailed) {
		t.Errorf("result = %s, want authentication_failed", res.Text())
	}
}

func TestAutoSatisfy(t *testing.T) {
	h := newHarness(t, WithAutoSatisfy())
	h.session(t, "s1", "user-1", "campminder")

	for i, want := range []int{1, 0} {
		res, err := h.d.Invoke(context.Background(), "s1", dispatch.OpCheckPrereqs, map[string]any{"program_ref": "summer-adventure"})
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		var report dispatch.PrereqReport
		_ = res.Decode(&report)
		if len(report.Missing) != want {
			t.Errorf("check %d: missing = %v, want %d", i, report.Missing, want)
		}
	}
}

func TestSearchProviders(t *testing.T) {
	h := newHarness(t)
	h.session(t, "s1", "", "")

	tests := []struct {
		name string
		args map[string]any
		want []string
	}{
		{"activity", map[string]any{"activity": "hockey"}, []string{"daysmart"}},
		{"query ranks first", map[string]any{"query": "blackhawk"}, []string{"skiclubpro", "campminder", "daysmart"}},
		{"everyone", map[string]any{}, []string{"campminder", "daysmart", "skiclubpro"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.d.Invoke(context.Background(), "s1", dispatch.OpSearchProviders, tt.args)
			if err != nil {
				t.Fatalf("Invoke: %v", err)
			}
			var list dispatch.ProviderList
			if err := res.Decode(&list); err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if len(list.Providers) != len(tt.want) {
				t.Fatalf("providers = %+v, want %v", list.Providers, tt.want)
			}
			for i, p := range list.Providers {
				if p.Ref != tt.want[i] {
					t.Errorf("providers[%d] = %s, want %s", i, p.Ref, tt.want[i])
				}
			}
		})
	}
}
