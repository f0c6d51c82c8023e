package mandate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func testCodec(t *testing.T, clk *fakeClock) *HMACCodec {
	t.Helper()
	codec, err := NewHMACCodec([]byte("test-secret"))
	require.NoError(t, err)
	return codec.WithClock(clk.Now)
}

func TestEnsure_MintsWhenNoMandate(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	md, minted, err := m.Ensure(context.Background(), Subject{UserID: "u1", ProviderRef: "skiclubpro"}, []Scope{ScopeAuthenticate})
	require.NoError(t, err)
	assert.True(t, minted)
	assert.Equal(t, "u1", md.Subject)
	assert.Equal(t, "skiclubpro", md.Issuer)
	assert.Equal(t, []Scope{ScopeAuthenticate}, md.Scopes)
	assert.Equal(t, clk.Now().Add(DefaultTTL), md.ValidUntil)
	assert.NotEmpty(t, md.Token)
}

func TestEnsure_ReusesValidMandate(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))
	subj := Subject{UserID: "u1", ProviderRef: "skiclubpro"}

	first, _, err := m.Ensure(context.Background(), subj, []Scope{ScopeAuthenticate, ScopeReadListings})
	require.NoError(t, err)

	clk.Advance(DefaultTTL - DefaultGrace - time.Second)
	subj.Current = first

	second, minted, err := m.Ensure(context.Background(), subj, []Scope{ScopeReadListings})
	require.NoError(t, err)
	assert.False(t, minted)
	assert.Same(t, first, second)
}

func TestEnsure_MintsInsideGraceWindow(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	current := &Mandate{
		ID:         "old",
		Token:      "old-token",
		Subject:    "u1",
		Issuer:     "skiclubpro",
		Scopes:     []Scope{ScopeAuthenticate},
		ValidUntil: clk.Now().Add(500 * time.Millisecond),
	}

	md, minted, err := m.Ensure(context.Background(), Subject{UserID: "u1", ProviderRef: "skiclubpro", Current: current}, []Scope{ScopeAuthenticate})
	require.NoError(t, err)
	assert.True(t, minted)
	assert.NotEqual(t, "old", md.ID)
}

func TestEnsure_BoundaryAtGrace(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	current := &Mandate{
		ID:         "old",
		Token:      "old-token",
		Subject:    "u1",
		Issuer:     "p",
		Scopes:     []Scope{ScopeAuthenticate},
		ValidUntil: clk.Now().Add(DefaultGrace),
	}
	subj := Subject{UserID: "u1", ProviderRef: "p", Current: current}

	_, minted, err := m.Ensure(context.Background(), subj, []Scope{ScopeAuthenticate})
	require.NoError(t, err)
	assert.True(t, minted, "now == validUntil-grace must mint")

	current.ValidUntil = clk.Now().Add(DefaultGrace + time.Nanosecond)
	_, minted, err = m.Ensure(context.Background(), subj, []Scope{ScopeAuthenticate})
	require.NoError(t, err)
	assert.False(t, minted)
}

func TestEnsure_UnionOfScopes(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	current := &Mandate{
		ID:         "old",
		Token:      "old-token",
		Subject:    "u1",
		Issuer:     "p",
		Scopes:     []Scope{ScopeAuthenticate, ScopeReadListings},
		ValidUntil: clk.Now().Add(DefaultTTL),
	}

	md, minted, err := m.Ensure(context.Background(), Subject{UserID: "u1", ProviderRef: "p", Current: current}, []Scope{ScopeRegister})
	require.NoError(t, err)
	assert.True(t, minted)
	assert.ElementsMatch(t, []Scope{ScopeAuthenticate, ScopeReadListings, ScopeRegister}, md.Scopes)

	// Returning to a previously granted capability does not mint again.
	_, minted, err = m.Ensure(context.Background(), Subject{UserID: "u1", ProviderRef: "p", Current: md}, []Scope{ScopeAuthenticate})
	require.NoError(t, err)
	assert.False(t, minted)
}

func TestEnsure_MissingIdentityAndProvider(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	tests := []struct {
		name   string
		subj   Subject
		reason string
	}{
		{"missing identity", Subject{ProviderRef: "p"}, ReasonMissingIdentity},
		{"missing provider", Subject{UserID: "u1"}, ReasonMissingProvider},
		{"missing both reports identity first", Subject{}, ReasonMissingIdentity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := m.Ensure(context.Background(), tt.subj, []Scope{ScopeAuthenticate})
			require.Error(t, err)
			var ae *AuthError
			require.True(t, errors.As(err, &ae))
			assert.Equal(t, tt.reason, ae.Reason)
		})
	}
}

func TestRefresh_AlwaysMints(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))
	subj := Subject{UserID: "u1", ProviderRef: "p"}

	first, _, err := m.Ensure(context.Background(), subj, []Scope{ScopePay})
	require.NoError(t, err)

	subj.Current = first
	second, err := m.Refresh(context.Background(), subj, []Scope{ScopePay})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.Scopes, second.Scopes)
}

func TestEnsure_PropertyMintIffNotSatisfied(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	offsets := []time.Duration{-time.Minute, 0, 500 * time.Millisecond, 59 * time.Second, 61 * time.Second, 5 * time.Minute}
	scopeSets := [][]Scope{{ScopeAuthenticate}, {ScopeAuthenticate, ScopePay}}

	for _, off := range offsets {
		for _, held := range scopeSets {
			for _, req := range scopeSets {
				current := &Mandate{ID: "cur", Token: "tok", Subject: "u", Issuer: "p", Scopes: held, ValidUntil: clk.Now().Add(off)}
				_, minted, err := m.Ensure(context.Background(), Subject{UserID: "u", ProviderRef: "p", Current: current}, req)
				require.NoError(t, err)
				want := !(current.Covers(req) && off > DefaultGrace)
				assert.Equal(t, want, minted, "offset=%s held=%v req=%v", off, held, req)
			}
		}
	}
}

func TestEnsure_NeverReusesAcrossProviders(t *testing.T) {
	clk := newFakeClock()
	m := NewManager(testCodec(t, clk), WithClock(clk.Now))

	ski, _, err := m.Ensure(context.Background(), Subject{UserID: "u1", ProviderRef: "skiclubpro"}, []Scope{ScopePay})
	require.NoError(t, err)

	hockey, minted, err := m.Ensure(context.Background(), Subject{UserID: "u1", ProviderRef: "daysmart", Current: ski}, []Scope{ScopeAuthenticate})
	require.NoError(t, err)
	assert.True(t, minted)
	assert.Equal(t, "daysmart", hockey.Issuer)
	assert.Equal(t, []Scope{ScopeAuthenticate}, hockey.Scopes, "scopes granted for another provider do not carry over")
}
