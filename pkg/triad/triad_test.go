package triad

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

func fact(v string) *Fact { return &Fact{Raw: v, Normalized: v} }

type stubHistory struct {
	cands []Candidate
	err   error
	calls int
}

func (s *stubHistory) Candidates(context.Context, Query) ([]Candidate, error) {
	s.calls++
	return s.cands, s.err
}

func TestMerge_ActivityThenAgeAndProvider(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, q := tr.Merge(ctx, session.Triad{}, Facts{Activity: fact("skiing")})
	require.NotNil(t, q)
	assert.Equal(t, []session.SlotName{session.SlotAge, session.SlotProvider}, q.Slots)
	assert.Contains(t, q.Text, "age")
	assert.Contains(t, q.Text, "provider")
	assert.NotContains(t, strings.ToLower(q.Text), "activity")
	assert.Equal(t, 1, strings.Count(q.Text, "?"), "exactly one combined question")

	triad, q = tr.Merge(ctx, triad, Facts{Age: fact("8"), Provider: fact("skiclubpro")})
	assert.Nil(t, q)
	assert.True(t, triad.Ready())
	assert.Equal(t, "skiing", triad.Activity.Normalized)
	assert.Equal(t, "8", triad.Age.Normalized)
	assert.Equal(t, "skiclubpro", triad.Provider.Normalized)
}

func TestMerge_KnownSlotIsNotOverwritten(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, _ := tr.Merge(ctx, session.Triad{}, Facts{Age: fact("8")})
	triad, _ = tr.Merge(ctx, triad, Facts{Age: fact("12")})
	assert.Equal(t, "8", triad.Age.Normalized)

	triad, _ = tr.Merge(ctx, triad, Facts{Age: &Fact{Normalized: "9", Override: true}})
	assert.Equal(t, "9", triad.Age.Normalized)
	assert.True(t, triad.Age.Known)
}

func TestMerge_EmptyFactIgnored(t *testing.T) {
	tr := NewTracker()
	triad, q := tr.Merge(context.Background(), session.Triad{}, Facts{Age: &Fact{Normalized: "  "}})
	assert.False(t, triad.Age.Known)
	require.NotNil(t, q)
	assert.Len(t, q.Slots, 3)
}

func TestMerge_AskedSlotsMarkedAndReminder(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, q := tr.Merge(ctx, session.Triad{}, Facts{Provider: fact("daysmart")})
	require.NotNil(t, q)
	assert.False(t, q.Reminder)
	assert.ElementsMatch(t, []session.SlotName{session.SlotAge, session.SlotActivity}, triad.Asked)

	// No new information: the same single question comes back as a reminder.
	triad, q = tr.Merge(ctx, triad, Facts{})
	require.NotNil(t, q)
	assert.True(t, q.Reminder)
	assert.Len(t, triad.Asked, 2)
}

func TestMerge_DeclineSubstitutesFallback(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, q := tr.Merge(ctx, session.Triad{}, Facts{Provider: fact("campminder"), Activity: fact("swim")})
	require.NotNil(t, q)

	triad, q = tr.Merge(ctx, triad, Facts{Text: "I'd rather not say her age"})
	assert.Nil(t, q)
	assert.True(t, triad.Age.Declined)
	assert.Equal(t, "unspecified", triad.Age.Normalized)
}

func TestMerge_DeclineLeavesOtherSlotsPending(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, q := tr.Merge(ctx, session.Triad{}, Facts{Age: fact("10"), Text: "she's 10, any activity is fine"})
	require.NotNil(t, q)
	assert.Equal(t, "all", triad.Activity.Normalized)
	assert.Equal(t, []session.SlotName{session.SlotProvider}, q.Slots)
}

func TestMerge_ProviderCannotBeDeclinedByDefault(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, _ := tr.Merge(ctx, session.Triad{}, Facts{Age: fact("7"), Activity: fact("soccer")})
	triad, q := tr.Merge(ctx, triad, Facts{Text: "no preference"})
	require.NotNil(t, q)
	assert.False(t, triad.Provider.Known)

	withDefault := NewTracker(WithFallback(session.SlotProvider, "skiclubpro"))
	triad, q = withDefault.Merge(ctx, triad, Facts{Text: "no preference"})
	assert.Nil(t, q)
	assert.Equal(t, "skiclubpro", triad.Provider.Normalized)
}

func TestMerge_GenericDeclineOnlyAffectsAskedSlots(t *testing.T) {
	tr := NewTracker()
	triad, q := tr.Merge(context.Background(), session.Triad{}, Facts{Text: "doesn't matter"})
	require.NotNil(t, q)
	assert.Len(t, q.Slots, 3, "nothing was asked yet, so nothing is declined")
	assert.Empty(t, triad.Age.Normalized)
}

func TestMerge_FastPath(t *testing.T) {
	ctx := context.Background()
	full := Facts{Age: fact("8"), Activity: fact("ski"), Provider: fact("skiclubpro"), ProgramHint: "saturday lessons"}

	tests := []struct {
		name     string
		cands    []Candidate
		err      error
		wantRef  string
		strength string
	}{
		{"single confident candidate", []Candidate{{ProgramRef: "p-1", Confidence: 0.9}, {ProgramRef: "p-2", Confidence: 0.3}}, nil, "p-1", StrengthHigh},
		{"threshold is inclusive", []Candidate{{ProgramRef: "p-1", Confidence: 0.75}}, nil, "p-1", StrengthHigh},
		{"below threshold", []Candidate{{ProgramRef: "p-1", Confidence: 0.74}}, nil, "", StrengthHigh},
		{"ambiguous", []Candidate{{ProgramRef: "p-1", Confidence: 0.8}, {ProgramRef: "p-2", Confidence: 0.9}}, nil, "", StrengthHigh},
		{"lookup error", nil, errors.New("db down"), "", StrengthHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &stubHistory{cands: tt.cands, err: tt.err}
			tr := NewTracker(WithHistory(h))
			triad, q := tr.Merge(ctx, session.Triad{}, full)
			assert.Nil(t, q)
			assert.Equal(t, tt.strength, triad.Strength)
			if tt.wantRef == "" {
				assert.Nil(t, triad.FastPath)
				return
			}
			require.NotNil(t, triad.FastPath)
			assert.Equal(t, tt.wantRef, triad.FastPath.ProgramRef)
		})
	}
}

func TestMerge_NoFastPathWithoutHighIntent(t *testing.T) {
	h := &stubHistory{cands: []Candidate{{ProgramRef: "p-1", Confidence: 0.99}}}
	tr := NewTracker(WithHistory(h))

	triad, q := tr.Merge(context.Background(), session.Triad{}, Facts{Age: fact("8"), Activity: fact("ski"), Provider: fact("skiclubpro")})
	assert.Nil(t, q)
	assert.Equal(t, StrengthMedium, triad.Strength)
	assert.Nil(t, triad.FastPath)
	assert.Zero(t, h.calls)
}

func TestMerge_StrengthLevels(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()

	triad, _ := tr.Merge(ctx, session.Triad{}, Facts{Age: fact("8")})
	assert.Equal(t, StrengthLow, triad.Strength)

	triad, _ = tr.Merge(ctx, triad, Facts{Activity: fact("ski")})
	assert.Equal(t, StrengthMedium, triad.Strength)
}

func TestMerge_Properties(t *testing.T) {
	tr := NewTracker()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	pick := func() *Fact {
		if rng.Intn(3) == 0 {
			return fact([]string{"8", "ski", "daysmart", ""}[rng.Intn(4)])
		}
		return nil
	}
	texts := []string{"", "no preference", "any age", "whatever", "hello"}

	for run := 0; run < 200; run++ {
		var triad session.Triad
		for step := 0; step < 6; step++ {
			before := triad
			next, q := tr.Merge(ctx, triad, Facts{Age: pick(), Activity: pick(), Provider: pick(), Text: texts[rng.Intn(len(texts))]})

			for _, name := range session.AllSlots {
				if before.Slot(name).Known {
					require.True(t, next.Slot(name).Known, "slot %s reverted to unknown", name)
					require.Equal(t, before.Slot(name).Normalized, next.Slot(name).Normalized)
				}
			}
			require.Equal(t, next.Ready(), q == nil, "question must be nil iff all slots are known")
			if q != nil {
				require.ElementsMatch(t, next.Missing(), q.Slots)
			}
			triad = next
		}
	}
}

func TestDeclineMatcher(t *testing.T) {
	m := DefaultDeclineMatcher()
	all := session.AllSlots

	tests := []struct {
		text  string
		asked []session.SlotName
		want  []session.SlotName
	}{
		{"any age is fine", nil, []session.SlotName{session.SlotAge}},
		{"All activities please", nil, []session.SlotName{session.SlotActivity}},
		{"provider doesn't matter", nil, []session.SlotName{session.SlotProvider}},
		{"I don't care", []session.SlotName{session.SlotAge}, []session.SlotName{session.SlotAge}},
		{"skip", all, all},
		{"she loves skiing", all, nil},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.want, m.Match(tt.text, all, tt.asked))
		})
	}
}

func TestQuestionText(t *testing.T) {
	assert.Equal(t, "To find the right program, could you tell me your child's age?", questionText([]session.SlotName{session.SlotAge}, false))
	assert.Equal(t,
		"To find the right program, could you tell me your child's age, the activity you're looking for, and which provider you'd like to use?",
		questionText(session.AllSlots, false))
	assert.True(t, strings.HasPrefix(questionText([]session.SlotName{session.SlotProvider}, true), "Just to get started"))
}
