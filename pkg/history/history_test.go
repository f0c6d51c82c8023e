package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/signup-agent/pkg/session"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

func seed(t *testing.T, s *MemoryStore, recs ...Signup) {
	t.Helper()
	for _, r := range recs {
		require.NoError(t, s.Record(context.Background(), r))
	}
}

func TestMemoryStore_Record(t *testing.T) {
	s := NewMemoryStore()
	err := s.Record(context.Background(), Signup{Provider: "skiclubpro", Activity: "ski"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	require.NoError(t, s.Record(context.Background(), Signup{Provider: " SkiClubPro ", Activity: "Ski", ProgramRef: "p1"}))
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_Candidates(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s,
		Signup{Provider: "skiclubpro", Activity: "ski", Age: "8", ProgramRef: "sat-am", Title: "Saturday Morning Rippers"},
		Signup{Provider: "skiclubpro", Activity: "ski", Age: "8", ProgramRef: "sat-am", Title: "Saturday Morning Rippers"},
		Signup{Provider: "skiclubpro", Activity: "ski", Age: "8", ProgramRef: "sun-pm", Title: "Sunday Afternoon Crew"},
		Signup{Provider: "skiclubpro", Activity: "ski", Age: "14", ProgramRef: "teen", Title: "Teen Freeride"},
		Signup{Provider: "daysmart", Activity: "ski", ProgramRef: "other"},
	)
	ctx := context.Background()

	tests := []struct {
		name      string
		query     triad.Query
		wantFirst string
		wantLen   int
		wantAbove float64
	}{
		{
			name:      "share without hint",
			query:     triad.Query{Provider: "skiclubpro", Activity: "ski", Age: "8"},
			wantFirst: "sat-am",
			wantLen:   2,
		},
		{
			name:      "hint lifts the named program",
			query:     triad.Query{Provider: "skiclubpro", Activity: "ski", Age: "8", Hint: "sunday"},
			wantFirst: "sun-pm",
			wantLen:   2,
			wantAbove: triad.DefaultFastPathThreshold - 0.1,
		},
		{
			name:      "no age filter",
			query:     triad.Query{Provider: "SKICLUBPRO", Activity: "ski"},
			wantFirst: "sat-am",
			wantLen:   3,
		},
		{
			name:    "unknown provider",
			query:   triad.Query{Provider: "campminder", Activity: "ski"},
			wantLen: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Candidates(ctx, tt.query)
			require.NoError(t, err)
			require.Len(t, got, tt.wantLen)
			if tt.wantLen == 0 {
				return
			}
			assert.Equal(t, tt.wantFirst, got[0].ProgramRef)
			assert.Greater(t, got[0].Confidence, tt.wantAbove)
			for i := 1; i < len(got); i++ {
				assert.GreaterOrEqual(t, got[i-1].Confidence, got[i].Confidence)
			}
		})
	}
}

func TestScore_SingleConfidentCandidate(t *testing.T) {
	got := score([]tally{
		{ref: "p1", title: "Little Rippers", count: 9},
		{ref: "p2", title: "Big Air", count: 1},
	}, "rippers")
	require.Len(t, got, 2)
	assert.InDelta(t, 0.96, got[0].Confidence, 1e-9)
	assert.InDelta(t, 0.05, got[1].Confidence, 1e-9)

	assert.Nil(t, score(nil, ""))
}

func TestMemoryStore_DrivesFastPath(t *testing.T) {
	s := NewMemoryStore()
	seed(t, s,
		Signup{Provider: "skiclubpro", Activity: "ski", ProgramRef: "p1", Title: "Little Rippers"},
		Signup{Provider: "skiclubpro", Activity: "ski", ProgramRef: "p1", Title: "Little Rippers"},
	)
	tracker := triad.NewTracker(triad.WithHistory(s))

	tr, q := tracker.Merge(context.Background(), session.Triad{}, triad.Facts{
		Age:         &triad.Fact{Normalized: "8"},
		Activity:    &triad.Fact{Normalized: "ski"},
		Provider:    &triad.Fact{Normalized: "skiclubpro"},
		ProgramHint: "little rippers",
	})
	assert.Nil(t, q)
	require.NotNil(t, tr.FastPath)
	assert.Equal(t, "p1", tr.FastPath.ProgramRef)
}

func TestNewStore_DefaultsToMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)
	assert.NoError(t, s.Close())
}
