// Package history keeps completed signups and maps a complete intent to the
// programs other families picked for it. The triad tracker uses the mapping
// to attach a fast-path target.
package history

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// ErrInvalidRecord is returned by Record for a signup without provider,
// activity or program.
var ErrInvalidRecord = errors.New("signup record needs provider, activity and program")

// Signup is one completed signup.
type Signup struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Provider   string    `json:"provider"`
	Activity   string    `json:"activity"`
	Age        string    `json:"age,omitempty"`
	ProgramRef string    `json:"program_ref"`
	Title      string    `json:"title,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s Signup) validate() error {
	if s.Provider == "" || s.Activity == "" || s.ProgramRef == "" {
		return ErrInvalidRecord
	}
	return nil
}

// Store records signups and answers candidate lookups.
type Store interface {
	triad.HistoryLookup
	Record(ctx context.Context, s Signup) error
	Close() error
}

// NewStore creates a postgres-backed store when databaseURL is set,
// otherwise an in-memory one.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// tally is the number of past signups for one program under a query.
type tally struct {
	ref   string
	title string
	count int
}

// score turns per-program tallies into candidates. A program's base
// confidence is its share of the matching signups. A hint naming the program
// lifts it above every program the hint does not name.
func score(tallies []tally, hint string) []triad.Candidate {
	total := 0
	for _, t := range tallies {
		total += t.count
	}
	if total == 0 {
		return nil
	}

	hint = strings.ToLower(strings.TrimSpace(hint))
	out := make([]triad.Candidate, 0, len(tallies))
	for _, t := range tallies {
		share := float64(t.count) / float64(total)
		conf := share
		if hint != "" {
			if matchesHint(t, hint) {
				conf = 0.6 + 0.4*share
			} else {
				conf = 0.5 * share
			}
		}
		out = append(out, triad.Candidate{ProgramRef: t.ref, Title: t.title, Confidence: conf})
	}
	slices.SortFunc(out, func(a, b triad.Candidate) int {
		if a.Confidence != b.Confidence {
			if a.Confidence > b.Confidence {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ProgramRef, b.ProgramRef)
	})
	return out
}

func matchesHint(t tally, hint string) bool {
	return strings.ToLower(t.ref) == hint || strings.Contains(strings.ToLower(t.title), hint)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
