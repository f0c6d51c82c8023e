package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// MemoryStore is an in-process Store for local and dev use.
type MemoryStore struct {
	mu      sync.RWMutex
	signups []Signup
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, rec Signup) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.Provider = normalize(rec.Provider)
	rec.Activity = normalize(rec.Activity)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.signups = append(s.signups, rec)
	return nil
}

func (s *MemoryStore) Candidates(_ context.Context, q triad.Query) ([]triad.Candidate, error) {
	provider, activity := normalize(q.Provider), normalize(q.Activity)

	s.mu.RLock()
	defer s.mu.RUnlock()

	index := map[string]int{}
	var tallies []tally
	for _, rec := range s.signups {
		if rec.Provider != provider || rec.Activity != activity {
			continue
		}
		if q.Age != "" && rec.Age != "" && rec.Age != q.Age {
			continue
		}
		i, ok := index[rec.ProgramRef]
		if !ok {
			i = len(tallies)
			index[rec.ProgramRef] = i
			tallies = append(tallies, tally{ref: rec.ProgramRef})
		}
		tallies[i].count++
		if rec.Title != "" {
			tallies[i].title = rec.Title
		}
	}
	return score(tallies, q.Hint), nil
}

// Len returns the number of recorded signups.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.signups)
}

func (s *MemoryStore) Close() error { return nil }
