// Package triad tracks the three facts (age, activity, provider) that must be
// known before discovery can start.
//
// Merging is monotone: a known slot never reverts to unknown and is never
// overwritten by a later guess. While any slot is missing the tracker
// produces exactly one combined question naming all of them.
package triad

import (
	"context"
	"log"
	"slices"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// Intent strength values stored in session.Triad.Strength.
const (
	StrengthLow    = "low"
	StrengthMedium = "medium"
	StrengthHigh   = "high"
)

// DefaultFastPathThreshold is the minimum confidence for a fast-path target.
const DefaultFastPathThreshold = 0.75

// Fact is one extracted value.
type Fact struct {
	Raw        string `json:"raw,omitempty"`
	Normalized string `json:"normalized"`
	// Override marks an explicit correction by the user, which replaces a
	// known value instead of being ignored.
	Override bool `json:"override,omitempty"`
}

// Facts are the values extracted from one user turn. Any field may be nil.
type Facts struct {
	Age      *Fact `json:"age,omitempty"`
	Activity *Fact `json:"activity,omitempty"`
	Provider *Fact `json:"provider,omitempty"`

	// ProgramHint is a specific program or schedule the user named.
	ProgramHint string `json:"program_hint,omitempty"`

	// Text is the raw user message, used for decline detection.
	Text string `json:"-"`
}

func (f *Facts) get(name session.SlotName) *Fact {
	switch name {
	case session.SlotAge:
		return f.Age
	case session.SlotActivity:
		return f.Activity
	case session.SlotProvider:
		return f.Provider
	}
	return nil
}

// Empty reports whether no slot fact is present.
func (f *Facts) Empty() bool {
	return f.Age == nil && f.Activity == nil && f.Provider == nil && f.ProgramHint == ""
}

// Question is the single follow-up asked while slots are missing.
type Question struct {
	Text  string             `json:"text"`
	Slots []session.SlotName `json:"slots"`
	// Reminder is set when every named slot was already asked before.
	Reminder bool `json:"reminder,omitempty"`
}

// Candidate is a historical program match.
type Candidate struct {
	ProgramRef string
	Title      string
	Confidence float64
}

// Query is what a HistoryLookup matches against.
type Query struct {
	Provider string
	Activity string
	Age      string
	Hint     string
}

// HistoryLookup maps a complete intent to previously seen programs.
type HistoryLookup interface {
	Candidates(ctx context.Context, q Query) ([]Candidate, error)
}

// Tracker merges facts into a triad.
type Tracker struct {
	threshold float64
	history   HistoryLookup
	fallbacks map[session.SlotName]string
	declines  *DeclineMatcher
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHistory sets the lookup used for fast-path targeting.
func WithHistory(h HistoryLookup) Option {
	return func(t *Tracker) { t.history = h }
}

// WithThreshold sets the fast-path confidence threshold.
func WithThreshold(th float64) Option {
	return func(t *Tracker) {
		if th > 0 && th <= 1 {
			t.threshold = th
		}
	}
}

// WithFallback sets the value substituted when the user declines to specify
// slot. An empty value means the slot cannot be declined.
func WithFallback(slot session.SlotName, value string) Option {
	return func(t *Tracker) { t.fallbacks[slot] = value }
}

// WithDeclineMatcher replaces the default decline patterns.
func WithDeclineMatcher(m *DeclineMatcher) Option {
	return func(t *Tracker) { t.declines = m }
}

// NewTracker creates a Tracker. Age and activity may be declined by default
// ("unspecified" and "all"); provider may not, since mandates are issued per
// provider.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		threshold: DefaultFastPathThreshold,
		fallbacks: map[session.SlotName]string{
			session.SlotAge:      "unspecified",
			session.SlotActivity: "all",
		},
		declines: DefaultDeclineMatcher(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Merge folds facts into existing and returns the new triad together with the
// next question, which is nil if and only if all three slots are known.
func (t *Tracker) Merge(ctx context.Context, existing session.Triad, facts Facts) (session.Triad, *Question) {
	next := (&session.Context{Triad: existing}).Clone().Triad
	changed := false

	for _, name := range session.AllSlots {
		slot := next.Slot(name)
		f := facts.get(name)
		if f == nil || strings.TrimSpace(f.Normalized) == "" {
			continue
		}
		if slot.Known && !f.Override {
			continue
		}
		raw := f.Raw
		if raw == "" {
			raw = f.Normalized
		}
		updated := session.Slot{Known: true, Raw: raw, Normalized: strings.TrimSpace(f.Normalized)}
		if *slot != updated {
			changed = true
		}
		*slot = updated
	}

	if facts.Text != "" {
		for _, name := range t.declines.Match(facts.Text, next.Missing(), next.Asked) {
			fallback := t.fallbacks[name]
			if fallback == "" {
				continue
			}
			*next.Slot(name) = session.Slot{Known: true, Raw: facts.Text, Normalized: fallback, Declined: true}
			changed = true
		}
	}

	strength := t.strength(next, facts)
	if !changed && rank(existing.Strength) > rank(strength) {
		strength = existing.Strength
	}
	next.Strength = strength

	if next.Ready() {
		if changed || facts.ProgramHint != "" || next.FastPath == nil {
			next.FastPath = t.fastPath(ctx, next, facts)
		}
		return next, nil
	}
	next.FastPath = nil

	missing := next.Missing()
	q := &Question{
		Slots:    missing,
		Reminder: allAsked(missing, next.Asked),
	}
	q.Text = questionText(missing, q.Reminder)
	for _, name := range missing {
		if !slices.Contains(next.Asked, name) {
			next.Asked = append(next.Asked, name)
		}
	}
	return next, q
}

func (t *Tracker) strength(tr session.Triad, facts Facts) string {
	known := 3 - len(tr.Missing())
	switch {
	case known == 3 && facts.ProgramHint != "":
		return StrengthHigh
	case known >= 2:
		return StrengthMedium
	default:
		return StrengthLow
	}
}

func (t *Tracker) fastPath(ctx context.Context, tr session.Triad, facts Facts) *session.FastPathTarget {
	if tr.Strength != StrengthHigh || t.history == nil {
		return nil
	}

	cands, err := t.history.Candidates(ctx, Query{
		Provider: tr.Provider.Normalized,
		Activity: tr.Activity.Normalized,
		Age:      tr.Age.Normalized,
		Hint:     facts.ProgramHint,
	})
	if err != nil {
		log.Printf("[triad] history lookup failed, skipping fast path: %v", err)
		return nil
	}

	var best *Candidate
	for i := range cands {
		if cands[i].Confidence < t.threshold {
			continue
		}
		if best != nil {
			// More than one confident candidate is ambiguous.
			return nil
		}
		best = &cands[i]
	}
	if best == nil {
		return nil
	}
	return &session.FastPathTarget{ProgramRef: best.ProgramRef, Title: best.Title, Confidence: best.Confidence}
}

func rank(strength string) int {
	switch strength {
	case StrengthHigh:
		return 2
	case StrengthMedium:
		return 1
	}
	return 0
}

func allAsked(missing, asked []session.SlotName) bool {
	for _, m := range missing {
		if !slices.Contains(asked, m) {
			return false
		}
	}
	return true
}
