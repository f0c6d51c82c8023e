// Package discovery caches expensive program-discovery lookups and layers a
// confidence-scored fast path over them.
package discovery

import (
	"errors"
	"sort"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// DefaultFeed is the discovery feed used for program listings.
const DefaultFeed = "programs"

// ErrIncompleteTriad is returned when a plan is requested before all three
// slots are known.
var ErrIncompleteTriad = errors.New("cannot plan discovery from an incomplete triad")

// Program is one listing returned by discovery.
type Program struct {
	Ref       string `json:"ref"`
	Title     string `json:"title"`
	Provider  string `json:"provider"`
	Category  string `json:"category"`
	AgeMin    int    `json:"age_min,omitempty"`
	AgeMax    int    `json:"age_max,omitempty"`
	Schedule  string `json:"schedule,omitempty"`
	PriceCent int    `json:"price_cents,omitempty"`
	Spots     int    `json:"spots"`
}

// BuildPlan derives the discovery plan from a ready triad. schedule is an
// optional filter.
func BuildPlan(tr session.Triad, schedule string) (*session.Plan, error) {
	if !tr.Ready() {
		return nil, ErrIncompleteTriad
	}
	p := &session.Plan{
		Feed:     DefaultFeed,
		Provider: normalize(tr.Provider.Normalized),
		Category: normalize(tr.Activity.Normalized),
		Schedule: normalize(schedule),
		Params:   map[string]string{},
	}
	if age := tr.Age.Normalized; age != "" && !tr.Age.Declined {
		p.Params["age"] = age
	}
	return p, nil
}

// Key is a cache key.
type Key string

// KeyFor returns the cache key for a logical query. Components are
// normalized and escaped so equal queries share a key and distinct queries
// never collide.
func KeyFor(provider, category, schedule string) Key {
	return keyFor(DefaultFeed, provider, category, schedule, nil)
}

// PlanKey returns the cache key for plan. It covers every field the
// discovery fetch sends: feed, provider, category, schedule and params.
func PlanKey(p *session.Plan) Key {
	return keyFor(p.Feed, p.Provider, p.Category, p.Schedule, p.Params)
}

// SamePlan reports whether a and b describe the same discovery query.
func SamePlan(a, b *session.Plan) bool {
	if a == nil || b == nil {
		return a == b
	}
	return PlanKey(a) == PlanKey(b)
}

func keyFor(feed, provider, category, schedule string, params map[string]string) Key {
	var b strings.Builder
	b.WriteString("disc:v1:")
	if f := normalize(feed); f != "" && f != DefaultFeed {
		b.WriteString(escape(f))
		b.WriteByte('/')
	}
	b.WriteString(escape(normalize(provider)))
	b.WriteByte(':')
	b.WriteString(escape(normalize(category)))
	if s := normalize(schedule); s != "" {
		b.WriteByte(':')
		b.WriteString(escape(s))
	}

	names := make([]string, 0, len(params))
	for k, v := range params {
		if normalize(v) != "" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for i, k := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(escape(normalize(k)))
		b.WriteByte('=')
		b.WriteString(escape(normalize(params[k])))
	}
	return Key(b.String())
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

var keyEscaper = strings.NewReplacer("%", "%25", ":", "%3A", "/", "%2F", "?", "%3F", "&", "%26", "=", "%3D")

func escape(s string) string {
	return keyEscaper.Replace(s)
}
