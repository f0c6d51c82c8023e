package nlu

import (
	"sort"
	"strings"
)

// Catalog maps the many ways people name activities and providers onto the
// refs the rest of the system uses.
type Catalog struct {
	activities map[string]string
	providers  map[string]string
	// phrases holds every alias, longest first, for scanning free text.
	phrases []alias
}

type alias struct {
	phrase string
	ref    string
	kind   aliasKind
}

type aliasKind int

const (
	kindActivity aliasKind = iota
	kindProvider
)

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{activities: map[string]string{}, providers: map[string]string{}}
}

// DefaultCatalog knows the built-in activities and the simulated providers.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.AddActivity("ski", "ski", "skiing", "skier", "ski lessons", "alpine")
	c.AddActivity("snowboard", "snowboard", "snowboarding", "boarding")
	c.AddActivity("hockey", "hockey", "ice hockey", "learn to skate")
	c.AddActivity("swim", "swim", "swimming", "swim lessons")
	c.AddActivity("soccer", "soccer", "football")
	c.AddActivity("art", "art", "painting", "drawing", "crafts")
	c.AddActivity("camp", "camp", "day camp", "summer camp")
	c.AddProvider("skiclubpro", "skiclubpro", "ski club pro", "blackhawk ski club", "blackhawk")
	c.AddProvider("daysmart", "daysmart", "day smart")
	c.AddProvider("campminder", "campminder", "camp minder")
	return c
}

// AddActivity registers ref under each alias.
func (c *Catalog) AddActivity(ref string, aliases ...string) {
	c.add(kindActivity, c.activities, ref, aliases)
}

// AddProvider registers ref under each alias.
func (c *Catalog) AddProvider(ref string, aliases ...string) {
	c.add(kindProvider, c.providers, ref, aliases)
}

func (c *Catalog) add(kind aliasKind, m map[string]string, ref string, aliases []string) {
	for _, a := range append([]string{ref}, aliases...) {
		a = fold(a)
		if a == "" {
			continue
		}
		if _, dup := m[a]; !dup {
			c.phrases = append(c.phrases, alias{phrase: a, ref: ref, kind: kind})
		}
		m[a] = ref
	}
	sort.SliceStable(c.phrases, func(i, j int) bool {
		return len(c.phrases[i].phrase) > len(c.phrases[j].phrase)
	})
}

// Activity returns the ref for name, or name folded when unknown.
func (c *Catalog) Activity(name string) string {
	if ref, ok := c.activities[fold(name)]; ok {
		return ref
	}
	return fold(name)
}

// Provider returns the ref for name, or name folded when unknown.
func (c *Catalog) Provider(name string) string {
	if ref, ok := c.providers[fold(name)]; ok {
		return ref
	}
	return fold(name)
}

// Providers lists the known provider refs.
func (c *Catalog) Providers() []string {
	seen := map[string]bool{}
	var out []string
	for _, ref := range c.providers {
		if !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
	}
	sort.Strings(out)
	return out
}

// scan finds the first activity and provider aliases in text, preferring
// longer phrases. Matches must sit on word boundaries.
func (c *Catalog) scan(text string) (activity, activityRaw, provider, providerRaw string) {
	folded := " " + fold(text) + " "
	for _, a := range c.phrases {
		if a.kind == kindActivity && activity != "" || a.kind == kindProvider && provider != "" {
			continue
		}
		if !strings.Contains(folded, " "+a.phrase+" ") {
			continue
		}
		if a.kind == kindActivity {
			activity, activityRaw = a.ref, a.phrase
		} else {
			provider, providerRaw = a.ref, a.phrase
		}
	}
	return activity, activityRaw, provider, providerRaw
}

// fold lowercases s and replaces punctuation with spaces.
func fold(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '\'':
			b.WriteRune(r)
			space = false
		default:
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
