package triad

import (
	"regexp"
	"slices"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// DeclineMatcher recognizes messages where the user declines to specify one
// or more slots.
type DeclineMatcher struct {
	slot    map[session.SlotName][]*regexp.Regexp
	generic []*regexp.Regexp
}

// DefaultDeclineMatcher returns the built-in English patterns.
func DefaultDeclineMatcher() *DeclineMatcher {
	return &DeclineMatcher{
		slot: map[session.SlotName][]*regexp.Regexp{
			session.SlotAge: {
				regexp.MustCompile(`(?i)\b(any|all)\s+ages?\b`),
				regexp.MustCompile(`(?i)\bage\s+(doesn'?t|does not|don'?t)\s+matter\b`),
				regexp.MustCompile(`(?i)\b(rather|prefer)\s+not\s+(to\s+)?(say|share)\s+(\w+\s+)?age\b`),
			},
			session.SlotActivity: {
				regexp.MustCompile(`(?i)\b(any|all)\s+(activit(y|ies)|programs?|sports?|classes)\b`),
				regexp.MustCompile(`(?i)\bactivity\s+(doesn'?t|does not|don'?t)\s+matter\b`),
				regexp.MustCompile(`(?i)\bopen\s+to\s+anything\b`),
			},
			session.SlotProvider: {
				regexp.MustCompile(`(?i)\b(any|all)\s+(providers?|clubs?|organizations?)\b`),
				regexp.MustCompile(`(?i)\bprovider\s+(doesn'?t|does not|don'?t)\s+matter\b`),
			},
		},
		generic: []*regexp.Regexp{
			regexp.MustCompile(`(?i)\b(don'?t|do not)\s+(really\s+)?care\b`),
			regexp.MustCompile(`(?i)\bno\s+preference\b`),
			regexp.MustCompile(`(?i)\b(doesn'?t|does not)\s+matter\b`),
			regexp.MustCompile(`(?i)^\s*(whatever|anything|skip|pass|not sure)\s*[.!]?\s*$`),
			regexp.MustCompile(`(?i)\b(rather|prefer)\s+not\s+(to\s+)?(say|specify)\b`),
		},
	}
}

// Match returns the missing slots the message declines. Slot-specific
// patterns name their slot directly. Generic patterns ("no preference")
// apply only to slots that are missing and were already asked for.
func (m *DeclineMatcher) Match(text string, missing, asked []session.SlotName) []session.SlotName {
	text = strings.TrimSpace(text)
	if text == "" || len(missing) == 0 {
		return nil
	}

	var out []session.SlotName
	named := false
	for _, name := range session.AllSlots {
		for _, re := range m.slot[name] {
			if re.MatchString(text) {
				named = true
				if slices.Contains(missing, name) {
					out = append(out, name)
				}
				break
			}
		}
	}
	if named {
		return out
	}

	for _, re := range m.generic {
		if re.MatchString(text) {
			for _, name := range missing {
				if slices.Contains(asked, name) {
					out = append(out, name)
				}
			}
			return out
		}
	}
	return nil
}
