package nlu

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

var (
	agePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(\d{1,2})[\s-]*(?:years?|yrs?|yo)\b(?:[\s-]*old)?`),
		regexp.MustCompile(`(?i)\b(?:age[ds]?|aged)\s*(?:is\s*)?(\d{1,2})\b`),
		regexp.MustCompile(`(?i)\bturn(?:s|ing)?\s+(\d{1,2})\b`),
		regexp.MustCompile(`(?i)\b(?:is|she's|he's|they're)\s+(\d{1,2})\b`),
	}
	wordAges = map[string]int{
		"three": 3, "four": 4, "five": 5, "six": 6, "seven": 7, "eight": 8, "nine": 9,
		"ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
		"fifteen": 15, "sixteen": 16, "seventeen": 17,
	}
	wordAge = regexp.MustCompile(`(?i)\b(three|four|five|six|seven|eight|nine|ten|eleven|twelve|thirteen|fourteen|fifteen|sixteen|seventeen)[\s-]+(?:years?|yrs?)[\s-]*old\b`)

	correction = regexp.MustCompile(`(?i)\b(actually|sorry|i meant|correction|change (?:it|that) to|instead)\b|^\s*no[,.!]`)

	dayPart  = regexp.MustCompile(`(?i)\b(mon|tues|wednes|thurs|fri|satur|sun)day(s)?(\s+(morning|afternoon|evening|night)s?)?\b`)
	quoted   = regexp.MustCompile(`"([^"]{3,60})"`)
	programs = regexp.MustCompile(`(?i)\bthe\s+([a-z0-9' ]{3,40}?)\s+(program|class|session|team|clinic|camp)\b`)
)

// RuleExtractor finds facts with regular expressions and a catalog. It never
// fails and never leaves the process.
type RuleExtractor struct {
	catalog *Catalog
}

// NewRuleExtractor creates a RuleExtractor over catalog. A nil catalog uses
// DefaultCatalog.
func NewRuleExtractor(catalog *Catalog) *RuleExtractor {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &RuleExtractor{catalog: catalog}
}

func (r *RuleExtractor) Extract(_ context.Context, text string) (triad.Facts, error) {
	facts := triad.Facts{Text: text}
	override := correction.MatchString(text)

	if raw, age, ok := findAge(text); ok {
		facts.Age = &triad.Fact{Raw: raw, Normalized: strconv.Itoa(age), Override: override}
	}

	activity, activityRaw, provider, providerRaw := r.catalog.scan(text)
	if activity != "" {
		facts.Activity = &triad.Fact{Raw: activityRaw, Normalized: activity, Override: override}
	}
	if provider != "" {
		facts.Provider = &triad.Fact{Raw: providerRaw, Normalized: provider, Override: override}
	}

	facts.ProgramHint = programHint(text)
	return facts, nil
}

func findAge(text string) (string, int, bool) {
	for _, re := range agePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 && n < 19 {
			return strings.TrimSpace(m[0]), n, true
		}
	}
	if m := wordAge.FindStringSubmatch(text); m != nil {
		return m[0], wordAges[strings.ToLower(m[1])], true
	}
	return "", 0, false
}

func programHint(text string) string {
	if m := quoted.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := programs.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := dayPart.FindString(text); m != "" {
		return strings.ToLower(m)
	}
	return ""
}
