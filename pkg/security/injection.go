package security

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// MaxGuardInput bounds how much of a message is scanned.
const MaxGuardInput = 10 * 1024

// InjectionCategory groups guard patterns.
type InjectionCategory string

const (
	CategorySystemOverride     InjectionCategory = "system_override"
	CategoryRoleHijacking      InjectionCategory = "role_hijacking"
	CategoryDelimiterInjection InjectionCategory = "delimiter_injection"
	CategoryEncodingAttack     InjectionCategory = "encoding_attack"
)

// Verdict is the result of screening one message.
type Verdict struct {
	Flagged    bool
	Confidence float64
	Category   InjectionCategory
	Matched    []string
}

type guardPattern struct {
	re       *regexp.Regexp
	category InjectionCategory
	weight   float64
	name     string
}

var guardPatterns = []guardPattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions?`), CategorySystemOverride, 1.0, "ignore previous instructions"},
	{regexp.MustCompile(`(?i)disregard\s+(your\s+|all\s+)?instructions?`), CategorySystemOverride, 1.0, "disregard instructions"},
	{regexp.MustCompile(`(?i)forget\s+(everything|all|your\s+instructions?)`), CategorySystemOverride, 0.9, "forget everything"},
	{regexp.MustCompile(`(?i)override\s+(your\s+)?(system|instructions?|programming)`), CategorySystemOverride, 0.9, "override system"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|the)\b`), CategoryRoleHijacking, 0.9, "you are now"},
	{regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`), CategoryRoleHijacking, 0.8, "pretend to be"},
	{regexp.MustCompile(`(?i)(^|\n)\s*system\s*:`), CategoryDelimiterInjection, 1.0, "system: prefix"},
	{regexp.MustCompile(`(?i)\[/?INST\]`), CategoryDelimiterInjection, 1.0, "[INST] tag"},
	{regexp.MustCompile(`<\|?(system|user|assistant|im_start|im_end)\|?>`), CategoryDelimiterInjection, 1.0, "chat template tag"},
	{regexp.MustCompile(`(?i)###\s*(system|instruction)`), CategoryDelimiterInjection, 0.8, "### delimiter"},
}

var (
	base64Run = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)
	spaceRun  = regexp.MustCompile(`[ \t]+`)
)

var homoglyphs = strings.NewReplacer(
	"\u0430", "a", "\u0435", "e", "\u043e", "o", "\u0440", "p",
	"\u0441", "c", "\u0445", "x", "\u0443", "y", "\u0456", "i",
	"\u200b", "", "\u200c", "", "\u200d", "", "\ufeff", "", "\u00ad", "", "\u2060", "",
)

// InjectionGuard screens free text before it is placed into a model prompt.
// Flagged text is still handled by rule-based extraction; it just never
// reaches the model.
type InjectionGuard struct {
	threshold float64
}

// NewInjectionGuard flags messages whose best match weighs at least
// threshold. A non-positive threshold uses 0.8.
func NewInjectionGuard(threshold float64) *InjectionGuard {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &InjectionGuard{threshold: threshold}
}

// Screen checks text.
func (g *InjectionGuard) Screen(text string) Verdict {
	if len(text) > MaxGuardInput {
		text = text[:MaxGuardInput]
	}
	normalized := spaceRun.ReplaceAllString(homoglyphs.Replace(text), " ")

	v := scan(normalized)
	if !v.Flagged {
		for _, run := range base64Run.FindAllString(text, 8) {
			decoded, err := base64.StdEncoding.DecodeString(run)
			if err != nil {
				continue
			}
			if inner := scan(string(decoded)); inner.Flagged {
				v = Verdict{
					Flagged:    true,
					Confidence: 0.95,
					Category:   CategoryEncodingAttack,
					Matched:    []string{"base64: " + inner.Matched[0]},
				}
				break
			}
		}
	}

	if v.Confidence < g.threshold {
		v.Flagged = false
	}
	return v
}

func scan(text string) Verdict {
	var v Verdict
	for _, p := range guardPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		v.Matched = append(v.Matched, p.name)
		if p.weight > v.Confidence {
			v.Confidence = p.weight
			v.Category = p.category
		}
	}
	if len(v.Matched) > 1 {
		v.Confidence = min(1.0, v.Confidence+0.1*float64(len(v.Matched)-1))
	}
	v.Flagged = len(v.Matched) > 0
	return v
}
