// Package nlu extracts triad facts from free-form user text.
//
// Extraction is best effort. An extractor that fails or finds nothing yields
// no new facts, and the conversation simply asks again.
package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// ErrFlagged is returned when text is withheld from a model because it looks
// like a prompt injection.
var ErrFlagged = errors.New("text flagged by injection guard")

// Extractor turns one user message into facts.
type Extractor interface {
	Extract(ctx context.Context, text string) (triad.Facts, error)
}

// ExtractorFunc adapts a function to Extractor.
type ExtractorFunc func(ctx context.Context, text string) (triad.Facts, error)

func (f ExtractorFunc) Extract(ctx context.Context, text string) (triad.Facts, error) {
	return f(ctx, text)
}

// systemPrompt instructs a model to answer with modelFacts JSON only.
const systemPrompt = `You extract signup details from a parent's message about a children's activity.
Reply with a single JSON object and nothing else:
{"age": <child age in years as a number, or null>,
 "activity": <activity such as "ski", "hockey", "swim", or null>,
 "provider": <club or organization name, or null>,
 "program_hint": <specific program, day or time the parent named, or "">,
 "correction": <true if the parent is correcting something said earlier>}
Use null for anything the message does not state. Never guess.`

// modelFacts is the JSON shape models are asked to return.
type modelFacts struct {
	Age         json.Number `json:"age"`
	Activity    *string     `json:"activity"`
	Provider    *string     `json:"provider"`
	ProgramHint string      `json:"program_hint"`
	Correction  bool        `json:"correction"`
}

// parseModelFacts decodes a model reply, tolerating code fences and prose
// around the JSON object, and normalizes the values through catalog.
func parseModelFacts(reply string, catalog *Catalog) (triad.Facts, error) {
	body := reply
	if start := strings.Index(body, "{"); start >= 0 {
		if end := strings.LastIndex(body, "}"); end > start {
			body = body[start : end+1]
		}
	}

	var mf modelFacts
	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&mf); err != nil {
		return triad.Facts{}, fmt.Errorf("decode model reply: %w", err)
	}

	var facts triad.Facts
	if mf.Age != "" {
		if f, err := mf.Age.Float64(); err == nil && f >= 0 && f < 100 {
			facts.Age = &triad.Fact{Raw: mf.Age.String(), Normalized: strconv.Itoa(int(f)), Override: mf.Correction}
		}
	}
	if mf.Activity != nil && strings.TrimSpace(*mf.Activity) != "" {
		facts.Activity = &triad.Fact{Raw: *mf.Activity, Normalized: catalog.Activity(*mf.Activity), Override: mf.Correction}
	}
	if mf.Provider != nil && strings.TrimSpace(*mf.Provider) != "" {
		facts.Provider = &triad.Fact{Raw: *mf.Provider, Normalized: catalog.Provider(*mf.Provider), Override: mf.Correction}
	}
	facts.ProgramHint = security.SanitizeString(strings.TrimSpace(mf.ProgramHint))
	return facts, nil
}

// Guarded screens text with guard before handing it to next. Flagged text
// returns ErrFlagged without calling next.
type Guarded struct {
	Guard *security.InjectionGuard
	Next  Extractor
}

func (g Guarded) Extract(ctx context.Context, text string) (triad.Facts, error) {
	if v := g.Guard.Screen(text); v.Flagged {
		log.Printf("[nlu] message withheld from model (%s, %.2f)", v.Category, v.Confidence)
		return triad.Facts{}, ErrFlagged
	}
	return g.Next.Extract(ctx, text)
}

// Layered asks Primary first and fills whatever it left empty from
// Fallback. A Primary failure is logged and Fallback alone is used, so
// Layered only fails when Fallback does.
type Layered struct {
	Primary  Extractor
	Fallback Extractor
}

func (l Layered) Extract(ctx context.Context, text string) (triad.Facts, error) {
	var primary triad.Facts
	if l.Primary != nil {
		var err error
		primary, err = l.Primary.Extract(ctx, text)
		if err != nil {
			if !errors.Is(err, ErrFlagged) {
				log.Printf("[nlu] primary extractor failed, using fallback: %v", err)
			}
			primary = triad.Facts{}
		}
	}

	fallback, err := l.Fallback.Extract(ctx, text)
	if err != nil {
		return primary, err
	}

	out := primary
	if out.Age == nil {
		out.Age = fallback.Age
	}
	if out.Activity == nil {
		out.Activity = fallback.Activity
	}
	if out.Provider == nil {
		out.Provider = fallback.Provider
	}
	if out.ProgramHint == "" {
		out.ProgramHint = fallback.ProgramHint
	}
	out.Text = text
	return out, nil
}

// New builds the extractor chain for model: rules alone when model is nil,
// otherwise the guarded model layered over rules.
func New(model Extractor, catalog *Catalog, guard *security.InjectionGuard) Extractor {
	rules := NewRuleExtractor(catalog)
	if model == nil {
		return rules
	}
	if guard == nil {
		guard = security.NewInjectionGuard(0)
	}
	return Layered{Primary: Guarded{Guard: guard, Next: model}, Fallback: rules}
}
