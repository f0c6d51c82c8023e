package conversation

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/session"
)

var (
	affirmative = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|sure|ok|okay|confirm|go ahead|do it|sign (?:us|me|them) up)\b`)
	negative    = regexp.MustCompile(`(?i)^\s*(no|nope|cancel|stop|not yet|wait)\b`)
	fieldPair   = regexp.MustCompile(`(?i)([a-z][a-z _]*?)\s*[:=]\s*([^;,\n]+)`)
	dayWords    = regexp.MustCompile(`(?i)\b(mon|tues|wednes|thurs|fri|satur|sun)days?\b|\bweekends?\b|\b(morning|afternoon|evening)s?\b`)
)

func isAffirmative(text string) bool { return affirmative.MatchString(text) }

func isNegative(text string) bool { return negative.MatchString(text) }

// parseFields reads "name: value" pairs for the wanted fields. Field names
// match with spaces or underscores. A message without any pair fills the
// only wanted field when exactly one is wanted.
func parseFields(text string, wanted []string) map[string]string {
	if len(wanted) == 0 || strings.TrimSpace(text) == "" {
		return nil
	}
	out := make(map[string]string)
	for _, m := range fieldPair.FindAllStringSubmatch(text, -1) {
		name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), " ", "_")
		if slices.Contains(wanted, name) {
			out[name] = strings.TrimSpace(m[2])
		}
	}
	if len(out) == 0 && len(wanted) == 1 && !strings.ContainsAny(text, ":=") {
		out[wanted[0]] = strings.TrimSpace(text)
	}
	return out
}

// scheduleOf keeps the part of a program hint that names days or times.
func scheduleOf(hint string) string {
	return strings.ToLower(strings.Join(dayWords.FindAllString(hint, -1), " "))
}

func labels(fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = strings.ReplaceAll(f, "_", " ")
	}
	return out
}

func joinList(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	}
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + parts[len(parts)-1]
}

func money(cents int) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func programCard(p discovery.Program) Card {
	var sub []string
	if p.Schedule != "" {
		sub = append(sub, p.Schedule)
	}
	switch {
	case p.AgeMin > 0 && p.AgeMax > 0:
		sub = append(sub, fmt.Sprintf("ages %d-%d", p.AgeMin, p.AgeMax))
	case p.AgeMin > 0:
		sub = append(sub, fmt.Sprintf("ages %d+", p.AgeMin))
	}
	if p.PriceCent > 0 {
		sub = append(sub, money(p.PriceCent))
	}

	card := Card{Ref: p.Ref, Title: p.Title, Subtitle: strings.Join(sub, " · ")}
	if p.Spots == 0 {
		card.Body = "Full"
		return card
	}
	card.Body = fmt.Sprintf("%d spots left", p.Spots)
	card.Actions = []Action{{
		Name:    ActionSelectProgram,
		Label:   "Choose " + p.Title,
		Payload: map[string]string{"program_ref": p.Ref},
	}}
	return card
}

func summaryCard(sc *session.Context) Card {
	su := sc.Signup
	var lines []string
	for _, f := range su.RequiredFields {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ReplaceAll(f, "_", " "), su.Fields[f]))
	}
	if su.AmountCent > 0 {
		lines = append(lines, "amount due: "+money(su.AmountCent))
	}
	return Card{
		Ref:      su.ProgramRef,
		Title:    su.ProgramTitle,
		Subtitle: dispatch.ProviderOf(sc),
		Body:     strings.Join(lines, "\n"),
	}
}
