package triad

import (
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

var slotPhrases = map[session.SlotName]string{
	session.SlotAge:      "your child's age",
	session.SlotActivity: "the activity you're looking for",
	session.SlotProvider: "which provider you'd like to use",
}

func questionText(missing []session.SlotName, reminder bool) string {
	parts := make([]string, 0, len(missing))
	for _, name := range missing {
		parts = append(parts, slotPhrases[name])
	}

	var b strings.Builder
	if reminder {
		b.WriteString("Just to get started, I still need ")
	} else {
		b.WriteString("To find the right program, could you tell me ")
	}
	b.WriteString(joinList(parts))
	b.WriteString("?")
	return b.String()
}

func joinList(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + parts[len(parts)-1]
	}
}
