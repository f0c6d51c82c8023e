package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

func TestDeriveStage(t *testing.T) {
	now := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	known := session.Slot{Known: true, Normalized: "x"}
	ready := session.Triad{Age: known, Activity: known, Provider: known}
	plan := &session.Plan{Feed: "programs", Provider: "skiclubpro", Category: "ski"}
	fresh := &session.RemoteSession{Token: "tok", IssuedAt: now.Add(-time.Minute), TTL: 30 * time.Minute}
	stale := &session.RemoteSession{Token: "tok", IssuedAt: now.Add(-time.Hour), TTL: 30 * time.Minute}
	fields := []string{"child_name"}

	tests := []struct {
		name string
		sc   session.Context
		want Stage
	}{
		{"empty", session.Context{}, StageProviderSearch},
		{"anonymous with provider", session.Context{Triad: session.Triad{Provider: known}}, StageProviderSearch},
		{"provider without remote", session.Context{UserID: "u", Triad: session.Triad{Provider: known}}, StageLogin},
		{"provider with stale remote", session.Context{UserID: "u", Remote: stale, Triad: session.Triad{Provider: known}}, StageLogin},
		{"provider with fresh remote", session.Context{UserID: "u", Remote: fresh, Triad: session.Triad{Provider: known}}, StageProviderSearch},
		{"ready without plan", session.Context{UserID: "u", Remote: fresh, Triad: ready}, StageProviderSearch},
		{"ready with plan", session.Context{UserID: "u", Triad: ready, Plan: plan}, StageDiscovery},
		{"program chosen", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{ProgramRef: "p"}}, StagePrereqCheck},
		{"prerequisite missing", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{
			ProgramRef: "p", PrereqsChecked: true, PrereqsMissing: []string{"membership"}, RequiredFields: fields,
		}}, StagePrereqCheck},
		{"fields missing", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{
			ProgramRef: "p", PrereqsChecked: true, RequiredFields: fields,
		}}, StageFieldCollection},
		{"fields filled", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{
			ProgramRef: "p", PrereqsChecked: true, RequiredFields: fields, Fields: map[string]string{"child_name": "Ava"},
		}}, StageConfirmation},
		{"registered unpaid", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{
			ProgramRef: "p", PrereqsChecked: true, ConfirmationRef: "CONF-1", AmountCent: 1000,
		}}, StageConfirmation},
		{"registered free", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{
			ProgramRef: "p", PrereqsChecked: true, ConfirmationRef: "CONF-1",
		}}, StageCompleted},
		{"paid", session.Context{Triad: ready, Plan: plan, Signup: session.Signup{
			ProgramRef: "p", PrereqsChecked: true, ConfirmationRef: "CONF-1", AmountCent: 1000, ReceiptRef: "RCPT-1",
		}}, StageCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStage(&tt.sc, now, time.Minute))
		})
	}
}
