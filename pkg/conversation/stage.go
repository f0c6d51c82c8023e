package conversation

import (
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// Stage is where a session stands in the signup flow.
type Stage string

const (
	StageProviderSearch  Stage = "provider_search"
	StageLogin           Stage = "login"
	StageDiscovery       Stage = "discovery"
	StagePrereqCheck     Stage = "prerequisite_check"
	StageFieldCollection Stage = "field_collection"
	StageConfirmation    Stage = "confirmation"
	StageCompleted       Stage = "completed"
)

// DeriveStage computes the stage from the session state alone. Stages only
// move forward as state accumulates, except that a session whose provider is
// known but whose triad is incomplete sits in login until a fresh remote
// session exists. A ready triad with a plan goes straight to discovery
// whether or not the user ever logged in.
func DeriveStage(sc *session.Context, now time.Time, grace time.Duration) Stage {
	su := &sc.Signup
	switch {
	case su.Complete():
		return StageCompleted
	case su.ConfirmationRef != "":
		// registered but not paid yet
		return StageConfirmation
	case su.ProgramRef != "" && su.PrereqsChecked && len(su.PrereqsMissing) == 0:
		if len(su.MissingFields()) == 0 {
			return StageConfirmation
		}
		return StageFieldCollection
	case su.ProgramRef != "":
		return StagePrereqCheck
	case sc.Triad.Ready() && sc.Plan != nil:
		return StageDiscovery
	case sc.Triad.Provider.Known && sc.UserID != "" && !sc.Remote.FreshAt(now, grace):
		return StageLogin
	}
	return StageProviderSearch
}
