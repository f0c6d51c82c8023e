package conversation

import (
	"context"
	"errors"
	"fmt"

	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// TurnRequest is one user message.
type TurnRequest struct {
	Text          string `json:"text"`
	SessionID     string `json:"session_id"`
	IdentityToken string `json:"-"`
}

// ActionRequest is a button press or card selection.
type ActionRequest struct {
	Action        ActionName        `json:"action"`
	Payload       map[string]string `json:"payload,omitempty"`
	SessionID     string            `json:"session_id"`
	IdentityToken string            `json:"-"`
}

// ActionName names something the user can do next.
type ActionName string

const (
	ActionSelectProvider ActionName = "select_provider"
	ActionLogin          ActionName = "login"
	ActionShowAll        ActionName = "show_all"
	ActionSelectProgram  ActionName = "select_program"
	ActionSubmitFields   ActionName = "submit_fields"
	ActionConfirm        ActionName = "confirm"

	// The three failure actions share their names with dispatch.NextAction.
	ActionRetry     = ActionName(dispatch.ActionRetry)
	ActionReconnect = ActionName(dispatch.ActionReconnect)
	ActionRestart   = ActionName(dispatch.ActionRestart)
)

// Action is an affordance offered with a response.
type Action struct {
	Name    ActionName        `json:"name"`
	Label   string            `json:"label"`
	Payload map[string]string `json:"payload,omitempty"`
}

// Card is a structured item for the host to render.
type Card struct {
	Ref      string   `json:"ref,omitempty"`
	Title    string   `json:"title"`
	Subtitle string   `json:"subtitle,omitempty"`
	Body     string   `json:"body,omitempty"`
	Actions  []Action `json:"actions,omitempty"`
}

// Response is the reply to a turn or action.
type Response struct {
	Message        string         `json:"message"`
	Cards          []Card         `json:"cards,omitempty"`
	Actions        []Action       `json:"actions,omitempty"`
	SessionUpdates map[string]any `json:"session_updates,omitempty"`
	Stage          Stage          `json:"stage"`

	// Failed is set when Message explains a failure. Actions then holds
	// exactly one next step.
	Failed bool `json:"failed,omitempty"`
}

// ErrUnknownAction is reported for actions the orchestrator does not
// recognise.
var ErrUnknownAction = errors.New("unknown action")

// errIdentity marks an identity token that did not verify.
var errIdentity = errors.New("identity token rejected")

func failureAction(name ActionName) Action {
	switch name {
	case ActionReconnect:
		return Action{Name: ActionReconnect, Label: "Reconnect"}
	case ActionRestart:
		return Action{Name: ActionRestart, Label: "Start over"}
	}
	return Action{Name: ActionRetry, Label: "Try again"}
}

// explain turns err into a message the user can read and the one thing they
// should do next. Error text never reaches the message.
func explain(err error, provider string) (string, ActionName) {
	name := provider
	if name == "" {
		name = "the provider"
	}

	var (
		ae *mandate.AuthError
		sf *dispatch.SemanticFailure
		te *dispatch.TimeoutError
		tr *dispatch.TransportError
	)
	switch {
	case errors.Is(err, errIdentity), errors.Is(err, security.ErrUnauthenticated):
		return "I couldn't confirm who you are. Please sign in again.", ActionReconnect
	case errors.As(err, &ae):
		switch ae.Reason {
		case mandate.ReasonMissingIdentity:
			return "Please sign in so I can act on your behalf.", ActionReconnect
		case mandate.ReasonMissingProvider:
			return "I need to know which provider to use before I can go on.", ActionRestart
		}
		return "I'm no longer authorized to do that for you. Please reconnect.", ActionReconnect
	case errors.As(err, &sf):
		return kindMessage(sf.Kind, name), ActionName(sf.Kind.NextAction())
	case errors.As(err, &te):
		return fmt.Sprintf("%s is taking too long to answer. Let's try that again.", name), ActionRetry
	case errors.As(err, &tr):
		switch {
		case errors.Is(tr.Err, dispatch.ErrUnknownProvider):
			return fmt.Sprintf("I can't sign up with %s yet. Let's start over with another provider.", name), ActionRestart
		case errors.Is(tr.Err, security.ErrCircuitOpen):
			return fmt.Sprintf("%s isn't reachable right now. Please try again in a little while.", name), ActionRetry
		}
		return fmt.Sprintf("I couldn't reach %s. Let's try that again.", name), ActionRetry
	case errors.Is(err, dispatch.ErrNoPlan):
		return "I lost track of what we were looking for. Let's try that again.", ActionRetry
	case errors.Is(err, ErrUnknownAction):
		return "Sorry, I can't do that here.", ActionRetry
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "That took longer than expected. Let's try again.", ActionRetry
	}
	return "Something went wrong on my side. Let's try that again.", ActionRetry
}

func kindMessage(kind dispatch.FailureKind, provider string) string {
	switch kind {
	case dispatch.KindAuthenticationFailed:
		return fmt.Sprintf("I couldn't sign in to %s. Please reconnect your account.", provider)
	case dispatch.KindNetworkTimeout:
		return fmt.Sprintf("%s didn't answer in time. Let's try again.", provider)
	case dispatch.KindPaymentDeclined:
		return "The payment was declined and nothing was charged. You can start over with another program or card."
	case dispatch.KindProgramFull:
		return "That program just filled up. Let's find you another one."
	case dispatch.KindSiteMaintenance:
		return fmt.Sprintf("%s is down for maintenance. Please try again shortly.", provider)
	case dispatch.KindCaptchaChallenge:
		return fmt.Sprintf("%s wants to double-check it's really you. Please reconnect your account.", provider)
	case dispatch.KindRateLimited:
		return fmt.Sprintf("%s is busy right now. Please try again in a moment.", provider)
	case dispatch.KindFormValidation:
		return fmt.Sprintf("%s didn't accept some of the details. Please check them and try again.", provider)
	case dispatch.KindMandateRejected:
		return "I'm no longer authorized to do that for you. Please reconnect."
	}
	return fmt.Sprintf("Something went wrong talking to %s. Let's try again.", provider)
}

// updates summarises the session for the host.
func updates(sc *session.Context, stage Stage) map[string]any {
	out := map[string]any{"stage": string(stage)}
	for _, name := range session.AllSlots {
		if s := sc.Triad.Slot(name); s.Known {
			out[string(name)] = s.Normalized
		}
	}
	if sc.Triad.Strength != "" {
		out["intent_strength"] = sc.Triad.Strength
	}
	su := sc.Signup
	if su.ProgramRef != "" {
		out["program_ref"] = su.ProgramRef
	}
	if su.ConfirmationRef != "" {
		out["confirmation_ref"] = su.ConfirmationRef
	}
	if su.ReceiptRef != "" {
		out["receipt_ref"] = su.ReceiptRef
	}
	return out
}
