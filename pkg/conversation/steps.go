package conversation

import (
	"context"
	"fmt"
	"log"
	"maps"
	"strings"

	"github.com/google/uuid"

	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/history"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
	metrics "github.com/aixgo-dev/signup-agent/pkg/observability"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// act runs one action.
func (o *Orchestrator) act(ctx context.Context, t *turn, name ActionName, payload map[string]string) (Response, error) {
	if o.debug {
		log.Printf("[conversation] session %s: action %s at %s", t.sessionID, name, o.stage(t.sc))
	}

	switch name {
	case ActionSelectProvider:
		ref := strings.TrimSpace(payload["provider"])
		if ref == "" {
			return Response{}, fmt.Errorf("%w: %s without provider", ErrUnknownAction, name)
		}
		return o.merge(ctx, t, triad.Facts{Provider: &triad.Fact{Raw: ref, Normalized: strings.ToLower(ref), Override: true}})
	case ActionLogin:
		return o.login(ctx, t)
	case ActionReconnect:
		sc, err := o.store.Update(ctx, t.sessionID, session.Patch{ClearRemote: true, ClearMandate: true})
		if err != nil {
			return Response{}, fmt.Errorf("clear credentials: %w", err)
		}
		t.sc = sc
		return o.login(ctx, t)
	case ActionShowAll:
		tr := t.sc.Triad
		tr.FastPath = nil
		sc, err := o.store.Update(ctx, t.sessionID, session.Patch{Triad: &tr})
		if err != nil {
			return Response{}, fmt.Errorf("save triad: %w", err)
		}
		t.sc = sc
		return o.advance(ctx, t)
	case ActionSelectProgram:
		return o.selectProgram(ctx, t, payload["program_ref"])
	case ActionSubmitFields:
		return o.submitFields(ctx, t, payload)
	case ActionConfirm:
		return o.confirm(ctx, t)
	case ActionRetry:
		return o.advance(ctx, t)
	case ActionRestart:
		return o.restart(ctx, t)
	}
	return Response{}, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// login connects the user's provider account, then carries on from the
// current stage.
func (o *Orchestrator) login(ctx context.Context, t *turn) (Response, error) {
	res, err := o.dispatcher.Login(ctx, t.sessionID)
	if err != nil {
		return Response{}, err
	}
	if err := o.reload(ctx, t); err != nil {
		return Response{}, err
	}

	resp, err := o.advance(ctx, t)
	if err != nil {
		return Response{}, err
	}
	if res.Login != dispatch.LoginReused {
		resp.Message = fmt.Sprintf("You're connected to %s. %s", dispatch.ProviderOf(t.sc), resp.Message)
	}
	return resp, nil
}

// restart clears the session. The verified user stays bound to it.
func (o *Orchestrator) restart(ctx context.Context, t *turn) (Response, error) {
	userID := t.sc.UserID
	sc, err := o.store.Reset(ctx, t.sessionID)
	if err != nil {
		return Response{}, fmt.Errorf("reset session: %w", err)
	}
	if userID != "" {
		if sc, err = o.store.Update(ctx, t.sessionID, session.Patch{UserID: &userID}); err != nil {
			return Response{}, fmt.Errorf("bind user: %w", err)
		}
	}
	t.sc = sc
	return o.reply(t, Response{Message: "Let's start fresh. What would you like to sign up for, and how old is your child?"}), nil
}

// discover lists the programs for the session's plan.
func (o *Orchestrator) discover(ctx context.Context, t *turn) (Response, error) {
	programs, outcome, err := o.dispatcher.Discover(ctx, t.sessionID)
	if err != nil {
		metrics.RecordDiscovery("error")
		return Response{}, err
	}
	metrics.RecordDiscovery(string(outcome))
	if err := o.reload(ctx, t); err != nil {
		return Response{}, err
	}

	plan := t.sc.Plan
	if len(programs) == 0 {
		return o.reply(t, Response{
			Message: fmt.Sprintf("I couldn't find any open %s programs at %s for that age.", plan.Category, plan.Provider),
			Actions: []Action{{Name: ActionRestart, Label: "Start over"}},
		}), nil
	}

	cards := make([]Card, 0, len(programs))
	for _, p := range programs {
		cards = append(cards, programCard(p))
	}
	if outcome == discovery.OutcomeFastPath && len(programs) == 1 {
		return o.reply(t, Response{
			Message: fmt.Sprintf("Based on past signups, %s looks like the one. Want to go with it?", programs[0].Title),
			Cards:   cards,
			Actions: []Action{{Name: ActionShowAll, Label: "Show all programs"}},
		}), nil
	}
	return o.reply(t, Response{
		Message: fmt.Sprintf("Here are the %s programs at %s. Which one would you like?", plan.Category, plan.Provider),
		Cards:   cards,
	}), nil
}

// selectProgram records the chosen program and checks its prerequisites.
// The program must be one discovery currently returns.
func (o *Orchestrator) selectProgram(ctx context.Context, t *turn, ref string) (Response, error) {
	switch o.stage(t.sc) {
	case StageDiscovery, StagePrereqCheck, StageFieldCollection:
	case StageConfirmation:
		if t.sc.Signup.ConfirmationRef != "" {
			return o.advance(ctx, t)
		}
	default:
		return o.advance(ctx, t)
	}
	programs, _, err := o.dispatcher.Discover(ctx, t.sessionID)
	if err != nil {
		return Response{}, err
	}

	var chosen *discovery.Program
	for i := range programs {
		if programs[i].Ref == ref {
			chosen = &programs[i]
			break
		}
	}
	if chosen == nil {
		return o.reply(t, Response{
			Message: "I couldn't find that program any more. Here's what's available now.",
			Actions: []Action{{Name: ActionShowAll, Label: "Show programs"}},
		}), nil
	}
	if chosen.Spots == 0 {
		return Response{}, &dispatch.SemanticFailure{Op: dispatch.OpDiscover, Kind: dispatch.KindProgramFull}
	}

	signup := session.Signup{ProgramRef: chosen.Ref, ProgramTitle: chosen.Title, ReadyAt: t.sc.Signup.ReadyAt}
	sc, err := o.store.Update(ctx, t.sessionID, session.Patch{Signup: &signup})
	if err != nil {
		return Response{}, fmt.Errorf("save program: %w", err)
	}
	t.sc = sc
	return o.checkPrereqs(ctx, t)
}

// checkPrereqs asks the provider what the chosen program needs.
func (o *Orchestrator) checkPrereqs(ctx context.Context, t *turn) (Response, error) {
	su := t.sc.Signup
	res, err := o.dispatcher.Invoke(ctx, t.sessionID, dispatch.OpCheckPrereqs, map[string]any{"program_ref": su.ProgramRef})
	if err != nil {
		return Response{}, err
	}
	var report dispatch.PrereqReport
	if err := res.Decode(&report); err != nil {
		return Response{}, &dispatch.SemanticFailure{Op: dispatch.OpCheckPrereqs, Kind: dispatch.KindToolError, Message: "unreadable prerequisite report"}
	}
	if err := o.reload(ctx, t); err != nil {
		return Response{}, err
	}

	su = t.sc.Signup
	su.PrereqsChecked = true
	su.PrereqsMissing = report.Missing
	su.RequiredFields = report.RequiredFields
	sc, err := o.store.Update(ctx, t.sessionID, session.Patch{Signup: &su})
	if err != nil {
		return Response{}, fmt.Errorf("save prerequisites: %w", err)
	}
	t.sc = sc

	if len(report.Missing) > 0 {
		return o.reply(t, Response{
			Message: fmt.Sprintf("Before signing up for %s you'll need to take care of: %s. Let me know once that's done.",
				su.ProgramTitle, joinList(labels(report.Missing))),
			Actions: []Action{{Name: ActionRetry, Label: "Check again"}},
		}), nil
	}
	return o.prompt(t), nil
}

// submitFields merges registration details. Unknown field names are ignored.
func (o *Orchestrator) submitFields(ctx context.Context, t *turn, fields map[string]string) (Response, error) {
	su := t.sc.Signup
	if su.ProgramRef == "" || !su.PrereqsChecked {
		return o.advance(ctx, t)
	}

	merged := maps.Clone(su.Fields)
	if merged == nil {
		merged = make(map[string]string, len(fields))
	}
	for _, f := range su.RequiredFields {
		if v := strings.TrimSpace(security.SanitizeString(fields[f])); v != "" {
			merged[f] = v
		}
	}
	su.Fields = merged
	sc, err := o.store.Update(ctx, t.sessionID, session.Patch{Signup: &su})
	if err != nil {
		return Response{}, fmt.Errorf("save fields: %w", err)
	}
	t.sc = sc
	return o.prompt(t), nil
}

// confirm registers and pays. A signup that registered but failed to pay
// only retries the payment.
func (o *Orchestrator) confirm(ctx context.Context, t *turn) (Response, error) {
	if stage := o.stage(t.sc); stage != StageConfirmation {
		return o.advance(ctx, t)
	}

	su := t.sc.Signup
	if su.AttemptKey == "" {
		su.AttemptKey = uuid.NewString()
		sc, err := o.store.Update(ctx, t.sessionID, session.Patch{Signup: &su})
		if err != nil {
			return Response{}, fmt.Errorf("save signup: %w", err)
		}
		t.sc = sc
	}

	if su.ConfirmationRef == "" {
		res, err := o.dispatcher.Invoke(ctx, t.sessionID, dispatch.OpRegister, map[string]any{
			"program_ref":         su.ProgramRef,
			"fields":              stringMap(su.Fields),
			mcp.ArgIdempotencyKey: su.AttemptKey + "/register",
		})
		if err != nil {
			return Response{}, err
		}
		var reg dispatch.Registration
		if err := res.Decode(&reg); err != nil || reg.ConfirmationRef == "" {
			return Response{}, &dispatch.SemanticFailure{Op: dispatch.OpRegister, Kind: dispatch.KindToolError, Message: "registration returned no confirmation"}
		}
		if err := o.reload(ctx, t); err != nil {
			return Response{}, err
		}
		su = t.sc.Signup
		su.Confirmed = true
		su.ConfirmationRef = reg.ConfirmationRef
		su.AmountCent = reg.AmountCent
		if t.sc, err = o.store.Update(ctx, t.sessionID, session.Patch{Signup: &su}); err != nil {
			return Response{}, fmt.Errorf("save registration: %w", err)
		}
	}

	if su.AmountCent > 0 && su.ReceiptRef == "" {
		res, err := o.dispatcher.Invoke(ctx, t.sessionID, dispatch.OpPay, map[string]any{
			"confirmation_ref":    su.ConfirmationRef,
			"amount_cents":        su.AmountCent,
			mcp.ArgIdempotencyKey: su.AttemptKey + "/pay",
		})
		if err != nil {
			return Response{}, err
		}
		var pay dispatch.Payment
		if err := res.Decode(&pay); err != nil || pay.ReceiptRef == "" {
			return Response{}, &dispatch.SemanticFailure{Op: dispatch.OpPay, Kind: dispatch.KindToolError, Message: "payment returned no receipt"}
		}
		if err := o.reload(ctx, t); err != nil {
			return Response{}, err
		}
		su = t.sc.Signup
		su.ReceiptRef = pay.ReceiptRef
		if t.sc, err = o.store.Update(ctx, t.sessionID, session.Patch{Signup: &su}); err != nil {
			return Response{}, fmt.Errorf("save payment: %w", err)
		}
	}

	o.completed(ctx, t)
	return o.prompt(t), nil
}

// completed records a finished signup.
func (o *Orchestrator) completed(ctx context.Context, t *turn) {
	sc := t.sc
	su := sc.Signup
	if !su.ReadyAt.IsZero() {
		metrics.RecordSignupLatency(o.now().Sub(su.ReadyAt))
	}

	provider := dispatch.ProviderOf(sc)
	ev := security.NewEvent(ctx, security.EventSignup, provider, "complete", nil)
	ev.UserID = sc.UserID
	ev.SessionID = sc.SessionID
	ev.Metadata = map[string]any{"program_ref": su.ProgramRef, "confirmation_ref": su.ConfirmationRef}
	o.audit.Log(ev)

	if o.history == nil {
		return
	}
	rec := history.Signup{
		ID:         uuid.NewString(),
		UserID:     sc.UserID,
		Provider:   provider,
		Activity:   sc.Triad.Activity.Normalized,
		Age:        sc.Triad.Age.Normalized,
		ProgramRef: su.ProgramRef,
		Title:      su.ProgramTitle,
		CreatedAt:  o.now(),
	}
	if err := o.history.Record(ctx, rec); err != nil {
		log.Printf("[conversation] failed to record signup history for %s: %v", sc.SessionID, err)
	}
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
