// Package conversation drives one signup conversation per session: it turns
// user messages and actions into triad updates, discovery, prerequisite
// checks, field collection and the final registration, and answers with a
// message plus the actions the user can take next.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/signup-agent/internal/observability"
	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/flight"
	"github.com/aixgo-dev/signup-agent/pkg/history"
	"github.com/aixgo-dev/signup-agent/pkg/nlu"
	metrics "github.com/aixgo-dev/signup-agent/pkg/observability"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// Orchestrator answers turns and actions. Turns for the same session run
// one at a time; turns for different sessions run concurrently.
type Orchestrator struct {
	store      *session.Store
	tracker    *triad.Tracker
	extractor  nlu.Extractor
	dispatcher *dispatch.Dispatcher

	auth    security.Authenticator
	history history.Store
	audit   security.AuditLogger
	turns   *flight.Serializer

	remoteGrace time.Duration
	now         func() time.Time
	debug       bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuthenticator verifies identity tokens. Without one, tokens are
// ignored and sessions stay anonymous.
func WithAuthenticator(a security.Authenticator) Option {
	return func(o *Orchestrator) { o.auth = a }
}

// WithHistory records completed signups.
func WithHistory(h history.Store) Option {
	return func(o *Orchestrator) { o.history = h }
}

// WithAuditLogger records completed signups.
func WithAuditLogger(l security.AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = l }
}

// WithRemoteGrace sets the margin used when deciding whether a remote
// session is still fresh enough to skip login.
func WithRemoteGrace(d time.Duration) Option {
	return func(o *Orchestrator) { o.remoteGrace = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithDebug enables verbose logging.
func WithDebug(debug bool) Option {
	return func(o *Orchestrator) { o.debug = debug }
}

// New creates an Orchestrator.
func New(store *session.Store, tracker *triad.Tracker, extractor nlu.Extractor, d *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		tracker:     tracker,
		extractor:   extractor,
		dispatcher:  d,
		audit:       security.NoOpAuditLogger{},
		turns:       flight.NewSerializer(),
		remoteGrace: dispatch.DefaultRemoteGrace,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Respond handles one user message. Failures are answered with a polite
// message and exactly one next action; the returned error is reserved for
// requests that cannot be tied to a session.
func (o *Orchestrator) Respond(ctx context.Context, req TurnRequest) (Response, error) {
	return o.serve(ctx, "turn", req.SessionID, func(ctx context.Context, t *turn) (Response, error) {
		if err := o.understand(ctx, t, req.IdentityToken, req.Text); err != nil {
			return Response{}, err
		}
		return o.respond(ctx, t)
	})
}

// HandleAction handles a button press or card selection.
func (o *Orchestrator) HandleAction(ctx context.Context, req ActionRequest) (Response, error) {
	return o.serve(ctx, "action", req.SessionID, func(ctx context.Context, t *turn) (Response, error) {
		if err := o.understand(ctx, t, req.IdentityToken, ""); err != nil {
			return Response{}, err
		}
		return o.act(ctx, t, req.Action, req.Payload)
	})
}

// turn is the state threaded through one request.
type turn struct {
	sessionID string
	principal *security.Principal
	facts     triad.Facts
	sc        *session.Context
}

// TurnsInFlight returns how many sessions have a turn running or queued.
func (o *Orchestrator) TurnsInFlight() int {
	return o.turns.Len()
}

func (o *Orchestrator) serve(ctx context.Context, kind, sessionID string, fn func(context.Context, *turn) (Response, error)) (Response, error) {
	if sessionID == "" {
		return Response{}, session.ErrEmptySessionID
	}
	start := o.now()
	ctx, span := observability.StartSpan(ctx, "conversation."+kind, map[string]any{"session.id": sessionID})
	defer span.End()

	t := &turn{sessionID: sessionID}
	var resp Response
	err := o.turns.Run(ctx, sessionID, func(ctx context.Context) error {
		r, err := fn(ctx, t)
		if err != nil {
			r = o.fail(t, err)
		}
		resp = r
		return nil
	})
	if err != nil {
		// the session stayed busy until ctx ended
		resp = o.fail(t, err)
	}

	outcome := "ok"
	if resp.Failed {
		outcome = "failed"
	}
	span.SetAttributes(attribute.String("conversation.stage", string(resp.Stage)), attribute.String("conversation.outcome", outcome))
	metrics.RecordTurn(kind, string(resp.Stage), outcome, o.now().Sub(start))
	return resp, nil
}

// understand verifies the identity token and extracts facts from text in
// parallel, then loads the session and binds it to the verified user. An
// extraction failure counts as no new facts.
func (o *Orchestrator) understand(ctx context.Context, t *turn, token, text string) error {
	g, gctx := errgroup.WithContext(ctx)
	if token != "" && o.auth != nil {
		g.Go(func() error {
			p, err := o.auth.Authenticate(gctx, token)
			if err != nil {
				return fmt.Errorf("%w: %v", errIdentity, err)
			}
			t.principal = p
			return nil
		})
	}
	if text != "" {
		g.Go(func() error {
			facts, err := o.extractor.Extract(gctx, text)
			if err != nil {
				if errors.Is(err, nlu.ErrFlagged) {
					log.Printf("[conversation] session %s: message flagged, ignoring its facts", t.sessionID)
				} else {
					log.Printf("[conversation] session %s: fact extraction failed: %v", t.sessionID, err)
				}
				facts = triad.Facts{}
			}
			facts.Text = text
			t.facts = facts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	userID := ""
	if t.principal != nil {
		userID = t.principal.ID
	}
	sc, err := o.store.GetFor(ctx, t.sessionID, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if userID != "" && sc.UserID != userID {
		if sc.UserID != "" {
			log.Printf("[conversation] session %s changed hands, starting over", t.sessionID)
			if _, err := o.store.Reset(ctx, t.sessionID); err != nil {
				return fmt.Errorf("reset session: %w", err)
			}
		}
		if sc, err = o.store.Update(ctx, t.sessionID, session.Patch{UserID: &userID}); err != nil {
			return fmt.Errorf("bind user: %w", err)
		}
	}
	t.sc = sc
	return nil
}

// respond routes a free-text message by stage.
func (o *Orchestrator) respond(ctx context.Context, t *turn) (Response, error) {
	stage := o.stage(t.sc)

	switch stage {
	case StageFieldCollection:
		if fields := parseFields(t.facts.Text, t.sc.Signup.MissingFields()); len(fields) > 0 {
			return o.submitFields(ctx, t, fields)
		}
	case StageConfirmation:
		switch {
		case isAffirmative(t.facts.Text):
			return o.confirm(ctx, t)
		case isNegative(t.facts.Text):
			return o.reply(t, Response{
				Message: "No problem, nothing has been submitted. Start over whenever you're ready.",
				Actions: []Action{{Name: ActionRestart, Label: "Start over"}},
			}), nil
		}
	case StageCompleted:
		return o.advance(ctx, t)
	}

	if !t.sc.Triad.Ready() || !t.facts.Empty() {
		return o.merge(ctx, t, t.facts)
	}
	return o.advance(ctx, t)
}

// merge folds facts into the triad and moves the conversation on.
func (o *Orchestrator) merge(ctx context.Context, t *turn, facts triad.Facts) (Response, error) {
	before := t.sc.Triad
	tr, q := o.tracker.Merge(ctx, before, facts)

	patch := session.Patch{Triad: &tr}
	provider := ""
	if tr.Provider.Known && !tr.Provider.Declined {
		provider = tr.Provider.Normalized
	}
	if provider != t.sc.ProviderRef {
		patch.ProviderRef = &provider
		if t.sc.ProviderRef != "" {
			patch.ClearRemote = true
			patch.ClearMandate = true
		}
	}

	if tr.Ready() {
		schedule := scheduleOf(facts.ProgramHint)
		if schedule == "" && t.sc.Plan != nil {
			schedule = t.sc.Plan.Schedule
		}
		plan, err := discovery.BuildPlan(tr, schedule)
		if err != nil {
			return Response{}, err
		}
		if !discovery.SamePlan(t.sc.Plan, plan) {
			patch.Plan = plan
			// a new plan invalidates any program picked under the old one
			readyAt := t.sc.Signup.ReadyAt
			if readyAt.IsZero() {
				readyAt = o.now()
			}
			patch.Signup = &session.Signup{ReadyAt: readyAt}
		}
	}

	sc, err := o.store.Update(ctx, t.sessionID, patch)
	if err != nil {
		return Response{}, fmt.Errorf("save triad: %w", err)
	}
	t.sc = sc

	if q != nil {
		return o.ask(ctx, t, q)
	}
	return o.advance(ctx, t)
}

// ask answers with the tracker's question. While the provider is unknown the
// directory is searched for the activity so the user can pick one.
func (o *Orchestrator) ask(ctx context.Context, t *turn, q *triad.Question) (Response, error) {
	resp := Response{Message: q.Text}
	tr := t.sc.Triad

	if !tr.Provider.Known && tr.Activity.Known {
		if cards, err := o.searchProviders(ctx, t); err != nil {
			log.Printf("[conversation] session %s: provider search failed: %v", t.sessionID, err)
		} else {
			resp.Cards = cards
		}
	}
	if o.stage(t.sc) == StageLogin {
		resp.Actions = append(resp.Actions, Action{
			Name:  ActionLogin,
			Label: fmt.Sprintf("Connect your %s account", tr.Provider.Normalized),
		})
	}
	return o.reply(t, resp), nil
}

func (o *Orchestrator) searchProviders(ctx context.Context, t *turn) ([]Card, error) {
	args := map[string]any{"activity": t.sc.Triad.Activity.Normalized}
	if raw := t.sc.Triad.Provider.Raw; raw != "" {
		args["query"] = raw
	}
	res, err := o.dispatcher.Invoke(ctx, t.sessionID, dispatch.OpSearchProviders, args)
	if err != nil {
		return nil, err
	}
	var list dispatch.ProviderList
	if err := res.Decode(&list); err != nil {
		return nil, err
	}
	cards := make([]Card, 0, len(list.Providers))
	for _, p := range list.Providers {
		cards = append(cards, Card{
			Ref:      p.Ref,
			Title:    p.Name,
			Subtitle: p.City,
			Actions: []Action{{
				Name:    ActionSelectProvider,
				Label:   "Choose " + p.Name,
				Payload: map[string]string{"provider": p.Ref},
			}},
		})
	}
	return cards, nil
}

// advance performs whatever the current stage needs and describes the
// result.
func (o *Orchestrator) advance(ctx context.Context, t *turn) (Response, error) {
	switch o.stage(t.sc) {
	case StageProviderSearch, StageLogin:
		tr, q := o.tracker.Merge(ctx, t.sc.Triad, triad.Facts{})
		if q == nil {
			return o.merge(ctx, t, triad.Facts{})
		}
		sc, err := o.store.Update(ctx, t.sessionID, session.Patch{Triad: &tr})
		if err != nil {
			return Response{}, fmt.Errorf("save triad: %w", err)
		}
		t.sc = sc
		return o.ask(ctx, t, q)
	case StageDiscovery:
		return o.discover(ctx, t)
	case StagePrereqCheck:
		return o.checkPrereqs(ctx, t)
	}
	return o.prompt(t), nil
}

// prompt describes the stages that wait on the user.
func (o *Orchestrator) prompt(t *turn) Response {
	su := t.sc.Signup
	switch o.stage(t.sc) {
	case StageFieldCollection:
		missing := su.MissingFields()
		payload := make(map[string]string, len(missing))
		for _, f := range missing {
			payload[f] = ""
		}
		return o.reply(t, Response{
			Message: fmt.Sprintf("To sign up for %s I need: %s.", su.ProgramTitle, joinList(labels(missing))),
			Actions: []Action{{Name: ActionSubmitFields, Label: "Send details", Payload: payload}},
		})
	case StageConfirmation:
		label := "Confirm signup"
		if su.ConfirmationRef != "" {
			label = "Complete payment"
		}
		return o.reply(t, Response{
			Message: fmt.Sprintf("Ready to sign up for %s. Shall I go ahead?", su.ProgramTitle),
			Cards:   []Card{summaryCard(t.sc)},
			Actions: []Action{{Name: ActionConfirm, Label: label}},
		})
	case StageCompleted:
		return o.reply(t, Response{
			Message: fmt.Sprintf("You're signed up for %s. Your confirmation number is %s.", su.ProgramTitle, su.ConfirmationRef),
			Actions: []Action{{Name: ActionRestart, Label: "Start another signup"}},
		})
	}
	return o.reply(t, Response{Message: "What would you like to sign up for?"})
}

// stage derives the current stage of t's session.
func (o *Orchestrator) stage(sc *session.Context) Stage {
	return DeriveStage(sc, o.now(), o.remoteGrace)
}

// reload refreshes t's snapshot after the dispatcher wrote to the session.
func (o *Orchestrator) reload(ctx context.Context, t *turn) error {
	sc, err := o.store.Get(ctx, t.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	t.sc = sc
	return nil
}

func (o *Orchestrator) reply(t *turn, resp Response) Response {
	resp.Stage = o.stage(t.sc)
	resp.SessionUpdates = updates(t.sc, resp.Stage)
	return resp
}

// fail answers err politely with a single next action.
func (o *Orchestrator) fail(t *turn, err error) Response {
	provider := ""
	if t.sc != nil {
		provider = dispatch.ProviderOf(t.sc)
	}
	msg, next := explain(err, provider)
	log.Printf("[conversation] session %s: %v", t.sessionID, err)

	resp := Response{Message: msg, Actions: []Action{failureAction(next)}, Failed: true}
	if t.sc != nil {
		resp.Stage = o.stage(t.sc)
		resp.SessionUpdates = updates(t.sc, resp.Stage)
	}
	return resp
}
