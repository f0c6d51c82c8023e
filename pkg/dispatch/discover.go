package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/signup-agent/pkg/discovery"
)

// ErrNoPlan is returned by Discover for a session without a discovery plan.
var ErrNoPlan = errors.New("session has no discovery plan")

// Discover resolves the session's discovery plan through the cache. Cache
// entries are looked up in the session first and then in the shared tier;
// the fast-path target recorded on the triad narrows the first fetch.
func (d *Dispatcher) Discover(ctx context.Context, sessionID string) ([]discovery.Program, discovery.Outcome, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.discover", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	sc, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("load session: %w", err)
	}
	if sc.Plan == nil {
		return nil, "", ErrNoPlan
	}

	tiers := discovery.Tiered{discovery.NewSessionEntries(d.store, sessionID)}
	if d.entries != nil {
		tiers = append(tiers, d.entries)
	}

	fetch := func(ctx context.Context, q discovery.Query) ([]discovery.Program, error) {
		res, err := d.Invoke(ctx, sessionID, OpDiscover, discoverArgs(q))
		if err != nil {
			return nil, err
		}
		var list ProgramList
		if err := res.Decode(&list); err != nil {
			return nil, &SemanticFailure{Op: OpDiscover, Kind: KindToolError, Message: "unreadable program list"}
		}
		return list.Programs, nil
	}

	programs, outcome, err := d.cache.WithStore(tiers).Resolve(ctx, sc.Plan, fetch, sc.Triad.FastPath)
	if err != nil {
		return nil, "", err
	}
	span.SetAttributes(attribute.String("discovery.outcome", string(outcome)), attribute.Int("discovery.programs", len(programs)))
	return programs, outcome, nil
}

func discoverArgs(q discovery.Query) map[string]any {
	args := map[string]any{
		"feed":     q.Plan.Feed,
		"provider": q.Plan.Provider,
		"category": q.Plan.Category,
	}
	if q.Plan.Schedule != "" {
		args["schedule"] = q.Plan.Schedule
	}
	if len(q.Plan.Params) > 0 {
		params := make(map[string]any, len(q.Plan.Params))
		for k, v := range q.Plan.Params {
			params[k] = v
		}
		args["params"] = params
	}
	if q.Narrowed() {
		args["program_ref"] = q.Target.ProgramRef
	}
	return args
}
