package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/aixgo-dev/signup-agent/internal/provider"
	"github.com/aixgo-dev/signup-agent/pkg/config"
	"github.com/aixgo-dev/signup-agent/pkg/conversation"
	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/dispatch"
	"github.com/aixgo-dev/signup-agent/pkg/flight"
	"github.com/aixgo-dev/signup-agent/pkg/history"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
	"github.com/aixgo-dev/signup-agent/pkg/mcp"
	"github.com/aixgo-dev/signup-agent/pkg/nlu"
	"github.com/aixgo-dev/signup-agent/pkg/observability"
	"github.com/aixgo-dev/signup-agent/pkg/security"
	"github.com/aixgo-dev/signup-agent/pkg/session"
	"github.com/aixgo-dev/signup-agent/pkg/triad"
)

// app is the wired agent shared by serve and chat.
type app struct {
	cfg *config.Config

	codec        *mandate.HMACCodec
	auth         security.Authenticator
	store        *session.Store
	dispatcher   *dispatch.Dispatcher
	orchestrator *conversation.Orchestrator
	checker      *observability.HealthChecker
	sim          *provider.Simulator

	// entries is set when discovery results are kept in process and need
	// sweeping.
	entries *discovery.MemoryEntries

	flights *flight.Group
	sweeper *cron.Cron
	closers []func() error
}

type appOptions struct {
	audit   security.AuditLogger
	simOpts []provider.Option
}

// newApp builds every component named in cfg. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg, checker: observability.NewHealthChecker(Version)}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	if opts.audit == nil {
		opts.audit = security.NoOpAuditLogger{}
	}

	a.codec, err = mandate.NewHMACCodec([]byte(cfg.Mandate.Secret))
	if err != nil {
		return nil, fmt.Errorf("mandate codec: %w", err)
	}
	a.auth = security.NewTokenAuthenticator(a.codec)
	if len(cfg.Server.DevKeys) > 0 {
		keys := security.NewAPIKeyAuthenticator()
		for key, user := range cfg.Server.DevKeys {
			keys.AddKey(key, &security.Principal{ID: user})
		}
		a.auth = security.Chain{a.auth, keys}
		log.Printf("Accepting %d development keys", len(cfg.Server.DevKeys))
	}

	backend, err := session.NewBackend(ctx, cfg.Session)
	if err != nil {
		return nil, fmt.Errorf("session backend: %w", err)
	}
	if rb, ok := backend.(*session.RedisBackend); ok {
		a.checker.RegisterCheck(observability.PingCheck("session-redis", rb.Ping))
	}
	a.store = session.NewStore(backend,
		session.WithPersistTimeout(cfg.Session.PersistTimeout),
		session.WithPersistErrorHook(observability.RecordPersistFailure),
	)
	a.closers = append(a.closers, a.store.Close)

	entries, err := a.discoveryEntries()
	if err != nil {
		return nil, err
	}
	// Discovery fetches and provider logins collapse through one group.
	a.flights = &flight.Group{}
	cache := discovery.NewCache(entries,
		discovery.WithTTL(cfg.Discovery.TTL),
		discovery.WithEmptyTTL(cfg.Discovery.EmptyTTL),
		discovery.WithGroup(a.flights),
	)

	mandates := mandate.NewManager(a.codec,
		mandate.WithTTL(cfg.Mandate.TTL),
		mandate.WithGrace(cfg.Mandate.Grace),
		mandate.WithDebug(cfg.Debug),
	)
	dc := cfg.Dispatch
	a.dispatcher = dispatch.New(a.store, mandates,
		dispatch.WithTimeout(dc.Timeout),
		dispatch.WithRetry(dc.MaxAttempts, dc.InitialBackoff, dc.MaxBackoff),
		dispatch.WithRemoteSession(dc.RemoteTTL, dc.RemoteGrace),
		dispatch.WithCircuitBreaker(dc.BreakerFailures, dc.BreakerReset),
		dispatch.WithRateLimiter(security.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)),
		dispatch.WithDiscoveryCache(cache, entries),
		dispatch.WithAuditLogger(opts.audit),
		dispatch.WithRecorder(observability.Recorder{}),
		dispatch.WithLoginGroup(a.flights),
		dispatch.WithDebug(cfg.Debug),
	)

	if err := a.connectProviders(ctx, opts); err != nil {
		return nil, err
	}

	var databaseURL string
	if cfg.History.Store == "postgres" {
		databaseURL = cfg.History.DatabaseURL
	}
	hist, err := history.NewStore(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	a.closers = append(a.closers, hist.Close)
	if pg, ok := hist.(*history.PostgresStore); ok {
		a.checker.RegisterCheck(observability.PingCheck("history-postgres", pg.Ping))
	}

	extractor, err := a.newExtractor(ctx)
	if err != nil {
		return nil, err
	}

	tracker := triad.NewTracker(
		triad.WithHistory(hist),
		triad.WithThreshold(cfg.Triad.FastPathThreshold),
	)
	a.orchestrator = conversation.New(a.store, tracker, extractor, a.dispatcher,
		conversation.WithAuthenticator(a.auth),
		conversation.WithHistory(hist),
		conversation.WithAuditLogger(opts.audit),
		conversation.WithRemoteGrace(dc.RemoteGrace),
		conversation.WithDebug(cfg.Debug),
	)
	return a, nil
}

func (a *app) discoveryEntries() (discovery.EntryStore, error) {
	if a.cfg.Discovery.Store == "redis" {
		client, err := session.NewRedisClient(a.cfg.Session.Redis)
		if err != nil {
			return nil, fmt.Errorf("discovery redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.checker.RegisterCheck(observability.PingCheck("discovery-redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		return discovery.NewRedisEntries(client, a.cfg.Discovery.RedisPrefix), nil
	}
	a.entries = discovery.NewMemoryEntries()
	return a.entries, nil
}

// connectProviders registers the simulator in process, or dials each
// configured tool server over HTTP.
func (a *app) connectProviders(ctx context.Context, opts appOptions) error {
	if a.cfg.Server.Simulate {
		a.sim = provider.New(append([]provider.Option{provider.WithDebug(a.cfg.Debug)}, opts.simOpts...)...)
		client, err := provider.Connect(ctx, a.dispatcher, a.sim, a.codec, mcp.WithDebug(a.cfg.Debug))
		if err != nil {
			return fmt.Errorf("simulator: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		log.Printf("Serving simulated providers: %v", a.sim.Refs())
		return nil
	}

	client := mcp.NewClient()
	a.closers = append(a.closers, client.Close)
	for _, p := range a.cfg.Providers {
		if p.Transport == "" {
			p.Transport = "http"
		}
		sess, err := client.Connect(ctx, p)
		if err != nil {
			return fmt.Errorf("connect %s: %w", p.Name, err)
		}
		a.dispatcher.Register(p.Name, sess)
	}
	log.Printf("Connected providers: %v", a.dispatcher.Providers())
	return nil
}

func (a *app) newExtractor(ctx context.Context) (nlu.Extractor, error) {
	cfg := a.cfg.NLU
	catalog := nlu.NewCatalog()
	var model nlu.Extractor
	switch cfg.Provider {
	case "openai":
		m, err := nlu.NewOpenAIExtractor(nlu.OpenAIConfig{APIKey: cfg.OpenAIKey, Model: cfg.Model, BaseURL: cfg.OpenAIURL}, catalog)
		if err != nil {
			return nil, fmt.Errorf("openai extractor: %w", err)
		}
		model = m
	case "gemini":
		m, err := nlu.NewGeminiExtractor(ctx, nlu.GeminiConfig{
			APIKey:   cfg.GoogleAPIKey,
			Project:  cfg.GCPProject,
			Location: cfg.GCPLocation,
			Model:    cfg.Model,
		}, catalog)
		if err != nil {
			return nil, fmt.Errorf("gemini extractor: %w", err)
		}
		model = m
	case "bedrock":
		m, err := nlu.NewBedrockExtractor(ctx, nlu.BedrockConfig{Region: cfg.AWSRegion, Model: cfg.Model}, catalog)
		if err != nil {
			return nil, fmt.Errorf("bedrock extractor: %w", err)
		}
		a.checker.RegisterCheck(observability.PingCheck("nlu-bedrock", m.Ping))
		model = m
	}
	return nlu.New(model, catalog, security.NewInjectionGuard(0)), nil
}

// startSweeps schedules the periodic housekeeping: idle session eviction,
// expired discovery entries and stale shared remote sessions.
func (a *app) startSweeps() error {
	a.sweeper = cron.New()
	every := func(d time.Duration) string { return "@every " + d.String() }

	if _, err := a.sweeper.AddFunc(every(a.cfg.Discovery.SweepInterval), func() {
		evicted, pruned := a.store.Sweep(a.cfg.Session.IdleEviction)
		remotes := a.dispatcher.SweepRemotes()
		entries := 0
		if a.entries != nil {
			entries = a.entries.Sweep(time.Now())
		}
		turns := a.orchestrator.TurnsInFlight()
		observability.SetActiveSessions(a.store.Len())
		observability.SetTurnsInFlight(turns)
		if a.cfg.Debug {
			executed, shared := a.flights.Stats()
			log.Printf("Sweep: evicted %d sessions, pruned %d, remotes %d, discovery entries %d, turns in flight %d; remote calls %d executed, %d shared",
				evicted, pruned, remotes, entries, turns, executed, shared)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	a.sweeper.Start()
	return nil
}

func (a *app) close() error {
	if a.sweeper != nil {
		<-a.sweeper.Stop().Done()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
