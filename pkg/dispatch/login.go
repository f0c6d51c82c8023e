package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/session"
)

// LoginOutcome says how Login obtained its remote session.
type LoginOutcome string

const (
	// LoginReused means the session already held a fresh remote session.
	LoginReused LoginOutcome = "reused"
	// LoginShared means another login for the same user and provider
	// produced the remote session.
	LoginShared LoginOutcome = "shared"
	// LoginAuthenticated means this call authenticated with the provider.
	LoginAuthenticated LoginOutcome = "authenticated"
)

type loginResult struct {
	remote  session.RemoteSession
	payload *Result
	cached  bool
}

// remoteKey is also the login flight key, so it is prefixed to stay apart
// from discovery keys when the two share a group.
func remoteKey(userID, provider string) string {
	return "login:" + userID + "|" + provider
}

// Login makes sure the session holds a fresh remote session with its
// provider. Concurrent logins for the same user and provider, from any
// session, perform a single remote authentication.
func (d *Dispatcher) Login(ctx context.Context, sessionID string) (*Result, error) {
	sc, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sc.Remote.FreshAt(d.now(), d.remoteGrace) {
		d.rec.Login(string(LoginReused))
		remote := *sc.Remote
		return &Result{Op: OpLogin, Remote: &remote, Mandate: sc.Mandate, Login: LoginReused}, nil
	}

	c, err := d.prepare(ctx, sessionID, OpLogin)
	if err != nil {
		return nil, err
	}
	key := remoteKey(c.userID, c.provider)

	args := map[string]any{}
	if sc.CredentialRef != "" {
		args["credential_ref"] = sc.CredentialRef
	}

	res, err := d.logins.Do(ctx, key, func(ctx context.Context) (any, error) {
		if remote, ok := d.sharedRemote(key); ok {
			return loginResult{remote: remote, cached: true}, nil
		}

		out, err := d.run(ctx, c, args)
		if err != nil {
			return nil, err
		}
		var reply LoginReply
		if err := out.Decode(&reply); err != nil || reply.SessionToken == "" {
			return nil, &SemanticFailure{Op: OpLogin, Kind: KindAuthenticationFailed, Message: "login returned no session token"}
		}

		ttl := d.remoteTTL
		if reply.ExpiresIn > 0 {
			ttl = time.Duration(reply.ExpiresIn) * time.Second
		}
		remote := session.RemoteSession{Token: reply.SessionToken, IssuedAt: d.now(), TTL: ttl}

		d.remotesMu.Lock()
		d.remotes[key] = remote
		d.remotesMu.Unlock()
		return loginResult{remote: remote, payload: out}, nil
	})
	if err != nil {
		d.rec.Login("failed")
		return nil, err
	}

	lr := res.Value.(loginResult)
	outcome := LoginAuthenticated
	if res.Shared || lr.cached {
		outcome = LoginShared
	}
	d.rec.Login(string(outcome))
	if d.debug {
		log.Printf("[dispatch] login for %s: %s", key, outcome)
	}

	provider := c.provider
	if _, err := d.store.Update(ctx, sessionID, session.Patch{Remote: &lr.remote, ProviderRef: &provider}); err != nil {
		log.Printf("[dispatch] failed to record remote session for %s: %v", sessionID, err)
	}

	result := &Result{Op: OpLogin, Remote: &lr.remote, Mandate: c.mandate, Login: outcome}
	if lr.payload != nil && outcome == LoginAuthenticated {
		result.Payload = lr.payload.Payload
		result.Attempts = lr.payload.Attempts
		result.Refreshed = lr.payload.Refreshed
	}
	return result, nil
}

// sharedRemote returns a fresh remote session recorded by an earlier login
// for key.
func (d *Dispatcher) sharedRemote(key string) (session.RemoteSession, bool) {
	d.remotesMu.Lock()
	defer d.remotesMu.Unlock()
	r, ok := d.remotes[key]
	if !ok || !r.FreshAt(d.now(), d.remoteGrace) {
		return session.RemoteSession{}, false
	}
	return r, true
}

// forgetRemote drops a remote session the provider no longer accepts so the
// next protected call logs in again.
func (d *Dispatcher) forgetRemote(ctx context.Context, c *call, err error) {
	var sf *SemanticFailure
	if c.remote == "" || !errors.As(err, &sf) || sf.Kind != KindAuthenticationFailed {
		return
	}
	key := remoteKey(c.userID, c.provider)
	d.remotesMu.Lock()
	if r, ok := d.remotes[key]; ok && r.Token == c.remote {
		delete(d.remotes, key)
	}
	d.remotesMu.Unlock()
	if _, uerr := d.store.Update(ctx, c.sessionID, session.Patch{ClearRemote: true}); uerr != nil {
		log.Printf("[dispatch] failed to clear remote session for %s: %v", c.sessionID, uerr)
	}
}

// SweepRemotes forgets shared remote sessions that are no longer fresh and
// returns how many were removed.
func (d *Dispatcher) SweepRemotes() int {
	now := d.now()
	d.remotesMu.Lock()
	defer d.remotesMu.Unlock()
	n := 0
	for k, r := range d.remotes {
		if !r.FreshAt(now, d.remoteGrace) {
			delete(d.remotes, k)
			n++
		}
	}
	return n
}
