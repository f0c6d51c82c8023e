package session

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
)

// Context is the state of one conversation. Exactly one Context exists per
// session ID inside a Store.
type Context struct {
	SessionID     string           `json:"session_id"`
	UserID        string           `json:"user_id,omitempty"`
	ProviderRef   string           `json:"provider_ref,omitempty"`
	CredentialRef string           `json:"credential_ref,omitempty"`
	Remote        *RemoteSession   `json:"remote,omitempty"`
	Mandate       *mandate.Mandate `json:"mandate,omitempty"`
	Triad         Triad            `json:"triad"`
	Plan          *Plan            `json:"plan,omitempty"`
	Signup        Signup           `json:"signup"`

	// Cache maps discovery keys to cached payloads.
	Cache map[string]CacheEntry `json:"cache,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// RemoteSession is an authenticated session on a provider's system.
type RemoteSession struct {
	Token    string        `json:"token"`
	IssuedAt time.Time     `json:"issued_at"`
	TTL      time.Duration `json:"ttl"`
}

// FreshAt reports whether the remote session can still be reused at now,
// keeping grace in reserve before its hard expiry.
func (r *RemoteSession) FreshAt(now time.Time, grace time.Duration) bool {
	if r == nil || r.Token == "" {
		return false
	}
	return now.Before(r.IssuedAt.Add(r.TTL - grace))
}

// SlotName identifies one of the three triad slots.
type SlotName string

const (
	SlotAge      SlotName = "age"
	SlotActivity SlotName = "activity"
	SlotProvider SlotName = "provider"
)

// AllSlots lists the triad slots in the order they are named to the user.
var AllSlots = []SlotName{SlotAge, SlotActivity, SlotProvider}

// Slot is a single fact. A slot is known once Known is true.
type Slot struct {
	Known      bool   `json:"known"`
	Raw        string `json:"raw,omitempty"`
	Normalized string `json:"normalized,omitempty"`
	Declined   bool   `json:"declined,omitempty"`
}

// Triad holds the age, activity and provider slots plus the bookkeeping
// needed to avoid asking for the same fact twice.
type Triad struct {
	Age      Slot `json:"age"`
	Activity Slot `json:"activity"`
	Provider Slot `json:"provider"`

	Asked    []SlotName      `json:"asked,omitempty"`
	Strength string          `json:"strength,omitempty"`
	FastPath *FastPathTarget `json:"fast_path,omitempty"`
}

// Slot returns a pointer to the named slot.
func (t *Triad) Slot(name SlotName) *Slot {
	switch name {
	case SlotAge:
		return &t.Age
	case SlotActivity:
		return &t.Activity
	case SlotProvider:
		return &t.Provider
	}
	return nil
}

// Missing returns the slots that are still unknown.
func (t *Triad) Missing() []SlotName {
	var out []SlotName
	for _, name := range AllSlots {
		if !t.Slot(name).Known {
			out = append(out, name)
		}
	}
	return out
}

// Ready reports whether all three slots are known.
func (t *Triad) Ready() bool {
	return t.Age.Known && t.Activity.Known && t.Provider.Known
}

// FastPathTarget is a single high-confidence program guess.
type FastPathTarget struct {
	ProgramRef string  `json:"program_ref"`
	Title      string  `json:"title,omitempty"`
	Confidence float64 `json:"confidence"`
}

// Plan describes the remote discovery call to make once the triad is ready.
type Plan struct {
	Feed     string            `json:"feed"`
	Provider string            `json:"provider"`
	Category string            `json:"category"`
	Schedule string            `json:"schedule,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

// Signup tracks progress after discovery. A signup with a confirmation but
// no receipt for a non-zero amount is registered and still unpaid.
type Signup struct {
	ProgramRef      string            `json:"program_ref,omitempty"`
	ProgramTitle    string            `json:"program_title,omitempty"`
	PrereqsChecked  bool              `json:"prereqs_checked,omitempty"`
	PrereqsMissing  []string          `json:"prereqs_missing,omitempty"`
	RequiredFields  []string          `json:"required_fields,omitempty"`
	Fields          map[string]string `json:"fields,omitempty"`
	Confirmed       bool              `json:"confirmed,omitempty"`
	ConfirmationRef string            `json:"confirmation_ref,omitempty"`
	AmountCent      int               `json:"amount_cents,omitempty"`
	ReceiptRef      string            `json:"receipt_ref,omitempty"`
	ReadyAt         time.Time         `json:"ready_at,omitempty"`

	// AttemptKey identifies this signup to the provider so a repeated
	// registration or payment is recognised as the same one.
	AttemptKey string `json:"attempt_key,omitempty"`
}

// MissingFields returns required fields that have no value yet.
func (s *Signup) MissingFields() []string {
	var out []string
	for _, f := range s.RequiredFields {
		if s.Fields[f] == "" {
			out = append(out, f)
		}
	}
	return out
}

// Complete reports whether the signup is registered and, if it costs
// anything, paid.
func (s *Signup) Complete() bool {
	return s.ConfirmationRef != "" && (s.AmountCent == 0 || s.ReceiptRef != "")
}

// CacheEntry is a cached discovery payload.
type CacheEntry struct {
	Payload   json.RawMessage `json:"payload"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// LiveAt reports whether the entry may be served at now.
func (e CacheEntry) LiveAt(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// New returns an empty Context for id.
func New(id string, now time.Time) *Context {
	return &Context{
		SessionID: id,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.Remote != nil {
		r := *c.Remote
		out.Remote = &r
	}
	if c.Mandate != nil {
		m := *c.Mandate
		m.Scopes = slices.Clone(c.Mandate.Scopes)
		out.Mandate = &m
	}
	out.Triad.Asked = slices.Clone(c.Triad.Asked)
	if c.Triad.FastPath != nil {
		fp := *c.Triad.FastPath
		out.Triad.FastPath = &fp
	}
	if c.Plan != nil {
		p := *c.Plan
		p.Params = maps.Clone(c.Plan.Params)
		out.Plan = &p
	}
	out.Signup.PrereqsMissing = slices.Clone(c.Signup.PrereqsMissing)
	out.Signup.RequiredFields = slices.Clone(c.Signup.RequiredFields)
	out.Signup.Fields = maps.Clone(c.Signup.Fields)
	if c.Cache != nil {
		out.Cache = make(map[string]CacheEntry, len(c.Cache))
		for k, v := range c.Cache {
			v.Payload = slices.Clone(v.Payload)
			out.Cache[k] = v
		}
	}
	return &out
}
