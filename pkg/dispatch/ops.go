package dispatch

import (
	"github.com/aixgo-dev/signup-agent/pkg/discovery"
	"github.com/aixgo-dev/signup-agent/pkg/mandate"
)

// Op is a remote operation name. It doubles as the tool name.
type Op string

const (
	OpSearchProviders Op = "search_providers"
	OpLogin           Op = "login"
	OpDiscover        Op = "discover_programs"
	OpCheckPrereqs    Op = "check_prerequisites"
	OpRegister        Op = "submit_registration"
	OpPay             Op = "pay"
)

// protectedOps lists the scopes each protected operation requires. An op
// missing from the table runs without a mandate.
var protectedOps = map[Op][]mandate.Scope{
	OpLogin:        {mandate.ScopeAuthenticate},
	OpDiscover:     {mandate.ScopeReadListings},
	OpCheckPrereqs: {mandate.ScopeReadListings},
	OpRegister:     {mandate.ScopeRegister},
	OpPay:          {mandate.ScopePay},
}

// RequiredScopes returns the scopes op needs and whether it is protected.
func RequiredScopes(op Op) ([]mandate.Scope, bool) {
	s, ok := protectedOps[op]
	return s, ok
}

// needsRemoteSession reports whether op runs inside an authenticated
// provider session.
func needsRemoteSession(op Op) bool {
	switch op {
	case OpCheckPrereqs, OpRegister, OpPay:
		return true
	}
	return false
}

// LoginReply is the payload of a successful login.
type LoginReply struct {
	SessionToken string `json:"session_token"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
}

// ProgramList is the payload of discover_programs.
type ProgramList struct {
	Programs []discovery.Program `json:"programs"`
}

// ProviderMatch is one search_providers hit.
type ProviderMatch struct {
	Ref        string  `json:"ref"`
	Name       string  `json:"name"`
	City       string  `json:"city,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// ProviderList is the payload of search_providers.
type ProviderList struct {
	Providers []ProviderMatch `json:"providers"`
}

// PrereqReport is the payload of check_prerequisites. RequiredFields lists
// what the registration form asks for.
type PrereqReport struct {
	Missing        []string `json:"missing"`
	RequiredFields []string `json:"required_fields"`
}

// Registration is the payload of submit_registration.
type Registration struct {
	ConfirmationRef string `json:"confirmation_ref"`
	AmountCent      int    `json:"amount_cents,omitempty"`
}

// Payment is the payload of pay.
type Payment struct {
	ReceiptRef string `json:"receipt_ref"`
	AmountCent int    `json:"amount_cents"`
}

// hasSideEffects reports whether repeating op could repeat its effect. Such
// calls carry an idempotency key that stays the same across retries.
func hasSideEffects(op Op) bool {
	return op == OpRegister || op == OpPay
}
