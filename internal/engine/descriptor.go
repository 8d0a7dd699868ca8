package engine

import (
	"fmt"

	"trusttokens/pkg/origin"
)

// Kind is the operation type. The three mutating operations plus the
// read-only availability check share gate and error plumbing but have
// divergent bodies, so dispatch is by tagged value, not hierarchy.
type Kind int

const (
	KindIssuance Kind = iota
	KindRedemption
	KindSigning
	KindAvailability
)

func (k Kind) String() string {
	switch k {
	case KindIssuance:
		return "issuance"
	case KindRedemption:
		return "redemption"
	case KindSigning:
		return "signing"
	case KindAvailability:
		return "availability"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Mode mirrors the request mode of the originating fetch. It governs
// redirect re-resolution: cors exposes the final response to the caller,
// no-cors keeps the response opaque and the issuer identity fixed.
type Mode int

const (
	ModeCORS Mode = iota
	ModeNoCORS
)

func (m Mode) String() string {
	if m == ModeNoCORS {
		return "no-cors"
	}
	return "cors"
}

// ParseMode accepts the serialized request mode; empty defaults to cors.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "cors":
		return ModeCORS, nil
	case "no-cors":
		return ModeNoCORS, nil
	}
	return ModeCORS, fmt.Errorf("unknown request mode %q", s)
}

// RefreshPolicy is the redemption option letting an issuer overwrite its
// own cached record.
type RefreshPolicy int

const (
	RefreshNone RefreshPolicy = iota
	RefreshAllowed
)

func ParseRefreshPolicy(s string) (RefreshPolicy, error) {
	switch s {
	case "", "none":
		return RefreshNone, nil
	case "refresh":
		return RefreshAllowed, nil
	}
	return RefreshNone, fmt.Errorf("unknown refresh policy %q", s)
}

// RequestContext carries the security attributes of the requesting
// browsing context. Initiator may be the opaque origin (a sandboxed
// subframe); TopLevel is the top-level ancestor's origin.
type RequestContext struct {
	TopLevel      origin.Origin
	Initiator     origin.Origin
	SecureContext bool
}

// Descriptor is the full description of one requested operation.
type Descriptor struct {
	Kind        Kind
	Issuers     []origin.Origin
	Mode        Mode
	Refresh     RefreshPolicy
	SigningData string
	Context     RequestContext
}

// opState tracks an operation instance through its lifecycle.
type opState int

const (
	stateCreated opState = iota
	stateGateChecked
	stateIssuerResolved
	stateAwaitingTransport
	stateFinalizing
	stateSucceeded
	stateFailed
)

func (s opState) String() string {
	switch s {
	case stateCreated:
		return "Created"
	case stateGateChecked:
		return "GateChecked"
	case stateIssuerResolved:
		return "IssuerResolved"
	case stateAwaitingTransport:
		return "AwaitingTransport"
	case stateFinalizing:
		return "Finalizing"
	case stateSucceeded:
		return "Succeeded"
	case stateFailed:
		return "Failed"
	}
	return "?"
}
