package engine

import "trusttokens/pkg/origin"

// Resolution is the redirect policy's verdict for one hop.
type Resolution struct {
	// Issuer owns the operation after the hop.
	Issuer origin.Origin
	// Reenter means the operation must restart its validation pipeline
	// (gate, tracker, commitments, store) against Issuer as if it were a
	// fresh operation.
	Reenter bool
}

// ResolveRedirect maps (current issuer, redirect target, request mode) to
// the operation's updated target.
//
// Same-origin hops never change issuer identity. In cors mode a
// cross-origin hop re-targets the operation at the redirect target's
// origin, since the caller can observe the final endpoint anyway. In
// no-cors mode the response is opaque to the caller, so a third party
// must not be able to silently re-point the operation: the original
// issuer's already-granted trust is preserved and the hop is transparent.
func ResolveRedirect(current, target origin.Origin, sameOrigin bool, mode Mode) Resolution {
	if sameOrigin || current.SameOrigin(target) {
		return Resolution{Issuer: current}
	}
	if mode == ModeCORS {
		return Resolution{Issuer: target, Reenter: true}
	}
	return Resolution{Issuer: current}
}
