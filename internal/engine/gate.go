package engine

// CheckEligibility is the context eligibility gate: the first check every
// operation performs, stateless and side-effect free. Rules, in order:
//
//  1. The requesting context must be a secure context, for every kind
//     including availability checks.
//  2. The top-level origin must be an HTTP/HTTPS-class origin. This also
//     applies to availability checks: a file:// top level cannot query
//     token availability.
//  3. Opacity of the initiating frame's own origin is never, by itself, a
//     reason to reject.
func CheckEligibility(d Descriptor) error {
	op := d.Kind.String()
	issuer := ""
	if len(d.Issuers) > 0 {
		issuer = d.Issuers[0].String()
	}
	if !d.Context.SecureContext {
		return opErr(CodeInsecureContext, op, issuer, "requesting context is not secure")
	}
	if !d.Context.TopLevel.IsHTTPFamily() {
		return opErr(CodeUnsuitableTopLevel, op, issuer, "top-level origin %s is not an HTTP(S) origin", d.Context.TopLevel)
	}
	return nil
}
