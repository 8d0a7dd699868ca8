package engine

import (
	"errors"
	"fmt"
)

// Code classifies a protocol-level operation failure. Transport-level
// failures (DNS, TLS, connection errors) are reported by the transport
// collaborator as ordinary errors and are not part of this taxonomy.
type Code string

const (
	CodeInsecureContext         Code = "insecure-context"
	CodeUnsuitableTopLevel      Code = "unsuitable-top-level-origin"
	CodeIssuerCapExceeded       Code = "issuer-cap-exceeded"
	CodeNoCommitments           Code = "no-commitments"
	CodeCommitmentMismatch      Code = "commitment-mismatch"
	CodeNoTokensAvailable       Code = "no-tokens-available"
	CodeAlreadyRedeemed         Code = "already-redeemed"
	CodeRefreshNotPermitted     Code = "refresh-not-permitted"
	CodeInvalidSigningData      Code = "invalid-signing-data"
	CodeServerRejected          Code = "server-rejected"
	CodeTooManyRedirects        Code = "too-many-redirects"
	CodeNoRecordForIssuer       Code = "no-record-for-issuer"
)

// OpError is a typed operation failure. Every denial leaves prior state
// (stores, cache, tracker, commitments) valid; none are retried here.
type OpError struct {
	Code   Code
	Op     string // issuance | redemption | signing | availability
	Issuer string // serialized issuer origin, when known
	msg    string
}

func (e *OpError) Error() string {
	s := e.Op + ": " + string(e.Code)
	if e.Issuer != "" {
		s += " [" + e.Issuer + "]"
	}
	if e.msg != "" {
		s += ": " + e.msg
	}
	return s
}

func opErr(code Code, op, issuer, format string, args ...any) *OpError {
	return &OpError{Code: code, Op: op, Issuer: issuer, msg: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the failure code from err, or "" if err is not an
// operation failure.
func CodeOf(err error) Code {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}
