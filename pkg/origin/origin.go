// Package origin models the scheme/host/port identity used to key all
// trust token state. Comparison is exact: no wildcarding, no registrable
// domain collapsing.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Origin is an immutable scheme/host/port triple. The zero value is the
// opaque origin (e.g. a sandboxed subframe's initiator).
type Origin struct {
	Scheme string
	Host   string
	Port   int
}

// Opaque returns the opaque origin.
func Opaque() Origin { return Origin{} }

// IsOpaque reports whether o is the opaque origin.
func (o Origin) IsOpaque() bool { return o.Scheme == "" }

func defaultPort(scheme string) int {
	switch scheme {
	case "http", "ws":
		return 80
	case "https", "wss":
		return 443
	}
	return 0
}

// Parse derives an origin from a serialized origin or any absolute URL.
func Parse(s string) (Origin, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Origin{}, fmt.Errorf("origin: parse %q: %w", s, err)
	}
	return FromURL(u)
}

// MustParse is Parse for statically known inputs; it panics on error.
func MustParse(s string) Origin {
	o, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return o
}

// FromURL derives the origin of an absolute URL.
func FromURL(u *url.URL) (Origin, error) {
	if u.Scheme == "" {
		return Origin{}, fmt.Errorf("origin: URL %q has no scheme", u)
	}
	o := Origin{Scheme: strings.ToLower(u.Scheme), Host: strings.ToLower(u.Hostname())}
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &o.Port); err != nil {
			return Origin{}, fmt.Errorf("origin: bad port in %q", u)
		}
	} else {
		o.Port = defaultPort(o.Scheme)
	}
	return o, nil
}

// String serializes the origin, omitting the scheme's default port.
func (o Origin) String() string {
	if o.IsOpaque() {
		return "null"
	}
	if o.Port == 0 || o.Port == defaultPort(o.Scheme) {
		return o.Scheme + "://" + o.Host
	}
	return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port)
}

// SameOrigin reports exact scheme/host/port equality. Two opaque origins
// are never same-origin with each other.
func (o Origin) SameOrigin(other Origin) bool {
	if o.IsOpaque() || other.IsOpaque() {
		return false
	}
	return o == other
}

// IsHTTPFamily reports whether the origin is an HTTP/HTTPS-class network
// origin, i.e. one a top-level browsing context may hold when executing
// protocol operations. file://, blob:, and opaque origins are not.
func (o Origin) IsHTTPFamily() bool {
	return o.Scheme == "http" || o.Scheme == "https"
}

// IsPotentiallyTrustworthy reports whether transport to the origin is
// confidential: https/wss always, plus loopback hosts for development.
func (o Origin) IsPotentiallyTrustworthy() bool {
	if o.IsOpaque() {
		return false
	}
	if o.Scheme == "https" || o.Scheme == "wss" {
		return true
	}
	if o.Host == "localhost" || strings.HasSuffix(o.Host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(o.Host); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}
