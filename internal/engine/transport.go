package engine

import (
	"context"
	"net/http"
	"net/url"
)

// Request is one outbound protocol exchange.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

func (r *Request) clone(target *url.URL) *Request {
	h := make(http.Header, len(r.Header))
	for k, v := range r.Header {
		h[k] = append([]string(nil), v...)
	}
	return &Request{Method: r.Method, URL: target, Header: h, Body: r.Body}
}

// Response is a final (non-redirect) server response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Redirect is one redirect hop, surfaced before it is followed so the
// redirect resolution policy can be consulted.
type Redirect struct {
	Target     *url.URL
	SameOrigin bool
}

// Exchange is the outcome of one transport send: exactly one of Response
// or Redirect is set.
type Exchange struct {
	Response *Response
	Redirect *Redirect
}

// Transport performs the actual request/response exchange. Transport-level
// failures (DNS, TLS, timeouts) are returned as plain errors and are
// outside the protocol failure taxonomy.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Exchange, error)
}
