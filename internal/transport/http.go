// Package transport implements the engine's transport collaborator over
// net/http. Redirects are not followed internally; each hop is surfaced
// to the caller so the redirect resolution policy can be consulted.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"trusttokens/internal/engine"
	"trusttokens/pkg/origin"
)

type HTTP struct {
	client *http.Client
}

// NewHTTP builds the production transport: otelhttp-instrumented,
// redirect-stopping. Timeouts live here, not in the engine.
func NewHTTP(timeout time.Duration) *HTTP {
	return &HTTP{client: &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Timeout: timeout,
	}}
}

func (t *HTTP) Send(ctx context.Context, req *engine.Request) (*engine.Exchange, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), body)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Header {
		hr.Header[k] = v
	}
	resp, err := t.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		loc, err := resp.Location()
		if err != nil {
			return nil, fmt.Errorf("transport: redirect %d without location: %w", resp.StatusCode, err)
		}
		from, err := origin.FromURL(req.URL)
		if err != nil {
			return nil, err
		}
		to, err := origin.FromURL(loc)
		if err != nil {
			return nil, err
		}
		return &engine.Exchange{Redirect: &engine.Redirect{Target: loc, SameOrigin: from.SameOrigin(to)}}, nil
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return &engine.Exchange{Response: &engine.Response{Status: resp.StatusCode, Header: resp.Header, Body: payload}}, nil
}
