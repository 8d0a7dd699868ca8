package engine

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"

	"trusttokens/pkg/origin"
	"trusttokens/pkg/storage"
)

func testLogger() *zap.SugaredLogger { return zap.NewNop().Sugar() }

func testJWK(t *testing.T, id string) CommitmentKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key, err := jwk.FromRaw(priv.Public())
	if err != nil {
		t.Fatalf("jwk from raw: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, id); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	raw, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("marshal jwk: %v", err)
	}
	return CommitmentKey{ID: id, Key: raw}
}

func testCommitment(t *testing.T, batch int, keyIDs ...string) KeyCommitment {
	t.Helper()
	c := KeyCommitment{ProtocolVersion: "TrustTokenV3", BatchSize: batch}
	for _, id := range keyIDs {
		c.Keys = append(c.Keys, testJWK(t, id))
	}
	return c
}

type fakeTransport struct {
	mu       sync.Mutex
	handle   func(req *Request) (*Exchange, error)
	requests []*Request
}

func (f *fakeTransport) Send(_ context.Context, req *Request) (*Exchange, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handle(req)
}

func (f *fakeTransport) sentTo() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var urls []string
	for _, r := range f.requests {
		urls = append(urls, r.URL.String())
	}
	return urls
}

func jsonExchange(status int, v any) *Exchange {
	b, _ := json.Marshal(v)
	return &Exchange{Response: &Response{Status: status, Header: http.Header{}, Body: b}}
}

func redirectExchange(t *testing.T, target string, sameOrigin bool) *Exchange {
	t.Helper()
	u, err := url.Parse(target)
	if err != nil {
		t.Fatalf("parse %q: %v", target, err)
	}
	return &Exchange{Redirect: &Redirect{Target: u, SameOrigin: sameOrigin}}
}

func issuanceBody(keyID string, n int) map[string]any {
	toks := make([]map[string]any, n)
	for i := range toks {
		toks[i] = map[string]any{"key_id": keyID, "body": []byte(fmt.Sprintf("token-%d", i))}
	}
	return map[string]any{"tokens": toks}
}

func redemptionBody(keyID string) map[string]any {
	return map[string]any{"record": []byte("signed-record"), "key_id": keyID}
}

func newTestCoordinator(t *testing.T, tr Transport, opts Options) *Coordinator {
	t.Helper()
	return New(testLogger(), storage.NewMemory(), tr, opts)
}

func secureCtx(topLevel string) RequestContext {
	top := origin.MustParse(topLevel)
	return RequestContext{TopLevel: top, Initiator: top, SecureContext: true}
}

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return u
}
