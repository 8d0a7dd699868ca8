package engine

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"trusttokens/pkg/origin"
)

func setCommitment(t *testing.T, c *Coordinator, issuer string, batch int, keyIDs ...string) {
	t.Helper()
	c.SetCommitments(map[origin.Origin]KeyCommitment{
		origin.MustParse(issuer): testCommitment(t, batch, keyIDs...),
	})
}

func TestIssuanceEndToEnd(t *testing.T) {
	tr := &fakeTransport{handle: func(req *Request) (*Exchange, error) {
		if got := req.Header.Get("Sec-Trust-Token-Op"); got != "token-request" {
			t.Errorf("op header = %q, want token-request", got)
		}
		return jsonExchange(http.StatusOK, issuanceBody("k1", 3)), nil
	}}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 3, "k1")
	rc := secureCtx("https://site.example")
	ctx := context.Background()

	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, rc); err != nil {
		t.Fatalf("Issue() = %v, want nil", err)
	}
	has, err := c.HasToken(ctx, origin.MustParse("https://issuer.example"), rc)
	if err != nil || !has {
		t.Fatalf("HasToken() = %v, %v, want true", has, err)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://issuer.example")); got != 3 {
		t.Fatalf("store count = %d, want batch size 3", got)
	}
}

func TestIssuanceRequiresCommitments(t *testing.T) {
	tr := &fakeTransport{handle: func(*Request) (*Exchange, error) {
		t.Error("transport reached without commitments")
		return jsonExchange(http.StatusOK, issuanceBody("k1", 1)), nil
	}}
	c := newTestCoordinator(t, tr, Options{})
	rc := secureCtx("https://site.example")

	err := c.Issue(context.Background(), mustURL(t, "https://issuer.example/issue"), ModeCORS, rc)
	if CodeOf(err) != CodeNoCommitments {
		t.Fatalf("Issue() = %v, want %s", err, CodeNoCommitments)
	}
	if got := c.store.Count(context.Background(), origin.MustParse("https://issuer.example")); got != 0 {
		t.Fatalf("store count = %d, want 0", got)
	}
}

func TestIssuanceServerRejection(t *testing.T) {
	tr := &fakeTransport{handle: func(*Request) (*Exchange, error) {
		return jsonExchange(http.StatusBadRequest, map[string]string{"error": "nope"}), nil
	}}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 3, "k1")

	err := c.Issue(context.Background(), mustURL(t, "https://issuer.example/issue"), ModeCORS, secureCtx("https://site.example"))
	if CodeOf(err) != CodeServerRejected {
		t.Fatalf("Issue() = %v, want %s", err, CodeServerRejected)
	}
}

func TestIssuanceWithAbsentKeyFails(t *testing.T) {
	tr := &fakeTransport{handle: func(*Request) (*Exchange, error) {
		return jsonExchange(http.StatusOK, issuanceBody("not-a-committed-key", 2)), nil
	}}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 3, "k1")

	err := c.Issue(context.Background(), mustURL(t, "https://issuer.example/issue"), ModeCORS, secureCtx("https://site.example"))
	if CodeOf(err) != CodeCommitmentMismatch {
		t.Fatalf("Issue() = %v, want %s", err, CodeCommitmentMismatch)
	}
}

func TestIssuanceTruncatesToBatchSize(t *testing.T) {
	tr := &fakeTransport{handle: func(*Request) (*Exchange, error) {
		return jsonExchange(http.StatusOK, issuanceBody("k1", 9)), nil
	}}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 4, "k1")
	ctx := context.Background()

	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, secureCtx("https://site.example")); err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://issuer.example")); got != 4 {
		t.Fatalf("store count = %d, want truncation to 4", got)
	}
}

func TestIssuanceRespectsIssuerCap(t *testing.T) {
	tr := &fakeTransport{handle: func(*Request) (*Exchange, error) {
		return jsonExchange(http.StatusOK, issuanceBody("k1", 1)), nil
	}}
	c := newTestCoordinator(t, tr, Options{IssuerCap: 2})
	rc := secureCtx("https://site.example")
	ctx := context.Background()

	// Availability checks consume associated-issuer budget too.
	for _, iss := range []string{"https://a.example", "https://b.example"} {
		if _, err := c.HasToken(ctx, origin.MustParse(iss), rc); err != nil {
			t.Fatalf("HasToken(%s) = %v", iss, err)
		}
	}

	setCommitment(t, c, "https://issuer.example", 1, "k1")
	err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, rc)
	if CodeOf(err) != CodeIssuerCapExceeded {
		t.Fatalf("Issue() = %v, want %s", err, CodeIssuerCapExceeded)
	}

	// Tearing the context down frees the budget.
	c.ClearTopLevel(rc.TopLevel)
	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, rc); err != nil {
		t.Fatalf("Issue() after teardown = %v", err)
	}
}

func issuerRouter(t *testing.T, routes map[string]func(req *Request) (*Exchange, error)) func(req *Request) (*Exchange, error) {
	return func(req *Request) (*Exchange, error) {
		h, ok := routes[req.URL.Host]
		if !ok {
			t.Errorf("unexpected request to %s", req.URL)
			return jsonExchange(http.StatusNotFound, nil), nil
		}
		return h(req)
	}
}

func TestCorsRedirectIssuanceUsesNewOrigin(t *testing.T) {
	tr := &fakeTransport{}
	tr.handle = issuerRouter(t, map[string]func(*Request) (*Exchange, error){
		"a.example": func(*Request) (*Exchange, error) {
			return redirectExchange(t, "https://b.example/issue", false), nil
		},
		"b.example": func(*Request) (*Exchange, error) {
			return jsonExchange(http.StatusOK, issuanceBody("kb", 2)), nil
		},
	})
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://a.example", 2, "ka")
	setCommitment(t, c, "https://b.example", 2, "kb")
	ctx := context.Background()

	if err := c.Issue(ctx, mustURL(t, "https://a.example/issue"), ModeCORS, secureCtx("https://site.example")); err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://b.example")); got != 2 {
		t.Fatalf("tokens under b.example = %d, want 2", got)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://a.example")); got != 0 {
		t.Fatalf("tokens under a.example = %d, want 0", got)
	}
}

func TestNoCorsRedirectIssuanceKeepsOriginalOrigin(t *testing.T) {
	tr := &fakeTransport{}
	tr.handle = issuerRouter(t, map[string]func(*Request) (*Exchange, error){
		"a.example": func(*Request) (*Exchange, error) {
			return redirectExchange(t, "https://b.example/issue", false), nil
		},
		"b.example": func(*Request) (*Exchange, error) {
			return jsonExchange(http.StatusOK, issuanceBody("ka", 2)), nil
		},
	})
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://a.example", 2, "ka")
	ctx := context.Background()

	if err := c.Issue(ctx, mustURL(t, "https://a.example/issue"), ModeNoCORS, secureCtx("https://site.example")); err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://a.example")); got != 2 {
		t.Fatalf("tokens under a.example = %d, want 2", got)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://b.example")); got != 0 {
		t.Fatalf("tokens under b.example = %d, want 0", got)
	}
}

func TestRedirectHopBudget(t *testing.T) {
	tr := &fakeTransport{handle: func(req *Request) (*Exchange, error) {
		// Same-origin loop: never re-enters, only consumes hops.
		return redirectExchange(t, "https://a.example/again", true), nil
	}}
	c := newTestCoordinator(t, tr, Options{MaxRedirects: 3})
	setCommitment(t, c, "https://a.example", 2, "ka")

	err := c.Issue(context.Background(), mustURL(t, "https://a.example/issue"), ModeCORS, secureCtx("https://site.example"))
	if CodeOf(err) != CodeTooManyRedirects {
		t.Fatalf("Issue() = %v, want %s", err, CodeTooManyRedirects)
	}
}

func issuerHandler(t *testing.T, keyID string) func(req *Request) (*Exchange, error) {
	return func(req *Request) (*Exchange, error) {
		switch {
		case strings.HasSuffix(req.URL.Path, "/issue"):
			return jsonExchange(http.StatusOK, issuanceBody(keyID, 5)), nil
		case strings.HasSuffix(req.URL.Path, "/redeem"):
			return jsonExchange(http.StatusOK, redemptionBody(keyID)), nil
		default:
			return jsonExchange(http.StatusOK, map[string]string{"status": "ok"}), nil
		}
	}
}

func TestRedemptionEndToEnd(t *testing.T) {
	tr := &fakeTransport{handle: issuerHandler(t, "k1")}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 5, "k1")
	rc := secureCtx("https://site.example")
	ctx := context.Background()
	issuer := origin.MustParse("https://issuer.example")

	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, rc); err != nil {
		t.Fatalf("Issue() = %v", err)
	}

	rec, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, rc)
	if err != nil {
		t.Fatalf("Redeem() = %v", err)
	}
	if rec.Issuer != issuer.String() || rec.TopLevel != rc.TopLevel.String() {
		t.Fatalf("record = %+v", rec)
	}
	if got := c.store.Count(ctx, issuer); got != 4 {
		t.Fatalf("store count after redemption = %d, want 4", got)
	}

	// Second redemption hits the record cache.
	_, err = c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, rc)
	if CodeOf(err) != CodeAlreadyRedeemed {
		t.Fatalf("second Redeem() = %v, want %s", err, CodeAlreadyRedeemed)
	}
}

func TestRedemptionRequiresTokens(t *testing.T) {
	tr := &fakeTransport{handle: func(*Request) (*Exchange, error) {
		t.Error("transport reached with empty token pool")
		return jsonExchange(http.StatusOK, nil), nil
	}}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 5, "k1")

	_, err := c.Redeem(context.Background(), mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, secureCtx("https://site.example"))
	if CodeOf(err) != CodeNoTokensAvailable {
		t.Fatalf("Redeem() = %v, want %s", err, CodeNoTokensAvailable)
	}
}

func TestRefreshPolicyRequiresIssuerContext(t *testing.T) {
	tr := &fakeTransport{handle: issuerHandler(t, "k1")}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 5, "k1")
	ctx := context.Background()

	// Non-issuer context: refresh is denied once a record exists.
	rc := secureCtx("https://site.example")
	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, rc); err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	if _, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, rc); err != nil {
		t.Fatalf("Redeem() = %v", err)
	}
	_, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshAllowed, rc)
	if CodeOf(err) != CodeRefreshNotPermitted {
		t.Fatalf("Redeem(refresh, non-issuer) = %v, want %s", err, CodeRefreshNotPermitted)
	}

	// Issuer's own context: refresh overwrites.
	issuerCtx := secureCtx("https://issuer.example")
	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, issuerCtx); err != nil {
		t.Fatalf("Issue(issuer ctx) = %v", err)
	}
	if _, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, issuerCtx); err != nil {
		t.Fatalf("Redeem(issuer ctx) = %v", err)
	}
	if _, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshAllowed, issuerCtx); err != nil {
		t.Fatalf("Redeem(refresh, issuer ctx) = %v, want nil", err)
	}
}

func TestCorsRedirectRedemptionUsesNewOrigin(t *testing.T) {
	tr := &fakeTransport{}
	tr.handle = func(req *Request) (*Exchange, error) {
		if req.URL.Host == "a.example" && strings.HasSuffix(req.URL.Path, "/redeem") {
			return redirectExchange(t, "https://b.example/redeem", false), nil
		}
		switch req.URL.Host {
		case "a.example":
			return issuerHandler(t, "ka")(req)
		case "b.example":
			return issuerHandler(t, "kb")(req)
		}
		t.Errorf("unexpected request to %s", req.URL)
		return jsonExchange(http.StatusNotFound, nil), nil
	}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://a.example", 5, "ka")
	setCommitment(t, c, "https://b.example", 5, "kb")
	rc := secureCtx("https://site.example")
	ctx := context.Background()

	for _, endpoint := range []string{"https://a.example/issue", "https://b.example/issue"} {
		if err := c.Issue(ctx, mustURL(t, endpoint), ModeCORS, rc); err != nil {
			t.Fatalf("Issue(%s) = %v", endpoint, err)
		}
	}

	rec, err := c.Redeem(ctx, mustURL(t, "https://a.example/redeem"), ModeCORS, RefreshNone, rc)
	if err != nil {
		t.Fatalf("Redeem() = %v", err)
	}
	if rec.Issuer != "https://b.example" {
		t.Fatalf("record issuer = %s, want https://b.example", rec.Issuer)
	}
	// Both pools lost a token: a.example's spend is not rolled back.
	if got := c.store.Count(ctx, origin.MustParse("https://a.example")); got != 4 {
		t.Fatalf("a.example pool = %d, want 4", got)
	}
	if got := c.store.Count(ctx, origin.MustParse("https://b.example")); got != 4 {
		t.Fatalf("b.example pool = %d, want 4", got)
	}
	// The record lives under b.example, not a.example.
	if rec := c.cache.Lookup(ctx, origin.MustParse("https://a.example"), rc.TopLevel); rec != nil {
		t.Fatalf("a.example has a record: %+v", rec)
	}
	if rec := c.cache.Lookup(ctx, origin.MustParse("https://b.example"), rc.TopLevel); rec == nil {
		t.Fatal("b.example has no record")
	}
}

func TestNoCorsRedirectRedemptionKeepsOriginalOrigin(t *testing.T) {
	tr := &fakeTransport{}
	tr.handle = func(req *Request) (*Exchange, error) {
		if req.URL.Host == "a.example" && strings.HasSuffix(req.URL.Path, "/redeem") {
			return redirectExchange(t, "https://b.example/redeem", false), nil
		}
		if req.URL.Host == "b.example" {
			// The recycled redemption request lands here but the state
			// stays attributed to a.example.
			return jsonExchange(http.StatusOK, redemptionBody("ka")), nil
		}
		return issuerHandler(t, "ka")(req)
	}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://a.example", 5, "ka")
	rc := secureCtx("https://site.example")
	ctx := context.Background()

	if err := c.Issue(ctx, mustURL(t, "https://a.example/issue"), ModeCORS, rc); err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	rec, err := c.Redeem(ctx, mustURL(t, "https://a.example/redeem"), ModeNoCORS, RefreshNone, rc)
	if err != nil {
		t.Fatalf("Redeem() = %v", err)
	}
	if rec.Issuer != "https://a.example" {
		t.Fatalf("record issuer = %s, want https://a.example", rec.Issuer)
	}
	if rec := c.cache.Lookup(ctx, origin.MustParse("https://b.example"), rc.TopLevel); rec != nil {
		t.Fatalf("b.example has a record: %+v", rec)
	}
}

func TestSigningAttachesCachedRecords(t *testing.T) {
	tr := &fakeTransport{handle: issuerHandler(t, "k1")}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 5, "k1")
	rc := secureCtx("https://site.example")
	ctx := context.Background()
	issuer := origin.MustParse("https://issuer.example")

	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, rc); err != nil {
		t.Fatalf("Issue() = %v", err)
	}
	if _, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, rc); err != nil {
		t.Fatalf("Redeem() = %v", err)
	}

	res, err := c.Sign(ctx, mustURL(t, "https://site.example/sign"), []origin.Origin{issuer}, ModeCORS, "hello signer", rc)
	if err != nil {
		t.Fatalf("Sign() = %v", err)
	}
	if len(res.SignedIssuers) != 1 || res.SignedIssuers[0] != issuer {
		t.Fatalf("SignedIssuers = %v, want [%s]", res.SignedIssuers, issuer)
	}

	last := tr.requests[len(tr.requests)-1]
	if got := last.Header.Get("Sec-Redemption-Record"); !strings.Contains(got, "https://issuer.example") {
		t.Fatalf("record header = %q, want issuer reference", got)
	}
	if got := last.Header.Get("Sec-Additional-Signing-Data"); got != "hello signer" {
		t.Fatalf("signing data header = %q", got)
	}
}

func TestSigningWithoutRecordDegradesToUnsigned(t *testing.T) {
	tr := &fakeTransport{handle: issuerHandler(t, "k1")}
	c := newTestCoordinator(t, tr, Options{})
	rc := secureCtx("https://site.example")
	issuer := origin.MustParse("https://never-redeemed.example")

	res, err := c.Sign(context.Background(), mustURL(t, "https://site.example/sign"), []origin.Origin{issuer}, ModeCORS, "", rc)
	if err != nil {
		t.Fatalf("Sign() = %v, want nil (missing record is non-fatal)", err)
	}
	if len(res.SignedIssuers) != 0 {
		t.Fatalf("SignedIssuers = %v, want empty", res.SignedIssuers)
	}
	last := tr.requests[len(tr.requests)-1]
	if got := last.Header.Get("Sec-Redemption-Record"); got != "" {
		t.Fatalf("record header = %q, want empty", got)
	}
}

func TestSigningStrictModeFailsOnMiss(t *testing.T) {
	tr := &fakeTransport{handle: issuerHandler(t, "k1")}
	c := newTestCoordinator(t, tr, Options{StrictSigning: true})
	rc := secureCtx("https://site.example")
	issuer := origin.MustParse("https://never-redeemed.example")

	_, err := c.Sign(context.Background(), mustURL(t, "https://site.example/sign"), []origin.Origin{issuer}, ModeCORS, "", rc)
	if CodeOf(err) != CodeNoRecordForIssuer {
		t.Fatalf("Sign() = %v, want %s", err, CodeNoRecordForIssuer)
	}
}

func TestSigningDataValidation(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantCode Code
	}{
		{name: "plain data", data: "some additional data to sign"},
		{name: "empty data", data: ""},
		{name: "carriage return", data: "bad\rdata", wantCode: CodeInvalidSigningData},
		{name: "newline", data: "bad\ndata", wantCode: CodeInvalidSigningData},
		{name: "overlong", data: strings.Repeat("x", 5000), wantCode: CodeInvalidSigningData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{handle: issuerHandler(t, "k1")}
			c := newTestCoordinator(t, tr, Options{MaxSigningDataBytes: 2048})
			rc := secureCtx("https://site.example")

			_, err := c.Sign(context.Background(), mustURL(t, "https://site.example/sign"), nil, ModeCORS, tt.data, rc)
			if CodeOf(err) != tt.wantCode {
				t.Fatalf("Sign() = %v, want code %q", err, tt.wantCode)
			}
			if tt.wantCode != "" && len(tr.requests) != 0 {
				t.Fatalf("invalid signing data reached transport: %v", tr.sentTo())
			}
		})
	}
}

func TestOperationsRequireSecureContext(t *testing.T) {
	tr := &fakeTransport{handle: issuerHandler(t, "k1")}
	c := newTestCoordinator(t, tr, Options{})
	setCommitment(t, c, "https://issuer.example", 5, "k1")
	insecure := RequestContext{TopLevel: origin.MustParse("https://site.example"), SecureContext: false}
	ctx := context.Background()
	issuer := origin.MustParse("https://issuer.example")

	if err := c.Issue(ctx, mustURL(t, "https://issuer.example/issue"), ModeCORS, insecure); CodeOf(err) != CodeInsecureContext {
		t.Fatalf("Issue() = %v, want %s", err, CodeInsecureContext)
	}
	if _, err := c.Redeem(ctx, mustURL(t, "https://issuer.example/redeem"), ModeCORS, RefreshNone, insecure); CodeOf(err) != CodeInsecureContext {
		t.Fatalf("Redeem() = %v, want %s", err, CodeInsecureContext)
	}
	if _, err := c.Sign(ctx, mustURL(t, "https://site.example/sign"), []origin.Origin{issuer}, ModeCORS, "", insecure); CodeOf(err) != CodeInsecureContext {
		t.Fatalf("Sign() = %v, want %s", err, CodeInsecureContext)
	}
	if _, err := c.HasToken(ctx, issuer, insecure); CodeOf(err) != CodeInsecureContext {
		t.Fatalf("HasToken() = %v, want %s", err, CodeInsecureContext)
	}
	if len(tr.requests) != 0 {
		t.Fatalf("denied operations reached transport: %v", tr.sentTo())
	}
}
