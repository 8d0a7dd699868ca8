// Package engine implements the client-side trust token protocol state
// machine: per-issuer token pools, the signed record cache, the
// associated-issuer cap, redirect resolution, and the context eligibility
// gate, orchestrated by the Coordinator.
package engine

import (
	"context"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trusttokens/pkg/origin"
	"trusttokens/pkg/storage"
)

// Options tune protocol policy constants. Zero values select defaults.
type Options struct {
	IssuerCap           int // associated issuers per top-level origin
	MaxRedirects        int // redirect hop budget per operation
	MaxSigningDataBytes int // additional signing data size limit
	StrictSigning       bool
}

func (o Options) withDefaults() Options {
	if o.IssuerCap <= 0 {
		o.IssuerCap = 2
	}
	if o.MaxRedirects <= 0 {
		o.MaxRedirects = 20
	}
	if o.MaxSigningDataBytes <= 0 {
		o.MaxSigningDataBytes = 2048
	}
	return o
}

// Coordinator sequences the three operation kinds plus availability
// checks: gate check, tracker, registry/store/cache access, transport and
// redirect handling. It is the only externally visible entry point.
type Coordinator struct {
	log       *zap.SugaredLogger
	registry  *Registry
	store     *TokenStore
	cache     *RecordCache
	tracker   *Tracker
	transport Transport
	locks     *keyedMutex
	opts      Options
}

func New(log *zap.SugaredLogger, persist storage.Store, tr Transport, opts Options) *Coordinator {
	opts = opts.withDefaults()
	registry := NewRegistry()
	return &Coordinator{
		log:       log,
		registry:  registry,
		store:     NewTokenStore(log, persist, registry),
		cache:     NewRecordCache(log, persist),
		tracker:   NewTracker(opts.IssuerCap),
		transport: tr,
		locks:     newKeyedMutex(),
		opts:      opts,
	}
}

// SetCommitments replaces key commitments for the supplied issuers.
func (c *Coordinator) SetCommitments(commitments map[origin.Origin]KeyCommitment) {
	c.registry.Set(commitments)
	for iss := range commitments {
		c.log.Infow("key commitments updated", "issuer", iss.String())
	}
}

// ClearTopLevel drops per-top-level state when that context is torn down.
func (c *Coordinator) ClearTopLevel(topLevel origin.Origin) {
	c.tracker.Reset(topLevel)
}

func (c *Coordinator) transition(opID, op string, s opState) {
	c.log.Debugw("operation state", "op_id", opID, "operation", op, "state", s.String())
}

func (c *Coordinator) finish(op, opID string, start time.Time, err error) {
	observeOperation(op, start, err)
	if err != nil {
		c.transition(opID, op, stateFailed)
		c.log.Warnw("operation failed", "op_id", opID, "operation", op, "err", err)
		return
	}
	c.transition(opID, op, stateSucceeded)
	c.log.Infow("operation succeeded", "op_id", opID, "operation", op, "took", time.Since(start))
}

// exchange drives one request to a final response, consulting the
// redirect resolution policy per hop. A cors-mode cross-origin hop stops
// the exchange and returns the re-entry target instead of a response.
func (c *Coordinator) exchange(ctx context.Context, op string, issuer origin.Origin, mode Mode, req *Request, hops *int) (*Response, *url.URL, error) {
	for {
		exch, err := c.transport.Send(ctx, req)
		if err != nil {
			return nil, nil, err
		}
		if exch.Response != nil {
			return exch.Response, nil, nil
		}
		*hops--
		if *hops < 0 {
			return nil, nil, opErr(CodeTooManyRedirects, op, issuer.String(), "redirect budget exhausted")
		}
		target, err := origin.FromURL(exch.Redirect.Target)
		if err != nil {
			return nil, nil, err
		}
		res := ResolveRedirect(issuer, target, exch.Redirect.SameOrigin, mode)
		if res.Reenter {
			return nil, exch.Redirect.Target, nil
		}
		// Transparent hop: same protocol state, new location.
		req = req.clone(exch.Redirect.Target)
	}
}

// Issue requests a batch of tokens from the issuer owning endpoint.
func (c *Coordinator) Issue(ctx context.Context, endpoint *url.URL, mode Mode, rc RequestContext) error {
	opID := uuid.NewString()
	start := time.Now()
	hops := c.opts.MaxRedirects
	err := c.issueAt(ctx, opID, endpoint, mode, rc, &hops)
	c.finish("issuance", opID, start, err)
	return err
}

func (c *Coordinator) issueAt(ctx context.Context, opID string, endpoint *url.URL, mode Mode, rc RequestContext, hops *int) error {
	issuer, err := origin.FromURL(endpoint)
	if err != nil {
		return err
	}
	c.transition(opID, "issuance", stateCreated)
	d := Descriptor{Kind: KindIssuance, Issuers: []origin.Origin{issuer}, Mode: mode, Context: rc}
	if err := CheckEligibility(d); err != nil {
		return err
	}
	c.transition(opID, "issuance", stateGateChecked)
	if err := c.tracker.RecordInteraction(rc.TopLevel, issuer); err != nil {
		return err
	}
	commitment, version, ok := c.registry.Lookup(issuer)
	if !ok {
		return opErr(CodeNoCommitments, "issuance", issuer.String(), "no key commitments registered")
	}
	c.transition(opID, "issuance", stateIssuerResolved)

	req := issuanceRequest(endpoint, commitment)
	c.transition(opID, "issuance", stateAwaitingTransport)
	resp, reenter, err := c.exchange(ctx, "issuance", issuer, mode, req, hops)
	if err != nil {
		return err
	}
	if reenter != nil {
		c.log.Infow("issuance re-targeted by redirect", "op_id", opID, "from", issuer.String(), "to", reenter.String())
		return c.issueAt(ctx, opID, reenter, mode, rc, hops)
	}

	c.transition(opID, "issuance", stateFinalizing)
	tokens, err := parseIssuanceResponse(resp, issuer.String())
	if err != nil {
		return err
	}
	// The commitment may have been replaced while the request was in
	// flight; validation below always runs against the current record.
	current, nowVersion, ok := c.registry.Lookup(issuer)
	if !ok {
		return opErr(CodeCommitmentMismatch, "issuance", issuer.String(), "commitments removed mid-operation")
	}
	if nowVersion != version {
		c.log.Warnw("commitment replaced mid-operation, revalidating", "op_id", opID, "issuer", issuer.String())
	}
	if len(tokens) > current.BatchSize {
		tokens = tokens[:current.BatchSize]
	}
	return c.store.AppendBatch(ctx, issuer, tokens)
}

// Redeem spends one token against the issuer owning endpoint and caches
// the resulting signed record for (issuer, top-level).
func (c *Coordinator) Redeem(ctx context.Context, endpoint *url.URL, mode Mode, refresh RefreshPolicy, rc RequestContext) (*SignedRecord, error) {
	opID := uuid.NewString()
	start := time.Now()
	hops := c.opts.MaxRedirects
	rec, err := c.redeemAt(ctx, opID, endpoint, mode, refresh, rc, &hops)
	c.finish("redemption", opID, start, err)
	return rec, err
}

func (c *Coordinator) redeemAt(ctx context.Context, opID string, endpoint *url.URL, mode Mode, refresh RefreshPolicy, rc RequestContext, hops *int) (*SignedRecord, error) {
	issuer, err := origin.FromURL(endpoint)
	if err != nil {
		return nil, err
	}
	c.transition(opID, "redemption", stateCreated)
	d := Descriptor{Kind: KindRedemption, Issuers: []origin.Origin{issuer}, Mode: mode, Refresh: refresh, Context: rc}
	if err := CheckEligibility(d); err != nil {
		return nil, err
	}
	c.transition(opID, "redemption", stateGateChecked)

	// The spend and the eventual cache write must form one linearizable
	// sequence per issuer; the issuer's lock is held across the round
	// trip so a concurrent redemption cannot interleave.
	unlock, err := c.locks.Lock(ctx, issuer.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	tok, ok := c.store.SpendOne(ctx, issuer)
	if !ok {
		return nil, opErr(CodeNoTokensAvailable, "redemption", issuer.String(), "token pool is empty")
	}
	c.transition(opID, "redemption", stateIssuerResolved)

	req := redemptionRequest(endpoint, tok, rc.TopLevel.String())
	c.transition(opID, "redemption", stateAwaitingTransport)
	resp, reenter, err := c.exchange(ctx, "redemption", issuer, mode, req, hops)
	if err != nil {
		return nil, err
	}
	if reenter != nil {
		// This issuer's state is final (the token stays spent); release
		// before the fresh pipeline runs, since the redirect chain may
		// revisit the same issuer.
		unlock()
		c.log.Infow("redemption re-targeted by redirect", "op_id", opID, "from", issuer.String(), "to", reenter.String())
		return c.redeemAt(ctx, opID, reenter, mode, refresh, rc, hops)
	}

	c.transition(opID, "redemption", stateFinalizing)
	rr, err := parseRedemptionResponse(resp, issuer.String())
	if err != nil {
		return nil, err
	}
	rec := SignedRecord{
		Issuer:     issuer.String(),
		TopLevel:   rc.TopLevel.String(),
		Body:       rr.Record,
		KeyID:      rr.KeyID,
		RedeemedAt: time.Now(),
	}
	requesterIsIssuer := rc.TopLevel.SameOrigin(issuer)
	if err := c.cache.TryStore(ctx, issuer, rc.TopLevel, rec, refresh, requesterIsIssuer); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SignResult reports which issuers' records were attached. The operation
// succeeds once the exchange completes, even with nothing attached.
type SignResult struct {
	SignedIssuers []origin.Origin
	Status        int
}

// Sign attaches cached redemption records for the listed issuers to a
// request against endpoint. Issuers without a cached record are skipped,
// degrading to an unsigned request, unless strict signing is configured.
func (c *Coordinator) Sign(ctx context.Context, endpoint *url.URL, issuers []origin.Origin, mode Mode, signingData string, rc RequestContext) (*SignResult, error) {
	opID := uuid.NewString()
	start := time.Now()
	hops := c.opts.MaxRedirects
	res, err := c.signAt(ctx, opID, endpoint, issuers, mode, signingData, rc, &hops)
	c.finish("signing", opID, start, err)
	return res, err
}

func (c *Coordinator) signAt(ctx context.Context, opID string, endpoint *url.URL, issuers []origin.Origin, mode Mode, signingData string, rc RequestContext, hops *int) (*SignResult, error) {
	destination, err := origin.FromURL(endpoint)
	if err != nil {
		return nil, err
	}
	c.transition(opID, "signing", stateCreated)
	d := Descriptor{Kind: KindSigning, Issuers: issuers, Mode: mode, SigningData: signingData, Context: rc}
	if err := CheckEligibility(d); err != nil {
		return nil, err
	}
	c.transition(opID, "signing", stateGateChecked)
	if !validSigningData(signingData, c.opts.MaxSigningDataBytes) {
		return nil, opErr(CodeInvalidSigningData, "signing", "", "signing data exceeds %d bytes or contains control characters", c.opts.MaxSigningDataBytes)
	}

	var records []*SignedRecord
	var signed []origin.Origin
	for _, iss := range issuers {
		rec := c.cache.Lookup(ctx, iss, rc.TopLevel)
		if rec == nil {
			if c.opts.StrictSigning {
				return nil, opErr(CodeNoRecordForIssuer, "signing", iss.String(), "no cached record for top-level %s", rc.TopLevel)
			}
			c.log.Debugw("no cached record, sending unsigned", "op_id", opID, "issuer", iss.String())
			continue
		}
		records = append(records, rec)
		signed = append(signed, iss)
	}

	req := signingRequest(endpoint, records, signingData)
	c.transition(opID, "signing", stateAwaitingTransport)
	resp, reenter, err := c.exchange(ctx, "signing", destination, mode, req, hops)
	if err != nil {
		return nil, err
	}
	if reenter != nil {
		return c.signAt(ctx, opID, reenter, issuers, mode, signingData, rc, hops)
	}
	c.transition(opID, "signing", stateFinalizing)
	return &SignResult{SignedIssuers: signed, Status: resp.Status}, nil
}

// HasToken is the read-only availability check. It still runs the gate
// and still records an issuer interaction, so it consumes associated
// issuer budget exactly like issuance does.
func (c *Coordinator) HasToken(ctx context.Context, issuer origin.Origin, rc RequestContext) (bool, error) {
	opID := uuid.NewString()
	start := time.Now()
	has, err := c.hasToken(ctx, issuer, rc)
	c.finish("availability", opID, start, err)
	return has, err
}

func (c *Coordinator) hasToken(ctx context.Context, issuer origin.Origin, rc RequestContext) (bool, error) {
	d := Descriptor{Kind: KindAvailability, Issuers: []origin.Origin{issuer}, Context: rc}
	if err := CheckEligibility(d); err != nil {
		return false, err
	}
	if err := c.tracker.RecordInteraction(rc.TopLevel, issuer); err != nil {
		return false, err
	}
	return c.store.Count(ctx, issuer) > 0, nil
}
