package engine

import (
	"context"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"trusttokens/pkg/origin"
	"trusttokens/pkg/storage"
)

// SignedRecord is the issuer-signed artifact a redemption produces. At
// most one live record exists per (issuer, top-level) pair; an overwrite
// destroys the previous record implicitly.
type SignedRecord struct {
	Issuer     string    `json:"issuer" cbor:"issuer"`
	TopLevel   string    `json:"top_level" cbor:"top_level"`
	Body       []byte    `json:"body" cbor:"body"`
	KeyID      string    `json:"key_id" cbor:"key_id"`
	RedeemedAt time.Time `json:"redeemed_at" cbor:"redeemed_at"`
}

type recordEntry struct {
	mu     sync.Mutex
	loaded bool
	rec    *SignedRecord
}

// RecordCache stores signed records keyed by (issuer, top-level). The
// cache is what prevents silent re-redemption: repeated redemption
// attempts must not produce fresh linkable signals, so an existing record
// is only replaceable by the issuer itself under the refresh policy.
type RecordCache struct {
	log     *zap.SugaredLogger
	persist storage.Store

	mu sync.Mutex
	m  map[string]*recordEntry
}

func NewRecordCache(log *zap.SugaredLogger, persist storage.Store) *RecordCache {
	return &RecordCache{log: log, persist: persist, m: map[string]*recordEntry{}}
}

func recordKey(issuer, topLevel origin.Origin) string {
	return "tt:srr:" + issuer.String() + "|" + topLevel.String()
}

func (c *RecordCache) entry(issuer, topLevel origin.Origin) *recordEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := recordKey(issuer, topLevel)
	e, ok := c.m[k]
	if !ok {
		e = &recordEntry{}
		c.m[k] = e
	}
	return e
}

func (c *RecordCache) ensureLoaded(ctx context.Context, issuer, topLevel origin.Origin, e *recordEntry) {
	if e.loaded {
		return
	}
	e.loaded = true
	raw, err := c.persist.Get(ctx, recordKey(issuer, topLevel))
	if err == storage.ErrNotFound {
		return
	}
	if err != nil {
		c.log.Warnw("record load failed, treating as absent", "issuer", issuer.String(), "err", err)
		return
	}
	var rec SignedRecord
	if err := cbor.Unmarshal(raw, &rec); err != nil {
		c.log.Warnw("record decode failed, treating as absent", "issuer", issuer.String(), "err", err)
		return
	}
	e.rec = &rec
}

// TryStore applies the cache's replacement rules:
//   - no existing record: store unconditionally;
//   - existing record, refresh policy none: AlreadyRedeemed, record kept;
//   - existing record, refresh requested: overwrite only when the
//     requesting context's origin is the issuer itself, else
//     RefreshNotPermitted.
func (c *RecordCache) TryStore(ctx context.Context, issuer, topLevel origin.Origin, rec SignedRecord, policy RefreshPolicy, requesterIsIssuer bool) error {
	e := c.entry(issuer, topLevel)
	e.mu.Lock()
	defer e.mu.Unlock()
	c.ensureLoaded(ctx, issuer, topLevel, e)
	if e.rec != nil {
		if policy != RefreshAllowed {
			return opErr(CodeAlreadyRedeemed, "redemption", issuer.String(), "record already cached for %s", topLevel)
		}
		if !requesterIsIssuer {
			return opErr(CodeRefreshNotPermitted, "redemption", issuer.String(), "refresh requires an issuer context")
		}
	}
	e.rec = &rec
	enc, err := cbor.Marshal(rec)
	if err != nil {
		c.log.Warnw("record encode failed", "issuer", issuer.String(), "err", err)
		return nil
	}
	if err := c.persist.Set(ctx, recordKey(issuer, topLevel), enc); err != nil {
		c.log.Warnw("record write failed", "issuer", issuer.String(), "err", err)
	}
	return nil
}

// Lookup returns the cached record for (issuer, topLevel), or nil.
func (c *RecordCache) Lookup(ctx context.Context, issuer, topLevel origin.Origin) *SignedRecord {
	e := c.entry(issuer, topLevel)
	e.mu.Lock()
	defer e.mu.Unlock()
	c.ensureLoaded(ctx, issuer, topLevel, e)
	return e.rec
}
