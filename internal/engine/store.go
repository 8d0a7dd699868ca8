package engine

import (
	"context"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"trusttokens/pkg/origin"
	"trusttokens/pkg/storage"
)

// Token is a single-use opaque credential. It lives in exactly one
// issuer's bucket and is destroyed by the first successful spend.
type Token struct {
	KeyID string `json:"key_id" cbor:"key_id"`
	Body  []byte `json:"body" cbor:"body"`
}

type tokenBucket struct {
	mu     sync.Mutex
	loaded bool
	tokens []Token
}

// TokenStore holds per-issuer pools of unspent tokens. Buckets are
// guarded individually so unrelated issuers' operations stay independent.
// State is written through to the persistence collaborator and lazily
// loaded per issuer; a cold store reads as empty.
type TokenStore struct {
	log      *zap.SugaredLogger
	persist  storage.Store
	registry *Registry

	mu      sync.Mutex
	buckets map[string]*tokenBucket
}

func NewTokenStore(log *zap.SugaredLogger, persist storage.Store, registry *Registry) *TokenStore {
	return &TokenStore{log: log, persist: persist, registry: registry, buckets: map[string]*tokenBucket{}}
}

func tokenKey(issuer origin.Origin) string { return "tt:tokens:" + issuer.String() }

func (s *TokenStore) bucket(issuer origin.Origin) *tokenBucket {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[issuer.String()]
	if !ok {
		b = &tokenBucket{}
		s.buckets[issuer.String()] = b
	}
	return b
}

// ensureLoaded populates the bucket from durable state. Read failures
// degrade to an empty pool rather than failing the operation.
func (s *TokenStore) ensureLoaded(ctx context.Context, issuer origin.Origin, b *tokenBucket) {
	if b.loaded {
		return
	}
	b.loaded = true
	raw, err := s.persist.Get(ctx, tokenKey(issuer))
	if err == storage.ErrNotFound {
		return
	}
	if err != nil {
		s.log.Warnw("token pool load failed, starting empty", "issuer", issuer.String(), "err", err)
		return
	}
	if err := cbor.Unmarshal(raw, &b.tokens); err != nil {
		s.log.Warnw("token pool decode failed, starting empty", "issuer", issuer.String(), "err", err)
		b.tokens = nil
	}
}

func (s *TokenStore) persistLocked(ctx context.Context, issuer origin.Origin, b *tokenBucket) {
	enc, err := cbor.Marshal(b.tokens)
	if err != nil {
		s.log.Warnw("token pool encode failed", "issuer", issuer.String(), "err", err)
		return
	}
	if err := s.persist.Set(ctx, tokenKey(issuer), enc); err != nil {
		s.log.Warnw("token pool write failed", "issuer", issuer.String(), "err", err)
	}
}

// AppendBatch adds issued tokens to the issuer's bucket. Every token must
// carry a key present in the issuer's current commitment, else the whole
// batch is rejected with a commitment mismatch.
func (s *TokenStore) AppendBatch(ctx context.Context, issuer origin.Origin, tokens []Token) error {
	commitment, _, ok := s.registry.Lookup(issuer)
	if !ok {
		return opErr(CodeCommitmentMismatch, "issuance", issuer.String(), "no current commitment to validate against")
	}
	for _, t := range tokens {
		if !commitment.HasKey(t.KeyID) {
			return opErr(CodeCommitmentMismatch, "issuance", issuer.String(), "token key %q not in current commitment", t.KeyID)
		}
	}
	b := s.bucket(issuer)
	b.mu.Lock()
	defer b.mu.Unlock()
	s.ensureLoaded(ctx, issuer, b)
	b.tokens = append(b.tokens, tokens...)
	s.persistLocked(ctx, issuer, b)
	return nil
}

// SpendOne atomically removes and returns one token. ok is false when the
// bucket is empty. Concurrent spends against one issuer are linearizable:
// no two callers receive the same token.
func (s *TokenStore) SpendOne(ctx context.Context, issuer origin.Origin) (Token, bool) {
	b := s.bucket(issuer)
	b.mu.Lock()
	defer b.mu.Unlock()
	s.ensureLoaded(ctx, issuer, b)
	if len(b.tokens) == 0 {
		return Token{}, false
	}
	t := b.tokens[0]
	b.tokens = b.tokens[1:]
	s.persistLocked(ctx, issuer, b)
	return t, true
}

// Count reports the number of unspent tokens for the issuer.
func (s *TokenStore) Count(ctx context.Context, issuer origin.Origin) int {
	b := s.bucket(issuer)
	b.mu.Lock()
	defer b.mu.Unlock()
	s.ensureLoaded(ctx, issuer, b)
	return len(b.tokens)
}
