package engine

import (
	"sync"

	"trusttokens/pkg/origin"
)

// Tracker bounds how many distinct issuers a single top-level origin may
// address, the protocol's core anti-tracking limit. Membership is
// append-only for the lifetime of the top-level context; there is no
// eviction, only teardown.
type Tracker struct {
	cap int

	mu sync.Mutex
	m  map[string]map[string]struct{}
}

func NewTracker(cap int) *Tracker {
	return &Tracker{cap: cap, m: map[string]map[string]struct{}{}}
}

// RecordInteraction inserts issuer into topLevel's associated set.
// Idempotent for existing members; a new member is rejected with
// IssuerCapExceeded when the set is full, and is not added.
func (t *Tracker) RecordInteraction(topLevel, issuer origin.Origin) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.m[topLevel.String()]
	if !ok {
		set = map[string]struct{}{}
		t.m[topLevel.String()] = set
	}
	if _, member := set[issuer.String()]; member {
		return nil
	}
	if len(set) >= t.cap {
		return opErr(CodeIssuerCapExceeded, "issuance", issuer.String(), "top-level %s already associated with %d issuers", topLevel, len(set))
	}
	set[issuer.String()] = struct{}{}
	return nil
}

// Count reports the size of topLevel's associated issuer set.
func (t *Tracker) Count(topLevel origin.Origin) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m[topLevel.String()])
}

// Reset drops topLevel's set when the context is torn down.
func (t *Tracker) Reset(topLevel origin.Origin) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, topLevel.String())
}
