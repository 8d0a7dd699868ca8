package engine

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"gopkg.in/yaml.v3"

	"trusttokens/pkg/origin"
)

// CommitmentKey is one verification key an issuer has committed to. Key is
// the JWK encoding; it must parse, and it must carry an ID the issuer can
// reference from issued tokens.
type CommitmentKey struct {
	ID     string          `json:"id"`
	Key    json.RawMessage `json:"key"`
	Expiry time.Time       `json:"expiry,omitempty"`
}

// KeyCommitment is an issuer's currently trusted trust material. Replaced
// wholesale per issuer, never merged.
type KeyCommitment struct {
	ProtocolVersion string          `json:"protocol_version"`
	BatchSize       int             `json:"batchsize"`
	Keys            []CommitmentKey `json:"keys"`
}

// HasKey reports whether the commitment lists a key with the given ID.
func (c KeyCommitment) HasKey(id string) bool {
	for _, k := range c.Keys {
		if k.ID == id {
			return true
		}
	}
	return false
}

// ParseCommitment validates and decodes a serialized commitment record.
func ParseCommitment(raw []byte) (KeyCommitment, error) {
	var c KeyCommitment
	if err := json.Unmarshal(raw, &c); err != nil {
		return KeyCommitment{}, fmt.Errorf("commitment: %w", err)
	}
	if c.BatchSize <= 0 {
		return KeyCommitment{}, fmt.Errorf("commitment: batch size must be positive, got %d", c.BatchSize)
	}
	if len(c.Keys) == 0 {
		return KeyCommitment{}, fmt.Errorf("commitment: no verification keys")
	}
	for i, k := range c.Keys {
		if k.ID == "" {
			return KeyCommitment{}, fmt.Errorf("commitment: key %d has no id", i)
		}
		if _, err := jwk.ParseKey(k.Key); err != nil {
			return KeyCommitment{}, fmt.Errorf("commitment: key %q is not a valid JWK: %w", k.ID, err)
		}
	}
	return c, nil
}

type commitmentEntry struct {
	commitment KeyCommitment
	version    uint64
}

// Registry holds per-issuer key commitments. Writes replace the full
// record for an issuer and bump its version; issuance validation that
// began against a superseded version must re-check against the current
// value at finalize time.
type Registry struct {
	mu sync.RWMutex
	m  map[string]commitmentEntry
}

func NewRegistry() *Registry {
	return &Registry{m: map[string]commitmentEntry{}}
}

// Set replaces the commitment record for every issuer in the map. Writes
// are atomic per issuer; no cross-issuer ordering is guaranteed.
func (r *Registry) Set(commitments map[origin.Origin]KeyCommitment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iss, c := range commitments {
		prev := r.m[iss.String()]
		r.m[iss.String()] = commitmentEntry{commitment: c, version: prev.version + 1}
	}
}

// Lookup returns the issuer's current commitment and its version.
func (r *Registry) Lookup(issuer origin.Origin) (KeyCommitment, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.m[issuer.String()]
	return e.commitment, e.version, ok
}

type seedFile struct {
	Issuers []struct {
		Origin          string `yaml:"origin"`
		ProtocolVersion string `yaml:"protocol_version"`
		BatchSize       int    `yaml:"batch_size"`
		Keys            []struct {
			ID     string    `yaml:"id"`
			JWK    string    `yaml:"jwk"`
			Expiry time.Time `yaml:"expiry"`
		} `yaml:"keys"`
	} `yaml:"issuers"`
}

// ParseSeedYAML decodes a startup commitment seed file. Each entry goes
// through the same validation as externally supplied commitments.
func ParseSeedYAML(raw []byte) (map[origin.Origin]KeyCommitment, error) {
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("commitment seed: %w", err)
	}
	out := make(map[origin.Origin]KeyCommitment, len(f.Issuers))
	for _, e := range f.Issuers {
		iss, err := origin.Parse(e.Origin)
		if err != nil {
			return nil, fmt.Errorf("commitment seed: %w", err)
		}
		c := KeyCommitment{ProtocolVersion: e.ProtocolVersion, BatchSize: e.BatchSize}
		for _, k := range e.Keys {
			c.Keys = append(c.Keys, CommitmentKey{ID: k.ID, Key: json.RawMessage(k.JWK), Expiry: k.Expiry})
		}
		enc, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		parsed, err := ParseCommitment(enc)
		if err != nil {
			return nil, fmt.Errorf("commitment seed: issuer %s: %w", iss, err)
		}
		out[iss] = parsed
	}
	return out, nil
}
