// Package storage is the durable persistence collaborator: a byte-oriented
// key-value store keyed by issuer or (issuer, top-level) pairs. The engine
// tolerates a cold or empty store, so every implementation may start blank.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("storage: key not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
}
