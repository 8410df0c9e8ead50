// Package store implements the local content storage layer.
//
// The Store interface is a digest-keyed durable map of serialized objects:
//   - Put/Get/Has for basic operations, Delete for garbage collection only
//   - Reads are verified against the digest they are keyed by
//   - Filesystem-based with an LRU cache of verified content
package store

import (
	"context"

	"github.com/opencontainers/go-digest"
)

// Store handles local content storage.
type Store interface {
	// Put stores serialized object data and returns its digest. Writing the
	// same content twice is a no-op the second time.
	Put(ctx context.Context, data []byte) (digest.Digest, error)

	// Get retrieves and verifies an object by digest.
	Get(ctx context.Context, d digest.Digest) ([]byte, error)

	// Has checks if an object exists without reading it.
	Has(ctx context.Context, d digest.Digest) (bool, error)

	// Stat returns the stored (possibly compressed) size of an object.
	Stat(ctx context.Context, d digest.Digest) (int64, error)

	// Delete removes an object. Only garbage collection may call it.
	Delete(ctx context.Context, d digest.Digest) error

	// Walk calls fn for every stored digest.
	Walk(ctx context.Context, fn func(digest.Digest) error) error

	// Close releases resources held by the store.
	Close() error
}
