// Package object provides the pluggable byte storage behind the lake.
// A Store holds opaque objects under caller-chosen keys; it has no
// knowledge of Parquet or catalog semantics.
package object

import "context"

// Store is the uniform contract over a storage medium. Get on an absent
// key returns errdefs.ErrNotFound; Delete of an absent key is a no-op.
// Retry policy belongs to the caller.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
