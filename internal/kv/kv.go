// Package kv abstracts the external key-value store used for the gateway's
// fast-path caches: the active-key-hash set and the model-route hash.
package kv

import "context"

// Keyspaces shared between the data plane and the admin plane.
const (
	ActiveKeyHashes = "gateway:active_key_hashes"
	ModelRoutes     = "gateway:model_routes"
)

// Store is the minimal command surface the gateway needs. Both keyspaces are
// best-effort caches: a failed or stale read falls through to the relational
// store, which remains authoritative.
type Store interface {
	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error
	// SRem removes a member from the set at key.
	SRem(ctx context.Context, key, member string) error
	// SIsMember reports set membership.
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// HGet returns the value of field in the hash at key. ok is false when
	// the field (or hash) does not exist.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HSet sets field to value in the hash at key.
	HSet(ctx context.Context, key, field, value string) error
	// HDel removes a field from the hash at key.
	HDel(ctx context.Context, key, field string) error

	// Del removes an entire key (set or hash).
	Del(ctx context.Context, key string) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error
	// Close releases the underlying connection.
	Close() error
}
