// Package storage defines persistence interfaces for the gateway.
package storage

import (
	"context"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

// KeyStore manages user key persistence. Only active keys authenticate;
// deactivation is permanent.
type KeyStore interface {
	CreateKey(ctx context.Context, key *gateway.UserKey) error
	// GetActiveKey returns the key with the given ID iff it is active.
	GetActiveKey(ctx context.Context, id string) (*gateway.UserKey, error)
	// GetIdentityByHash resolves an active key hash to the caller snapshot
	// used by the data plane. Returns gateway.ErrNotFound for unknown or
	// inactive hashes.
	GetIdentityByHash(ctx context.Context, hash string) (*gateway.KeyIdentity, error)
	// ListActiveKeyHashes returns the hashes of all active keys (cache warm-up).
	ListActiveKeyHashes(ctx context.Context) ([]string, error)
	// ListKeys returns all keys with coefficient-weighted usage.
	ListKeys(ctx context.Context) ([]*gateway.UserKeyInfo, error)
	// GetKeyInfo returns the admin projection of one key.
	GetKeyInfo(ctx context.Context, id string) (*gateway.UserKeyInfo, error)
	// UpdateKeyCredentials atomically replaces hash and prefix (rotation).
	UpdateKeyCredentials(ctx context.Context, id, hash, prefix string) error
	// UpdateKeyBudget sets the budget (nil = unlimited) and optionally
	// zeroes tokens_used.
	UpdateKeyBudget(ctx context.Context, id string, budget *int64, resetUsage bool) error
	// DeactivateKey soft-deletes a key.
	DeactivateKey(ctx context.Context, id string) error
	// IncrementTokensUsed applies an atomic additive update; delta >= 0.
	IncrementTokensUsed(ctx context.Context, id string, delta int64) error
}

// ProviderStore manages upstream provider persistence.
type ProviderStore interface {
	CreateProvider(ctx context.Context, p *gateway.Provider) error
	GetProvider(ctx context.Context, id string) (*gateway.Provider, error)
	ListProviders(ctx context.Context) ([]*gateway.Provider, error)
	UpdateProvider(ctx context.Context, p *gateway.Provider) error
	// DeleteProvider hard-deletes; returns gateway.ErrConflict while models
	// still reference the provider.
	DeleteProvider(ctx context.Context, id string) error
}

// ModelStore manages model persistence and route resolution.
type ModelStore interface {
	CreateModel(ctx context.Context, m *gateway.Model) error
	GetModel(ctx context.Context, id string) (*gateway.Model, error)
	ListModels(ctx context.Context) ([]*gateway.ModelInfo, error)
	GetModelInfo(ctx context.Context, id string) (*gateway.ModelInfo, error)
	UpdateModel(ctx context.Context, m *gateway.Model) error
	DeleteModel(ctx context.Context, id string) error
	// ResolveRoute joins an active model with its active provider.
	// Returns gateway.ErrNotFound when either side is missing or inactive.
	ResolveRoute(ctx context.Context, name string) (*gateway.ModelRoute, error)
	// ListRoutes returns all resolvable routes keyed by user-facing model
	// name (cache warm-up).
	ListRoutes(ctx context.Context) (map[string]*gateway.ModelRoute, error)
}

// LogStore manages request log persistence.
type LogStore interface {
	InsertLog(ctx context.Context, log *gateway.RequestLog) error
	// ListLogs returns one page of logs (created_at DESC) and the total count.
	ListLogs(ctx context.Context, f gateway.LogFilter) ([]*gateway.RequestLogInfo, int64, error)
	// DeleteLogsBefore removes rows older than cutoff, returning the count.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store combines all storage interfaces.
type Store interface {
	KeyStore
	ProviderStore
	ModelStore
	LogStore
	Ping(ctx context.Context) error
	Close() error
}
