// Package app implements application-level services for the Heimdall gateway:
// key lifecycle, the provider/model catalog, and route resolution. Services
// keep the relational store authoritative and treat the KV caches as
// best-effort accelerators.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/kv"
	"github.com/skralg/heimdall/internal/storage"
)

// KeyManager handles user key lifecycle and keeps the auth cache in step
// with key mutations.
type KeyManager struct {
	store storage.KeyStore
	kv    kv.Store
	log   *slog.Logger
}

// NewKeyManager returns a KeyManager backed by store and kv.
func NewKeyManager(store storage.KeyStore, kvs kv.Store, log *slog.Logger) *KeyManager {
	return &KeyManager{store: store, kv: kvs, log: log}
}

// Create generates a new user key, stores its hash, registers the hash in the
// auth cache, and returns the plaintext (shown once).
func (km *KeyManager) Create(ctx context.Context, name string, tokenBudget *int64) (*gateway.UserKeyCreated, error) {
	plaintext := gateway.GenerateKey()
	now := time.Now().UTC()
	key := &gateway.UserKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyHash:     gateway.HashKey(plaintext),
		KeyPrefix:   gateway.KeyDisplayPrefix(plaintext),
		IsActive:    true,
		TokenBudget: tokenBudget,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := km.store.CreateKey(ctx, key); err != nil {
		return nil, err
	}
	km.cacheAdd(ctx, key.KeyHash)

	return &gateway.UserKeyCreated{
		ID:        key.ID,
		Name:      key.Name,
		Key:       plaintext,
		KeyPrefix: key.KeyPrefix,
		CreatedAt: key.CreatedAt,
	}, nil
}

// Rotate replaces the credential of an active key: the old plaintext stops
// authenticating immediately and a fresh plaintext is returned, shown once.
func (km *KeyManager) Rotate(ctx context.Context, id string) (*gateway.UserKeyCreated, error) {
	key, err := km.store.GetActiveKey(ctx, id)
	if err != nil {
		return nil, err
	}

	plaintext := gateway.GenerateKey()
	newHash := gateway.HashKey(plaintext)
	newPrefix := gateway.KeyDisplayPrefix(plaintext)
	if err := km.store.UpdateKeyCredentials(ctx, id, newHash, newPrefix); err != nil {
		return nil, err
	}
	km.cacheRemove(ctx, key.KeyHash)
	km.cacheAdd(ctx, newHash)

	return &gateway.UserKeyCreated{
		ID:        key.ID,
		Name:      key.Name,
		Key:       plaintext,
		KeyPrefix: newPrefix,
		CreatedAt: key.CreatedAt,
	}, nil
}

// Deactivate permanently disables a key and evicts its hash from the auth cache.
func (km *KeyManager) Deactivate(ctx context.Context, id string) error {
	key, err := km.store.GetActiveKey(ctx, id)
	if err != nil {
		return err
	}
	if err := km.store.DeactivateKey(ctx, id); err != nil {
		return err
	}
	km.cacheRemove(ctx, key.KeyHash)
	return nil
}

// UpdateBudget sets a key's token budget; resetUsage additionally zeroes the
// consumed counter.
func (km *KeyManager) UpdateBudget(ctx context.Context, id string, budget *int64, resetUsage bool) (*gateway.UserKeyInfo, error) {
	if err := km.store.UpdateKeyBudget(ctx, id, budget, resetUsage); err != nil {
		return nil, err
	}
	return km.store.GetKeyInfo(ctx, id)
}

// List returns all keys with their weighted usage.
func (km *KeyManager) List(ctx context.Context) ([]*gateway.UserKeyInfo, error) {
	return km.store.ListKeys(ctx)
}

// Get returns one key's admin projection.
func (km *KeyManager) Get(ctx context.Context, id string) (*gateway.UserKeyInfo, error) {
	return km.store.GetKeyInfo(ctx, id)
}

// WarmupAuthCache rebuilds the active-hash set from the store: drop the whole
// set, then repopulate. Run at process start so restarts shed deactivated keys.
func (km *KeyManager) WarmupAuthCache(ctx context.Context) error {
	hashes, err := km.store.ListActiveKeyHashes(ctx)
	if err != nil {
		return err
	}
	if err := km.kv.Del(ctx, kv.ActiveKeyHashes); err != nil {
		return err
	}
	if len(hashes) > 0 {
		if err := km.kv.SAdd(ctx, kv.ActiveKeyHashes, hashes...); err != nil {
			return err
		}
	}
	km.log.LogAttrs(ctx, slog.LevelInfo, "auth cache warmed",
		slog.Int("active_keys", len(hashes)))
	return nil
}

// Cache maintenance is best-effort: the store stays authoritative and a
// failed KV write only costs a slower (or, for removals, warmup-bounded
// stale) auth path.

func (km *KeyManager) cacheAdd(ctx context.Context, hash string) {
	if err := km.kv.SAdd(ctx, kv.ActiveKeyHashes, hash); err != nil {
		km.log.LogAttrs(ctx, slog.LevelWarn, "auth cache add failed",
			slog.String("error", err.Error()))
	}
}

func (km *KeyManager) cacheRemove(ctx context.Context, hash string) {
	if err := km.kv.SRem(ctx, kv.ActiveKeyHashes, hash); err != nil {
		km.log.LogAttrs(ctx, slog.LevelWarn, "auth cache remove failed",
			slog.String("error", err.Error()))
	}
}
