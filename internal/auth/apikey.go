// Package auth implements caller authentication for the Heimdall gateway.
// User keys are validated against the store, with a KV set of active hashes
// as a fast negative/positive filter; the store remains authoritative.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/kv"
	"github.com/skralg/heimdall/internal/storage"
)

// Sentinel errors distinguishing the two client-visible 401 cases.
var (
	ErrMissingAuthHeader = fmt.Errorf("missing authorization header: %w", gateway.ErrUnauthorized)
	ErrInvalidAPIKey     = fmt.Errorf("invalid api key: %w", gateway.ErrUnauthorized)
	ErrInvalidAdminKey   = fmt.Errorf("invalid admin key: %w", gateway.ErrUnauthorized)
)

// APIKeyAuth authenticates data-plane requests with "sk-" bearer keys.
type APIKeyAuth struct {
	store storage.KeyStore
	kv    kv.Store
	log   *slog.Logger
}

// NewAPIKeyAuth returns an APIKeyAuth backed by store and kv.
func NewAPIKeyAuth(store storage.KeyStore, kvs kv.Store, log *slog.Logger) *APIKeyAuth {
	return &APIKeyAuth{store: store, kv: kvs, log: log}
}

// Authenticate extracts a Bearer token from the Authorization header and
// resolves it to a KeyIdentity. The KV set is consulted first; a set miss
// still falls through to the store, which back-fills the set on success, so
// a cold or flushed cache never locks out a valid key.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*gateway.KeyIdentity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrMissingAuthHeader
	}
	plain, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || plain == "" {
		return nil, ErrMissingAuthHeader
	}

	hash := gateway.HashKey(plain)

	cached, err := a.kv.SIsMember(ctx, kv.ActiveKeyHashes, hash)
	if err != nil {
		a.log.LogAttrs(ctx, slog.LevelWarn, "auth cache read failed",
			slog.String("error", err.Error()))
		cached = false
	}

	identity, err := a.store.GetIdentityByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, ErrInvalidAPIKey
		}
		return nil, err
	}

	if !cached {
		if err := a.kv.SAdd(ctx, kv.ActiveKeyHashes, hash); err != nil {
			a.log.LogAttrs(ctx, slog.LevelWarn, "auth cache backfill failed",
				slog.String("error", err.Error()))
		}
	}
	return identity, nil
}

// AdminAuth authenticates the admin plane against a single configured key.
// It produces no identity beyond admitted/denied and bypasses the KV cache.
type AdminAuth struct {
	key string
}

// NewAdminAuth returns an AdminAuth for the configured admin key.
func NewAdminAuth(key string) *AdminAuth {
	return &AdminAuth{key: key}
}

// Authenticate checks the Authorization header in constant time.
func (a *AdminAuth) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ErrMissingAuthHeader
	}
	plain, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || plain == "" {
		return ErrMissingAuthHeader
	}
	if subtle.ConstantTimeCompare([]byte(plain), []byte(a.key)) != 1 {
		return ErrInvalidAdminKey
	}
	return nil
}
