package app

import (
	"context"
	"encoding/json"
	"log/slog"

	gateway "github.com/skralg/heimdall/internal"
	"github.com/skralg/heimdall/internal/kv"
	"github.com/skralg/heimdall/internal/storage"
)

// Router resolves user-facing model names to upstream routes. The KV hash is
// the fast path; the store is authoritative and back-fills the cache on miss.
type Router struct {
	store storage.ModelStore
	kv    kv.Store
	log   *slog.Logger
}

// NewRouter returns a Router backed by store and kv.
func NewRouter(store storage.ModelStore, kvs kv.Store, log *slog.Logger) *Router {
	return &Router{store: store, kv: kvs, log: log}
}

// Resolve maps a model name to its upstream route. Returns
// gateway.ErrNotFound when the model or its provider is missing or inactive.
// A cached entry that fails to deserialize is treated as a miss.
func (r *Router) Resolve(ctx context.Context, name string) (*gateway.ModelRoute, error) {
	raw, ok, err := r.kv.HGet(ctx, kv.ModelRoutes, name)
	if err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "route cache read failed",
			slog.String("model", name), slog.String("error", err.Error()))
	} else if ok {
		var route gateway.ModelRoute
		if err := json.Unmarshal([]byte(raw), &route); err == nil {
			return &route, nil
		}
		r.log.LogAttrs(ctx, slog.LevelWarn, "route cache entry corrupt",
			slog.String("model", name))
	}

	route, err := r.store.ResolveRoute(ctx, name)
	if err != nil {
		return nil, err
	}
	r.cacheSet(ctx, name, route)
	return route, nil
}

// WarmupRoutes rebuilds the route hash from the store: drop the hash, then
// repopulate with every resolvable model. Run at process start and after any
// provider mutation.
func (r *Router) WarmupRoutes(ctx context.Context) error {
	routes, err := r.store.ListRoutes(ctx)
	if err != nil {
		return err
	}
	if err := r.kv.Del(ctx, kv.ModelRoutes); err != nil {
		return err
	}
	for name, route := range routes {
		if err := r.encodeSet(ctx, name, route); err != nil {
			return err
		}
	}
	r.log.LogAttrs(ctx, slog.LevelInfo, "route cache warmed",
		slog.Int("models", len(routes)))
	return nil
}

// CacheSet refreshes one model's cache entry. Best-effort.
func (r *Router) CacheSet(ctx context.Context, name string, route *gateway.ModelRoute) {
	r.cacheSet(ctx, name, route)
}

// CacheEvict removes one model's cache entry. Best-effort.
func (r *Router) CacheEvict(ctx context.Context, name string) {
	if err := r.kv.HDel(ctx, kv.ModelRoutes, name); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "route cache evict failed",
			slog.String("model", name), slog.String("error", err.Error()))
	}
}

func (r *Router) cacheSet(ctx context.Context, name string, route *gateway.ModelRoute) {
	if err := r.encodeSet(ctx, name, route); err != nil {
		r.log.LogAttrs(ctx, slog.LevelWarn, "route cache write failed",
			slog.String("model", name), slog.String("error", err.Error()))
	}
}

func (r *Router) encodeSet(ctx context.Context, name string, route *gateway.ModelRoute) error {
	b, err := json.Marshal(route)
	if err != nil {
		return err
	}
	return r.kv.HSet(ctx, kv.ModelRoutes, name, string(b))
}
