package app

import (
	"context"
	"sync"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

// fakeStore is an in-memory storage.Store for service tests. It implements
// the same active/inactive gating as the SQLite store.
type fakeStore struct {
	mu        sync.Mutex
	keys      map[string]*gateway.UserKey
	providers map[string]*gateway.Provider
	models    map[string]*gateway.Model
	logs      []*gateway.RequestLog

	resolveCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:      make(map[string]*gateway.UserKey),
		providers: make(map[string]*gateway.Provider),
		models:    make(map[string]*gateway.Model),
	}
}

// --- KeyStore ---

func (f *fakeStore) CreateKey(_ context.Context, key *gateway.UserKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *key
	f.keys[key.ID] = &cp
	return nil
}

func (f *fakeStore) GetActiveKey(_ context.Context, id string) (*gateway.UserKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || !k.IsActive {
		return nil, gateway.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) GetIdentityByHash(_ context.Context, hash string) (*gateway.KeyIdentity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == hash && k.IsActive {
			return &gateway.KeyIdentity{
				KeyID: k.ID, KeyHash: hash,
				TokenBudget: k.TokenBudget, TokensUsed: k.TokensUsed,
			}, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeStore) ListActiveKeyHashes(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hashes []string
	for _, k := range f.keys {
		if k.IsActive {
			hashes = append(hashes, k.KeyHash)
		}
	}
	return hashes, nil
}

func (f *fakeStore) ListKeys(context.Context) ([]*gateway.UserKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []*gateway.UserKeyInfo
	for _, k := range f.keys {
		infos = append(infos, keyInfo(k))
	}
	return infos, nil
}

func (f *fakeStore) GetKeyInfo(_ context.Context, id string) (*gateway.UserKeyInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return keyInfo(k), nil
}

func keyInfo(k *gateway.UserKey) *gateway.UserKeyInfo {
	return &gateway.UserKeyInfo{
		ID: k.ID, Name: k.Name, KeyPrefix: k.KeyPrefix, IsActive: k.IsActive,
		TokenBudget: k.TokenBudget, TokensUsed: k.TokensUsed,
		WeightedTokensUsed: k.TokensUsed,
		CreatedAt:          k.CreatedAt, UpdatedAt: k.UpdatedAt,
	}
}

func (f *fakeStore) UpdateKeyCredentials(_ context.Context, id, hash, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || !k.IsActive {
		return gateway.ErrNotFound
	}
	k.KeyHash, k.KeyPrefix = hash, prefix
	return nil
}

func (f *fakeStore) UpdateKeyBudget(_ context.Context, id string, budget *int64, resetUsage bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.TokenBudget = budget
	if resetUsage {
		k.TokensUsed = 0
	}
	return nil
}

func (f *fakeStore) DeactivateKey(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok || !k.IsActive {
		return gateway.ErrNotFound
	}
	k.IsActive = false
	return nil
}

func (f *fakeStore) IncrementTokensUsed(_ context.Context, id string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return gateway.ErrNotFound
	}
	k.TokensUsed += delta
	return nil
}

// --- ProviderStore ---

func (f *fakeStore) CreateProvider(_ context.Context, p *gateway.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.providers[p.ID] = &cp
	return nil
}

func (f *fakeStore) GetProvider(_ context.Context, id string) (*gateway.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.providers[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeStore) ListProviders(context.Context) ([]*gateway.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.Provider
	for _, p := range f.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateProvider(_ context.Context, p *gateway.Provider) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.providers[p.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *p
	f.providers[p.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteProvider(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.providers[id]; !ok {
		return gateway.ErrNotFound
	}
	for _, m := range f.models {
		if m.ProviderID == id {
			return gateway.ErrConflict
		}
	}
	delete(f.providers, id)
	return nil
}

// --- ModelStore ---

func (f *fakeStore) CreateModel(_ context.Context, m *gateway.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	f.models[m.ID] = &cp
	return nil
}

func (f *fakeStore) GetModel(_ context.Context, id string) (*gateway.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeStore) ListModels(context.Context) ([]*gateway.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.ModelInfo
	for _, m := range f.models {
		out = append(out, f.modelInfo(m))
	}
	return out, nil
}

func (f *fakeStore) GetModelInfo(_ context.Context, id string) (*gateway.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.models[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return f.modelInfo(m), nil
}

func (f *fakeStore) modelInfo(m *gateway.Model) *gateway.ModelInfo {
	info := &gateway.ModelInfo{
		ID: m.ID, Name: m.Name, ProviderID: m.ProviderID,
		ProviderModelName: m.ProviderModelName, IsActive: m.IsActive,
		InputTokenCoefficient:  m.InputTokenCoefficient,
		OutputTokenCoefficient: m.OutputTokenCoefficient,
		CreatedAt:              m.CreatedAt, UpdatedAt: m.UpdatedAt,
	}
	if p, ok := f.providers[m.ProviderID]; ok {
		info.ProviderName = p.Name
	}
	return info
}

func (f *fakeStore) UpdateModel(_ context.Context, m *gateway.Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.models[m.ID]; !ok {
		return gateway.ErrNotFound
	}
	cp := *m
	f.models[m.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteModel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.models[id]; !ok {
		return gateway.ErrNotFound
	}
	delete(f.models, id)
	return nil
}

func (f *fakeStore) ResolveRoute(_ context.Context, name string) (*gateway.ModelRoute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolveCalls++
	return f.resolveLocked(name)
}

func (f *fakeStore) resolveLocked(name string) (*gateway.ModelRoute, error) {
	for _, m := range f.models {
		if m.Name != name || !m.IsActive {
			continue
		}
		p, ok := f.providers[m.ProviderID]
		if !ok || !p.IsActive {
			continue
		}
		upstream := m.Name
		if m.ProviderModelName != nil {
			upstream = *m.ProviderModelName
		}
		return &gateway.ModelRoute{
			ProviderID:             p.ID,
			ProviderModelName:      upstream,
			BaseURL:                p.BaseURL,
			APIKey:                 p.APIKey,
			ProviderKind:           string(p.Kind),
			InputTokenCoefficient:  m.InputTokenCoefficient,
			OutputTokenCoefficient: m.OutputTokenCoefficient,
		}, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeStore) ListRoutes(context.Context) (map[string]*gateway.ModelRoute, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	routes := make(map[string]*gateway.ModelRoute)
	for _, m := range f.models {
		if route, err := f.resolveLocked(m.Name); err == nil {
			routes[m.Name] = route
		}
	}
	return routes, nil
}

// --- LogStore ---

func (f *fakeStore) InsertLog(_ context.Context, log *gateway.RequestLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *log
	f.logs = append(f.logs, &cp)
	return nil
}

func (f *fakeStore) ListLogs(_ context.Context, _ gateway.LogFilter) ([]*gateway.RequestLogInfo, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*gateway.RequestLogInfo
	for _, l := range f.logs {
		out = append(out, &gateway.RequestLogInfo{RequestLog: *l})
	}
	return out, int64(len(out)), nil
}

func (f *fakeStore) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []*gateway.RequestLog
	var deleted int64
	for _, l := range f.logs {
		if l.CreatedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, l)
	}
	f.logs = kept
	return deleted, nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }
func (f *fakeStore) Close() error               { return nil }
