package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestKey(id, hash string) *gateway.UserKey {
	now := time.Now().UTC()
	return &gateway.UserKey{
		ID:        id,
		Name:      "test key " + id,
		KeyHash:   hash,
		KeyPrefix: "sk-12345678...",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateKey(ctx, newTestKey("key-1", "hash-1")); err != nil {
		t.Fatal("create:", err)
	}

	id, err := s.GetIdentityByHash(ctx, "hash-1")
	if err != nil {
		t.Fatal("identity:", err)
	}
	if id.KeyID != "key-1" || id.KeyHash != "hash-1" {
		t.Errorf("identity = %+v", id)
	}
	if id.TokenBudget != nil {
		t.Errorf("budget = %v, want nil (unlimited)", id.TokenBudget)
	}

	hashes, err := s.ListActiveKeyHashes(ctx)
	if err != nil {
		t.Fatal("hashes:", err)
	}
	if len(hashes) != 1 || hashes[0] != "hash-1" {
		t.Errorf("hashes = %v, want [hash-1]", hashes)
	}

	// Rotation invalidates the old hash immediately.
	if err := s.UpdateKeyCredentials(ctx, "key-1", "hash-2", "sk-87654321..."); err != nil {
		t.Fatal("rotate:", err)
	}
	if _, err := s.GetIdentityByHash(ctx, "hash-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("old hash err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetIdentityByHash(ctx, "hash-2"); err != nil {
		t.Errorf("new hash err = %v, want nil", err)
	}

	// Deactivation removes the key from the data plane.
	if err := s.DeactivateKey(ctx, "key-1"); err != nil {
		t.Fatal("deactivate:", err)
	}
	if _, err := s.GetIdentityByHash(ctx, "hash-2"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("deactivated key err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetActiveKey(ctx, "key-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("GetActiveKey err = %v, want ErrNotFound", err)
	}
	// Deactivation is permanent; a second attempt finds nothing.
	if err := s.DeactivateKey(ctx, "key-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("second deactivate err = %v, want ErrNotFound", err)
	}
}

func TestKeyBudgetAndIncrement(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	key := newTestKey("key-b", "hash-b")
	budget := int64(100)
	key.TokenBudget = &budget
	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	if err := s.IncrementTokensUsed(ctx, "key-b", 30); err != nil {
		t.Fatal("increment:", err)
	}
	if err := s.IncrementTokensUsed(ctx, "key-b", 12); err != nil {
		t.Fatal("increment:", err)
	}

	id, err := s.GetIdentityByHash(ctx, "hash-b")
	if err != nil {
		t.Fatal("identity:", err)
	}
	if id.TokensUsed != 42 {
		t.Errorf("tokens_used = %d, want 42", id.TokensUsed)
	}
	if id.TokenBudget == nil || *id.TokenBudget != 100 {
		t.Errorf("budget = %v, want 100", id.TokenBudget)
	}

	if err := s.IncrementTokensUsed(ctx, "key-b", -1); !errors.Is(err, gateway.ErrBadRequest) {
		t.Errorf("negative delta err = %v, want ErrBadRequest", err)
	}

	// Budget change with usage reset.
	newBudget := int64(500)
	if err := s.UpdateKeyBudget(ctx, "key-b", &newBudget, true); err != nil {
		t.Fatal("budget:", err)
	}
	info, err := s.GetKeyInfo(ctx, "key-b")
	if err != nil {
		t.Fatal("info:", err)
	}
	if info.TokensUsed != 0 {
		t.Errorf("tokens_used after reset = %d, want 0", info.TokensUsed)
	}
	if info.TokenBudget == nil || *info.TokenBudget != 500 {
		t.Errorf("budget = %v, want 500", info.TokenBudget)
	}

	// Clearing the budget makes the key unlimited.
	if err := s.UpdateKeyBudget(ctx, "key-b", nil, false); err != nil {
		t.Fatal("clear budget:", err)
	}
	info, _ = s.GetKeyInfo(ctx, "key-b")
	if info.TokenBudget != nil {
		t.Errorf("budget = %v, want nil", info.TokenBudget)
	}
}

func seedRoute(t *testing.T, s *Store, ctx context.Context) {
	t.Helper()
	now := time.Now().UTC()
	p := &gateway.Provider{
		ID:        "prov-1",
		Name:      "primary",
		Kind:      gateway.KindOpenAI,
		BaseURL:   "https://api.openai.com/v1",
		APIKey:    "sk-upstream-secret",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatal("provider:", err)
	}
	upstreamName := "gpt-4o-2024-08-06"
	m := &gateway.Model{
		ID:                     "model-1",
		Name:                   "gpt-4o",
		ProviderID:             "prov-1",
		ProviderModelName:      &upstreamName,
		IsActive:               true,
		InputTokenCoefficient:  1.0,
		OutputTokenCoefficient: 3.0,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatal("model:", err)
	}
}

func TestResolveRoute(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedRoute(t, s, ctx)

	route, err := s.ResolveRoute(ctx, "gpt-4o")
	if err != nil {
		t.Fatal("resolve:", err)
	}
	if route.ProviderModelName != "gpt-4o-2024-08-06" {
		t.Errorf("provider model = %q", route.ProviderModelName)
	}
	if route.APIKey != "sk-upstream-secret" || route.ProviderKind != "openai" {
		t.Errorf("route = %+v", route)
	}
	if route.OutputTokenCoefficient != 3.0 {
		t.Errorf("output coeff = %v, want 3.0", route.OutputTokenCoefficient)
	}

	if _, err := s.ResolveRoute(ctx, "nope"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("unknown model err = %v, want ErrNotFound", err)
	}

	// Inactive model is unresolvable.
	m, _ := s.GetModel(ctx, "model-1")
	m.IsActive = false
	if err := s.UpdateModel(ctx, m); err != nil {
		t.Fatal("update model:", err)
	}
	if _, err := s.ResolveRoute(ctx, "gpt-4o"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("inactive model err = %v, want ErrNotFound", err)
	}
	m.IsActive = true
	s.UpdateModel(ctx, m)

	// Inactive provider is unresolvable too.
	p, _ := s.GetProvider(ctx, "prov-1")
	p.IsActive = false
	if err := s.UpdateProvider(ctx, p); err != nil {
		t.Fatal("update provider:", err)
	}
	if _, err := s.ResolveRoute(ctx, "gpt-4o"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("inactive provider err = %v, want ErrNotFound", err)
	}
}

func TestResolveRouteDefaultsUpstreamName(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := &gateway.Provider{
		ID: "prov-d", Name: "d", Kind: gateway.KindDashScope,
		BaseURL: "https://example.com/v1", APIKey: "k", IsActive: true,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatal(err)
	}
	m := &gateway.Model{
		ID: "model-d", Name: "qwen-max", ProviderID: "prov-d", IsActive: true,
		InputTokenCoefficient: 1, OutputTokenCoefficient: 1,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatal(err)
	}

	route, err := s.ResolveRoute(ctx, "qwen-max")
	if err != nil {
		t.Fatal(err)
	}
	if route.ProviderModelName != "qwen-max" {
		t.Errorf("provider model = %q, want the user-facing name", route.ProviderModelName)
	}
}

func TestListRoutes(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedRoute(t, s, ctx)

	routes, err := s.ListRoutes(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(routes) != 1 {
		t.Fatalf("routes = %d, want 1", len(routes))
	}
	if routes["gpt-4o"] == nil || routes["gpt-4o"].ProviderID != "prov-1" {
		t.Errorf("routes[gpt-4o] = %+v", routes["gpt-4o"])
	}
}

func TestDeleteProviderConflict(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedRoute(t, s, ctx)

	if err := s.DeleteProvider(ctx, "prov-1"); !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("delete referenced provider err = %v, want ErrConflict", err)
	}

	if err := s.DeleteModel(ctx, "model-1"); err != nil {
		t.Fatal("delete model:", err)
	}
	if err := s.DeleteProvider(ctx, "prov-1"); err != nil {
		t.Errorf("delete unreferenced provider err = %v", err)
	}
}

func insertLog(t *testing.T, s *Store, log *gateway.RequestLog) {
	t.Helper()
	if log.ID == "" {
		log.ID = "log-" + log.CreatedAt.Format("150405.000000000")
	}
	if err := s.InsertLog(context.Background(), log); err != nil {
		t.Fatal("insert log:", err)
	}
}

func i64(v int64) *int64 { return &v }

func TestListLogsPaginationAndFilters(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	keyA, keyB := "key-a", "key-b"
	for i := 0; i < 5; i++ {
		keyID := keyA
		model := "gpt-4o"
		if i%2 == 1 {
			keyID = keyB
			model = "qwen-max"
		}
		insertLog(t, s, &gateway.RequestLog{
			ID:             "log-" + string(rune('a'+i)),
			UserKeyID:      &keyID,
			UserKeyHash:    "h",
			ModelRequested: model,
			ModelSent:      model,
			StatusCode:     200,
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		})
	}

	logs, total, err := s.ListLogs(ctx, gateway.LogFilter{Page: 1, PerPage: 2})
	if err != nil {
		t.Fatal("list:", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(logs) != 2 {
		t.Fatalf("page size = %d, want 2", len(logs))
	}
	// Newest first.
	if !logs[0].CreatedAt.After(logs[1].CreatedAt) {
		t.Errorf("logs not in created_at DESC order: %v then %v", logs[0].CreatedAt, logs[1].CreatedAt)
	}

	// Page past the end is empty but total is unchanged.
	logs, total, _ = s.ListLogs(ctx, gateway.LogFilter{Page: 4, PerPage: 2})
	if total != 5 || len(logs) != 0 {
		t.Errorf("past-end page = %d rows, total %d", len(logs), total)
	}

	// Out-of-range paging inputs are clamped.
	logs, _, _ = s.ListLogs(ctx, gateway.LogFilter{Page: 0, PerPage: -3})
	if len(logs) != 5 {
		t.Errorf("clamped page = %d rows, want all 5 (default per_page 50)", len(logs))
	}

	// Filters.
	logs, total, _ = s.ListLogs(ctx, gateway.LogFilter{Page: 1, PerPage: 50, KeyID: keyA})
	if total != 3 || len(logs) != 3 {
		t.Errorf("key filter: %d rows, total %d, want 3/3", len(logs), total)
	}
	logs, total, _ = s.ListLogs(ctx, gateway.LogFilter{Page: 1, PerPage: 50, Model: "qwen-max"})
	if total != 2 || len(logs) != 2 {
		t.Errorf("model filter: %d rows, total %d, want 2/2", len(logs), total)
	}
}

func TestListLogsWeightedTokens(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedRoute(t, s, ctx) // gpt-4o: input 1.0, output 3.0

	keyID := "key-w"
	insertLog(t, s, &gateway.RequestLog{
		ID:             "log-w",
		UserKeyID:      &keyID,
		UserKeyHash:    "h",
		ModelRequested: "gpt-4o",
		ModelSent:      "gpt-4o-2024-08-06",
		StatusCode:     200,
		PromptTokens:   i64(10),
		CompletionTokens: i64(20),
		TotalTokens:    i64(30),
		CreatedAt:      time.Now().UTC(),
	})
	// A model that no longer exists falls back to coefficient 1.0.
	insertLog(t, s, &gateway.RequestLog{
		ID:             "log-x",
		UserKeyID:      &keyID,
		UserKeyHash:    "h",
		ModelRequested: "deleted-model",
		ModelSent:      "deleted-model",
		StatusCode:     200,
		PromptTokens:   i64(5),
		CompletionTokens: i64(7),
		TotalTokens:    i64(12),
		CreatedAt:      time.Now().UTC(),
	})

	logs, _, err := s.ListLogs(ctx, gateway.LogFilter{Page: 1, PerPage: 50})
	if err != nil {
		t.Fatal("list:", err)
	}
	byModel := map[string]*gateway.RequestLogInfo{}
	for _, l := range logs {
		byModel[l.ModelRequested] = l
	}
	// 10*1.0 + 20*3.0 = 70
	if w := byModel["gpt-4o"].WeightedTotalTokens; w == nil || *w != 70 {
		t.Errorf("weighted = %v, want 70", w)
	}
	// 5*1.0 + 7*1.0 = 12
	if w := byModel["deleted-model"].WeightedTotalTokens; w == nil || *w != 12 {
		t.Errorf("fallback weighted = %v, want 12", w)
	}
}

func TestListKeysWeightedUsage(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedRoute(t, s, ctx) // gpt-4o: input 1.0, output 3.0

	if err := s.CreateKey(ctx, newTestKey("key-1", "hash-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateKey(ctx, newTestKey("key-2", "hash-2")); err != nil {
		t.Fatal(err)
	}
	// key-2 has no logs; give it a raw counter to fall back on.
	if err := s.IncrementTokensUsed(ctx, "key-2", 99); err != nil {
		t.Fatal(err)
	}

	keyID := "key-1"
	insertLog(t, s, &gateway.RequestLog{
		ID: "log-1", UserKeyID: &keyID, UserKeyHash: "hash-1",
		ModelRequested: "gpt-4o", ModelSent: "gpt-4o-2024-08-06", StatusCode: 200,
		PromptTokens: i64(10), CompletionTokens: i64(20), TotalTokens: i64(30),
		CreatedAt: time.Now().UTC(),
	})

	keys, err := s.ListKeys(ctx)
	if err != nil {
		t.Fatal("list:", err)
	}
	byID := map[string]*gateway.UserKeyInfo{}
	for _, k := range keys {
		byID[k.ID] = k
	}
	if got := byID["key-1"].WeightedTokensUsed; got != 70 {
		t.Errorf("key-1 weighted = %d, want 70", got)
	}
	if got := byID["key-2"].WeightedTokensUsed; got != 99 {
		t.Errorf("key-2 weighted fallback = %d, want raw 99", got)
	}
}

func TestDeleteLogsBefore(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i, age := range []time.Duration{0, 24 * time.Hour, 10 * 24 * time.Hour} {
		insertLog(t, s, &gateway.RequestLog{
			ID:             "log-" + string(rune('a'+i)),
			UserKeyHash:    "h",
			ModelRequested: "gpt-4o",
			ModelSent:      "gpt-4o",
			StatusCode:     200,
			CreatedAt:      now.Add(-age),
		})
	}

	deleted, err := s.DeleteLogsBefore(ctx, now.AddDate(0, 0, -7))
	if err != nil {
		t.Fatal("sweep:", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	_, total, _ := s.ListLogs(ctx, gateway.LogFilter{Page: 1, PerPage: 50})
	if total != 2 {
		t.Errorf("remaining = %d, want 2", total)
	}
}

func TestInsertLogBodies(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	msg := "boom"
	insertLog(t, s, &gateway.RequestLog{
		ID:             "log-body",
		UserKeyHash:    "h",
		ModelRequested: "gpt-4o",
		ModelSent:      "gpt-4o",
		StatusCode:     500,
		IsError:        true,
		IsStream:       true,
		RequestBody:    json.RawMessage(`{"model":"gpt-4o"}`),
		ResponseBody:   json.RawMessage(`[{"n":1}]`),
		ErrorMessage:   &msg,
		CreatedAt:      time.Now().UTC(),
	})

	logs, _, err := s.ListLogs(ctx, gateway.LogFilter{Page: 1, PerPage: 1})
	if err != nil {
		t.Fatal("list:", err)
	}
	got := logs[0]
	if !got.IsError || !got.IsStream {
		t.Errorf("flags = error:%v stream:%v, want true/true", got.IsError, got.IsStream)
	}
	if string(got.RequestBody) != `{"model":"gpt-4o"}` {
		t.Errorf("request body = %s", got.RequestBody)
	}
	if string(got.ResponseBody) != `[{"n":1}]` {
		t.Errorf("response body = %s", got.ResponseBody)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "boom" {
		t.Errorf("error message = %v", got.ErrorMessage)
	}
}
