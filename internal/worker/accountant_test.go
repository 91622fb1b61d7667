package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/skralg/heimdall/internal"
)

// fakeLogStore records inserts and deletes, signalling each on a channel.
type fakeLogStore struct {
	mu       sync.Mutex
	inserted []*gateway.RequestLog
	cutoffs  []time.Time
	deleteN  int64
	signal   chan struct{}
}

func newFakeLogStore() *fakeLogStore {
	return &fakeLogStore{signal: make(chan struct{}, 64)}
}

func (f *fakeLogStore) InsertLog(_ context.Context, log *gateway.RequestLog) error {
	f.mu.Lock()
	f.inserted = append(f.inserted, log)
	f.mu.Unlock()
	f.notify()
	return nil
}

// notify signals a write without ever blocking the store.
func (f *fakeLogStore) notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *fakeLogStore) ListLogs(context.Context, gateway.LogFilter) ([]*gateway.RequestLogInfo, int64, error) {
	return nil, 0, nil
}

func (f *fakeLogStore) DeleteLogsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	f.cutoffs = append(f.cutoffs, cutoff)
	n := f.deleteN
	f.mu.Unlock()
	f.notify()
	return n, nil
}

func (f *fakeLogStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

// fakeUsageStore tracks token increments; the unused KeyStore methods are
// no-ops.
type fakeUsageStore struct {
	mu         sync.Mutex
	increments map[string]int64
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{increments: make(map[string]int64)}
}

func (f *fakeUsageStore) IncrementTokensUsed(_ context.Context, id string, delta int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.increments[id] += delta
	return nil
}

func (f *fakeUsageStore) total(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.increments[id]
}

func (f *fakeUsageStore) CreateKey(context.Context, *gateway.UserKey) error { return nil }
func (f *fakeUsageStore) GetActiveKey(context.Context, string) (*gateway.UserKey, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeUsageStore) GetIdentityByHash(context.Context, string) (*gateway.KeyIdentity, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeUsageStore) ListActiveKeyHashes(context.Context) ([]string, error) { return nil, nil }
func (f *fakeUsageStore) ListKeys(context.Context) ([]*gateway.UserKeyInfo, error) {
	return nil, nil
}
func (f *fakeUsageStore) GetKeyInfo(context.Context, string) (*gateway.UserKeyInfo, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeUsageStore) UpdateKeyCredentials(context.Context, string, string, string) error {
	return nil
}
func (f *fakeUsageStore) UpdateKeyBudget(context.Context, string, *int64, bool) error { return nil }
func (f *fakeUsageStore) DeactivateKey(context.Context, string) error                 { return nil }

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for store write")
	}
}

func TestAccountantPersistsLogAndIncrement(t *testing.T) {
	t.Parallel()
	logs := newFakeLogStore()
	keys := newFakeUsageStore()
	a := NewAccountant(logs, keys, nil)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()

	keyID := "key-1"
	total := int64(30)
	a.Record(&gateway.RequestLog{ID: "log-1", UserKeyID: &keyID, TotalTokens: &total})
	waitSignal(t, logs.signal)

	cancel()
	<-done

	if logs.insertCount() != 1 {
		t.Errorf("inserts = %d, want 1", logs.insertCount())
	}
	if got := keys.total("key-1"); got != 30 {
		t.Errorf("increment = %d, want 30", got)
	}
}

func TestAccountantSkipsIncrementWithoutUsage(t *testing.T) {
	t.Parallel()
	logs := newFakeLogStore()
	keys := newFakeUsageStore()
	a := NewAccountant(logs, keys, nil)

	keyID := "key-1"
	zero := int64(0)
	// No key, no totals, zero totals: the row is inserted, the counter is not.
	a.Record(&gateway.RequestLog{ID: "log-1", TotalTokens: &zero})
	a.Record(&gateway.RequestLog{ID: "log-2", UserKeyID: &keyID})
	a.Record(&gateway.RequestLog{ID: "log-3", UserKeyID: &keyID, TotalTokens: &zero})

	ctx, cancel := context.WithCancel(t.Context())
	cancel() // Run drains the backlog immediately
	if err := a.Run(ctx); err != nil {
		t.Fatal("run:", err)
	}

	if logs.insertCount() != 3 {
		t.Errorf("inserts = %d, want 3", logs.insertCount())
	}
	if got := keys.total("key-1"); got != 0 {
		t.Errorf("increment = %d, want 0", got)
	}
}

func TestAccountantDrainsBacklogOnShutdown(t *testing.T) {
	t.Parallel()
	logs := newFakeLogStore()
	a := NewAccountant(logs, newFakeUsageStore(), nil)

	for i := 0; i < 10; i++ {
		a.Record(&gateway.RequestLog{ID: "log"})
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatal("run:", err)
	}
	if logs.insertCount() != 10 {
		t.Errorf("inserts = %d, want the whole backlog of 10", logs.insertCount())
	}
}

func TestAccountantRecordNeverBlocks(t *testing.T) {
	t.Parallel()
	logs := newFakeLogStore()
	a := NewAccountant(logs, newFakeUsageStore(), nil)

	// Without a running Run loop the channel fills; the overflow is dropped
	// rather than blocking the caller.
	for i := 0; i < accountChanSize+5; i++ {
		a.Record(&gateway.RequestLog{ID: "log"})
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := a.Run(ctx); err != nil {
		t.Fatal("run:", err)
	}
	if logs.insertCount() != accountChanSize {
		t.Errorf("inserts = %d, want %d (overflow dropped)", logs.insertCount(), accountChanSize)
	}
}
