package kv

import (
	"context"
	"sync"
)

// Memory is an in-process Store for tests and Redis-less development.
// Sets and hashes share one namespace, matching Redis key semantics.
type Memory struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
	maps map[string]map[string]string
}

// NewMemory returns an empty in-memory Store.
func NewMemory() *Memory {
	return &Memory{
		sets: make(map[string]map[string]struct{}),
		maps: make(map[string]map[string]string),
	}
}

// SAdd adds members to the set at key.
func (m *Memory) SAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		s = make(map[string]struct{})
		m.sets[key] = s
	}
	for _, mem := range members {
		s[mem] = struct{}{}
	}
	return nil
}

// SRem removes a member from the set at key.
func (m *Memory) SRem(_ context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets[key], member)
	return nil
}

// SIsMember reports set membership.
func (m *Memory) SIsMember(_ context.Context, key, member string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sets[key][member]
	return ok, nil
}

// HGet returns the value of field in the hash at key.
func (m *Memory) HGet(_ context.Context, key, field string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	val, ok := m.maps[key][field]
	return val, ok, nil
}

// HSet sets field to value in the hash at key.
func (m *Memory) HSet(_ context.Context, key, field, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.maps[key]
	if !ok {
		h = make(map[string]string)
		m.maps[key] = h
	}
	h[field] = value
	return nil
}

// HDel removes a field from the hash at key.
func (m *Memory) HDel(_ context.Context, key, field string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.maps[key], field)
	return nil
}

// Del removes an entire key.
func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, key)
	delete(m.maps, key)
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() error { return nil }
