package resilience

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	counter   int64
	value     []byte
	expiresAt time.Time
}

// MemoryStore is an in-process SharedCounterStore. It only coordinates
// callers inside one process.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]*memEntry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now, entries: make(map[string]*memEntry)}
}

// WithClock replaces the time source. Intended for tests.
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

func (m *MemoryStore) liveLocked(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

// IncrementAndGetTTL implements SharedCounterStore.
func (m *MemoryStore) IncrementAndGetTTL(_ context.Context, key string) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.counter++
	if e.expiresAt.IsZero() {
		return e.counter, -1, nil
	}
	return e.counter, e.expiresAt.Sub(m.now()), nil
}

// Expire implements SharedCounterStore.
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.liveLocked(key); ok {
		e.expiresAt = m.now().Add(ttl)
	}
	return nil
}

// SetIfAbsent implements SharedCounterStore.
func (m *MemoryStore) SetIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveLocked(key); ok {
		return false, nil
	}
	m.entries[key] = &memEntry{value: cloneBytes(value), expiresAt: m.expiry(ttl)}
	return true, nil
}

// Get implements SharedCounterStore.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.liveLocked(key)
	if !ok || e.value == nil {
		return nil, false, nil
	}
	return cloneBytes(e.value), true, nil
}

// Set implements SharedCounterStore.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{value: cloneBytes(value), expiresAt: m.expiry(ttl)}
	return nil
}

// Delete implements SharedCounterStore.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

var _ SharedCounterStore = (*MemoryStore)(nil)
