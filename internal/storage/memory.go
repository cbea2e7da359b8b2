package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ranksheet-engine/internal/ranksheet"
	"ranksheet-engine/internal/resilience"
)

// Memory is an in-process Backend for local runs and tests. Locks and
// counters only coordinate callers within the same process.
type Memory struct {
	*resilience.MemoryStore

	mu       sync.Mutex
	now      func() time.Time
	keywords map[string]Keyword
	periods  map[string]map[string]ranksheet.Period
	locks    map[string]struct{}
}

// NewMemory returns an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		MemoryStore: resilience.NewMemoryStore(),
		now:         time.Now,
		keywords:    make(map[string]Keyword),
		periods:     make(map[string]map[string]ranksheet.Period),
		locks:       make(map[string]struct{}),
	}
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *Memory) Close() {}

// PurgeExpired is a no-op; expired entries are dropped lazily.
func (m *Memory) PurgeExpired(context.Context) (int64, error) { return 0, nil }

// TryLockKeyword implements KeywordLocker.
func (m *Memory) TryLockKeyword(_ context.Context, slug string) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.locks[slug]; held {
		return nil, false, nil
	}
	m.locks[slug] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.locks, slug)
			m.mu.Unlock()
		})
	}, true, nil
}

// UpsertKeyword implements KeywordStore.
func (m *Memory) UpsertKeyword(_ context.Context, kw Keyword) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.keywords[kw.Slug]; ok {
		existing.Phrase = kw.Phrase
		existing.Marketplace = kw.Marketplace
		existing.Enabled = kw.Enabled
		m.keywords[kw.Slug] = existing
		return nil
	}
	if kw.Status == "" {
		kw.Status = KeywordPending
	}
	// strictly increasing so listing order is registration order
	kw.CreatedAt = m.now().UTC()
	for _, other := range m.keywords {
		if !kw.CreatedAt.After(other.CreatedAt) {
			kw.CreatedAt = other.CreatedAt.Add(time.Microsecond)
		}
	}
	m.keywords[kw.Slug] = kw
	return nil
}

// ListKeywords implements KeywordStore.
func (m *Memory) ListKeywords(_ context.Context, enabledOnly bool) ([]Keyword, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Keyword, 0, len(m.keywords))
	for _, kw := range m.keywords {
		if enabledOnly && !kw.Enabled {
			continue
		}
		out = append(out, kw)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Slug < out[j].Slug
	})
	return out, nil
}

// GetKeyword implements KeywordStore.
func (m *Memory) GetKeyword(_ context.Context, slug string) (Keyword, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kw, ok := m.keywords[slug]
	if !ok {
		return Keyword{}, fmt.Errorf("%s: %w", slug, ErrKeywordNotFound)
	}
	return kw, nil
}

// MarkKeywordActive implements KeywordStore.
func (m *Memory) MarkKeywordActive(_ context.Context, slug string, refreshedAt time.Time) error {
	return m.updateKeyword(slug, func(kw *Keyword) {
		at := refreshedAt
		kw.Status = KeywordActive
		kw.LastError = ""
		kw.LastRefreshedAt = &at
	})
}

// MarkKeywordError implements KeywordStore.
func (m *Memory) MarkKeywordError(_ context.Context, slug string, errMsg string) error {
	return m.updateKeyword(slug, func(kw *Keyword) {
		kw.Status = KeywordError
		kw.LastError = errMsg
	})
}

func (m *Memory) updateKeyword(slug string, mutate func(*Keyword)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kw, ok := m.keywords[slug]
	if !ok {
		return fmt.Errorf("update keyword %s: %w", slug, ErrKeywordNotFound)
	}
	mutate(&kw)
	m.keywords[slug] = kw
	return nil
}

// SavePeriod implements PeriodStore.
func (m *Memory) SavePeriod(_ context.Context, slug string, period ranksheet.Period) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byPeriod, ok := m.periods[slug]
	if !ok {
		byPeriod = make(map[string]ranksheet.Period)
		m.periods[slug] = byPeriod
	}
	period.Rows = append([]ranksheet.SanitizedRow(nil), period.Rows...)
	byPeriod[period.DataPeriod] = period
	return nil
}

// LoadRecentPeriods implements PeriodStore.
func (m *Memory) LoadRecentPeriods(_ context.Context, slug string, limit int) ([]ranksheet.Period, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sortedLocked(slug)
	if limit >= 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PreviousPeriod implements PeriodStore.
func (m *Memory) PreviousPeriod(_ context.Context, slug, before string) (ranksheet.Period, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.sortedLocked(slug) {
		// YYYY-MM-DD compares chronologically as a string
		if p.DataPeriod < before {
			return p, true, nil
		}
	}
	return ranksheet.Period{}, false, nil
}

// sortedLocked returns the periods of slug, newest first.
func (m *Memory) sortedLocked(slug string) []ranksheet.Period {
	byPeriod := m.periods[slug]
	out := make([]ranksheet.Period, 0, len(byPeriod))
	for _, p := range byPeriod {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DataPeriod > out[j].DataPeriod })
	return out
}

var _ Backend = (*Memory)(nil)
