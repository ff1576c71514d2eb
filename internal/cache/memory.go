package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryTier is the in-process tier: fastest, smallest, per-process.
// Entries are immutable once written; expiry replaces, never mutates.
type MemoryTier struct {
	mu         sync.Mutex
	entries    map[string]memoryEntry
	order      []string
	maxEntries int

	now func() time.Time
}

func NewMemoryTier(maxEntries int) *MemoryTier {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryTier{
		entries:    map[string]memoryEntry{},
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *MemoryTier) Name() string { return TierMemory }

func (m *MemoryTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (m *MemoryTier) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[key]; !exists {
		m.order = append(m.order, key)
	}
	m.entries[key] = memoryEntry{value: value, expiresAt: m.now().Add(ttl)}
	m.evictLocked()
	return nil
}

// evictLocked drops the oldest-inserted entries once the tier is over
// capacity. Insert order is a cheap stand-in for recency at this tier's
// scale; precise LRU lives in the slower tiers' stores.
func (m *MemoryTier) evictLocked() {
	for len(m.entries) > m.maxEntries && len(m.order) > 0 {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
}

func (m *MemoryTier) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
