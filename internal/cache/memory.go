package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps entries in a map. When full, the entry cached earliest
// makes room for a new key.
type memoryStore struct {
	maxSize int

	mu      sync.RWMutex
	entries map[string]*Entry
	counts  counters

	done     chan struct{}
	stopOnce sync.Once
}

var _ CacheBackend = (*memoryStore)(nil)

func newMemoryStore(config *Config) *memoryStore {
	m := &memoryStore{
		maxSize: config.MaxSize,
		entries: make(map[string]*Entry),
		done:    make(chan struct{}),
	}
	if config.CleanupPeriod > 0 {
		go m.sweep(config.CleanupPeriod)
	}
	return m
}

func (m *memoryStore) Get(_ context.Context, key string) (*Entry, bool) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if ok && entry.expired(time.Now()) {
		delete(m.entries, key)
		ok = false
	}
	var out Entry
	if ok {
		entry.Hits++
		out = *entry
	}
	m.mu.Unlock()

	m.counts.lookup(ok)
	if !ok {
		return nil, false
	}
	return &out, true
}

func (m *memoryStore) Set(_ context.Context, key string, response interface{}, ttl time.Duration, metadata map[string]string) error {
	entry, err := newEntry(key, response, ttl, metadata)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, replacing := m.entries[key]; !replacing && m.maxSize > 0 && len(m.entries) >= m.maxSize {
		m.evictEarliest()
	}
	m.entries[key] = entry
	return nil
}

// evictEarliest removes the entry with the oldest CachedAt. Callers hold m.mu.
func (m *memoryStore) evictEarliest() {
	var victim *Entry
	for _, e := range m.entries {
		if victim == nil || e.CachedAt.Before(victim.CachedAt) {
			victim = e
		}
	}
	if victim != nil {
		delete(m.entries, victim.Key)
		m.counts.evicted()
	}
}

func (m *memoryStore) Delete(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *memoryStore) InvalidateByModel(_ context.Context, modelName string) int {
	return m.removeWhere(func(e *Entry) bool { return e.ModelName == modelName })
}

func (m *memoryStore) InvalidateByPattern(_ context.Context, pattern string) int {
	return m.removeWhere(func(e *Entry) bool { return strings.HasPrefix(e.Key, pattern) })
}

func (m *memoryStore) removeWhere(match func(*Entry) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, e := range m.entries {
		if match(e) {
			delete(m.entries, key)
			n++
		}
	}
	return n
}

func (m *memoryStore) GetStats(_ context.Context) *Stats {
	m.mu.RLock()
	n := len(m.entries)
	m.mu.RUnlock()
	return m.counts.snapshot(int64(n))
}

func (m *memoryStore) Ping(context.Context) error { return nil }

func (m *memoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *memoryStore) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case now := <-ticker.C:
			m.removeWhere(func(e *Entry) bool { return e.expired(now) })
		}
	}
}
