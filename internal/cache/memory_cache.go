package cache

import (
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	value   []byte
	expires time.Time
	touched time.Time
}

// MemoryCache кеш в памяти процесса с ограничением числа ключей.
// При переполнении вытесняется ключ, к которому дольше всего не обращались.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]*memoryItem
	maxEntries int
	closed     bool

	hits   int64
	misses int64
	now    func() time.Time
}

// NewMemoryCache создает кеш на maxEntries ключей (0 - без ограничения)
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		items:      make(map[string]*memoryItem),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	now := m.now()
	item, ok := m.items[key]
	if ok && !item.expires.IsZero() && now.After(item.expires) {
		delete(m.items, key)
		ok = false
	}
	if !ok {
		m.misses++
		return nil, ErrCacheMiss
	}

	m.hits++
	item.touched = now
	return append([]byte(nil), item.value...), nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	now := m.now()
	item := &memoryItem{value: append([]byte(nil), value...), touched: now}
	if ttl > 0 {
		item.expires = now.Add(ttl)
	}

	if _, exists := m.items[key]; !exists && m.maxEntries > 0 && len(m.items) >= m.maxEntries {
		m.evictLocked()
	}
	m.items[key] = item
	return nil
}

// evictLocked удаляет самый давно использованный ключ
func (m *MemoryCache) evictLocked() {
	var oldestKey string
	var oldest time.Time
	for k, it := range m.items {
		if oldestKey == "" || it.touched.Before(oldest) {
			oldestKey, oldest = k, it.touched
		}
	}
	delete(m.items, oldestKey)
}

func (m *MemoryCache) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[key]
	if !ok {
		return false, nil
	}
	return item.expires.IsZero() || !m.now().After(item.expires), nil
}

func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.items = nil
	return nil
}

func (m *MemoryCache) GetMetrics() *CacheMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &CacheMetrics{
		TotalRequests: m.hits + m.misses,
		CacheHits:     m.hits,
		CacheMisses:   m.misses,
		HitRatio:      hitRatio(m.hits, m.misses),
		TotalKeys:     int64(len(m.items)),
		LastUpdate:    time.Now(),
	}
}
