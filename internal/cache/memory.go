package cache

import (
	"context"
	"errors"
	"sync"
)

// NewMemoryStorage 构建进程内缓存，limit 为全部仓库正文字节数上限（<=0 表示不限制）。
// 进程退出后内容即丢失，适合测试或无持久化需求的部署。
func NewMemoryStorage(limit int64) *Storage {
	return newStorage(&memoryStore{
		limit:  limit,
		stores: make(map[string]*memoryBucket),
	}, "memory")
}

type memoryStore struct {
	mu     sync.RWMutex
	limit  int64
	used   int64
	order  []string
	stores map[string]*memoryBucket
}

type memoryBucket struct {
	order   []string
	entries map[string]*record
}

func (m *memoryStore) createStore(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stores[name]; ok {
		return false, nil
	}
	m.stores[name] = &memoryBucket{entries: make(map[string]*record)}
	m.order = append(m.order, name)
	return true, nil
}

func (m *memoryStore) hasStore(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *memoryStore) storeNames(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...), nil
}

func (m *memoryStore) deleteStore(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	for _, rec := range bucket.entries {
		m.used -= rec.size()
	}
	delete(m.stores, name)
	m.order = removeString(m.order, name)
	return true, nil
}

func (m *memoryStore) getEntry(_ context.Context, store, key string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.stores[store]
	if !ok {
		return nil, ErrStoreNotFound
	}
	rec, ok := bucket.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *memoryStore) putEntry(_ context.Context, store string, rec *record) error {
	if rec == nil {
		return errors.New("nil record")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.stores[store]
	if !ok {
		return ErrStoreNotFound
	}
	var previous int64
	if existing, ok := bucket.entries[rec.Key]; ok {
		previous = existing.size()
	}
	if m.limit > 0 && m.used-previous+rec.size() > m.limit {
		return ErrQuotaExceeded
	}
	m.used += rec.size() - previous
	bucket.entries[rec.Key] = rec.clone()
	bucket.order = append(removeString(bucket.order, rec.Key), rec.Key)
	return nil
}

func (m *memoryStore) removeEntry(_ context.Context, store, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.stores[store]
	if !ok {
		return false, ErrStoreNotFound
	}
	rec, ok := bucket.entries[key]
	if !ok {
		return false, nil
	}
	m.used -= rec.size()
	delete(bucket.entries, key)
	bucket.order = removeString(bucket.order, key)
	return true, nil
}

func (m *memoryStore) entryKeys(_ context.Context, store string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.stores[store]
	if !ok {
		return nil, ErrStoreNotFound
	}
	return append([]string(nil), bucket.order...), nil
}

func (m *memoryStore) close() error {
	return nil
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, item := range list {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}
