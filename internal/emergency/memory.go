package emergency

import (
	"context"
	"sort"
	"sync"
)

type memEntry struct {
	mu  sync.Mutex
	rec *Record
}

// MemoryRepository：进程内存储
// 约束：每条记录独立加锁，不同 id 的更新互不争用
type MemoryRepository struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]*memEntry)}
}

func (m *MemoryRepository) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[r.ID] = &memEntry{rec: r.Clone()}
	return nil
}

func (m *MemoryRepository) GetByID(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (m *MemoryRepository) Nearby(ctx context.Context, q NearbyQuery) ([]*Record, error) {
	m.mu.RLock()
	all := make([]*memEntry, 0, len(m.entries))
	for _, e := range m.entries {
		all = append(all, e)
	}
	m.mu.RUnlock()

	var out []*Record
	for _, e := range all {
		e.mu.Lock()
		if nearbyFilter(q, e.rec) {
			out = append(out, e.rec.Clone())
		}
		e.mu.Unlock()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryRepository) Update(ctx context.Context, id string, fn MutateFunc) (*Record, error) {
	m.mu.RLock()
	e, ok := m.entries[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.rec.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	e.rec = next
	return next.Clone(), nil
}
