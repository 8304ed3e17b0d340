package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"nijasafe/internal/apperr"
	"nijasafe/internal/geo"
)

// MemoryStore：进程内实现，单实例部署与测试使用
type MemoryStore struct {
	mu   sync.RWMutex
	m    map[string]Sample
	ttl  time.Duration
	nowF func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{m: make(map[string]Sample), ttl: ttl, nowF: time.Now}
}

// WithClock 替换时钟，仅测试使用
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.nowF = now
	return s
}

func (s *MemoryStore) Upsert(ctx context.Context, userID string, lat, lng float64) (Sample, error) {
	if userID == "" {
		return Sample{}, apperr.Validation("userId is required")
	}
	if err := geo.Validate(lat, lng); err != nil {
		return Sample{}, err
	}
	smp := Sample{UserID: userID, Lat: lat, Lng: lng, ObservedAt: s.nowF().UTC()}
	s.mu.Lock()
	s.m[userID] = smp
	s.mu.Unlock()
	return smp, nil
}

func (s *MemoryStore) Get(ctx context.Context, userID string) (Sample, bool, error) {
	s.mu.RLock()
	smp, ok := s.m[userID]
	s.mu.RUnlock()
	if !ok {
		return Sample{}, false, nil
	}
	if expired(smp, s.nowF(), s.ttl) {
		s.mu.Lock()
		if cur, ok := s.m[userID]; ok && cur.ObservedAt.Equal(smp.ObservedAt) {
			delete(s.m, userID)
		}
		s.mu.Unlock()
		return Sample{}, false, nil
	}
	return smp, true, nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]Sample, error) {
	now := s.nowF()
	s.mu.RLock()
	out := make([]Sample, 0, len(s.m))
	for _, smp := range s.m {
		if !expired(smp, now, s.ttl) {
			out = append(out, smp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Sweep：物理清理已过期条目，返回删除数量
func (s *MemoryStore) Sweep() int {
	now := s.nowF()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, smp := range s.m {
		if expired(smp, now, s.ttl) {
			delete(s.m, k)
			n++
		}
	}
	return n
}
