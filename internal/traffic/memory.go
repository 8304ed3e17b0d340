package traffic

import (
	"context"
	"sync"
	"time"
)

type cell struct {
	count       int64
	lastUpdated time.Time
}

// MemoryAggregator：进程内实现
type MemoryAggregator struct {
	mu    sync.Mutex
	cells map[string]*cell
	ttl   time.Duration
	nowF  func() time.Time
}

func NewMemoryAggregator(ttl time.Duration) *MemoryAggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryAggregator{cells: make(map[string]*cell), ttl: ttl, nowF: time.Now}
}

// WithClock 替换时钟，仅测试使用
func (a *MemoryAggregator) WithClock(now func() time.Time) *MemoryAggregator {
	a.nowF = now
	return a
}

func (a *MemoryAggregator) Increment(ctx context.Context, lat, lng float64) (Density, error) {
	key, err := cellKey(lat, lng)
	if err != nil {
		return Density{}, err
	}
	now := a.nowF()
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cells[key]
	if !ok || now.Sub(c.lastUpdated) > a.ttl {
		c = &cell{}
		a.cells[key] = c
	}
	c.count++
	c.lastUpdated = now
	return Density{Cell: key, Count: c.count}, nil
}

func (a *MemoryAggregator) Density(ctx context.Context, lat, lng float64) (Density, error) {
	key, err := cellKey(lat, lng)
	if err != nil {
		return Density{}, err
	}
	now := a.nowF()
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cells[key]
	if !ok {
		return Density{Cell: key}, nil
	}
	if now.Sub(c.lastUpdated) > a.ttl {
		delete(a.cells, key)
		return Density{Cell: key}, nil
	}
	return Density{Cell: key, Count: c.count}, nil
}

// Sweep：删除窗口外的格子并返回删除数量；单进程模式由主入口定时调用
func (a *MemoryAggregator) Sweep() int {
	now := a.nowF()
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for k, c := range a.cells {
		if now.Sub(c.lastUpdated) > a.ttl {
			delete(a.cells, k)
			n++
		}
	}
	return n
}
