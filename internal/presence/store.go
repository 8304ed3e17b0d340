// 包 presence：用户在线位置缓存（每用户一条，后写覆盖），按滑动 TTL 自动过期
package presence

import (
	"context"
	"time"

	"nijasafe/internal/geo"
)

// DefaultTTL：位置样本有效期
const DefaultTTL = 60 * time.Second

// Sample：某用户最近一次上报的位置
type Sample struct {
	UserID     string    `json:"userId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	ObservedAt time.Time `json:"observedAt"`
}

func (s Sample) Point() geo.Point { return geo.Point{Lat: s.Lat, Lng: s.Lng} }

// Store：在线位置存储契约
// 约束：Get/ListActive 在读取时判定过期，物理删除可以延后；坐标非法返回 ValidationError
type Store interface {
	Upsert(ctx context.Context, userID string, lat, lng float64) (Sample, error)
	Get(ctx context.Context, userID string) (Sample, bool, error)
	ListActive(ctx context.Context) ([]Sample, error)
}

func expired(s Sample, now time.Time, ttl time.Duration) bool {
	return now.Sub(s.ObservedAt) > ttl
}
