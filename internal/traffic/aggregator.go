// 包 traffic：按 0.01° 网格累计的实时车流密度，每次递增把该格有效期顺延 TTL（滑动窗口）
package traffic

import (
	"context"
	"time"

	"nijasafe/internal/geo"
)

// DefaultTTL：网格计数有效期
const DefaultTTL = 300 * time.Second

// Density：某格当前计数
type Density struct {
	Cell  string `json:"cell"`
	Count int64  `json:"count"`
}

// Aggregator：密度聚合契约；计数只增不减，过期后视为 0
type Aggregator interface {
	Increment(ctx context.Context, lat, lng float64) (Density, error)
	Density(ctx context.Context, lat, lng float64) (Density, error)
}

func cellKey(lat, lng float64) (string, error) {
	if err := geo.Validate(lat, lng); err != nil {
		return "", err
	}
	return geo.CellOf(lat, lng).Key(), nil
}
