package emergency

import (
	"context"
	"errors"

	"nijasafe/internal/geo"
)

// ErrNotFound：Update 遇到未知 id
var ErrNotFound = errors.New("emergency not found")

// NearbyQuery：Center 周围 RadiusMeters 内未解决的记录，倒序，至多 Limit 条
type NearbyQuery struct {
	Center       geo.Point
	RadiusMeters float64
	Limit        int
}

// MutateFunc：在 Update 内原地修改记录；返回错误则放弃写入
type MutateFunc func(r *Record) error

// Repository：紧急事件的持久化接口
type Repository interface {
	Create(ctx context.Context, r *Record) error
	// GetByID 未知 id 返回 nil, nil
	GetByID(ctx context.Context, id string) (*Record, error)
	Nearby(ctx context.Context, q NearbyQuery) ([]*Record, error)
	// Update 在已提交状态上执行 fn 并原子写回
	// 约束：同一 id 的并发更新串行执行，不丢失
	Update(ctx context.Context, id string, fn MutateFunc) (*Record, error)
}

// nearbyFilter：半径内且未解决
func nearbyFilter(q NearbyQuery, r *Record) bool {
	if r.Status == StatusResolved {
		return false
	}
	return geo.DistanceMeters(q.Center, r.Coordinates) <= q.RadiusMeters
}
