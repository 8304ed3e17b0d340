// 包 geo：坐标校验、球面距离与网格量化；供在线位置、交通密度与附近事件查询共用
package geo

import (
	"fmt"
	"math"

	"nijasafe/internal/apperr"
)

// EarthRadiusMeters：WGS84 平均半径
const EarthRadiusMeters = 6371000.0

// cellScale：网格分辨率 0.01°（约 1.1km）
const cellScale = 100

// Point：WGS84 坐标
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate：lat∈[-90,90]、lng∈[-180,180]，NaN 视为非法
func Validate(lat, lng float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return apperr.Validation("lat %v out of range [-90,90]", lat)
	}
	if math.IsNaN(lng) || lng < -180 || lng > 180 {
		return apperr.Validation("lng %v out of range [-180,180]", lng)
	}
	return nil
}

func (p Point) Validate() error { return Validate(p.Lat, p.Lng) }

// DistanceMeters：Haversine 球面距离（米）
func DistanceMeters(a, b Point) float64 {
	const rad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLng := (b.Lng - a.Lng) * rad
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(s), math.Sqrt(1-s))
}

// Cell：量化后的网格坐标
type Cell struct {
	LatIdx int64
	LngIdx int64
}

// CellOf：floor(lat·100), floor(lng·100)
func CellOf(lat, lng float64) Cell {
	return Cell{LatIdx: int64(math.Floor(lat * cellScale)), LngIdx: int64(math.Floor(lng * cellScale))}
}

// Key：稳定的字符串键，形如 "-128_3682"
func (c Cell) Key() string { return fmt.Sprintf("%d_%d", c.LatIdx, c.LngIdx) }

// BBox：以 center 为中心、radius 米为半径的外接矩形
// 约束：跨越 ±180° 经线或覆盖极点时 WrapsLng=true，调用方不应再按经度过滤
type BBox struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
	WrapsLng       bool
}

func BoundingBox(center Point, radiusMeters float64) BBox {
	dLat := radiusMeters / EarthRadiusMeters * 180 / math.Pi
	b := BBox{MinLat: center.Lat - dLat, MaxLat: center.Lat + dLat}
	if b.MinLat < -90 || b.MaxLat > 90 {
		b.MinLat = math.Max(b.MinLat, -90)
		b.MaxLat = math.Min(b.MaxLat, 90)
		b.WrapsLng = true
		return b
	}
	dLng := dLat / math.Cos(center.Lat*math.Pi/180)
	b.MinLng = center.Lng - dLng
	b.MaxLng = center.Lng + dLng
	if b.MinLng < -180 || b.MaxLng > 180 {
		b.WrapsLng = true
	}
	return b
}
