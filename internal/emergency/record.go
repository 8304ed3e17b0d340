// 包 emergency：紧急事件记录、状态生命周期与地理检索
package emergency

import (
	"time"

	"nijasafe/internal/geo"
)

// Type：事件类别
type Type string

const (
	TypeAccident  Type = "accident"
	TypeMedical   Type = "medical"
	TypeBreakdown Type = "breakdown"
	TypeCrime     Type = "crime"
	TypeOther     Type = "other"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAccident, TypeMedical, TypeBreakdown, TypeCrime, TypeOther:
		return true
	}
	return false
}

// Severity：严重程度
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

type ResponderKind string

const (
	ResponderPolice    ResponderKind = "police"
	ResponderAmbulance ResponderKind = "ambulance"
	ResponderFire      ResponderKind = "fire"
	ResponderCommunity ResponderKind = "community"
)

func (k ResponderKind) Valid() bool {
	switch k {
	case ResponderPolice, ResponderAmbulance, ResponderFire, ResponderCommunity:
		return true
	}
	return false
}

// Responder：响应方
// 约束：只追加，不删除
type Responder struct {
	Kind      ResponderKind `json:"kind"`
	Status    string        `json:"status,omitempty"`
	ArrivedAt *time.Time    `json:"arrivedAt,omitempty"`
}

// Record：持久化的紧急事件
type Record struct {
	ID          string         `json:"id"`
	UserID      string         `json:"userId"`
	Type        Type           `json:"type"`
	Coordinates geo.Point      `json:"coordinates"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	Responders  []Responder    `json:"responders"`
	SessionID   string         `json:"sessionId,omitempty"`
	Extensions  map[string]any `json:"extensions,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Clone：深拷贝，调用方之间不共享响应方切片与扩展字段
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Responders = make([]Responder, len(r.Responders))
	for i, rs := range r.Responders {
		c.Responders[i] = rs
		if rs.ArrivedAt != nil {
			t := *rs.ArrivedAt
			c.Responders[i].ArrivedAt = &t
		}
	}
	if r.Extensions != nil {
		c.Extensions = make(map[string]any, len(r.Extensions))
		for k, v := range r.Extensions {
			c.Extensions[k] = v
		}
	}
	return &c
}
