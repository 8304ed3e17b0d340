package emergency

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"nijasafe/internal/apperr"
	"nijasafe/internal/geo"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
)

const (
	DefaultNearbyRadiusMeters = 5000.0
	DefaultNearbyLimit        = 20
)

// CreateInput：新记录中由调用方提供的字段
// 约束：Coordinates 为指针，缺失与 (0,0) 可区分
type CreateInput struct {
	UserID      string         `json:"userId"`
	Type        Type           `json:"type"`
	Coordinates *geo.Point     `json:"coordinates"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	SessionID   string         `json:"-"`
	Extensions  map[string]any `json:"extensions,omitempty"`
}

// Options：零值取默认
type Options struct {
	// Strict：Transition 按生命周期图校验；关闭时可写入任意合法状态，与旧行为一致
	Strict             bool
	NearbyRadiusMeters float64
	NearbyLimit        int
}

// Registry：存储之上的服务层，负责校验输入、分配 id 与时间戳、约束生命周期，并把存储失败映射为 apperr 类别
type Registry struct {
	repo  Repository
	opts  Options
	nowF  func() time.Time
	newID func() string
}

func NewRegistry(repo Repository, opts Options) *Registry {
	if opts.NearbyRadiusMeters <= 0 {
		opts.NearbyRadiusMeters = DefaultNearbyRadiusMeters
	}
	if opts.NearbyLimit <= 0 {
		opts.NearbyLimit = DefaultNearbyLimit
	}
	return &Registry{
		repo:  repo,
		opts:  opts,
		nowF:  func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// WithClock：替换时间源，测试用
func (g *Registry) WithClock(now func() time.Time) *Registry {
	g.nowF = now
	return g
}

// Create：校验后以 pending 状态入库
func (g *Registry) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, apperr.Validation("userId is required")
	}
	if in.Coordinates == nil {
		return nil, apperr.Validation("coordinates are required")
	}
	if err := in.Coordinates.Validate(); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = TypeOther
	}
	if !in.Type.Valid() {
		return nil, apperr.Validation("unknown emergency type %q", in.Type)
	}
	if in.Severity == "" {
		in.Severity = SeverityMedium
	}
	if !in.Severity.Valid() {
		return nil, apperr.Validation("unknown severity %q", in.Severity)
	}

	now := g.nowF()
	r := &Record{
		ID:          g.newID(),
		UserID:      in.UserID,
		Type:        in.Type,
		Coordinates: *in.Coordinates,
		Severity:    in.Severity,
		Description: in.Description,
		Status:      StatusPending,
		Responders:  []Responder{},
		SessionID:   in.SessionID,
		Extensions:  in.Extensions,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.repo.Create(ctx, r); err != nil {
		return nil, apperr.Dependency("create emergency", err)
	}
	metrics.EmergenciesCreated.WithLabelValues(string(r.Type), string(r.Severity)).Inc()
	logger.L().Info("emergency_created", "id", r.ID, "user", r.UserID, "type", r.Type, "severity", r.Severity)
	return r, nil
}

func (g *Registry) Get(ctx context.Context, id string) (*Record, error) {
	r, err := g.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Dependency("get emergency", err)
	}
	if r == nil {
		return nil, apperr.NotFound("emergency %s not found", id)
	}
	return r, nil
}

// Nearby：半径内未解决的记录，按创建时间倒序
// 约束：半径或上限非正时取配置默认值
func (g *Registry) Nearby(ctx context.Context, center geo.Point, radiusMeters float64, limit int) ([]*Record, error) {
	if err := center.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		radiusMeters = g.opts.NearbyRadiusMeters
	}
	if limit <= 0 || limit > g.opts.NearbyLimit {
		limit = g.opts.NearbyLimit
	}
	out, err := g.repo.Nearby(ctx, NearbyQuery{Center: center, RadiusMeters: radiusMeters, Limit: limit})
	if err != nil {
		return nil, apperr.Dependency("nearby emergencies", err)
	}
	if out == nil {
		out = []*Record{}
	}
	return out, nil
}

// Transition：变更记录状态
func (g *Registry) Transition(ctx context.Context, id string, to Status) (*Record, error) {
	if !to.Valid() {
		return nil, apperr.Validation("unknown status %q", to)
	}
	r, err := g.update(ctx, id, func(r *Record) error {
		if g.opts.Strict && !CanTransition(r.Status, to) {
			return apperr.InvalidTransition(string(r.Status), string(to))
		}
		r.Status = to
		r.UpdatedAt = g.nowF()
		return nil
	})
	result := "ok"
	if err != nil {
		result = string(apperr.KindOf(err))
	}
	metrics.EmergencyTransitions.WithLabelValues(string(to), result).Inc()
	if err != nil {
		return nil, err
	}
	logger.L().Info("emergency_transition", "id", id, "status", to)
	return r, nil
}

// AddResponder：追加响应方
// 约束：pending 记录隐式变为 responded，其余状态不变
func (g *Registry) AddResponder(ctx context.Context, id string, rs Responder) (*Record, error) {
	if !rs.Kind.Valid() {
		return nil, apperr.Validation("unknown responder kind %q", rs.Kind)
	}
	r, err := g.update(ctx, id, func(r *Record) error {
		r.Responders = append(r.Responders, rs)
		if r.Status == StatusPending {
			r.Status = StatusResponded
		}
		r.UpdatedAt = g.nowF()
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.RespondersAdded.WithLabelValues(string(rs.Kind)).Inc()
	logger.L().Info("emergency_responder_added", "id", id, "kind", rs.Kind, "status", r.Status, "responders", len(r.Responders))
	return r, nil
}

func (g *Registry) update(ctx context.Context, id string, fn MutateFunc) (*Record, error) {
	r, err := g.repo.Update(ctx, id, fn)
	if err == nil {
		return r, nil
	}
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("emergency %s not found", id)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return nil, err
	}
	return nil, apperr.Dependency("update emergency", err)
}
