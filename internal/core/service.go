// 包 core：把在线状态、路况、紧急登记与广播串成会话与 REST 调用的业务流程
package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"nijasafe/internal/apperr"
	"nijasafe/internal/broadcast"
	"nijasafe/internal/emergency"
	"nijasafe/internal/geo"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
	"nijasafe/internal/presence"
	"nijasafe/internal/session"
	"nijasafe/internal/traffic"
)

// AnonymousUser：允许匿名告警时，未绑定会话发起的告警记在此名下
const AnonymousUser = "anonymous"

// Submitter：把新记录交给通知流水线，不阻塞调用方
type Submitter interface {
	Submit(r *emergency.Record) bool
}

type Options struct {
	// IdentityEnforced：用户来自已验证令牌或可信网关头；否则会话以首个上报的 userId 绑定
	IdentityEnforced      bool
	AllowAnonymousAlerts  bool
	TrafficUpdates        bool
	TrafficGeofenceMeters float64
}

type Service struct {
	presence presence.Store
	traffic  traffic.Aggregator
	registry *emergency.Registry
	sessions *session.Manager
	bus      *broadcast.Broadcaster
	notifier Submitter
	opts     Options
	validate *validator.Validate
	log      *slog.Logger
	nowF     func() time.Time
}

func NewService(ps presence.Store, ta traffic.Aggregator, reg *emergency.Registry, sm *session.Manager,
	bc *broadcast.Broadcaster, n Submitter, opts Options) *Service {
	return &Service{
		presence: ps,
		traffic:  ta,
		registry: reg,
		sessions: sm,
		bus:      bc,
		notifier: n,
		opts:     opts,
		validate: newValidator(),
		log:      logger.For("core"),
		nowF:     time.Now,
	}
}

// UpdateLocation：记录位置、累计路况格子计数并广播路况
// 约束：路况失败只记日志，不影响位置更新结果
func (c *Service) UpdateLocation(ctx context.Context, s *session.Session, in LocationUpdate) (presence.Sample, error) {
	if err := c.validate.Struct(in); err != nil {
		return presence.Sample{}, validationError(err)
	}
	userID, err := c.ownerOf(ctx, s, in.UserID)
	if err != nil {
		return presence.Sample{}, err
	}
	if userID == "" {
		return presence.Sample{}, apperr.Unauthorized("session is not bound to a user")
	}
	sample, err := c.presence.Upsert(ctx, userID, in.Coordinates.Lat, in.Coordinates.Lng)
	if err != nil {
		return presence.Sample{}, err
	}
	metrics.PresenceUpserts.Inc()
	pt := sample.Point()
	s.SetLocation(pt)

	density, err := c.traffic.Increment(ctx, pt.Lat, pt.Lng)
	if err != nil {
		metrics.TrafficIncrements.WithLabelValues("fail").Inc()
		c.log.Warn("traffic_increment_failed", "user", userID, "err", err)
		return sample, nil
	}
	metrics.TrafficIncrements.WithLabelValues("ok").Inc()

	if c.opts.TrafficUpdates {
		upd := TrafficUpdate{Cell: density.Cell, Count: density.Count, Lat: pt.Lat, Lng: pt.Lng, Timestamp: c.nowF().UTC()}
		if err := c.bus.Traffic(ctx, pt, c.opts.TrafficGeofenceMeters, upd); err != nil {
			c.log.Warn("traffic_update_publish_failed", "cell", density.Cell, "err", err)
		}
	}
	return sample, nil
}

// RaiseAlert：代表在线会话创建紧急事件
func (c *Service) RaiseAlert(ctx context.Context, s *session.Session, in AlertInput) (*emergency.Record, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	userID, err := c.ownerOf(ctx, s, in.UserID)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		if !c.opts.AllowAnonymousAlerts {
			return nil, apperr.Unauthorized("session is not bound to a user")
		}
		userID = AnonymousUser
	}
	in.UserID = userID
	return c.create(ctx, in, s.ID)
}

// CreateEmergency：REST 创建入口，广播与通知流程同告警
func (c *Service) CreateEmergency(ctx context.Context, in AlertInput) (*emergency.Record, error) {
	if err := c.validate.Struct(in); err != nil {
		return nil, validationError(err)
	}
	return c.create(ctx, in, "")
}

// Relay：转发车车消息给其他会话；未绑定会话也可转发
func (c *Service) Relay(ctx context.Context, s *session.Session, payload json.RawMessage) error {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return c.bus.Relay(ctx, s.ID, payload)
}

func (c *Service) Nearby(ctx context.Context, center geo.Point, radiusMeters float64, limit int) ([]*emergency.Record, error) {
	return c.registry.Nearby(ctx, center, radiusMeters, limit)
}

func (c *Service) Transition(ctx context.Context, id string, to emergency.Status) (*emergency.Record, error) {
	return c.registry.Transition(ctx, id, to)
}

func (c *Service) AddResponder(ctx context.Context, id string, rs emergency.Responder) (*emergency.Record, error) {
	return c.registry.AddResponder(ctx, id, rs)
}

func (c *Service) Get(ctx context.Context, id string) (*emergency.Record, error) {
	return c.registry.Get(ctx, id)
}

func (c *Service) create(ctx context.Context, in AlertInput, sessionID string) (*emergency.Record, error) {
	r, err := c.registry.Create(ctx, emergency.CreateInput{
		UserID:      in.UserID,
		Type:        in.Type,
		Coordinates: in.Coordinates,
		Severity:    in.Severity,
		Description: in.Description,
		SessionID:   sessionID,
		Extensions:  in.Extensions,
	})
	if err != nil {
		return nil, err
	}
	// 记录已落库，之后的广播与通知失败不回滚
	payload := EmergencyBroadcast{Record: r.Clone(), EmergencyID: r.ID, Timestamp: c.nowF().UTC()}
	if err := c.bus.Emergency(ctx, payload); err != nil {
		c.log.Error("emergency_broadcast_failed", "id", r.ID, "err", err)
	}
	if c.notifier != nil {
		c.notifier.Submit(r.Clone())
	}
	return r, nil
}

// ownerOf：返回会话代表的用户；自报身份模式下首次使用时绑定
// 约束：载荷 userId 与已绑定用户不一致时拒绝
func (c *Service) ownerOf(ctx context.Context, s *session.Session, claimed string) (string, error) {
	bound := s.UserID()
	switch {
	case bound != "":
		if claimed != "" && claimed != bound {
			return "", apperr.Unauthorized("userId does not match the session")
		}
		return bound, nil
	case claimed == "" || c.opts.IdentityEnforced:
		return "", nil
	}
	if err := c.sessions.Bind(ctx, s.ID, claimed); err != nil {
		return "", err
	}
	return claimed, nil
}
