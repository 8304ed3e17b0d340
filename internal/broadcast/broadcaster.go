package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"nijasafe/internal/apperr"
	"nijasafe/internal/geo"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
	"nijasafe/internal/session"
)

// Frame：所有下行实时消息的线上格式
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// EncodeFrame：编码为 {"event":...,"data":...}；json.RawMessage 原样透传
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, ok := data.(json.RawMessage)
	if !ok {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

type Sessions interface {
	Snapshot() []*session.Session
}

// Broadcaster：事件先发布到总线，再由总线回调投递给本实例会话
type Broadcaster struct {
	bus      Bus
	sessions Sessions
	instance string
	log      *slog.Logger
	nowF     func() time.Time
}

func New(bus Bus, sessions Sessions, instance string) *Broadcaster {
	return &Broadcaster{
		bus:      bus,
		sessions: sessions,
		instance: instance,
		log:      logger.For("broadcast"),
		nowF:     time.Now,
	}
}

// Start：把本地扇出挂到总线订阅上
func (b *Broadcaster) Start(ctx context.Context) error {
	if err := b.bus.Subscribe(ctx, b.dispatch); err != nil {
		return apperr.Dependency("subscribe event bus", err)
	}
	b.log.Info("broadcast_started", "instance", b.instance)
	return nil
}

// Emergency：投递给所有在线会话，发起者也会收到
func (b *Broadcaster) Emergency(ctx context.Context, payload any) error {
	return b.publish(ctx, Envelope{Channel: ChannelEmergency}, payload)
}

// Relay：不透明的车车消息，投递给除 fromSession 外的所有会话
func (b *Broadcaster) Relay(ctx context.Context, fromSession string, payload json.RawMessage) error {
	return b.publish(ctx, Envelope{Channel: ChannelV2V, ExcludeSession: fromSession}, payload)
}

// Traffic：路况更新
// 约束：radiusMeters > 0 时仅投递给最近位置在该半径内的会话
func (b *Broadcaster) Traffic(ctx context.Context, origin geo.Point, radiusMeters float64, payload any) error {
	env := Envelope{Channel: ChannelTraffic}
	if radiusMeters > 0 {
		env.Near = &origin
		env.RadiusMeters = radiusMeters
	}
	return b.publish(ctx, env, payload)
}

func (b *Broadcaster) publish(ctx context.Context, env Envelope, payload any) error {
	if raw, ok := payload.(json.RawMessage); ok {
		env.Data = raw
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apperr.Validation("payload is not encodable: %v", err)
		}
		env.Data = raw
	}
	env.Origin = b.instance
	env.PublishedAt = b.nowF().UTC()
	if err := b.bus.Publish(ctx, env); err != nil {
		b.log.Error("broadcast_publish_failed", "channel", env.Channel, "err", err)
		return apperr.Dependency("publish "+string(env.Channel), err)
	}
	metrics.BroadcastsPublished.WithLabelValues(string(env.Channel)).Inc()
	return nil
}

// dispatch：运行在总线投递路径上
// 约束：不得阻塞，会话队列满时直接丢弃
func (b *Broadcaster) dispatch(env Envelope) {
	frame, err := EncodeFrame(string(env.Channel), env.Data)
	if err != nil {
		b.log.Warn("broadcast_frame_error", "channel", env.Channel, "err", err)
		return
	}
	ch := string(env.Channel)
	var delivered, dropped int
	for _, s := range b.sessions.Snapshot() {
		if !accepts(env, s) {
			continue
		}
		if s.Deliver(frame) {
			delivered++
		} else {
			dropped++
		}
	}
	if delivered > 0 {
		metrics.FramesDelivered.WithLabelValues(ch).Add(float64(delivered))
	}
	if dropped > 0 {
		metrics.FramesDropped.WithLabelValues(ch).Add(float64(dropped))
		b.log.Warn("broadcast_frames_dropped", "channel", ch, "dropped", dropped)
	}
	b.log.Debug("broadcast_dispatched", "channel", ch, "origin", env.Origin, "delivered", delivered)
}

func accepts(env Envelope, s *session.Session) bool {
	if env.ExcludeSession != "" && s.ID == env.ExcludeSession {
		return false
	}
	if env.Near != nil && env.RadiusMeters > 0 {
		loc, ok := s.Location()
		if !ok {
			return false
		}
		return geo.DistanceMeters(*env.Near, loc) <= env.RadiusMeters
	}
	return true
}
