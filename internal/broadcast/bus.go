// 包 broadcast：向在线会话扇出事件；使用 Redis pub/sub 时跨实例
package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"nijasafe/internal/geo"
)

// Channel：下行事件流名称，同时作为帧的 event 字段
type Channel string

const (
	ChannelEmergency Channel = "emergency-broadcast"
	ChannelV2V       Channel = "v2v-message"
	ChannelTraffic   Channel = "traffic-update"
)

// Envelope：总线上传输的信封
// 约束：路由字段由每个接收实例针对自己的会话判定
type Envelope struct {
	Channel        Channel         `json:"channel"`
	Data           json.RawMessage `json:"data"`
	Origin         string          `json:"origin"`
	ExcludeSession string          `json:"excludeSession,omitempty"`
	Near           *geo.Point      `json:"near,omitempty"`
	RadiusMeters   float64         `json:"radiusMeters,omitempty"`
	PublishedAt    time.Time       `json:"publishedAt"`
}

// Handler：接收总线上的全部信封，包括本实例自己发布的
type Handler func(Envelope)

// Bus：实例间的发布订阅骨干
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	// Subscribe 在订阅生效后返回
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

// LocalBus：单进程内同步投递
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()
	for _, h := range hs {
		h(env)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, h)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
	return nil
}
