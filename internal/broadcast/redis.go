package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"nijasafe/internal/logger"
)

// DefaultRedisChannel：所有实例共享的频道
const DefaultRedisChannel = "nijasafe:events"

// RedisBus：信封以 JSON 发布到单一频道
// 约束：本地投递同样经由订阅回流，各实例看到同一事件流
type RedisBus struct {
	rc      *redis.Client
	channel string

	mu   sync.Mutex
	subs []*redis.PubSub
	wg   sync.WaitGroup
}

func NewRedisBus(rc *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBus{rc: rc, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rc.Publish(ctx, b.channel, raw).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	ps := b.rc.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}
	b.mu.Lock()
	b.subs = append(b.subs, ps)
	b.mu.Unlock()

	msgs := ps.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.L().Warn("bus_decode_error", "channel", msg.Channel, "err", err)
				continue
			}
			h(env)
		}
	}()
	return nil
}

// Close：结束全部订阅并等待处理函数返回
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()
	var first error
	for _, ps := range subs {
		if err := ps.Close(); err != nil && first == nil {
			first = err
		}
	}
	b.wg.Wait()
	return first
}
