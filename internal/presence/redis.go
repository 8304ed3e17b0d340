package presence

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"nijasafe/internal/apperr"
	"nijasafe/internal/geo"
	"nijasafe/internal/logger"
)

const (
	keyPrefix = "location:"
	activeKey = "presence:active"
	// keyGrace：键的 TTL 比窗口多出的余量，保证窗口边界上由读取时判定
	keyGrace = time.Second
)

// RedisStore：跨实例共享的在线位置
// 约束：样本写入 location:<userId>（SET EX ttl+keyGrace），同时在 presence:active 有序集合中以毫秒时间戳为分值建立索引；
// 读取时仍按 observedAt 判定过期，不依赖 Redis 的淘汰时机
type RedisStore struct {
	rc   *redis.Client
	ttl  time.Duration
	nowF func() time.Time
}

func NewRedisStore(rc *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rc: rc, ttl: ttl, nowF: time.Now}
}

// WithClock 替换时钟，仅测试使用
func (s *RedisStore) WithClock(now func() time.Time) *RedisStore {
	s.nowF = now
	return s
}

func (s *RedisStore) Upsert(ctx context.Context, userID string, lat, lng float64) (Sample, error) {
	if userID == "" {
		return Sample{}, apperr.Validation("userId is required")
	}
	if err := geo.Validate(lat, lng); err != nil {
		return Sample{}, err
	}
	smp := Sample{UserID: userID, Lat: lat, Lng: lng, ObservedAt: s.nowF().UTC()}
	b, err := json.Marshal(smp)
	if err != nil {
		return Sample{}, err
	}
	_, err = s.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, keyPrefix+userID, b, s.ttl+keyGrace)
		p.ZAdd(ctx, activeKey, redis.Z{Score: float64(smp.ObservedAt.UnixMilli()), Member: userID})
		return nil
	})
	if err != nil {
		return Sample{}, apperr.Dependency("presence upsert", err)
	}
	logger.L().Debug("presence_upsert", "user", userID, "lat", lat, "lng", lng)
	return smp, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (Sample, bool, error) {
	raw, err := s.rc.Get(ctx, keyPrefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Sample{}, false, nil
	}
	if err != nil {
		return Sample{}, false, apperr.Dependency("presence get", err)
	}
	var smp Sample
	if err := json.Unmarshal(raw, &smp); err != nil {
		logger.L().Error("presence_decode_error", "user", userID, "err", err)
		return Sample{}, false, nil
	}
	if expired(smp, s.nowF(), s.ttl) {
		return Sample{}, false, nil
	}
	return smp, true, nil
}

func (s *RedisStore) ListActive(ctx context.Context) ([]Sample, error) {
	now := s.nowF()
	cutoff := strconv.FormatInt(now.Add(-s.ttl).UnixMilli(), 10)
	// 先清理索引中过期成员；失败不影响本次读取
	if err := s.rc.ZRemRangeByScore(ctx, activeKey, "-inf", "("+cutoff).Err(); err != nil {
		logger.L().Debug("presence_index_prune_error", "err", err)
	}
	ids, err := s.rc.ZRangeByScore(ctx, activeKey, &redis.ZRangeBy{Min: cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, apperr.Dependency("presence list", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyPrefix + id
	}
	vals, err := s.rc.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, apperr.Dependency("presence list", err)
	}
	out := make([]Sample, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var smp Sample
		if err := json.Unmarshal([]byte(str), &smp); err != nil {
			continue
		}
		if !expired(smp, now, s.ttl) {
			out = append(out, smp)
		}
	}
	return out, nil
}
