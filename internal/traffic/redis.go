package traffic

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"nijasafe/internal/apperr"
)

const keyPrefix = "traffic:"

// RedisAggregator：INCR + EXPIRE 同一事务提交，过期交给 Redis
type RedisAggregator struct {
	rc  *redis.Client
	ttl time.Duration
}

func NewRedisAggregator(rc *redis.Client, ttl time.Duration) *RedisAggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisAggregator{rc: rc, ttl: ttl}
}

func (a *RedisAggregator) Increment(ctx context.Context, lat, lng float64) (Density, error) {
	key, err := cellKey(lat, lng)
	if err != nil {
		return Density{}, err
	}
	var incr *redis.IntCmd
	_, err = a.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, keyPrefix+key)
		p.Expire(ctx, keyPrefix+key, a.ttl)
		return nil
	})
	if err != nil {
		return Density{}, apperr.Dependency("traffic increment", err)
	}
	return Density{Cell: key, Count: incr.Val()}, nil
}

func (a *RedisAggregator) Density(ctx context.Context, lat, lng float64) (Density, error) {
	key, err := cellKey(lat, lng)
	if err != nil {
		return Density{}, err
	}
	n, err := a.rc.Get(ctx, keyPrefix+key).Int64()
	if errors.Is(err, redis.Nil) {
		return Density{Cell: key}, nil
	}
	if err != nil {
		return Density{}, apperr.Dependency("traffic density", err)
	}
	if n < 0 {
		n = 0
	}
	return Density{Cell: key, Count: n}, nil
}
