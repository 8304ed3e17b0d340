package session

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// DefaultDirectoryKey：跨实例会话目录所用的 Redis hash
const DefaultDirectoryKey = "nijasafe:sessions"

// Directory：把本地会话镜像到各实例共享的存储
type Directory interface {
	Put(ctx context.Context, info Info) error
	Remove(ctx context.Context, sessionID string) error
	Count(ctx context.Context) (int64, error)
	// PurgeInstance 清理该实例上次运行遗留的条目
	PurgeInstance(ctx context.Context, instance string) error
}

// RedisDirectory：单个 hash，sessionId 到 Info JSON
type RedisDirectory struct {
	rc  *redis.Client
	key string
}

func NewRedisDirectory(rc *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = DefaultDirectoryKey
	}
	return &RedisDirectory{rc: rc, key: key}
}

func (d *RedisDirectory) Put(ctx context.Context, info Info) error {
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return d.rc.HSet(ctx, d.key, info.SessionID, b).Err()
}

func (d *RedisDirectory) Remove(ctx context.Context, sessionID string) error {
	return d.rc.HDel(ctx, d.key, sessionID).Err()
}

func (d *RedisDirectory) Count(ctx context.Context) (int64, error) {
	return d.rc.HLen(ctx, d.key).Result()
}

func (d *RedisDirectory) PurgeInstance(ctx context.Context, instance string) error {
	all, err := d.rc.HGetAll(ctx, d.key).Result()
	if err != nil {
		return err
	}
	var stale []string
	for id, raw := range all {
		var info Info
		if json.Unmarshal([]byte(raw), &info) != nil || info.Instance == instance {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return d.rc.HDel(ctx, d.key, stale...).Err()
}
