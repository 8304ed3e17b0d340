package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"nijasafe/internal/logger"
)

// RedisParams：REDIS_URL 优先，否则使用主机/端口/密码/库号
type RedisParams struct {
	URL  string
	Host string
	Port string
	Pass string
	DB   int
}

// RedisOptions：解析连接参数，不建立连接
func RedisOptions(p RedisParams) (*redis.Options, error) {
	if p.URL != "" {
		opt, err := redis.ParseURL(p.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opt, nil
	}
	host, port := p.Host, p.Port
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "6379"
	}
	return &redis.Options{Addr: host + ":" + port, Password: p.Pass, DB: p.DB}, nil
}

// OpenRedis：创建客户端并 PING 一次；失败时关闭客户端
func OpenRedis(ctx context.Context, p RedisParams) (*redis.Client, error) {
	opt, err := RedisOptions(p)
	if err != nil {
		return nil, err
	}
	rc := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rc.Ping(pctx).Err(); err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opt.Addr, err)
	}
	logger.L().Debug("redis_connected", "addr", opt.Addr, "db", opt.DB)
	return rc, nil
}
