// 程序入口：仅负责读取配置、初始化依赖并启动服务；路由注册在 internal/api 与 internal/realtime
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"nijasafe/internal/api"
	"nijasafe/internal/auth"
	"nijasafe/internal/broadcast"
	"nijasafe/internal/config"
	"nijasafe/internal/core"
	"nijasafe/internal/emergency"
	"nijasafe/internal/logger"
	"nijasafe/internal/metrics"
	"nijasafe/internal/middleware"
	"nijasafe/internal/migrate"
	"nijasafe/internal/notify"
	"nijasafe/internal/presence"
	"nijasafe/internal/realtime"
	"nijasafe/internal/session"
	"nijasafe/internal/traffic"
	"nijasafe/internal/utils"
	"nijasafe/internal/version"
)

func main() {
	l := logger.Setup()
	l.Debug("log_init_ok")

	cfg, err := config.Load()
	if err != nil {
		l.Error("config_error", "err", err)
		os.Exit(1)
	}
	l.Info("config_loaded", "addr", cfg.Addr, "api_base", cfg.APIBase, "backbone", cfg.EventBackbone,
		"instance", cfg.InstanceID, "commit", version.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := cfg.PostgresDSN()
	if cfg.MigrateOnStart {
		if err := migrate.Run(dsn, "up"); err != nil {
			l.Error("migrate_error", "err", err)
			os.Exit(1)
		}
	}
	db, err := utils.OpenPostgres(ctx, dsn, cfg.PGMaxOpenConns, cfg.PGMaxIdleConns)
	if err != nil {
		l.Error("db_open_error", "err", err)
		os.Exit(1)
	}
	defer db.Close()
	l.Info("db_open_ok")

	// 事件骨干：redis 模式下在线状态、路况计数、会话目录与事件总线均走 Redis，支持多实例；local 仅单进程
	var (
		ps  presence.Store
		ta  traffic.Aggregator
		bus broadcast.Bus
		dir session.Directory
		rc  *redis.Client
	)
	switch cfg.EventBackbone {
	case "redis":
		rc, err = utils.OpenRedis(ctx, utils.RedisParams{
			URL: cfg.RedisURL, Host: cfg.RedisHost, Port: cfg.RedisPort, Pass: cfg.RedisPass, DB: cfg.RedisDB,
		})
		if err != nil {
			l.Error("redis_open_error", "err", err)
			os.Exit(1)
		}
		defer rc.Close()
		l.Info("redis_ping_ok")
		ps = presence.NewRedisStore(rc, cfg.PresenceTTL())
		ta = traffic.NewRedisAggregator(rc, cfg.TrafficTTL())
		bus = broadcast.NewRedisBus(rc, cfg.EventChannel)
		rdir := session.NewRedisDirectory(rc, session.DefaultDirectoryKey)
		if err := rdir.PurgeInstance(ctx, cfg.InstanceID); err != nil {
			l.Warn("session_directory_purge_error", "err", err)
		}
		dir = rdir
	default:
		mem := presence.NewMemoryStore(cfg.PresenceTTL())
		agg := traffic.NewMemoryAggregator(cfg.TrafficTTL())
		go sweepMemory(ctx, mem, agg, cfg.PresenceTTL())
		ps, ta = mem, agg
		bus = broadcast.NewLocalBus()
		l.Info("event_backbone_local")
	}

	reg := emergency.NewRegistry(emergency.NewPostgresRepository(db), emergency.Options{
		Strict:             cfg.StrictTransitions,
		NearbyRadiusMeters: cfg.DefaultNearbyRadiusMeters,
		NearbyLimit:        cfg.NearbyResultLimit,
	})
	sm := session.NewManager(cfg.InstanceID, cfg.SessionSendBuffer, dir)
	bc := broadcast.New(bus, sm, cfg.InstanceID)
	if err := bc.Start(ctx); err != nil {
		l.Error("broadcast_start_error", "err", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.NewLogNotifier()
	if cfg.NotifyURL != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyURL, cfg.NotifyToken, nil)
		l.Info("notify_http", "url", cfg.NotifyURL)
	}
	disp := notify.NewDispatcher(notifier, cfg.NotifyWorkers, cfg.NotifyQueueSize, cfg.NotifyTimeout())
	disp.Start(context.WithoutCancel(ctx))

	verifier, err := auth.FromConfig(cfg.JWTSecret, cfg.JWTPublicKey, cfg.JWTIssuer, cfg.JWTAudience)
	if err != nil && !errors.Is(err, auth.ErrNoVerifier) {
		l.Error("auth_config_error", "err", err)
		os.Exit(1)
	}
	resolver := auth.NewResolver(verifier, cfg.TrustUserHeader)
	if !resolver.Enforced() {
		l.Warn("identity_self_asserted")
	}

	svc := core.NewService(ps, ta, reg, sm, bc, disp, core.Options{
		IdentityEnforced:      resolver.Enforced(),
		AllowAnonymousAlerts:  cfg.AllowAnonymousAlerts,
		TrafficUpdates:        cfg.TrafficUpdates,
		TrafficGeofenceMeters: cfg.TrafficGeofence,
	})

	apiBase := strings.TrimSuffix(cfg.APIBase, "/")
	mux := http.NewServeMux()
	apiMux := api.BuildRoutes(api.Deps{Core: svc, Presence: ps, Traffic: ta, Sessions: sm, Resolver: resolver})
	mux.Handle(apiBase+"/", http.StripPrefix(apiBase, apiMux))
	mux.Handle(apiBase+"/metrics", metrics.Handler())
	mux.Handle("/ws", realtime.NewHandler(svc, sm, resolver, realtime.Options{AllowedOrigin: cfg.FrontendURL}))
	l.Debug("routes_mounted", "api", apiBase, "ws", "/ws")

	handler := logger.AccessMiddleware(l)(mux)
	handler = middleware.Wrap(handler, middleware.Options{
		AllowedOrigin:    cfg.FrontendURL,
		RateLimitEnabled: cfg.RateLimitEnabled,
		RateLimitQPS:     cfg.RateLimitQPS,
	})
	s := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		l.Info("listening", "addr", cfg.Addr)
		errCh <- s.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("listen_error", "err", err)
		}
	case <-ctx.Done():
		l.Info("shutdown_signal")
	}

	// 关停顺序：停止接收新请求 → 断开会话 → 关闭总线 → 排空通知队列
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.Shutdown(sctx); err != nil {
		l.Warn("http_shutdown_error", "err", err)
	}
	sm.CloseAll(sctx)
	if err := bus.Close(); err != nil {
		l.Warn("bus_close_error", "err", err)
	}
	disp.Stop()
	l.Info("shutdown_complete")
}

// sweepMemory：单进程模式下定期清理过期位置与路况格子，Redis 模式由键过期负责
func sweepMemory(ctx context.Context, s *presence.MemoryStore, a *traffic.MemoryAggregator, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.Sweep(); n > 0 {
				logger.L().Debug("presence_swept", "expired", n)
			}
			if n := a.Sweep(); n > 0 {
				logger.L().Debug("traffic_swept", "expired", n)
			}
		}
	}
}
