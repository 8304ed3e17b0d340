// 包 config：集中读取运行参数；.env 由 godotenv 加载，类型化取值交给 viper，最后用 validator 校验
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config：进程级配置快照
type Config struct {
	Addr    string `mapstructure:"ADDR" validate:"required"`
	APIBase string `mapstructure:"API_BASE" validate:"required,startswith=/"`

	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	PGHost         string `mapstructure:"PG_HOST"`
	PGPort         string `mapstructure:"PG_PORT"`
	PGUser         string `mapstructure:"PG_USER"`
	PGPassword     string `mapstructure:"PG_PASSWORD"`
	PGDatabase     string `mapstructure:"PG_DB"`
	PGSSLMode      string `mapstructure:"PG_SSLMODE"`
	PGMaxOpenConns int    `mapstructure:"PG_MAX_OPEN_CONNS" validate:"gte=1"`
	PGMaxIdleConns int    `mapstructure:"PG_MAX_IDLE_CONNS" validate:"gte=0"`
	MigrateOnStart bool   `mapstructure:"MIGRATE_ON_START"`

	RedisURL  string `mapstructure:"REDIS_URL"`
	RedisHost string `mapstructure:"REDIS_HOST"`
	RedisPort string `mapstructure:"REDIS_PORT"`
	RedisPass string `mapstructure:"REDIS_PASS"`
	RedisDB   int    `mapstructure:"REDIS_DB" validate:"gte=0"`

	PresenceTTLSeconds        int     `mapstructure:"PRESENCE_TTL_SECONDS" validate:"gte=1"`
	TrafficTTLSeconds         int     `mapstructure:"TRAFFIC_TTL_SECONDS" validate:"gte=1"`
	DefaultNearbyRadiusMeters float64 `mapstructure:"DEFAULT_NEARBY_RADIUS_METERS" validate:"gt=0"`
	NearbyResultLimit         int     `mapstructure:"NEARBY_RESULT_LIMIT" validate:"gte=1"`

	StrictTransitions    bool    `mapstructure:"STRICT_TRANSITIONS"`
	AllowAnonymousAlerts bool    `mapstructure:"ALLOW_ANONYMOUS_ALERTS"`
	TrafficUpdates       bool    `mapstructure:"TRAFFIC_UPDATES_ENABLED"`
	TrafficGeofence      float64 `mapstructure:"TRAFFIC_GEOFENCE_METERS" validate:"gte=0"`

	EventBackbone     string `mapstructure:"EVENT_BACKBONE" validate:"oneof=redis local"`
	EventChannel      string `mapstructure:"EVENT_CHANNEL" validate:"required"`
	InstanceID        string `mapstructure:"INSTANCE_ID"`
	SessionSendBuffer int    `mapstructure:"SESSION_SEND_BUFFER" validate:"gte=1"`

	NotifyURL            string `mapstructure:"NOTIFY_URL" validate:"omitempty,url"`
	NotifyToken          string `mapstructure:"NOTIFY_TOKEN"`
	NotifyTimeoutSeconds int    `mapstructure:"NOTIFY_TIMEOUT_SECONDS" validate:"gte=1"`
	NotifyWorkers        int    `mapstructure:"NOTIFY_WORKERS" validate:"gte=1"`
	NotifyQueueSize      int    `mapstructure:"NOTIFY_QUEUE_SIZE" validate:"gte=1"`

	JWTSecret       string `mapstructure:"JWT_SECRET"`
	JWTPublicKey    string `mapstructure:"JWT_PUBLIC_KEY"`
	JWTIssuer       string `mapstructure:"JWT_ISSUER"`
	JWTAudience     string `mapstructure:"JWT_AUDIENCE"`
	TrustUserHeader bool   `mapstructure:"TRUST_USER_HEADER"`

	FrontendURL      string `mapstructure:"FRONTEND_URL"`
	RateLimitEnabled bool   `mapstructure:"RATE_LIMIT_ENABLED"`
	RateLimitQPS     int    `mapstructure:"RATE_LIMIT_QPS" validate:"gte=1"`
}

var defaults = map[string]any{
	"ADDR":                         ":8080",
	"API_BASE":                     "/api",
	"DATABASE_URL":                 "",
	"PG_HOST":                      "localhost",
	"PG_PORT":                      "5432",
	"PG_USER":                      "postgres",
	"PG_PASSWORD":                  "",
	"PG_DB":                        "nijasafe",
	"PG_SSLMODE":                   "disable",
	"PG_MAX_OPEN_CONNS":            50,
	"PG_MAX_IDLE_CONNS":            25,
	"MIGRATE_ON_START":             true,
	"REDIS_URL":                    "",
	"REDIS_HOST":                   "127.0.0.1",
	"REDIS_PORT":                   "6379",
	"REDIS_PASS":                   "",
	"REDIS_DB":                     0,
	"PRESENCE_TTL_SECONDS":         60,
	"TRAFFIC_TTL_SECONDS":          300,
	"DEFAULT_NEARBY_RADIUS_METERS": 5000.0,
	"NEARBY_RESULT_LIMIT":          20,
	"STRICT_TRANSITIONS":           true,
	"ALLOW_ANONYMOUS_ALERTS":       false,
	"TRAFFIC_UPDATES_ENABLED":      true,
	"TRAFFIC_GEOFENCE_METERS":      10000.0,
	"EVENT_BACKBONE":               "redis",
	"EVENT_CHANNEL":                "nijasafe:events",
	"INSTANCE_ID":                  "",
	"SESSION_SEND_BUFFER":          64,
	"NOTIFY_URL":                   "",
	"NOTIFY_TOKEN":                 "",
	"NOTIFY_TIMEOUT_SECONDS":       5,
	"NOTIFY_WORKERS":               4,
	"NOTIFY_QUEUE_SIZE":            256,
	"JWT_SECRET":                   "",
	"JWT_PUBLIC_KEY":               "",
	"JWT_ISSUER":                   "",
	"JWT_AUDIENCE":                 "",
	"TRUST_USER_HEADER":            false,
	"FRONTEND_URL":                 "http://localhost:3000",
	"RATE_LIMIT_ENABLED":           false,
	"RATE_LIMIT_QPS":               200,
}

// Load：加载 .env（缺失忽略），环境变量优先，返回校验后的配置
func Load() (*Config, error) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join("data", "env", ".env"))
	return load()
}

func load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.JWTSecret != "" && cfg.JWTPublicKey != "" {
		return nil, fmt.Errorf("config: JWT_SECRET and JWT_PUBLIC_KEY are mutually exclusive")
	}
	return &cfg, nil
}

// PostgresDSN：DATABASE_URL 优先，否则由 PG_* 拼接
func (c *Config) PostgresDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	dsn := "postgres://" + c.PGUser
	if c.PGPassword != "" {
		dsn += ":" + c.PGPassword
	}
	return dsn + "@" + c.PGHost + ":" + c.PGPort + "/" + c.PGDatabase + "?sslmode=" + c.PGSSLMode
}

func (c *Config) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSeconds) * time.Second
}

func (c *Config) TrafficTTL() time.Duration {
	return time.Duration(c.TrafficTTLSeconds) * time.Second
}

func (c *Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutSeconds) * time.Second
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	host = strings.ReplaceAll(host, ":", "-")
	return host + "-" + uuid.NewString()[:8]
}
