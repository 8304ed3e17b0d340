package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/api", cfg.APIBase)
	assert.Equal(t, 60*time.Second, cfg.PresenceTTL())
	assert.Equal(t, 300*time.Second, cfg.TrafficTTL())
	assert.Equal(t, 5000.0, cfg.DefaultNearbyRadiusMeters)
	assert.Equal(t, 20, cfg.NearbyResultLimit)
	assert.True(t, cfg.StrictTransitions)
	assert.False(t, cfg.AllowAnonymousAlerts)
	assert.Equal(t, "redis", cfg.EventBackbone)
	assert.Equal(t, 5*time.Second, cfg.NotifyTimeout())
	assert.NotEmpty(t, cfg.InstanceID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PRESENCE_TTL_SECONDS", "30")
	t.Setenv("TRAFFIC_TTL_SECONDS", "120")
	t.Setenv("STRICT_TRANSITIONS", "false")
	t.Setenv("EVENT_BACKBONE", "local")
	t.Setenv("INSTANCE_ID", "node-a")

	cfg, err := load()
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.PresenceTTL())
	assert.Equal(t, 120*time.Second, cfg.TrafficTTL())
	assert.False(t, cfg.StrictTransitions)
	assert.Equal(t, "local", cfg.EventBackbone)
	assert.Equal(t, "node-a", cfg.InstanceID)
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown backbone", "EVENT_BACKBONE", "kafka"},
		{"zero presence ttl", "PRESENCE_TTL_SECONDS", "0"},
		{"bad notify url", "NOTIFY_URL", "not a url"},
		{"relative api base", "API_BASE", "api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_RejectsBothJWTKeys(t *testing.T) {
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("JWT_PUBLIC_KEY", "k")
	_, err := load()
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	t.Run("explicit url wins", func(t *testing.T) {
		c := &Config{DatabaseURL: "postgres://x@y/z"}
		assert.Equal(t, "postgres://x@y/z", c.PostgresDSN())
	})
	t.Run("built from parts", func(t *testing.T) {
		c := &Config{PGUser: "u", PGPassword: "p", PGHost: "h", PGPort: "5432", PGDatabase: "d", PGSSLMode: "disable"}
		assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", c.PostgresDSN())
	})
}
