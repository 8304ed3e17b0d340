package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nijasafe/internal/apperr"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stores returns every Store implementation sharing one fake clock.
func stores(t *testing.T) (map[string]Store, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(DefaultTTL).WithClock(clk.Now),
		"redis":  NewRedisStore(rc, DefaultTTL).WithClock(clk.Now),
	}, clk, mr
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()
	ss, clk, _ := stores(t)
	for name, s := range ss {
		t.Run(name, func(t *testing.T) {
			start := clk.Now()
			_, err := s.Upsert(ctx, "u-"+name, -1.28, 36.82)
			require.NoError(t, err)

			clk.Advance(59 * time.Second)
			smp, ok, err := s.Get(ctx, "u-"+name)
			require.NoError(t, err)
			require.True(t, ok, "present at t=59")
			assert.Equal(t, -1.28, smp.Lat)
			assert.True(t, smp.ObservedAt.Equal(start))

			clk.Advance(2 * time.Second)
			_, ok, err = s.Get(ctx, "u-"+name)
			require.NoError(t, err)
			assert.False(t, ok, "absent at t=61")
		})
	}
}

func TestStore_WriteResetsExpiry(t *testing.T) {
	ctx := context.Background()
	ss, clk, _ := stores(t)
	for name, s := range ss {
		t.Run(name, func(t *testing.T) {
			user := "reset-" + name
			_, err := s.Upsert(ctx, user, 10, 10)
			require.NoError(t, err)
			clk.Advance(50 * time.Second)
			_, err = s.Upsert(ctx, user, 11, 11)
			require.NoError(t, err)
			clk.Advance(50 * time.Second)

			smp, ok, err := s.Get(ctx, user)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 11.0, smp.Lat, "last write wins")
		})
	}
}

func TestStore_ListActive(t *testing.T) {
	ctx := context.Background()
	ss, clk, _ := stores(t)
	for name, s := range ss {
		t.Run(name, func(t *testing.T) {
			_, err := s.Upsert(ctx, "old-"+name, 1, 1)
			require.NoError(t, err)
			clk.Advance(45 * time.Second)
			_, err = s.Upsert(ctx, "fresh-"+name, 2, 2)
			require.NoError(t, err)
			clk.Advance(20 * time.Second)

			active, err := s.ListActive(ctx)
			require.NoError(t, err)
			var ids []string
			for _, a := range active {
				ids = append(ids, a.UserID)
			}
			assert.Contains(t, ids, "fresh-"+name)
			assert.NotContains(t, ids, "old-"+name)
		})
	}
}

func TestStore_Validation(t *testing.T) {
	ctx := context.Background()
	ss, _, _ := stores(t)
	for name, s := range ss {
		t.Run(name, func(t *testing.T) {
			_, err := s.Upsert(ctx, "u", 91, 0)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			_, err = s.Upsert(ctx, "u", 0, -181)
			assert.True(t, apperr.Is(err, apperr.KindValidation))
			_, err = s.Upsert(ctx, "", 0, 0)
			assert.True(t, apperr.Is(err, apperr.KindValidation))

			_, ok, err := s.Get(ctx, "u")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestRedisStore_KeyCarriesTTL(t *testing.T) {
	ctx := context.Background()
	ss, clk, mr := stores(t)
	s := ss["redis"]
	_, err := s.Upsert(ctx, "ttl-user", 3, 4)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL+time.Second, mr.TTL("location:ttl-user"))

	t.Run("present at exactly the window edge", func(t *testing.T) {
		mr.FastForward(DefaultTTL)
		clk.Advance(DefaultTTL)
		require.True(t, mr.Exists("location:ttl-user"))
		_, ok, err := s.Get(ctx, "ttl-user")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("evicted after the grace", func(t *testing.T) {
		mr.FastForward(2 * time.Second)
		assert.False(t, mr.Exists("location:ttl-user"))
	})
}

func TestMemoryStore_Sweep(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	s := NewMemoryStore(time.Minute).WithClock(clk.Now)
	_, _ = s.Upsert(context.Background(), "a", 0, 0)
	_, _ = s.Upsert(context.Background(), "b", 0, 0)
	clk.Advance(2 * time.Minute)
	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 0, s.Sweep())
}
