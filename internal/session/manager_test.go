package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nijasafe/internal/apperr"
	"nijasafe/internal/geo"
)

func TestManager_ConnectBindDisconnect(t *testing.T) {
	ctx := context.Background()
	m := NewManager("i-1", 4, nil)

	a := m.OnConnect(ctx, "")
	b := m.OnConnect(ctx, "user-b")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, "", a.UserID())
	assert.Equal(t, "user-b", b.UserID())

	require.NoError(t, m.Bind(ctx, a.ID, "user-a"))
	assert.Equal(t, "user-a", a.UserID())

	t.Run("rebinding same user is a no-op", func(t *testing.T) {
		assert.NoError(t, m.Bind(ctx, a.ID, "user-a"))
	})
	t.Run("rebinding another user is rejected", func(t *testing.T) {
		err := m.Bind(ctx, a.ID, "user-x")
		assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	})
	t.Run("unknown session", func(t *testing.T) {
		err := m.Bind(ctx, "nope", "user-a")
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})
	t.Run("empty user", func(t *testing.T) {
		err := m.Bind(ctx, b.ID, "  ")
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})

	m.OnDisconnect(ctx, a.ID)
	_, ok := m.Get(a.ID)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Count())
	select {
	case <-a.Done():
	default:
		t.Fatal("disconnect must close the session")
	}
	assert.False(t, a.Deliver([]byte("x")), "closed sessions accept nothing")

	// second disconnect is harmless
	m.OnDisconnect(ctx, a.ID)
	assert.Equal(t, 1, m.Count())
}

func TestSession_DeliverDropsWhenFull(t *testing.T) {
	m := NewManager("i-1", 2, nil)
	s := m.OnConnect(context.Background(), "u")

	assert.True(t, s.Deliver([]byte("1")))
	assert.True(t, s.Deliver([]byte("2")))
	assert.False(t, s.Deliver([]byte("3")))

	assert.Equal(t, "1", string(<-s.Outbound()))
	assert.True(t, s.Deliver([]byte("4")))
	assert.Equal(t, "2", string(<-s.Outbound()))
	assert.Equal(t, "4", string(<-s.Outbound()))
}

func TestSession_Location(t *testing.T) {
	m := NewManager("i-1", 1, nil)
	s := m.OnConnect(context.Background(), "u")
	_, ok := s.Location()
	assert.False(t, ok)

	s.SetLocation(geo.Point{Lat: 1, Lng: 2})
	p, ok := s.Location()
	assert.True(t, ok)
	assert.Equal(t, geo.Point{Lat: 1, Lng: 2}, p)
}

func TestManager_SnapshotDuringChurn(t *testing.T) {
	ctx := context.Background()
	m := NewManager("i-1", 1, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := m.OnConnect(ctx, "")
			m.OnDisconnect(ctx, s.ID)
		}()
		go func() {
			defer wg.Done()
			for _, s := range m.Snapshot() {
				s.Deliver([]byte("ping"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, m.Count())
}

func TestRedisDirectory(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	dir := NewRedisDirectory(rc, "")
	m1 := NewManager("i-1", 1, dir)
	m2 := NewManager("i-2", 1, dir)

	a := m1.OnConnect(ctx, "")
	b := m2.OnConnect(ctx, "user-b")

	n, err := m1.ClusterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, 1, m1.Count())

	require.NoError(t, m1.Bind(ctx, a.ID, "user-a"))
	raw := mr.HGet(DefaultDirectoryKey, a.ID)
	var info Info
	require.NoError(t, json.Unmarshal([]byte(raw), &info))
	assert.Equal(t, "user-a", info.UserID)
	assert.Equal(t, "i-1", info.Instance)

	m2.OnDisconnect(ctx, b.ID)
	n, err = m1.ClusterCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	t.Run("purge drops a crashed instance's entries", func(t *testing.T) {
		require.NoError(t, dir.PurgeInstance(ctx, "i-1"))
		n, err := dir.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("directory outage degrades to a dependency error", func(t *testing.T) {
		mr.Close()
		s := m1.OnConnect(ctx, "")
		assert.NotNil(t, s, "connect still succeeds")
		_, err := m1.ClusterCount(ctx)
		assert.True(t, apperr.Is(err, apperr.KindDependency))
	})
}
