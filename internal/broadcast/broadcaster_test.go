package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nijasafe/internal/geo"
	"nijasafe/internal/session"
)

func recv(t *testing.T, s *session.Session) Frame {
	t.Helper()
	select {
	case b := <-s.Outbound():
		var f Frame
		require.NoError(t, json.Unmarshal(b, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s received nothing", s.ID)
	}
	return Frame{}
}

func none(t *testing.T, s *session.Session) {
	t.Helper()
	select {
	case b := <-s.Outbound():
		t.Fatalf("session %s got unexpected frame %s", s.ID, b)
	case <-time.After(50 * time.Millisecond):
	}
}

func localSetup(t *testing.T, buffer int) (*Broadcaster, *session.Manager) {
	t.Helper()
	m := session.NewManager("i-1", buffer, nil)
	b := New(NewLocalBus(), m, "i-1")
	require.NoError(t, b.Start(context.Background()))
	return b, m
}

func TestEncodeFrame(t *testing.T) {
	f, err := EncodeFrame("v2v-message", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"v2v-message","data":{"x":1}}`, string(f))

	f, err = EncodeFrame("error", map[string]string{"kind": "validation"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"error","data":{"kind":"validation"}}`, string(f))
}

func TestBroadcaster_EmergencyReachesEveryone(t *testing.T) {
	ctx := context.Background()
	b, m := localSetup(t, 8)
	a := m.OnConnect(ctx, "a")
	c := m.OnConnect(ctx, "c")

	require.NoError(t, b.Emergency(ctx, map[string]string{"emergencyId": "e1"}))
	for _, s := range []*session.Session{a, c} {
		f := recv(t, s)
		assert.Equal(t, "emergency-broadcast", f.Event)
		assert.JSONEq(t, `{"emergencyId":"e1"}`, string(f.Data))
	}
}

func TestBroadcaster_RelayExcludesSender(t *testing.T) {
	ctx := context.Background()
	b, m := localSetup(t, 8)
	a := m.OnConnect(ctx, "")
	c := m.OnConnect(ctx, "")
	d := m.OnConnect(ctx, "")

	payload := json.RawMessage(`{"speed":42,"note":"brake"}`)
	require.NoError(t, b.Relay(ctx, a.ID, payload))

	none(t, a)
	for _, s := range []*session.Session{c, d} {
		f := recv(t, s)
		assert.Equal(t, "v2v-message", f.Event)
		assert.JSONEq(t, string(payload), string(f.Data), "payload passes through untouched")
	}
}

func TestBroadcaster_RelayPreservesOrder(t *testing.T) {
	ctx := context.Background()
	b, m := localSetup(t, 16)
	a := m.OnConnect(ctx, "")
	c := m.OnConnect(ctx, "")

	for i := 0; i < 10; i++ {
		raw, _ := json.Marshal(i)
		require.NoError(t, b.Relay(ctx, a.ID, raw))
	}
	for i := 0; i < 10; i++ {
		f := recv(t, c)
		var n int
		require.NoError(t, json.Unmarshal(f.Data, &n))
		assert.Equal(t, i, n)
	}
}

func TestBroadcaster_TrafficGeofence(t *testing.T) {
	ctx := context.Background()
	b, m := localSetup(t, 8)
	origin := geo.Point{Lat: -1.2921, Lng: 36.8219}

	near := m.OnConnect(ctx, "")
	near.SetLocation(geo.Point{Lat: -1.30, Lng: 36.82})
	far := m.OnConnect(ctx, "")
	far.SetLocation(geo.Point{Lat: -4.04, Lng: 39.67})
	unknown := m.OnConnect(ctx, "")

	require.NoError(t, b.Traffic(ctx, origin, 10000, map[string]int{"count": 3}))
	assert.Equal(t, "traffic-update", recv(t, near).Event)
	none(t, far)
	none(t, unknown)

	t.Run("zero radius reaches all", func(t *testing.T) {
		require.NoError(t, b.Traffic(ctx, origin, 0, map[string]int{"count": 4}))
		for _, s := range []*session.Session{near, far, unknown} {
			assert.Equal(t, "traffic-update", recv(t, s).Event)
		}
	})
}

func TestBroadcaster_SlowSessionDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	b, m := localSetup(t, 1)
	slow := m.OnConnect(ctx, "")
	fast := m.OnConnect(ctx, "")

	require.NoError(t, b.Emergency(ctx, 1))
	assert.Equal(t, "emergency-broadcast", recv(t, fast).Event)
	require.NoError(t, b.Emergency(ctx, 2), "full queue on slow must not fail the publish")
	assert.Equal(t, "emergency-broadcast", recv(t, fast).Event)

	f := recv(t, slow)
	assert.JSONEq(t, `1`, string(f.Data), "second frame was dropped for the slow session")
	none(t, slow)
}

func TestBroadcaster_LateJoinerGetsNoReplay(t *testing.T) {
	ctx := context.Background()
	b, m := localSetup(t, 4)
	require.NoError(t, b.Emergency(ctx, "early"))
	late := m.OnConnect(ctx, "")
	none(t, late)
}

func TestRedisBus_CrossInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	newClient := func() *redis.Client {
		rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rc.Close() })
		return rc
	}

	m1 := session.NewManager("i-1", 8, nil)
	m2 := session.NewManager("i-2", 8, nil)
	bus1 := NewRedisBus(newClient(), "test:events")
	bus2 := NewRedisBus(newClient(), "test:events")
	t.Cleanup(func() { _ = bus1.Close(); _ = bus2.Close() })

	b1 := New(bus1, m1, "i-1")
	b2 := New(bus2, m2, "i-2")
	require.NoError(t, b1.Start(ctx))
	require.NoError(t, b2.Start(ctx))

	a := m1.OnConnect(ctx, "a")
	c := m2.OnConnect(ctx, "c")

	require.NoError(t, b1.Emergency(ctx, map[string]string{"emergencyId": "e9"}))
	for _, s := range []*session.Session{a, c} {
		f := recv(t, s)
		assert.Equal(t, "emergency-broadcast", f.Event)
		assert.JSONEq(t, `{"emergencyId":"e9"}`, string(f.Data))
	}
	none(t, a)

	require.NoError(t, b2.Relay(ctx, c.ID, json.RawMessage(`"hi"`)))
	assert.Equal(t, "v2v-message", recv(t, a).Event)
	none(t, c)
}
