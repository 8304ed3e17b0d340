package emergency

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nijasafe/internal/apperr"
	"nijasafe/internal/geo"
)

// nairobi is the query point used across the nearby tests.
var nairobi = geo.Point{Lat: -1.2921, Lng: 36.8219}

// offsetNorth returns a point d meters due north of p.
func offsetNorth(p geo.Point, d float64) *geo.Point {
	return &geo.Point{Lat: p.Lat + d/geo.EarthRadiusMeters*180/3.141592653589793, Lng: p.Lng}
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

// Now advances one second per call so creation order is strictly increasing.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newRegistry(strict bool) *Registry {
	clk := &stepClock{t: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	return NewRegistry(NewMemoryRepository(), Options{Strict: strict}).WithClock(clk.Now)
}

func mustCreate(t *testing.T, g *Registry, at *geo.Point) *Record {
	t.Helper()
	r, err := g.Create(context.Background(), CreateInput{UserID: "user-1", Type: TypeAccident, Coordinates: at, Severity: SeverityHigh})
	require.NoError(t, err)
	return r
}

func TestRegistry_Create(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)

	t.Run("assigns id, pending and equal timestamps", func(t *testing.T) {
		r := mustCreate(t, g, &nairobi)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, StatusPending, r.Status)
		assert.Equal(t, r.CreatedAt, r.UpdatedAt)
		assert.Empty(t, r.Responders)
	})

	t.Run("defaults type and severity", func(t *testing.T) {
		r, err := g.Create(ctx, CreateInput{UserID: "u", Coordinates: &nairobi})
		require.NoError(t, err)
		assert.Equal(t, TypeOther, r.Type)
		assert.Equal(t, SeverityMedium, r.Severity)
	})

	t.Run("validation", func(t *testing.T) {
		bad := []CreateInput{
			{Coordinates: &nairobi},
			{UserID: "u"},
			{UserID: "u", Coordinates: &geo.Point{Lat: 95, Lng: 0}},
			{UserID: "u", Coordinates: &nairobi, Type: "flood"},
			{UserID: "u", Coordinates: &nairobi, Severity: "extreme"},
		}
		for i, in := range bad {
			_, err := g.Create(ctx, in)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "case %d: %v", i, err)
		}
	})
}

func TestRegistry_Nearby(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)

	near := mustCreate(t, g, offsetNorth(nairobi, 100))
	mid := mustCreate(t, g, offsetNorth(nairobi, 1000))
	far := mustCreate(t, g, offsetNorth(nairobi, 6000))
	_ = far

	// resolve the 1000m record, then create a fresh one at 1000m that stays open
	_, err := g.Transition(ctx, mid.ID, StatusResponded)
	require.NoError(t, err)
	_, err = g.Transition(ctx, mid.ID, StatusResolved)
	require.NoError(t, err)
	newer := mustCreate(t, g, offsetNorth(nairobi, 1000))

	got, err := g.Nearby(ctx, nairobi, 5000, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID, "newest first")
	assert.Equal(t, near.ID, got[1].ID)

	t.Run("limit caps results", func(t *testing.T) {
		got, err := g.Nearby(ctx, nairobi, 5000, 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("default radius applies", func(t *testing.T) {
		got, err := g.Nearby(ctx, nairobi, 0, 0)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})

	t.Run("empty result is not nil", func(t *testing.T) {
		got, err := g.Nearby(ctx, geo.Point{Lat: 50, Lng: 8}, 5000, 0)
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})

	t.Run("malformed point", func(t *testing.T) {
		_, err := g.Nearby(ctx, geo.Point{Lat: -91, Lng: 0}, 5000, 0)
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestRegistry_Lifecycle(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)

	r := mustCreate(t, g, &nairobi)

	_, err := g.Transition(ctx, r.ID, StatusResolved)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))

	responded, err := g.Transition(ctx, r.ID, StatusResponded)
	require.NoError(t, err)
	assert.Equal(t, StatusResponded, responded.Status)
	assert.True(t, responded.UpdatedAt.After(r.UpdatedAt))

	resolved, err := g.Transition(ctx, r.ID, StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, resolved.Status)

	for _, s := range []Status{StatusPending, StatusResponded, StatusCancelled, StatusResolved} {
		_, err := g.Transition(ctx, r.ID, s)
		assert.True(t, apperr.Is(err, apperr.KindInvalidTransition), "resolved -> %s", s)
	}

	t.Run("cancel from pending", func(t *testing.T) {
		r := mustCreate(t, g, &nairobi)
		c, err := g.Transition(ctx, r.ID, StatusCancelled)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, c.Status)
		_, err = g.Transition(ctx, r.ID, StatusResponded)
		assert.True(t, apperr.Is(err, apperr.KindInvalidTransition))
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := g.Transition(ctx, "missing", StatusResponded)
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("unknown status", func(t *testing.T) {
		_, err := g.Transition(ctx, r.ID, "closed")
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestRegistry_LenientTransitions(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(false)
	r := mustCreate(t, g, &nairobi)

	out, err := g.Transition(ctx, r.ID, StatusResolved)
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, out.Status)

	out, err = g.Transition(ctx, r.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, out.Status)
}

func TestRegistry_AddResponder(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)

	t.Run("pending becomes responded", func(t *testing.T) {
		r := mustCreate(t, g, &nairobi)
		arrived := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
		out, err := g.AddResponder(ctx, r.ID, Responder{Kind: ResponderAmbulance, Status: "en-route", ArrivedAt: &arrived})
		require.NoError(t, err)
		assert.Equal(t, StatusResponded, out.Status)
		require.Len(t, out.Responders, 1)
		assert.Equal(t, ResponderAmbulance, out.Responders[0].Kind)
	})

	t.Run("resolved keeps status and still appends", func(t *testing.T) {
		r := mustCreate(t, g, &nairobi)
		_, err := g.Transition(ctx, r.ID, StatusResponded)
		require.NoError(t, err)
		_, err = g.Transition(ctx, r.ID, StatusResolved)
		require.NoError(t, err)

		out, err := g.AddResponder(ctx, r.ID, Responder{Kind: ResponderPolice})
		require.NoError(t, err)
		assert.Equal(t, StatusResolved, out.Status)
		assert.Len(t, out.Responders, 1)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := g.AddResponder(ctx, "missing", Responder{Kind: ResponderFire})
		assert.True(t, apperr.Is(err, apperr.KindNotFound))
	})

	t.Run("unknown kind", func(t *testing.T) {
		r := mustCreate(t, g, &nairobi)
		_, err := g.AddResponder(ctx, r.ID, Responder{Kind: "coast-guard"})
		assert.True(t, apperr.Is(err, apperr.KindValidation))
	})
}

func TestRegistry_ConcurrentResponders(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)
	r := mustCreate(t, g, &nairobi)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.AddResponder(ctx, r.ID, Responder{Kind: ResponderCommunity, Status: fmt.Sprintf("r%d", i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	out, err := g.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Len(t, out.Responders, n)
	assert.Equal(t, StatusResponded, out.Status)
}

func TestRegistry_TransitionRacingResponder(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)

	for i := 0; i < 20; i++ {
		r := mustCreate(t, g, &nairobi)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = g.AddResponder(ctx, r.ID, Responder{Kind: ResponderPolice})
		}()
		go func() {
			defer wg.Done()
			_, _ = g.Transition(ctx, r.ID, StatusCancelled)
		}()
		wg.Wait()

		out, err := g.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Len(t, out.Responders, 1, "append is never lost")
		assert.Equal(t, StatusCancelled, out.Status, "cancel is legal from pending and responded, so it always lands last")
	}
}

func TestRegistry_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	g := newRegistry(true)
	r := mustCreate(t, g, &nairobi)
	_, err := g.AddResponder(ctx, r.ID, Responder{Kind: ResponderFire})
	require.NoError(t, err)

	a, err := g.Get(ctx, r.ID)
	require.NoError(t, err)
	a.Responders[0].Kind = ResponderPolice

	b, err := g.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, ResponderFire, b.Responders[0].Kind)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusResponded))
	assert.True(t, CanTransition(StatusPending, StatusCancelled))
	assert.True(t, CanTransition(StatusResponded, StatusResolved))
	assert.True(t, CanTransition(StatusResponded, StatusCancelled))
	assert.False(t, CanTransition(StatusPending, StatusResolved))
	assert.False(t, CanTransition(StatusPending, StatusPending))
	assert.False(t, CanTransition(StatusResolved, StatusCancelled))
	assert.False(t, CanTransition(StatusCancelled, StatusPending))
}
