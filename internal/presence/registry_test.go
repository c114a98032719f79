package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

type handle string

func (h handle) HandleID() string { return string(h) }

func TestConnectIsKeyedByIdentity(t *testing.T) {
	r := NewRegistry(nil)
	assert.True(t, r.WorkerConnect("w1", handle("a")))
	assert.False(t, r.WorkerConnect("w1", handle("b")))

	w, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, 2, w.Connections)
	assert.True(t, w.Available)

	gone, err := r.WorkerDisconnectHandle(context.Background(), "w1", "a")
	require.NoError(t, err)
	assert.False(t, gone)
	assert.True(t, r.IsWorkerPresent("w1"))

	gone, err = r.WorkerDisconnectHandle(context.Background(), "w1", "b")
	require.NoError(t, err)
	assert.True(t, gone)
	assert.False(t, r.IsWorkerPresent("w1"))
}

func TestDisconnectRemovesLocation(t *testing.T) {
	ctx := context.Background()
	idx := geo.NewIndex()
	r := NewRegistry(idx)
	r.WorkerConnect("w1", handle("a"))
	require.NoError(t, r.UpdateLocation(ctx, "w1", models.Coord{Lat: 1, Lon: 1}))

	require.NoError(t, r.WorkerDisconnect(ctx, "w1"))
	hits, err := idx.Within(ctx, models.Coord{Lat: 1, Lon: 1}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.NoError(t, r.WorkerDisconnect(ctx, "w1"))
}

func TestUpdateLocationRequiresPresence(t *testing.T) {
	r := NewRegistry(nil)
	err := r.UpdateLocation(context.Background(), "ghost", models.Coord{})
	assert.ErrorIs(t, err, models.ErrNotFound)

	r.WorkerConnect("w1", handle("a"))
	err = r.UpdateLocation(context.Background(), "w1", models.Coord{Lat: 91})
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestListAvailableWorkersNear(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil)
	for id, lon := range map[string]float64{"near": 0.01, "mid": 0.03, "far": 1.0, "busy": 0.0} {
		r.WorkerConnect(id, handle(id))
		require.NoError(t, r.UpdateLocation(ctx, id, models.Coord{Lat: 0, Lon: lon}))
	}
	require.NoError(t, r.SetAvailable("busy", false))
	r.WorkerConnect("nowhere", handle("n"))

	near, err := r.ListAvailableWorkersNear(ctx, models.Coord{}, 5)
	require.NoError(t, err)
	require.Len(t, near, 2)
	assert.Equal(t, "near", near[0].ID)
	assert.Equal(t, "mid", near[1].ID)
	assert.InDelta(t, 1.11, near[0].DistanceKm, 0.01)

	all, err := r.ListAvailableWorkersNear(ctx, models.Coord{}, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(all))
	for _, w := range all {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"far", "mid", "near", "nowhere"}, ids)
}

func TestSetAvailableUnknownWorker(t *testing.T) {
	assert.ErrorIs(t, NewRegistry(nil).SetAvailable("w1", true), models.ErrNotFound)
}

func TestRequesterPresence(t *testing.T) {
	r := NewRegistry(nil)
	assert.True(t, r.RequesterConnect("c1", handle("a")))
	assert.False(t, r.RequesterConnect("c1", handle("b")))
	assert.False(t, r.RequesterDisconnectHandle("c1", "a"))
	assert.True(t, r.IsRequesterPresent("c1"))
	r.RequesterDisconnect("c1")
	assert.False(t, r.IsRequesterPresent("c1"))
}

func TestConcurrentConnectsAreIsolatedPerWorker(t *testing.T) {
	r := NewRegistry(nil)
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i%8)
			r.WorkerConnect(id, handle(fmt.Sprintf("h%d", i)))
			_ = r.UpdateLocation(context.Background(), id, models.Coord{Lat: float64(i % 8)})
		}(i)
	}
	wg.Wait()

	workers, requesters := r.Counts()
	assert.Equal(t, 8, workers)
	assert.Zero(t, requesters)
	w, _ := r.Worker("w3")
	assert.Equal(t, 8, w.Connections)
}
