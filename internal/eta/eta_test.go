package eta

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type stubClient struct {
	v     float64
	err   error
	calls int
}

func (s *stubClient) EstimateSeconds(from, to models.Coord) (float64, error) {
	s.calls++
	return s.v, s.err
}

func TestEstimateSecondsUsesDefaultSpeed(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0, Lon: 0.045}
	got := EstimateSeconds(from, to, 0)
	assert.InDelta(t, 5004/DefaultSpeedMps, got, 5)
}

func TestEstimatorPrefersCacheThenClient(t *testing.T) {
	c := &stubClient{v: 42}
	e := &Estimator{Client: c, Cache: NewCache(time.Minute)}
	a, b := models.Coord{Lat: 1}, models.Coord{Lat: 2}

	assert.Equal(t, 42.0, e.Seconds(a, b))
	assert.Equal(t, 42.0, e.Seconds(a, b))
	assert.Equal(t, 1, c.calls)
}

func TestEstimatorFallsBackOnClientError(t *testing.T) {
	e := &Estimator{Client: &stubClient{err: errors.New("down")}, SpeedMps: 10}
	a, b := models.Coord{}, models.Coord{Lon: 0.045}
	assert.InDelta(t, EstimateSeconds(a, b, 10), e.Seconds(a, b), 1e-9)
}

func TestCacheExpires(t *testing.T) {
	c := NewCache(time.Millisecond)
	a, b := models.Coord{}, models.Coord{Lat: 1}
	c.Set(a, b, 3)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(a, b)
	assert.False(t, ok)
}

func TestOSRMClient(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		fmt.Fprint(w, `{"code":"Ok","routes":[{"duration":321.5}]}`)
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL+"/").EstimateSeconds(models.Coord{Lat: 1, Lon: 2}, models.Coord{Lat: 3, Lon: 4})
	require.NoError(t, err)
	assert.Equal(t, 321.5, got)
	assert.Equal(t, "/route/v1/driving/2.000000,1.000000;4.000000,3.000000", <-paths)
}

func TestOSRMClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("overview") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if strings.Contains(r.URL.Path, "99.000000") {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"code":"NoRoute","routes":[]}`)
	}))
	defer srv.Close()
	c := NewOSRMClient(srv.URL)

	_, err := c.EstimateSeconds(models.Coord{}, models.Coord{Lat: 1})
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = c.EstimateSeconds(models.Coord{Lon: 99}, models.Coord{})
	assert.ErrorContains(t, err, "status 502")
}
