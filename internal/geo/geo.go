package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EarthRadiusKm = 6371.0

	BaseFare  = 1.50
	PerKmRate = 0.50
)

// Distance is the great-circle distance in kilometres between a and b.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}

// Haversine distance in kilometres
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Fare prices a trip of distanceKm, never below the base fare.
func Fare(distanceKm float64) float64 {
	return math.Max(BaseFare, distanceKm*PerKmRate)
}

// Hit is a located identity returned by radius queries.
type Hit struct {
	ID         string
	Loc        models.Coord
	DistanceKm float64
}

// LocationIndex stores last-known worker positions for radius discovery.
type LocationIndex interface {
	Upsert(ctx context.Context, id string, loc models.Coord) error
	Remove(ctx context.Context, id string) error
	Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error)
}

type entry struct {
	loc     models.Coord
	updated time.Time
}

// Index is the in-process LocationIndex.
type Index struct {
	mu   sync.RWMutex
	locs map[string]entry
}

func NewIndex() *Index {
	return &Index{locs: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, id string, loc models.Coord) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.locs[id] = entry{loc: loc, updated: time.Now()}
	return nil
}

func (g *Index) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.locs, id)
	return nil
}

// naive scan; candidate discovery is a bounded radius filter, not a spatial index
func (g *Index) Within(_ context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	g.mu.RLock()
	out := make([]Hit, 0, len(g.locs))
	for id, e := range g.locs {
		d := Distance(center, e.loc)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		out = append(out, Hit{ID: id, Loc: e.loc, DistanceKm: d})
	}
	g.mu.RUnlock()
	SortHits(out)
	return out, nil
}

// SortHits orders hits nearest first, ties broken by id.
func SortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].DistanceKm == hits[j].DistanceKm {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].DistanceKm < hits[j].DistanceKm
	})
}
