package geo

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements LocationIndex using Redis GEO commands, letting several
// API processes share worker positions.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisGeoWithClient(c, key)
}

func NewRedisGeoWithClient(c redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, id string, loc models.Coord) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: id})
	pipe.HSet(ctx, metaKey(id), "updated", time.Now().UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", id, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, id)
	pipe.Del(ctx, metaKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo remove %s: %w", id, err)
	}
	return nil
}

// Within queries GEOSEARCH. A non-positive radius falls back to a full scan
// of the key, which is bounded by the number of connected workers.
func (r *RedisGeo) Within(ctx context.Context, center models.Coord, radiusKm float64) ([]Hit, error) {
	if radiusKm <= 0 {
		return r.all(ctx, center)
	}
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		loc := models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		out = append(out, Hit{ID: g.Name, Loc: loc, DistanceKm: Distance(center, loc)})
	}
	SortHits(out)
	return out, nil
}

func (r *RedisGeo) all(ctx context.Context, center models.Coord) ([]Hit, error) {
	names, err := r.client.ZRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo members: %w", err)
	}
	if len(names) == 0 {
		return nil, nil
	}
	pos, err := r.client.GeoPos(ctx, r.key, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo pos: %w", err)
	}
	out := make([]Hit, 0, len(names))
	for i, p := range pos {
		if p == nil {
			continue
		}
		loc := models.Coord{Lat: p.Latitude, Lon: p.Longitude}
		out = append(out, Hit{ID: names[i], Loc: loc, DistanceKm: Distance(center, loc)})
	}
	SortHits(out)
	return out, nil
}

func metaKey(id string) string { return "worker:meta:" + id }
