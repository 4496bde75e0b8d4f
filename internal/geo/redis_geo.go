package geo

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/bus-tracking/internal/models"
)

// RedisIndex implements StopIndex using Redis GEO commands.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, s models.Stop) error {
	// store as GEOADD and HSET for metadata
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: s.Location.Lng, Latitude: s.Location.Lat, Name: s.ID}).Err(); err != nil {
		return fmt.Errorf("geoadd stop %s: %w", s.ID, err)
	}
	return r.client.HSet(ctx, metaKey(s.ID), map[string]interface{}{"route_id": s.RouteID, "name": s.Name}).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, c models.Coordinate, radiusKm float64, limit int) ([]NearbyStop, error) {
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, c.Lng, c.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]NearbyStop, 0, len(res))
	for _, g := range res {
		h := NearbyStop{StopID: g.Name, Location: models.Coordinate{Lat: g.Latitude, Lng: g.Longitude}, DistanceKm: g.Dist}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			h.RouteID = m["route_id"]
			h.Name = m["name"]
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

func metaKey(id string) string { return "stop:meta:" + id }
