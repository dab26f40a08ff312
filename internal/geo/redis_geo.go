package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/surge-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Only online drivers are
// members of the geo set; metadata lives in a hash per driver.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Key() string { return r.key }

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	pipe := r.client.TxPipeline()
	if d.Online {
		pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: string(d.ID)})
	} else {
		pipe.ZRem(ctx, r.key, string(d.ID))
	}
	pipe.HSet(ctx, MetaKey(d.ID), MetaFields(d))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, id models.DriverID) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.key, string(id))
	pipe.Del(ctx, MetaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Nearby(ctx context.Context, center models.Coord, radiusM float64, limit int) ([]models.Driver, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	metas := make([]*redis.MapStringStringCmd, len(res))
	for i, g := range res {
		metas[i] = pipe.HGetAll(ctx, MetaKey(models.DriverID(g.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis driver meta: %w", err)
	}

	out := make([]models.Driver, 0, len(res))
	for i, g := range res {
		d := models.Driver{ID: models.DriverID(g.Name), Online: true}
		d.Loc.Lat = g.Latitude
		d.Loc.Lon = g.Longitude
		applyMeta(&d, metas[i].Val())
		if !d.Online {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisGeo) CountWithin(ctx context.Context, center models.Coord, radiusM float64) (int, error) {
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  center.Lon,
		Latitude:   center.Lat,
		Radius:     radiusM,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis geo count: %w", err)
	}
	return len(ids), nil
}

func MetaKey(id models.DriverID) string { return "driver:meta:" + string(id) }

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(d models.Driver) map[string]interface{} {
	return map[string]interface{}{
		"rating":          strconv.FormatFloat(d.Rating, 'f', -1, 64),
		"acceptance_rate": strconv.FormatFloat(d.AcceptanceRate, 'f', -1, 64),
		"online":          strconv.FormatBool(d.Online),
		"updated":         time.Now().UTC().Format(time.RFC3339),
	}
}

func applyMeta(d *models.Driver, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.Rating = f
		}
	}
	if v, ok := m["acceptance_rate"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			d.AcceptanceRate = f
		}
	}
	if v, ok := m["online"]; ok {
		d.Online = v == "true"
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
}
