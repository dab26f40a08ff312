package demand

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/surge-dispatch/internal/geo"
	"github.com/example/surge-dispatch/internal/surge"
)

// RedisSampler counts drivers with GEOSEARCH over the shared driver geo key
// and keeps a sliding window of request timestamps in one sorted set per zone.
type RedisSampler struct {
	client *redis.Client
	geoKey string
	window time.Duration
	now    func() time.Time
}

func NewRedisSampler(client *redis.Client, geoKey string, window time.Duration) *RedisSampler {
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisSampler{client: client, geoKey: geoKey, window: window, now: time.Now}
}

func requestsKey(zoneID string) string { return "demand:requests:" + zoneID }

func (r *RedisSampler) RecordRequest(ctx context.Context, zoneID string, at time.Time) error {
	key := requestsKey(zoneID)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: uuid.NewString()})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(r.now().Add(-r.window).UnixMilli(), 10))
	pipe.Expire(ctx, key, 2*r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record demand %s: %w", zoneID, err)
	}
	return nil
}

func (r *RedisSampler) Sample(ctx context.Context, z surge.Zone) (surge.Demand, error) {
	radius := searchRadius(z)
	cutoff := strconv.FormatInt(r.now().Add(-r.window).UnixMilli(), 10)

	pipe := r.client.Pipeline()
	drivers := pipe.GeoSearch(ctx, r.geoKey, &redis.GeoSearchQuery{
		Longitude:  z.Center.Lon,
		Latitude:   z.Center.Lat,
		Radius:     radius,
		RadiusUnit: "m",
	})
	reqs := pipe.ZCount(ctx, requestsKey(z.ID), "("+cutoff, "+inf")
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return surge.Demand{}, fmt.Errorf("sample demand %s: %w", z.ID, err)
	}
	n := len(drivers.Val())
	return surge.Demand{
		Drivers:     n,
		Requests:    int(reqs.Val()),
		WaitMinutes: EstimateWait(n, geo.CircleAreaKm2(radius)),
	}, nil
}
