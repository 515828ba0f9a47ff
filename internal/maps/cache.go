package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ridepool/internal/types"
)

// LegCache is a redis-backed cache for point-to-point legs. The detour check
// issues up to four provider calls per candidate pair, most of them repeats
// across candidates and sweeps; the cache bounds provider traffic.
// The cache is transparent: a miss or a redis failure just falls through to
// the provider.
type LegCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewLegCache(redis *redis.Client, ttl time.Duration) *LegCache {
	return &LegCache{redis: redis, ttl: ttl}
}

func (c *LegCache) Get(ctx context.Context, a, b types.Point) (Leg, bool) {
	val, err := c.redis.Get(ctx, legKey(a, b)).Result()
	if err != nil {
		return Leg{}, false
	}
	var leg Leg
	if err := json.Unmarshal([]byte(val), &leg); err != nil {
		return Leg{}, false
	}
	return leg, true
}

func (c *LegCache) Set(ctx context.Context, a, b types.Point, leg Leg) {
	raw, err := json.Marshal(leg)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, legKey(a, b), raw, c.ttl).Err()
}

// legKey rounds coordinates to 5 decimals (~1m) so nearby lookups share an
// entry without meaningfully changing the result.
func legKey(a, b types.Point) string {
	return fmt.Sprintf("maps:leg:%.5f,%.5f:%.5f,%.5f", a.Lat, a.Lng, b.Lat, b.Lng)
}
