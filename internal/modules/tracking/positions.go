// README: Last known partner positions in Redis GEO, used to narrow broadcast candidates.
package tracking

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const (
	partnerGeoKey  = "dispatch:partners:geo"
	partnerSeenKey = "dispatch:partners:seen"
	// positionTTL bounds how old a position may be and still count as "nearby".
	positionTTL = 15 * time.Minute
)

type PositionIndex struct {
	redis *redis.Client
	now   func() time.Time
}

func NewPositionIndex(redis *redis.Client) *PositionIndex {
	return &PositionIndex{redis: redis, now: time.Now}
}

func (p *PositionIndex) SetPartnerPosition(ctx context.Context, partnerID types.ID, pos types.Point) error {
	pipe := p.redis.Pipeline()
	pipe.GeoAdd(ctx, partnerGeoKey, &redis.GeoLocation{
		Name:      string(partnerID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	})
	pipe.ZAdd(ctx, partnerSeenKey, redis.Z{Score: float64(p.now().Unix()), Member: string(partnerID)})
	_, err := pipe.Exec(ctx)
	return err
}

// NearbyPartners returns partners seen recently within radiusKm of pos, nearest first.
func (p *PositionIndex) NearbyPartners(ctx context.Context, pos types.Point, radiusKm float64) ([]types.ID, error) {
	if err := p.pruneStale(ctx); err != nil {
		return nil, err
	}
	results, err := p.redis.GeoSearch(ctx, partnerGeoKey, &redis.GeoSearchQuery{
		Longitude:  pos.Lng,
		Latitude:   pos.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}

func (p *PositionIndex) pruneStale(ctx context.Context) error {
	cutoff := strconv.FormatInt(p.now().Add(-positionTTL).Unix(), 10)
	stale, err := p.redis.ZRangeByScore(ctx, partnerSeenKey, &redis.ZRangeBy{Min: "-inf", Max: "(" + cutoff}).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	members := make([]interface{}, len(stale))
	for i, m := range stale {
		members[i] = m
	}
	pipe := p.redis.Pipeline()
	pipe.ZRem(ctx, partnerGeoKey, members...)
	pipe.ZRem(ctx, partnerSeenKey, members...)
	_, err = pipe.Exec(ctx)
	return err
}
