package tracking

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"dispatch/internal/types"
)

func TestPositionIndex_NearbyPartners(t *testing.T) {
	addr := os.Getenv("DISPATCH_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("DISPATCH_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Del(ctx, partnerGeoKey, partnerSeenKey).Err())

	idx := NewPositionIndex(rdb)
	require.NoError(t, idx.SetPartnerPosition(ctx, "near", types.Point{Lat: 25.0330, Lng: 121.5654}))
	require.NoError(t, idx.SetPartnerPosition(ctx, "far", types.Point{Lat: 24.1477, Lng: 120.6736}))

	ids, err := idx.NearbyPartners(ctx, types.Point{Lat: 25.0340, Lng: 121.5640}, 5)
	require.NoError(t, err)
	require.Equal(t, []types.ID{"near"}, ids)

	// a position older than the TTL no longer counts
	idx.now = func() time.Time { return time.Now().Add(-2 * positionTTL) }
	require.NoError(t, idx.SetPartnerPosition(ctx, "stale", types.Point{Lat: 25.0331, Lng: 121.5655}))
	idx.now = time.Now
	ids, err = idx.NearbyPartners(ctx, types.Point{Lat: 25.0340, Lng: 121.5640}, 5)
	require.NoError(t, err)
	require.Equal(t, []types.ID{"near"}, ids)
}
