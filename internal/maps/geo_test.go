package maps

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"dispatch/internal/types"
)

func TestHaversineKm_KnownDistances(t *testing.T) {
	tests := []struct {
		name      string
		a, b      types.Point
		wantKm    float64
		tolerance float64
	}{
		{
			name:      "same point",
			a:         types.Point{Lat: 12.9716, Lng: 77.5946},
			b:         types.Point{Lat: 12.9716, Lng: 77.5946},
			wantKm:    0,
			tolerance: 0.001,
		},
		{
			name:      "one degree of latitude",
			a:         types.Point{Lat: 10, Lng: 77},
			b:         types.Point{Lat: 11, Lng: 77},
			wantKm:    111.19,
			tolerance: 0.1,
		},
		{
			name:      "New York to Los Angeles (~3944km)",
			a:         types.Point{Lat: 40.7128, Lng: -74.0060},
			b:         types.Point{Lat: 34.0522, Lng: -118.2437},
			wantKm:    3944,
			tolerance: 50,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineKm(tt.a, tt.b)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("HaversineKm() = %f, want %f (±%f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversineKm_Symmetry(t *testing.T) {
	a := types.Point{Lat: 25.0, Lng: 121.0}
	b := types.Point{Lat: 26.0, Lng: 122.0}
	if d1, d2 := HaversineKm(a, b), HaversineKm(b, a); math.Abs(d1-d2) > 0.0001 {
		t.Errorf("haversine is not symmetric: %f vs %f", d1, d2)
	}
}

type failingEstimator struct{}

func (failingEstimator) Estimate(context.Context, types.Point, types.Point) (RouteEstimate, error) {
	return RouteEstimate{}, errors.New("quota exceeded")
}

func TestFallbackEstimator_UsesStraightLineOnFailure(t *testing.T) {
	from := types.Point{Lat: 10, Lng: 77}
	to := types.Point{Lat: 10.1, Lng: 77}

	est, err := FallbackEstimator{Primary: failingEstimator{}}.Estimate(context.Background(), from, to)
	require.NoError(t, err)
	require.Equal(t, ProviderHaversine, est.Provider)
	require.InDelta(t, 11.119*roadFactor, est.DistanceKm(), 0.05)
	require.Positive(t, est.DurationMinutes())
}
