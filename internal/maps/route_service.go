package maps

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"googlemaps.github.io/maps"

	"dispatch/internal/types"
)

const (
	ProviderGoogle    = "google"
	ProviderHaversine = "haversine"

	// courierSpeedKmh is the assumed average two-wheeler speed for straight-line estimates.
	courierSpeedKmh = 25.0
	// roadFactor inflates straight-line distance to approximate road distance.
	roadFactor = 1.3
)

var ErrNoRoute = errors.New("no route found")

// RouteEstimate is a provider-neutral route between pickup and drop-off.
type RouteEstimate struct {
	DistanceMeters  int
	DurationSeconds int
	// Polyline is the encoded overview polyline; empty for straight-line estimates.
	Polyline string
	Provider string
}

func (r RouteEstimate) DistanceKm() float64 {
	return float64(r.DistanceMeters) / 1000
}

func (r RouteEstimate) DurationMinutes() int {
	return int(math.Ceil(float64(r.DurationSeconds) / 60))
}

// Estimator produces route estimates between two coordinates.
type Estimator interface {
	Estimate(ctx context.Context, from, to types.Point) (RouteEstimate, error)
}

// RouteService handles interactions with the Google Maps Directions API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Estimate asks Directions for a two-wheeler route between the two points.
func (s *RouteService) Estimate(ctx context.Context, from, to types.Point) (RouteEstimate, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeBicycling,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return RouteEstimate{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return RouteEstimate{}, ErrNoRoute
	}

	var meters int
	var duration time.Duration
	for _, leg := range routes[0].Legs {
		meters += leg.Distance.Meters
		duration += leg.Duration
	}
	return RouteEstimate{
		DistanceMeters:  meters,
		DurationSeconds: int(duration.Seconds()),
		Polyline:        routes[0].OverviewPolyline.Points,
		Provider:        ProviderGoogle,
	}, nil
}

func latLng(p types.Point) string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

// HaversineEstimator estimates routes from straight-line distance.
type HaversineEstimator struct{}

func (HaversineEstimator) Estimate(_ context.Context, from, to types.Point) (RouteEstimate, error) {
	km := HaversineKm(from, to) * roadFactor
	return RouteEstimate{
		DistanceMeters:  int(math.Round(km * 1000)),
		DurationSeconds: int(math.Round(km / courierSpeedKmh * 3600)),
		Provider:        ProviderHaversine,
	}, nil
}

// FallbackEstimator tries Primary and falls back to straight-line estimates when it fails.
type FallbackEstimator struct {
	Primary Estimator
}

func (f FallbackEstimator) Estimate(ctx context.Context, from, to types.Point) (RouteEstimate, error) {
	if f.Primary != nil {
		if est, err := f.Primary.Estimate(ctx, from, to); err == nil {
			return est, nil
		}
	}
	return HaversineEstimator{}.Estimate(ctx, from, to)
}
