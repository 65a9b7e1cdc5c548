package zone

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidInput     = errors.New("invalid distance")
	ErrNoZones          = errors.New("no active delivery zones configured")
	ErrInvalidPartition = errors.New("delivery zones do not partition the distance axis")
)

// maxBandGap is the widest gap allowed between one band's max and the next band's min.
var maxBandGap = decimal.RequireFromString("0.01")

// Calculate prices a delivery of distance km against the active zones.
// Distances past the furthest band are priced with that band.
func Calculate(zones []Zone, distance float64) (Quote, error) {
	if math.IsNaN(distance) || math.IsInf(distance, 0) || distance < 0 {
		return Quote{}, ErrInvalidInput
	}
	active := sortedActive(zones)
	if len(active) == 0 {
		return Quote{}, ErrNoZones
	}

	d := decimal.NewFromFloat(distance)
	z := active[len(active)-1]
	for _, candidate := range active {
		if d.LessThanOrEqual(candidate.MaxDistance) {
			z = candidate
			break
		}
	}

	distanceFee := d.Mul(z.PerKmRate).Round(2)
	total := z.BaseFee.Add(d.Mul(z.PerKmRate)).Round(2)
	return Quote{
		Fee:      total,
		Zone:     z,
		Distance: distance,
		Breakdown: Breakdown{
			BaseFee:     z.BaseFee.Round(2),
			DistanceFee: distanceFee,
			TotalFee:    total,
		},
	}, nil
}

// ValidatePartition checks that the active zones cover [0, max] without
// overlaps or gaps wider than one cent of a kilometre.
func ValidatePartition(zones []Zone) error {
	active := sortedActive(zones)
	if len(active) == 0 {
		return ErrNoZones
	}
	prevMax := decimal.Zero
	for i, z := range active {
		if z.Name == "" {
			return fmt.Errorf("%w: zone %d has no name", ErrInvalidPartition, i)
		}
		if z.BaseFee.IsNegative() || z.PerKmRate.IsNegative() {
			return fmt.Errorf("%w: %s has a negative fee", ErrInvalidPartition, z.Name)
		}
		if !z.MaxDistance.GreaterThan(z.MinDistance) {
			return fmt.Errorf("%w: %s max %s is not above min %s", ErrInvalidPartition, z.Name, z.MaxDistance, z.MinDistance)
		}
		if i == 0 {
			if !z.MinDistance.IsZero() {
				return fmt.Errorf("%w: first zone %s starts at %s, not 0", ErrInvalidPartition, z.Name, z.MinDistance)
			}
		} else {
			if !z.MinDistance.GreaterThan(prevMax) {
				return fmt.Errorf("%w: %s overlaps the previous zone", ErrInvalidPartition, z.Name)
			}
			if z.MinDistance.Sub(prevMax).GreaterThan(maxBandGap) {
				return fmt.Errorf("%w: gap between %s and %s", ErrInvalidPartition, prevMax, z.MinDistance)
			}
		}
		prevMax = z.MaxDistance
	}
	return nil
}

func sortedActive(zones []Zone) []Zone {
	out := make([]Zone, 0, len(zones))
	for _, z := range zones {
		if z.IsActive {
			out = append(out, z)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].MaxDistance.LessThan(out[j].MaxDistance)
	})
	return out
}
