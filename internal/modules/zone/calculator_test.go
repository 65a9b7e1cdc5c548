package zone

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestCalculate_Boundaries(t *testing.T) {
	zones := DefaultZones()
	cases := []struct {
		name     string
		distance float64
		wantZone string
		wantFee  string
	}{
		{"zero distance", 0, "Inner City", "30"},
		{"inside inner city", 3.2, "Inner City", "46"},
		{"inner city upper bound is inclusive", 5.0, "Inner City", "55"},
		{"gap between bands goes up", 5.005, "Suburban", "90.04"},
		{"suburban lower bound", 5.01, "Suburban", "90.08"},
		{"suburban", 12, "Suburban", "146"},
		{"rural upper bound", 30, "Rural", "440"},
		{"extended rural lower bound", 30.01, "Extended Rural", "570.15"},
		{"beyond last band clamps", 150, "Extended Rural", "2370"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q, err := Calculate(zones, tc.distance)
			require.NoError(t, err)
			require.Equal(t, tc.wantZone, q.Zone.Name)
			require.True(t, decimal.RequireFromString(tc.wantFee).Equal(q.Fee), "fee = %s, want %s", q.Fee, tc.wantFee)
			require.True(t, q.Breakdown.TotalFee.Equal(q.Fee))
			require.True(t, q.Breakdown.BaseFee.Add(q.Breakdown.DistanceFee).Sub(q.Fee).Abs().LessThanOrEqual(decimal.RequireFromString("0.01")))
		})
	}
}

func TestCalculate_RoundsToCents(t *testing.T) {
	q, err := Calculate(DefaultZones(), 1.2345)
	require.NoError(t, err)
	// 30 + 1.2345*5 = 36.1725 -> 36.17
	require.Equal(t, "36.17", q.Fee.StringFixed(2))
}

func TestCalculate_InvalidInput(t *testing.T) {
	for _, d := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
		_, err := Calculate(DefaultZones(), d)
		require.ErrorIs(t, err, ErrInvalidInput, "distance %v", d)
	}
}

func TestCalculate_IgnoresInactiveZones(t *testing.T) {
	zones := DefaultZones()
	zones[0].IsActive = false
	q, err := Calculate(zones, 2)
	require.NoError(t, err)
	require.Equal(t, "Suburban", q.Zone.Name)

	for i := range zones {
		zones[i].IsActive = false
	}
	_, err = Calculate(zones, 2)
	require.ErrorIs(t, err, ErrNoZones)
}

func TestValidatePartition(t *testing.T) {
	require.NoError(t, ValidatePartition(DefaultZones()))

	overlap := DefaultZones()
	overlap[1].MinDistance = decimal.NewFromInt(4)
	require.ErrorIs(t, ValidatePartition(overlap), ErrInvalidPartition)

	gap := DefaultZones()
	gap[2].MinDistance = decimal.NewFromInt(16)
	require.ErrorIs(t, ValidatePartition(gap), ErrInvalidPartition)

	badStart := DefaultZones()
	badStart[0].MinDistance = decimal.NewFromInt(1)
	require.ErrorIs(t, ValidatePartition(badStart), ErrInvalidPartition)

	inverted := DefaultZones()
	inverted[3].MaxDistance = decimal.NewFromInt(20)
	require.ErrorIs(t, ValidatePartition(inverted), ErrInvalidPartition)

	require.ErrorIs(t, ValidatePartition(nil), ErrNoZones)
}
