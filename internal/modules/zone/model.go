// README: Delivery zone bands and fee quotes.
package zone

import (
	"time"

	"github.com/shopspring/decimal"

	"dispatch/internal/types"
)

// Zone is a distance band with its own pricing. Bands are half-open on the
// left: a distance d belongs to the first band (by MaxDistance) with d <= MaxDistance.
type Zone struct {
	ID          types.ID        `json:"id"`
	Name        string          `json:"name"`
	MinDistance decimal.Decimal `json:"minDistance"`
	MaxDistance decimal.Decimal `json:"maxDistance"`
	BaseFee     decimal.Decimal `json:"baseFee"`
	PerKmRate   decimal.Decimal `json:"perKmRate"`
	IsActive    bool            `json:"isActive"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type Breakdown struct {
	BaseFee     decimal.Decimal
	DistanceFee decimal.Decimal
	TotalFee    decimal.Decimal
}

type Quote struct {
	Fee       decimal.Decimal
	Zone      Zone
	Distance  float64
	Breakdown Breakdown
}

// DefaultZones mirrors the seed rows in migrations/0001_init.sql.
func DefaultZones() []Zone {
	return []Zone{
		{ID: "inner-city", Name: "Inner City", MinDistance: decimal.Zero, MaxDistance: decimal.NewFromInt(5), BaseFee: decimal.NewFromInt(30), PerKmRate: decimal.NewFromInt(5), IsActive: true},
		{ID: "suburban", Name: "Suburban", MinDistance: decimal.RequireFromString("5.01"), MaxDistance: decimal.NewFromInt(15), BaseFee: decimal.NewFromInt(50), PerKmRate: decimal.NewFromInt(8), IsActive: true},
		{ID: "rural", Name: "Rural", MinDistance: decimal.RequireFromString("15.01"), MaxDistance: decimal.NewFromInt(30), BaseFee: decimal.NewFromInt(80), PerKmRate: decimal.NewFromInt(12), IsActive: true},
		{ID: "extended-rural", Name: "Extended Rural", MinDistance: decimal.RequireFromString("30.01"), MaxDistance: decimal.NewFromInt(100), BaseFee: decimal.NewFromInt(120), PerKmRate: decimal.NewFromInt(15), IsActive: true},
	}
}
