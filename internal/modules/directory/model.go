// README: Read-only views of marketplace orders, stores and delivery partners.
package directory

import (
	"errors"

	"github.com/shopspring/decimal"

	"dispatch/internal/types"
)

var ErrNotFound = errors.New("directory record not found")

type OrderInfo struct {
	ID              types.ID
	CustomerID      types.ID
	CustomerName    string
	Phone           string
	ShippingAddress string
	TotalAmount     decimal.Decimal
	StoreID         types.ID
	Dropoff         *types.Point
	Area            string
}

type StoreInfo struct {
	ID       types.ID
	OwnerID  types.ID
	Name     string
	Address  string
	Location *types.Point
}

// PartnerApproved is the only partner status eligible for offers.
const PartnerApproved = "approved"
