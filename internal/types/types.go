// README: Shared identifiers and geographic primitives.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID is an opaque identifier. User ids are Firebase UIDs, order and store ids
// come from the marketplace, delivery-side ids are UUIDs.
type ID string

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts both JSON strings and numbers, since web and mobile
// clients still send numeric order ids.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	if _, err := strconv.ParseInt(string(b), 10, 64); err != nil {
		return fmt.Errorf("invalid id %s", string(b))
	}
	*id = ID(b)
	return nil
}

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point lies within WGS84 coordinate bounds.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Role is the caller's marketplace role, carried in the "role" token claim.
type Role string

const (
	RoleCustomer   Role = "customer"
	RoleShopkeeper Role = "shopkeeper"
	RolePartner    Role = "delivery_partner"
	RoleAdmin      Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleShopkeeper, RolePartner, RoleAdmin:
		return true
	}
	return false
}
