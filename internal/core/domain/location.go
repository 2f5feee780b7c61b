package domain

import "fmt"

type LocationType string

const (
	LocationWarehouse LocationType = "warehouse"
	LocationStore     LocationType = "store"
	LocationFactory   LocationType = "factory"
	LocationCustomer  LocationType = "customer"
)

func (t LocationType) Valid() bool {
	switch t {
	case LocationWarehouse, LocationStore, LocationFactory, LocationCustomer:
		return true
	}
	return false
}

// LocationRef addresses one endpoint of a movement or one stock record.
// ID is optional for the warehouse and customer endpoints.
type LocationRef struct {
	Type     LocationType `json:"type"`
	ID       string       `json:"id,omitempty"`
	Name     string       `json:"name,omitempty"`
	AreaCode string       `json:"area_code,omitempty"`
}

func (l LocationRef) HasID() bool {
	return l.ID != ""
}

// Matches reports whether a stock record located at other is addressed by l.
// An endpoint with an id matches by id, otherwise by type.
func (l LocationRef) Matches(other LocationRef) bool {
	if l.HasID() {
		return l.ID == other.ID
	}
	return l.Type == other.Type
}

// Key identifies a stock record inside an item.
func (l LocationRef) Key() string {
	return string(l.Type) + ":" + l.ID
}

func (l LocationRef) Validate() error {
	if !l.Type.Valid() {
		return fmt.Errorf("unknown location type %q", l.Type)
	}
	if (l.Type == LocationStore || l.Type == LocationFactory) && !l.HasID() {
		return fmt.Errorf("%s location requires an id", l.Type)
	}
	return nil
}

func (l LocationRef) String() string {
	if l.HasID() {
		return fmt.Sprintf("%s(%s)", l.Type, l.ID)
	}
	return string(l.Type)
}

// Route is the origin and destination of a transaction.
type Route struct {
	Origin      LocationRef `json:"origin"`
	Destination LocationRef `json:"destination"`
}
