package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeSeed       Type = "Seed"
	TypePesticide  Type = "Pesticide"
	TypeFertilizer Type = "Fertilizer"
	TypeTool       Type = "Tool"
	TypeOther      Type = "Other"
)

// remember to add new types to validTypes
var validTypes = map[Type]struct{}{
	TypeSeed:       {},
	TypePesticide:  {},
	TypeFertilizer: {},
	TypeTool:       {},
	TypeOther:      {},
}

func ToType(s string) (Type, bool) {
	t := Type(s)
	_, ok := validTypes[t]
	return t, ok
}

type Status string

const (
	StatusAvailable    Status = "Available"
	StatusOutOfStock   Status = "Out of Stock"
	StatusDiscontinued Status = "Discontinued"
)

var validStatuses = map[Status]struct{}{
	StatusAvailable:    {},
	StatusOutOfStock:   {},
	StatusDiscontinued: {},
}

func ToStatus(s string) (Status, bool) {
	st := Status(s)
	_, ok := validStatuses[st]
	return st, ok
}

const MaxImages = 5

type Item struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Manufacturer string          `json:"manufacturer"`
	Type         Type            `json:"type"`
	Price        decimal.Decimal `json:"price"`
	Quantity     int             `json:"quantity"`
	SellerID     string          `json:"sellerId"`
	Status       Status          `json:"status"`
	Images       []string        `json:"images"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Available means the item can be shown to buyers.
func (i Item) Available() bool {
	return i.Status == StatusAvailable && i.Quantity > 0
}

// statusAfterStockChange derives the status after quantity moved to qty.
// Discontinued is sticky; the other two follow the stock level.
func statusAfterStockChange(cur Status, qty int) Status {
	switch {
	case cur == StatusAvailable && qty == 0:
		return StatusOutOfStock
	case cur == StatusOutOfStock && qty > 0:
		return StatusAvailable
	default:
		return cur
	}
}
