package orders

import (
	"net/url"
	"strings"
	"time"

	"github.com/ariefcatur/agri-market/internal/apperr"
	"github.com/shopspring/decimal"
)

// DefaultPaymentMethod is cash collected by the courier: such an order is
// paid at the moment it is delivered.
const DefaultPaymentMethod = "Cash on Delivery"

type Order struct {
	ID              string          `json:"id"`
	Items           []Item          `json:"items"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	Customer        Customer        `json:"customer"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	Status          Status          `json:"status"`
	PaymentMethod   string          `json:"paymentMethod"`
	IsPaid          bool            `json:"isPaid"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	Feedback        *Feedback       `json:"feedback,omitempty"`
	DeliveredAt     *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Item is one order line. UnitPrice is the catalog price captured when the
// order was placed.
type Item struct {
	CatalogItemID string          `json:"catalogItemId"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
}

func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

type ShippingAddress struct {
	Name       string `json:"name,omitempty"`
	Street     string `json:"street,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Phone      string `json:"phone"`
}

func (a ShippingAddress) Validate() error {
	switch {
	case strings.TrimSpace(a.City) == "":
		return apperr.Invalid("shippingAddress.city", "required")
	case strings.TrimSpace(a.PostalCode) == "":
		return apperr.Invalid("shippingAddress.postalCode", "required")
	case strings.TrimSpace(a.Phone) == "":
		return apperr.Invalid("shippingAddress.phone", "required")
	}
	return nil
}

type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (c Customer) Validate() error {
	email := NormalizeEmail(c.Email)
	if email == "" {
		return apperr.Invalid("customer.email", "required")
	}
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return apperr.Invalid("customer.email", "malformed")
	}
	return nil
}

type Feedback struct {
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"createdAt"`
}

const (
	MinRating = 1
	MaxRating = 5
)

// Total sums the line subtotals.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}
	return total
}

// NormalizeEmail is applied once, when the order is written.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// lookupEmail accepts the raw path segment a client sent: possibly still
// URL-encoded, possibly in another case.
func lookupEmail(raw string) string {
	if strings.Contains(raw, "%") {
		if dec, err := url.PathUnescape(raw); err == nil {
			raw = dec
		}
	}
	return NormalizeEmail(raw)
}
