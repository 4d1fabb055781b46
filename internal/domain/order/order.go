package order

import (
	"time"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/pricing"
)

// Status is the fulfilment state of an order.
type Status string

// StatusPreparing is the state of every freshly placed order.
const StatusPreparing Status = "preparing"

// Order is a placed customer order with frozen pricing.
type Order struct {
	ID     string
	Number string
	UserID string
	// AddressID references the delivery address.
	AddressID string
	// CouponCode is captured as submitted; it does not affect pricing.
	CouponCode string
	// PaymentCode is the gateway authorization code.
	PaymentCode string

	Subtotal pricing.Minor
	Discount pricing.Minor
	Final    pricing.Minor
	// FirstOrderDiscount reports whether the first-order discount was applied.
	FirstOrderDiscount bool

	Status    Status
	CreatedAt time.Time
	Lines     []Line
}

// Line is an immutable order line. Price, product name and size are frozen at
// purchase time.
type Line struct {
	No          int
	ProductID   string
	VariantID   string
	ProductName string
	Size        string
	Quantity    int
	UnitPrice   pricing.Minor
	Total       pricing.Minor
}

// Ref returns the sellable unit the line was bought from.
func (l Line) Ref() catalog.Ref {
	return catalog.Ref{ProductID: l.ProductID, VariantID: l.VariantID}
}

// CartLine is a requested purchase of one sellable unit.
type CartLine struct {
	ProductID string
	VariantID string
	Quantity  int
	// UnitPrice is the price the client saw. It must match the catalog price
	// at order time.
	UnitPrice pricing.Minor
	// Size is used when no VariantID is given.
	Size string
}

// Ref returns the sellable unit referenced by the line.
func (l CartLine) Ref() catalog.Ref {
	return catalog.Ref{ProductID: l.ProductID, VariantID: l.VariantID}
}

// DiscountState is a user's first-order discount bookkeeping.
type DiscountState struct {
	FirstOrderDiscountUsed bool
	PriorOrders            int
}

// FirstOrderEligible reports whether the next order gets the first-order
// discount. Both signals must agree: the flag is unset and the user owns no
// orders.
func (s DiscountState) FirstOrderEligible() bool {
	return !s.FirstOrderDiscountUsed && s.PriorOrders == 0
}

// Draft is an authorized cart ready to be written.
type Draft struct {
	UserID      string
	AddressID   string
	CouponCode  string
	PaymentCode string
	Lines       []CartLine
}
