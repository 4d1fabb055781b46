// Package pricing computes order totals and the first-order discount in
// integer minor currency units.
package pricing

// FirstOrderDiscountPercent is the discount granted on a customer's first order.
const FirstOrderDiscountPercent = 10

// Line is a priced cart line.
type Line struct {
	UnitPrice Minor
	Quantity  int
}

// Total returns UnitPrice * Quantity.
func (l Line) Total() Minor {
	return l.UnitPrice * Minor(l.Quantity)
}

// Quote is the result of pricing a cart.
type Quote struct {
	Subtotal Minor
	Discount Minor
	Final    Minor
}

// Compute prices the given lines. When firstOrder is set, the discount is
// FirstOrderDiscountPercent of the subtotal rounded half up to the nearest
// minor unit; otherwise it is zero. Final is always Subtotal - Discount.
func Compute(lines []Line, firstOrder bool) Quote {
	var subtotal Minor
	for _, l := range lines {
		subtotal += l.Total()
	}

	var discount Minor
	if firstOrder {
		discount = percentOf(subtotal, FirstOrderDiscountPercent)
	}

	return Quote{
		Subtotal: subtotal,
		Discount: discount,
		Final:    subtotal - discount,
	}
}

// percentOf returns round-half-up(amount * pct / 100) for non-negative amounts.
func percentOf(amount Minor, pct int64) Minor {
	if amount <= 0 {
		return 0
	}
	return (amount*Minor(pct) + 50) / 100
}
