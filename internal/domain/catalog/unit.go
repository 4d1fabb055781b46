// Package catalog describes sellable units: products and their size variants,
// each with its own stock count and possibly its own price.
package catalog

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Ref identifies a sellable unit. An empty VariantID refers to the product
// itself.
type Ref struct {
	ProductID string
	VariantID string
}

// String renders the ref as "product" or "product/variant".
func (r Ref) String() string {
	if r.VariantID == "" {
		return r.ProductID
	}
	return r.ProductID + "/" + r.VariantID
}

// Compare orders refs by product then variant. Units are locked in this order
// so concurrent checkouts touching the same units cannot deadlock.
func (r Ref) Compare(o Ref) int {
	if c := strings.Compare(r.ProductID, o.ProductID); c != 0 {
		return c
	}
	return strings.Compare(r.VariantID, o.VariantID)
}

// Unit is a sellable unit as seen at order time.
type Unit struct {
	Ref
	ProductName string
	// Size is the variant's size label; empty for product-level units.
	Size string
	// Price is the effective unit price: the variant price when the variant
	// overrides it, otherwise the product price.
	Price decimal.Decimal
	Stock int
}

// EffectivePrice resolves a unit price from the product price and an optional
// variant override.
func EffectivePrice(productPrice decimal.Decimal, variantPrice *decimal.Decimal) decimal.Decimal {
	if variantPrice != nil {
		return *variantPrice
	}
	return productPrice
}

// UnitNotFoundError indicates a cart referenced an unknown product or variant.
type UnitNotFoundError struct {
	Ref Ref
}

func (e *UnitNotFoundError) Error() string {
	if e.Ref.VariantID != "" {
		return fmt.Sprintf("variant %s of product %s not found", e.Ref.VariantID, e.Ref.ProductID)
	}
	return fmt.Sprintf("product %s not found", e.Ref.ProductID)
}

// InsufficientStockError indicates a unit cannot cover the requested quantity.
type InsufficientStockError struct {
	Ref       Ref
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.Ref, e.Requested, e.Available)
}

// Shortfall returns how many units are missing to satisfy the request.
func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}
