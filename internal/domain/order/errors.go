package order

import (
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/pricing"
)

// Kind classifies a checkout failure.
type Kind string

const (
	KindInvalidRequest        Kind = "invalid_request"
	KindInvalidPaymentDetails Kind = "invalid_payment_details"
	KindPaymentDeclined       Kind = "payment_declined"
	KindInsufficientStock     Kind = "insufficient_stock"
	KindUnitNotFound          Kind = "unit_not_found"
	KindUserNotFound          Kind = "user_not_found"
	KindPriceChanged          Kind = "price_changed"
	KindOrderNotFound         Kind = "order_not_found"
	KindOrderNumberCollision  Kind = "order_number_collision"
	KindPersistenceFailure    Kind = "persistence_failure"
)

// Sentinel errors for checkout validation.
var (
	ErrUserRequired    = fmt.Errorf("user id required")
	ErrEmptyCart       = fmt.Errorf("cart must contain at least one item")
	ErrTooManyLines    = fmt.Errorf("cart exceeds %d items", MaxCartLines)
	ErrAddressRequired = fmt.Errorf("address id required")
	ErrAddressNotFound = fmt.Errorf("address not found")
	ErrUnknownCoupon   = fmt.Errorf("coupon code not recognized")
)

var (
	// ErrOrderNotFound is returned when an order does not exist or belongs to
	// another user.
	ErrOrderNotFound = fmt.Errorf("order not found")
	// ErrOrderNumberTaken is returned by Tx.InsertOrder when the generated
	// order number already exists.
	ErrOrderNumberTaken = fmt.Errorf("order number already taken")
)

// InvalidLineError reports a malformed cart line.
type InvalidLineError struct {
	Index  int
	Reason string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("item %d: %s", e.Index, e.Reason)
}

// UserNotFoundError indicates the ordering user does not exist.
type UserNotFoundError struct {
	UserID string
}

func (e *UserNotFoundError) Error() string {
	return fmt.Sprintf("user %s not found", e.UserID)
}

// PriceChangedError indicates the price the client saw no longer matches the
// catalog.
type PriceChangedError struct {
	Ref     catalog.Ref
	Quoted  pricing.Minor
	Current pricing.Minor
}

func (e *PriceChangedError) Error() string {
	return fmt.Sprintf("price of %s changed from %s to %s", e.Ref, e.Quoted, e.Current)
}

// PersistenceError wraps a storage failure. The wrapped error is logged but
// never shown to clients.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persist order: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// KindOf classifies err. Errors without a known tag are persistence failures.
func KindOf(err error) Kind {
	var (
		persistErr  *PersistenceError
		lineErr     *InvalidLineError
		userErr     *UserNotFoundError
		priceErr    *PriceChangedError
		unitErr     *catalog.UnitNotFoundError
		stockErr    *catalog.InsufficientStockError
		detailsErr  *payment.InvalidPaymentDetailsError
		declinedErr *payment.DeclinedError
	)
	switch {
	case errors.As(err, &persistErr):
		return KindPersistenceFailure
	case errors.As(err, &lineErr),
		errors.Is(err, ErrUserRequired),
		errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrTooManyLines),
		errors.Is(err, ErrAddressRequired),
		errors.Is(err, ErrAddressNotFound),
		errors.Is(err, ErrUnknownCoupon):
		return KindInvalidRequest
	case errors.As(err, &detailsErr):
		return KindInvalidPaymentDetails
	case errors.As(err, &declinedErr):
		return KindPaymentDeclined
	case errors.As(err, &stockErr):
		return KindInsufficientStock
	case errors.As(err, &unitErr):
		return KindUnitNotFound
	case errors.As(err, &userErr):
		return KindUserNotFound
	case errors.As(err, &priceErr):
		return KindPriceChanged
	case errors.Is(err, ErrOrderNotFound):
		return KindOrderNotFound
	case errors.Is(err, ErrOrderNumberTaken):
		return KindOrderNumberCollision
	default:
		return KindPersistenceFailure
	}
}

// Message returns a client-facing description of err.
func Message(err error) string {
	switch KindOf(err) {
	case KindPersistenceFailure, KindOrderNumberCollision:
		return "order could not be saved, please retry"
	default:
		return err.Error()
	}
}
