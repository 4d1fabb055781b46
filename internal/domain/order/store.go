package order

import (
	"context"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/outbox"
)

// Store persists orders. All writes of a checkout happen inside one InTx call
// and commit or roll back together.
type Store interface {
	// InTx runs fn in a single atomic unit. Any error returned by fn rolls the
	// unit back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	// Get returns the order owned by userID, or ErrOrderNotFound.
	Get(ctx context.Context, userID, orderID string) (*Order, error)
}

// Tx is the set of operations available inside an atomic unit. Rows read
// through Tx stay locked until the unit ends.
type Tx interface {
	// LockDiscountState locks the user and returns their discount state, or
	// *UserNotFoundError.
	LockDiscountState(ctx context.Context, userID string) (DiscountState, error)
	// Unit locks and returns a sellable unit, or *catalog.UnitNotFoundError.
	Unit(ctx context.Context, ref catalog.Ref) (catalog.Unit, error)
	// DecrementStock subtracts qty from the unit's stock only when enough
	// stock remains, otherwise it returns *catalog.InsufficientStockError.
	DecrementStock(ctx context.Context, ref catalog.Ref, qty int) error
	// InsertOrder stores the order with its lines. A duplicate order number
	// yields ErrOrderNumberTaken.
	InsertOrder(ctx context.Context, o *Order) error
	MarkFirstOrderDiscountUsed(ctx context.Context, userID string) error
	Enqueue(ctx context.Context, msg outbox.Message) error
}

// AddressBook answers address ownership questions.
type AddressBook interface {
	Owns(ctx context.Context, userID, addressID string) (bool, error)
}

// PromoCodes reports whether a coupon code is known.
type PromoCodes interface {
	Exists(ctx context.Context, code string) (bool, error)
}
