package order

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/pricing"
)

// numberAttempts bounds how many fresh order numbers a write may try.
const numberAttempts = 2

// Writer turns an authorized draft into a committed order in one atomic unit:
// discount state, stock checks and decrements, order rows, the discount flag
// and the outbox event either all persist or none do.
type Writer struct {
	store  Store
	number NumberGenerator
	now    func() time.Time
	lg     *zap.Logger
}

// NewWriter creates a Writer over store.
func NewWriter(store Store, lg *zap.Logger) *Writer {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Writer{
		store:  store,
		number: NewNumber,
		now:    time.Now,
		lg:     lg,
	}
}

// WithNumberGenerator replaces the order number generator.
func (w *Writer) WithNumberGenerator(g NumberGenerator) *Writer {
	w.number = g
	return w
}

// Write persists d. An order number collision restarts the whole unit once with
// a fresh number; a repeated collision is reported as a *PersistenceError.
func (w *Writer) Write(ctx context.Context, d Draft) (*Order, error) {
	var lastErr error
	for attempt := 1; attempt <= numberAttempts; attempt++ {
		o, err := w.writeOnce(ctx, d)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrOrderNumberTaken) {
			return nil, err
		}
		lastErr = err
		w.lg.Warn("Order number collision",
			zap.String("user_id", d.UserID),
			zap.Int("attempt", attempt),
		)
	}
	return nil, &PersistenceError{Err: lastErr}
}

func (w *Writer) writeOnce(ctx context.Context, d Draft) (*Order, error) {
	demand, refs := aggregate(d.Lines)

	var placed *Order
	err := w.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		state, err := tx.LockDiscountState(ctx, d.UserID)
		if err != nil {
			return err
		}

		units := make(map[catalog.Ref]catalog.Unit, len(refs))
		for _, ref := range refs {
			u, err := tx.Unit(ctx, ref)
			if err != nil {
				return err
			}
			if demand[ref] > u.Stock {
				return &catalog.InsufficientStockError{Ref: ref, Requested: demand[ref], Available: u.Stock}
			}
			units[ref] = u
		}

		lines, priced, err := buildLines(d.Lines, units)
		if err != nil {
			return err
		}

		eligible := state.FirstOrderEligible()
		quote := pricing.Compute(priced, eligible)
		now := w.now().UTC()
		o := &Order{
			ID:                 uuid.NewString(),
			Number:             w.number(now),
			UserID:             d.UserID,
			AddressID:          d.AddressID,
			CouponCode:         d.CouponCode,
			PaymentCode:        d.PaymentCode,
			Subtotal:           quote.Subtotal,
			Discount:           quote.Discount,
			Final:              quote.Final,
			FirstOrderDiscount: eligible,
			Status:             StatusPreparing,
			CreatedAt:          now,
			Lines:              lines,
		}
		if err := tx.InsertOrder(ctx, o); err != nil {
			return err
		}

		for _, ref := range refs {
			if err := tx.DecrementStock(ctx, ref, demand[ref]); err != nil {
				return err
			}
		}

		if eligible {
			if err := tx.MarkFirstOrderDiscountUsed(ctx, d.UserID); err != nil {
				return err
			}
		}

		if err := tx.Enqueue(ctx, placedEvent(o)); err != nil {
			return err
		}

		placed = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// aggregate sums requested quantities per unit and returns the units in lock
// order.
func aggregate(lines []CartLine) (map[catalog.Ref]int, []catalog.Ref) {
	demand := make(map[catalog.Ref]int, len(lines))
	refs := make([]catalog.Ref, 0, len(lines))
	for _, l := range lines {
		ref := l.Ref()
		if _, ok := demand[ref]; !ok {
			refs = append(refs, ref)
		}
		demand[ref] += l.Quantity
	}
	slices.SortFunc(refs, catalog.Ref.Compare)
	return demand, refs
}

func buildLines(cart []CartLine, units map[catalog.Ref]catalog.Unit) ([]Line, []pricing.Line, error) {
	lines := make([]Line, len(cart))
	priced := make([]pricing.Line, len(cart))
	for i, cl := range cart {
		u := units[cl.Ref()]
		price, err := pricing.FromDecimal(u.Price)
		if err != nil {
			return nil, nil, fmt.Errorf("price of %s: %w", u.Ref, err)
		}
		if cl.UnitPrice != price {
			return nil, nil, &PriceChangedError{Ref: u.Ref, Quoted: cl.UnitPrice, Current: price}
		}

		size := u.Size
		if cl.VariantID == "" {
			size = cl.Size
		}
		priced[i] = pricing.Line{UnitPrice: price, Quantity: cl.Quantity}
		lines[i] = Line{
			No:          i + 1,
			ProductID:   cl.ProductID,
			VariantID:   cl.VariantID,
			ProductName: u.ProductName,
			Size:        size,
			Quantity:    cl.Quantity,
			UnitPrice:   price,
			Total:       priced[i].Total(),
		}
	}
	return lines, priced, nil
}
