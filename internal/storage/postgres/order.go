package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/outbox"
)

const (
	uniqueViolation       = "23505"
	orderNumberConstraint = "orders_number_key"
)

var _ order.Store = (*OrderStore)(nil)

// OrderStore implements order.Store. Each unit runs in a READ COMMITTED
// transaction; contested rows are locked with SELECT ... FOR NO KEY UPDATE and
// stock is decremented with a conditional UPDATE. The weaker lock still
// serializes writers but not the FOR KEY SHARE that foreign key checks take
// when order lines reference a product another cart holds.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore returns an OrderStore that uses the given pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// InTx implements order.Store.
func (s *OrderStore) InTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &orderTx{tx: tx})
	})
}

// Get implements order.Store.
func (s *OrderStore) Get(ctx context.Context, userID, orderID string) (*order.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, order.ErrOrderNotFound
	}

	var (
		o                         order.Order
		subtotal, discount, final decimal.Decimal
		status                    string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, number, user_id, address_id, coupon_code, payment_code,
		       subtotal, discount, final_amount, first_order_discount, status, created_at
		FROM orders
		WHERE id = $1 AND user_id = $2`, orderID, userID,
	).Scan(
		&o.ID, &o.Number, &o.UserID, &o.AddressID, &o.CouponCode, &o.PaymentCode,
		&subtotal, &discount, &final, &o.FirstOrderDiscount, &status, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrOrderNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", orderID, err)
	}
	o.Status = order.Status(status)
	if o.Subtotal, err = pricing.FromDecimal(subtotal); err != nil {
		return nil, fmt.Errorf("order %q subtotal: %w", orderID, err)
	}
	if o.Discount, err = pricing.FromDecimal(discount); err != nil {
		return nil, fmt.Errorf("order %q discount: %w", orderID, err)
	}
	if o.Final, err = pricing.FromDecimal(final); err != nil {
		return nil, fmt.Errorf("order %q final: %w", orderID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT line_no, product_id, COALESCE(variant_id, ''), product_name, size,
		       quantity, unit_price, line_total
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing order %q lines: %w", orderID, err)
	}
	o.Lines, err = pgx.CollectRows(rows, scanLine)
	if err != nil {
		return nil, fmt.Errorf("scanning order %q lines: %w", orderID, err)
	}

	return &o, nil
}

func scanLine(row pgx.CollectableRow) (order.Line, error) {
	var (
		l            order.Line
		price, total decimal.Decimal
	)
	if err := row.Scan(&l.No, &l.ProductID, &l.VariantID, &l.ProductName, &l.Size,
		&l.Quantity, &price, &total); err != nil {
		return l, err
	}
	var err error
	if l.UnitPrice, err = pricing.FromDecimal(price); err != nil {
		return l, err
	}
	l.Total, err = pricing.FromDecimal(total)
	return l, err
}

// orderTx implements order.Tx on a pgx transaction.
type orderTx struct {
	tx pgx.Tx
}

func (t *orderTx) LockDiscountState(ctx context.Context, userID string) (order.DiscountState, error) {
	var st order.DiscountState
	err := t.tx.QueryRow(ctx,
		`SELECT first_order_discount_used FROM users WHERE id = $1 FOR NO KEY UPDATE`, userID,
	).Scan(&st.FirstOrderDiscountUsed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return st, &order.UserNotFoundError{UserID: userID}
		}
		return st, fmt.Errorf("locking user %q: %w", userID, err)
	}

	if err := t.tx.QueryRow(ctx,
		`SELECT count(*) FROM orders WHERE user_id = $1`, userID,
	).Scan(&st.PriorOrders); err != nil {
		return st, fmt.Errorf("counting orders of user %q: %w", userID, err)
	}
	return st, nil
}

func (t *orderTx) Unit(ctx context.Context, ref catalog.Ref) (catalog.Unit, error) {
	u := catalog.Unit{Ref: ref}
	var (
		productPrice decimal.Decimal
		variantPrice decimal.NullDecimal
		err          error
	)
	if ref.VariantID == "" {
		err = t.tx.QueryRow(ctx, `
			SELECT name, price, stock
			FROM products
			WHERE id = $1
			FOR NO KEY UPDATE`, ref.ProductID,
		).Scan(&u.ProductName, &productPrice, &u.Stock)
	} else {
		err = t.tx.QueryRow(ctx, `
			SELECT p.name, p.price, v.size, v.price, v.stock
			FROM product_variants v
			JOIN products p ON p.id = v.product_id
			WHERE v.id = $1 AND v.product_id = $2
			FOR NO KEY UPDATE OF v`, ref.VariantID, ref.ProductID,
		).Scan(&u.ProductName, &productPrice, &u.Size, &variantPrice, &u.Stock)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return u, &catalog.UnitNotFoundError{Ref: ref}
		}
		return u, fmt.Errorf("locking unit %s: %w", ref, err)
	}

	var override *decimal.Decimal
	if variantPrice.Valid {
		override = &variantPrice.Decimal
	}
	u.Price = catalog.EffectivePrice(productPrice, override)
	return u, nil
}

func (t *orderTx) DecrementStock(ctx context.Context, ref catalog.Ref, qty int) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if ref.VariantID == "" {
		tag, err = t.tx.Exec(ctx, `
			UPDATE products SET stock = stock - $2
			WHERE id = $1 AND stock >= $2`, ref.ProductID, qty)
	} else {
		tag, err = t.tx.Exec(ctx, `
			UPDATE product_variants SET stock = stock - $3
			WHERE id = $1 AND product_id = $2 AND stock >= $3`, ref.VariantID, ref.ProductID, qty)
	}
	if err != nil {
		return fmt.Errorf("decrementing stock of %s: %w", ref, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	available, err := t.stock(ctx, ref)
	if err != nil {
		return err
	}
	return &catalog.InsufficientStockError{Ref: ref, Requested: qty, Available: available}
}

func (t *orderTx) stock(ctx context.Context, ref catalog.Ref) (int, error) {
	var (
		stock int
		err   error
	)
	if ref.VariantID == "" {
		err = t.tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, ref.ProductID).Scan(&stock)
	} else {
		err = t.tx.QueryRow(ctx, `SELECT stock FROM product_variants WHERE id = $1`, ref.VariantID).Scan(&stock)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &catalog.UnitNotFoundError{Ref: ref}
		}
		return 0, fmt.Errorf("reading stock of %s: %w", ref, err)
	}
	return stock, nil
}

func (t *orderTx) InsertOrder(ctx context.Context, o *order.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, number, user_id, address_id, coupon_code, payment_code,
		                    subtotal, discount, final_amount, first_order_discount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		o.ID, o.Number, o.UserID, o.AddressID, o.CouponCode, o.PaymentCode,
		o.Subtotal.Decimal(), o.Discount.Decimal(), o.Final.Decimal(),
		o.FirstOrderDiscount, string(o.Status), o.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == orderNumberConstraint {
			return order.ErrOrderNumberTaken
		}
		return fmt.Errorf("inserting order %q: %w", o.ID, err)
	}

	// COPY encodes binary, so the id goes in as uuid.UUID rather than text.
	orderID, err := uuid.Parse(o.ID)
	if err != nil {
		return fmt.Errorf("parsing order id %q: %w", o.ID, err)
	}
	_, err = t.tx.CopyFrom(ctx,
		pgx.Identifier{"order_lines"},
		[]string{"order_id", "line_no", "product_id", "variant_id", "product_name", "size", "quantity", "unit_price", "line_total"},
		pgx.CopyFromSlice(len(o.Lines), func(i int) ([]any, error) {
			l := o.Lines[i]
			var variantID any
			if l.VariantID != "" {
				variantID = l.VariantID
			}
			return []any{
				orderID, l.No, l.ProductID, variantID, l.ProductName, l.Size,
				l.Quantity, l.UnitPrice.Decimal(), l.Total.Decimal(),
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("inserting lines of order %q: %w", o.ID, err)
	}
	return nil
}

func (t *orderTx) MarkFirstOrderDiscountUsed(ctx context.Context, userID string) error {
	if _, err := t.tx.Exec(ctx,
		`UPDATE users SET first_order_discount_used = TRUE WHERE id = $1`, userID,
	); err != nil {
		return fmt.Errorf("marking discount used for user %q: %w", userID, err)
	}
	return nil
}

func (t *orderTx) Enqueue(ctx context.Context, msg outbox.Message) error {
	if _, err := t.tx.Exec(ctx, `
		INSERT INTO outbox (id, aggregate_id, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4::jsonb, $5)`,
		msg.ID, msg.AggregateID, msg.EventType, string(msg.Payload), msg.CreatedAt,
	); err != nil {
		return fmt.Errorf("enqueueing %s for %q: %w", msg.EventType, msg.AggregateID, err)
	}
	return nil
}
