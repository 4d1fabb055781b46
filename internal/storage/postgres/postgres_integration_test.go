//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/domain/pricing"
	"github.com/xenking/storefront/internal/outbox"
	"github.com/xenking/storefront/internal/storage/postgres"
)

var pool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "shop",
				"POSTGRES_PASSWORD": "shop",
				"POSTGRES_DB":       "shop",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}
	defer func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Printf("terminate postgres: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("postgres host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Fatalf("postgres port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://shop:shop@%s:%s/shop?sslmode=disable", host, port.Port())
	pool, err = postgres.NewPool(ctx, dsn, postgres.PoolConfig{MaxConns: 20})
	if err != nil {
		log.Fatalf("create pool: %v", err)
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	return m.Run()
}

// --- Helpers ---

type fixture struct {
	userID    string
	addressID string
	unit      catalog.Ref
	product   catalog.Ref
}

// seed creates a user with an address, a product with stock productStock and
// a variant of it priced 150.00 with stock variantStock. IDs are unique per
// call so tests do not interfere.
func seed(t *testing.T, productStock, variantStock int) fixture {
	t.Helper()
	ctx := context.Background()
	s := postgres.NewSeedRepository(pool)
	suffix := uuid.NewString()[:8]

	f := fixture{
		userID:    "user-" + suffix,
		addressID: "addr-" + suffix,
		product:   catalog.Ref{ProductID: "shirt-" + suffix},
		unit:      catalog.Ref{ProductID: "shirt-" + suffix, VariantID: "shirt-m-" + suffix},
	}
	variantPrice := decimal.RequireFromString("150.00")

	require.NoError(t, s.UpsertUser(ctx, postgres.UpsertUserParams{ID: f.userID, Email: f.userID + "@example.com"}))
	require.NoError(t, s.UpsertAddress(ctx, postgres.UpsertAddressParams{
		ID: f.addressID, UserID: f.userID, Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
	}))
	require.NoError(t, s.UpsertProduct(ctx, postgres.UpsertProductParams{
		ID: f.product.ProductID, Name: "Shirt", Price: decimal.RequireFromString("120.00"), Category: "apparel", Stock: productStock,
	}))
	require.NoError(t, s.UpsertVariant(ctx, postgres.UpsertVariantParams{
		ID: f.unit.VariantID, ProductID: f.unit.ProductID, Size: "M", Price: &variantPrice, Stock: variantStock,
	}))
	return f
}

func addUser(t *testing.T, f fixture, n int) (userID, addressID string) {
	t.Helper()
	ctx := context.Background()
	s := postgres.NewSeedRepository(pool)
	userID = fmt.Sprintf("%s-%d", f.userID, n)
	addressID = fmt.Sprintf("%s-%d", f.addressID, n)
	require.NoError(t, s.UpsertUser(ctx, postgres.UpsertUserParams{ID: userID, Email: userID + "@example.com"}))
	require.NoError(t, s.UpsertAddress(ctx, postgres.UpsertAddressParams{
		ID: addressID, UserID: userID, Line1: "2 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
	}))
	return userID, addressID
}

func newService(t *testing.T) *order.Service {
	t.Helper()
	store := postgres.NewOrderStore(pool)
	svc, err := order.NewService(
		order.NewWriter(store, zap.NewNop()),
		postgres.NewAddressRepository(pool),
		payment.NewAuthorizer(payment.NewSandboxGateway(), time.Second),
		order.WithPromoCodes(postgres.NewPromoRepository(pool)),
	)
	require.NoError(t, err)
	return svc
}

func checkoutRequest(userID, addressID string, ref catalog.Ref, qty int, price string) order.CheckoutRequest {
	return order.CheckoutRequest{
		UserID:    userID,
		AddressID: addressID,
		Lines: []order.CartLine{{
			ProductID: ref.ProductID,
			VariantID: ref.VariantID,
			Quantity:  qty,
			UnitPrice: pricing.MustFromString(price),
		}},
		Card: payment.Card{Number: "4242424242424242", Holder: "Ada Lovelace", ExpMonth: 12, ExpYear: 2099, CVV: "123"},
	}
}

func variantStock(t *testing.T, ref catalog.Ref) int {
	t.Helper()
	var stock int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT stock FROM product_variants WHERE id = $1`, ref.VariantID).Scan(&stock))
	return stock
}

func discountUsed(t *testing.T, userID string) bool {
	t.Helper()
	var used bool
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT first_order_discount_used FROM users WHERE id = $1`, userID).Scan(&used))
	return used
}

// --- Tests ---

func TestCheckout_PersistsOrder(t *testing.T) {
	f := seed(t, 5, 10)
	svc := newService(t)
	ctx := context.Background()

	placed, err := svc.Checkout(ctx, checkoutRequest(f.userID, f.addressID, f.unit, 3, "150.00"))
	require.NoError(t, err)
	assert.Equal(t, pricing.MustFromString("405.00"), placed.Final)

	got, err := svc.Get(ctx, f.userID, placed.ID)
	require.NoError(t, err)
	assert.Equal(t, placed.Number, got.Number)
	assert.Equal(t, pricing.MustFromString("450.00"), got.Subtotal)
	assert.Equal(t, pricing.MustFromString("45.00"), got.Discount)
	assert.Equal(t, pricing.MustFromString("405.00"), got.Final)
	assert.True(t, got.FirstOrderDiscount)
	assert.Equal(t, order.StatusPreparing, got.Status)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, "M", got.Lines[0].Size)
	assert.Equal(t, f.unit, got.Lines[0].Ref())

	assert.Equal(t, 7, variantStock(t, f.unit))
	assert.True(t, discountUsed(t, f.userID))

	_, err = svc.Get(ctx, "someone-else", placed.ID)
	require.ErrorIs(t, err, order.ErrOrderNotFound)
	_, err = svc.Get(ctx, f.userID, "not-a-uuid")
	require.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestCheckout_ProductLevelUnit(t *testing.T) {
	f := seed(t, 2, 0)
	svc := newService(t)

	placed, err := svc.Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.product, 2, "120.00"))
	require.NoError(t, err)
	assert.Equal(t, pricing.MustFromString("240.00"), placed.Subtotal)

	_, err = svc.Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.product, 1, "120.00"))
	assert.Equal(t, order.KindInsufficientStock, order.KindOf(err))
}

func TestCheckout_FailureLeavesNoTrace(t *testing.T) {
	f := seed(t, 5, 2)
	svc := newService(t)

	_, err := svc.Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.unit, 3, "150.00"))
	var stockErr *catalog.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, 2, stockErr.Available)

	_, err = svc.Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.unit, 1, "99.00"))
	assert.Equal(t, order.KindPriceChanged, order.KindOf(err))

	assert.Equal(t, 2, variantStock(t, f.unit))
	assert.False(t, discountUsed(t, f.userID))
}

func TestCheckout_ConcurrentLastUnit(t *testing.T) {
	f := seed(t, 0, 1)
	svc := newService(t)

	const buyers = 10
	errs := make([]error, buyers)
	var g errgroup.Group
	for i := range buyers {
		userID, addressID := addUser(t, f, i)
		g.Go(func() error {
			_, errs[i] = svc.Checkout(context.Background(), checkoutRequest(userID, addressID, f.unit, 1, "150.00"))
			return nil
		})
	}
	require.NoError(t, g.Wait())

	var placed int
	for _, err := range errs {
		if err == nil {
			placed++
			continue
		}
		assert.Equal(t, order.KindInsufficientStock, order.KindOf(err))
	}
	assert.Equal(t, 1, placed)
	assert.Zero(t, variantStock(t, f.unit))
}

func TestCheckout_ConcurrentMixedProductAndVariant(t *testing.T) {
	f := seed(t, 50, 50)
	svc := newService(t)

	// Carts holding the product row race carts whose variant lines only
	// reference it through the order_lines foreign key.
	const buyers = 12
	errs := make([]error, buyers)
	var g errgroup.Group
	for i := range buyers {
		userID, addressID := addUser(t, f, i)
		req := checkoutRequest(userID, addressID, f.unit, 1, "150.00")
		if i%2 == 0 {
			req.Lines = append(req.Lines, order.CartLine{
				ProductID: f.product.ProductID,
				Quantity:  1,
				UnitPrice: pricing.MustFromString("120.00"),
			})
		}
		g.Go(func() error {
			_, errs[i] = svc.Checkout(context.Background(), req)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i, err := range errs {
		assert.NoError(t, err, "buyer %d", i)
	}
	assert.Equal(t, 50-buyers, variantStock(t, f.unit))

	var productStock int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT stock FROM products WHERE id = $1`, f.product.ProductID).Scan(&productStock))
	assert.Equal(t, 50-buyers/2, productStock)
}

func TestCheckout_ConcurrentFirstOrders(t *testing.T) {
	f := seed(t, 0, 20)
	svc := newService(t)

	const attempts = 6
	orders := make([]*order.Order, attempts)
	var g errgroup.Group
	for i := range attempts {
		g.Go(func() error {
			o, err := svc.Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.unit, 1, "150.00"))
			orders[i] = o
			return err
		})
	}
	require.NoError(t, g.Wait())

	var discounted int
	for _, o := range orders {
		if o.FirstOrderDiscount {
			discounted++
		}
	}
	assert.Equal(t, 1, discounted)
	assert.Equal(t, 20-attempts, variantStock(t, f.unit))
}

func TestOrderStore_NumberCollision(t *testing.T) {
	f := seed(t, 0, 10)
	store := postgres.NewOrderStore(pool)
	number := "ORD-20261016-" + uuid.NewString()[:6]
	w := order.NewWriter(store, zap.NewNop()).WithNumberGenerator(func(time.Time) string { return number })
	svc, err := order.NewService(w, postgres.NewAddressRepository(pool),
		payment.NewAuthorizer(payment.NewSandboxGateway(), time.Second))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.Checkout(ctx, checkoutRequest(f.userID, f.addressID, f.unit, 1, "150.00"))
	require.NoError(t, err)

	_, err = svc.Checkout(ctx, checkoutRequest(f.userID, f.addressID, f.unit, 1, "150.00"))
	assert.Equal(t, order.KindPersistenceFailure, order.KindOf(err))
	assert.ErrorIs(t, err, order.ErrOrderNumberTaken)
	assert.Equal(t, 9, variantStock(t, f.unit))
}

func TestOutboxRepository_Claim(t *testing.T) {
	f := seed(t, 0, 10)
	placed, err := newService(t).Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.unit, 1, "150.00"))
	require.NoError(t, err)

	repo := postgres.NewOutboxRepository(pool)
	ctx := context.Background()

	var claimed outbox.Message
	err = repo.Claim(ctx, 1000, func(ctx context.Context, msgs []outbox.Message, ack outbox.Acker) error {
		for _, m := range msgs {
			if m.AggregateID == placed.ID {
				claimed = m
				return ack.MarkSent(ctx, m.ID)
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, order.EventPlaced, claimed.EventType)
	assert.Contains(t, string(claimed.Payload), placed.Number)

	var sent bool
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT sent_at IS NOT NULL FROM outbox WHERE id = $1`, claimed.ID).Scan(&sent))
	assert.True(t, sent)
}

func TestOutboxRepository_ParkedRowsNotClaimed(t *testing.T) {
	f := seed(t, 0, 10)
	placed, err := newService(t).Checkout(context.Background(), checkoutRequest(f.userID, f.addressID, f.unit, 1, "150.00"))
	require.NoError(t, err)

	repo := postgres.NewOutboxRepository(pool)
	ctx := context.Background()

	var parked string
	require.NoError(t, repo.Claim(ctx, 1000, func(ctx context.Context, msgs []outbox.Message, ack outbox.Acker) error {
		for _, m := range msgs {
			if m.AggregateID == placed.ID {
				parked = m.ID
				return ack.MarkDead(ctx, m.ID)
			}
		}
		return nil
	}))
	require.NotEmpty(t, parked)

	require.NoError(t, repo.Claim(ctx, 1000, func(_ context.Context, msgs []outbox.Message, _ outbox.Acker) error {
		for _, m := range msgs {
			assert.NotEqual(t, parked, m.ID)
		}
		return nil
	}))

	var (
		attempts int
		dead     bool
	)
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT attempts, dead_at IS NOT NULL FROM outbox WHERE id = $1`, parked).Scan(&attempts, &dead))
	assert.Equal(t, 1, attempts)
	assert.True(t, dead)
}

func TestPromoRepository(t *testing.T) {
	repo := postgres.NewPromoRepository(pool)
	ctx := context.Background()
	code := "PROMO" + uuid.NewString()[:8]

	n, err := repo.Insert(ctx, []string{code, code + "X"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = repo.Insert(ctx, []string{code})
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, err := repo.Exists(ctx, code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Exists(ctx, "MISSING")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAPIKeyRepository_FindByHash(t *testing.T) {
	f := seed(t, 0, 0)
	ctx := context.Background()
	hash := auth.HashKey("secret-"+f.userID, []byte("pepper"))

	require.NoError(t, postgres.NewSeedRepository(pool).UpsertAPIKey(ctx, postgres.UpsertAPIKeyParams{
		ID: "key-" + f.userID, KeyHash: hash, Name: "test", UserID: f.userID, Scopes: []string{auth.ScopeCheckout},
	}))

	info, err := postgres.NewAPIKeyRepository(pool).FindByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, f.userID, info.UserID)
	assert.True(t, info.HasScope(auth.ScopeCheckout))

	_, err = postgres.NewAPIKeyRepository(pool).FindByHash(ctx, "nope")
	require.Error(t, err)
}
