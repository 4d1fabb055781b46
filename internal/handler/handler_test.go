package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/payment"
	"github.com/xenking/storefront/internal/storage/memory"
	"github.com/xenking/storefront/pkg/httpmiddleware"
)

// --- Mock implementations ---

var testPepper = []byte("pepper")

type mockAPIKeyRepo struct {
	byHash map[string]*auth.APIKeyInfo
}

func newAPIKeyRepo(keys map[string]*auth.APIKeyInfo) *mockAPIKeyRepo {
	m := &mockAPIKeyRepo{byHash: map[string]*auth.APIKeyInfo{}}
	for key, info := range keys {
		info.KeyHash = auth.HashKey(key, testPepper)
		m.byHash[info.KeyHash] = info
	}
	return m
}

func (m *mockAPIKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	info, ok := m.byHash[hash]
	if !ok {
		return nil, errors.New("api key not found")
	}
	return info, nil
}

type mockIdempotency struct {
	mu   sync.Mutex
	keys map[string]string
}

func (m *mockIdempotency) Begin(_ context.Context, key string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.keys[key]; ok {
		return false, v, nil
	}
	m.keys[key] = ""
	return true, "", nil
}

func (m *mockIdempotency) Complete(_ context.Context, key, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = orderID
	return nil
}

func (m *mockIdempotency) Abort(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// --- Helpers ---

var shirtM = catalog.Ref{ProductID: "shirt", VariantID: "shirt-m"}

type testEnv struct {
	store *memory.Store
	idem  *mockIdempotency
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T, opts ...SecurityOption) *testEnv {
	t.Helper()
	store := memory.New()
	store.AddUser("user-1")
	store.AddAddress("user-1", "addr-1")
	store.AddUser("user-2")
	store.AddAddress("user-2", "addr-2")
	store.PutUnit(catalog.Unit{
		Ref:         shirtM,
		ProductName: "Shirt",
		Size:        "M",
		Price:       decimal.RequireFromString("150.00"),
		Stock:       10,
	})

	svc, err := order.NewService(
		order.NewWriter(store, zap.NewNop()),
		store,
		payment.NewAuthorizer(payment.NewSandboxGateway(), time.Second),
		order.WithPromoCodes(store),
	)
	require.NoError(t, err)

	keys := newAPIKeyRepo(map[string]*auth.APIKeyInfo{
		"key-alice":   {ID: "k1", UserID: "user-1", Scopes: []string{auth.ScopeCheckout, auth.ScopeReadOrders}},
		"key-bob":     {ID: "k2", UserID: "user-2", Scopes: []string{auth.ScopeCheckout, auth.ScopeReadOrders}},
		"key-limited": {ID: "k3", UserID: "user-1", Scopes: []string{auth.ScopeReadOrders}},
	})
	idem := &mockIdempotency{keys: map[string]string{}}

	mux := http.NewServeMux()
	NewHandler(svc, NewSecurityHandler(keys, testPepper, opts...), idem).Register(mux)
	return &testEnv{store: store, idem: idem, mux: mux}
}

func (e *testEnv) do(t *testing.T, method, path, apiKey, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if apiKey != "" {
		req.Header.Set(APIKeyHeader, apiKey)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

const validCard = `{"number":"4242 4242 4242 4242","holder":"Ada Lovelace","expMonth":12,"expYear":2099,"cvv":"123"}`

func checkoutBody(qty, price, card string) string {
	return `{"items":[{"productId":"shirt","variantId":"shirt-m","quantity":` + qty +
		`,"price":` + price + `}],"addressId":"addr-1","payment":` + card + `}`
}

// fields returns the top-level scalar fields of a JSON object, unquoted.
func fields(t *testing.T, body []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		raw, err := d.Raw()
		out[key] = strings.Trim(string(raw), `"`)
		return err
	}))
	return out
}

// --- Tests ---

func TestCheckout_Created(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("3", "150.00", validCard))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	got := fields(t, rec.Body.Bytes())
	assert.Equal(t, "preparing", got["status"])
	assert.Equal(t, "450.00", got["subtotal"])
	assert.Equal(t, "45.00", got["discount"])
	assert.Equal(t, "405.00", got["total"])
	assert.Equal(t, "true", got["firstOrderDiscount"])
	assert.Equal(t, "/api/orders/"+got["id"], rec.Header().Get("Location"))

	stock, _ := env.store.Stock(shirtM)
	assert.Equal(t, 7, stock)
}

func TestCheckout_PriceAsString(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("1", `"150"`, validCard))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCheckout_Errors(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		body       string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "missing api key",
			body:       checkoutBody("1", "150.00", validCard),
			wantStatus: http.StatusUnauthorized,
			wantKind:   "unauthorized",
		},
		{
			name:       "unknown api key",
			apiKey:     "key-mallory",
			body:       checkoutBody("1", "150.00", validCard),
			wantStatus: http.StatusUnauthorized,
			wantKind:   "unauthorized",
		},
		{
			name:       "key without checkout scope",
			apiKey:     "key-limited",
			body:       checkoutBody("1", "150.00", validCard),
			wantStatus: http.StatusForbidden,
			wantKind:   "forbidden",
		},
		{
			name:       "malformed body",
			apiKey:     "key-alice",
			body:       `{"items":`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "fractional quantity",
			apiKey:     "key-alice",
			body:       checkoutBody("1.5", "150.00", validCard),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "price with three decimals",
			apiKey:     "key-alice",
			body:       checkoutBody("1", "150.001", validCard),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "empty cart",
			apiKey:     "key-alice",
			body:       `{"items":[],"addressId":"addr-1","payment":` + validCard + `}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "address of another user",
			apiKey:     "key-bob",
			body:       checkoutBody("1", "150.00", validCard),
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
		{
			name:       "expired card",
			apiKey:     "key-alice",
			body:       checkoutBody("1", "150.00", `{"number":"4242424242424242","holder":"Ada","expMonth":1,"expYear":2020,"cvv":"123"}`),
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "invalid_payment_details",
		},
		{
			name:       "declined card",
			apiKey:     "key-alice",
			body:       checkoutBody("1", "150.00", `{"number":"4000000000000002","holder":"Ada","expMonth":12,"expYear":2099,"cvv":"123"}`),
			wantStatus: http.StatusPaymentRequired,
			wantKind:   "payment_declined",
		},
		{
			name:       "insufficient stock",
			apiKey:     "key-alice",
			body:       checkoutBody("11", "150.00", validCard),
			wantStatus: http.StatusConflict,
			wantKind:   "insufficient_stock",
		},
		{
			name:       "price changed",
			apiKey:     "key-alice",
			body:       checkoutBody("1", "120.00", validCard),
			wantStatus: http.StatusConflict,
			wantKind:   "price_changed",
		},
		{
			name:       "unknown variant",
			apiKey:     "key-alice",
			body:       `{"items":[{"productId":"shirt","variantId":"xxl","quantity":1,"price":150}],"addressId":"addr-1","payment":` + validCard + `}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "unit_not_found",
		},
		{
			name:       "unknown coupon",
			apiKey:     "key-alice",
			body:       `{"items":[{"productId":"shirt","variantId":"shirt-m","quantity":1,"price":150}],"addressId":"addr-1","couponCode":"NOPE","payment":` + validCard + `}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			rec := env.do(t, http.MethodPost, "/api/checkout", tt.apiKey, tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Equal(t, tt.wantKind, fields(t, rec.Body.Bytes())["kind"])

			stock, _ := env.store.Stock(shirtM)
			assert.Equal(t, 10, stock)
		})
	}
}

func TestCheckout_InsufficientStockDetails(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("12", "150.00", validCard))
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"details":{"productId":"shirt","variantId":"shirt-m","requested":12,"available":10}`)
}

func TestCheckout_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	body := checkoutBody("2", "150.00", validCard)

	first := env.do(t, http.MethodPost, "/api/checkout", "key-alice", body, IdempotencyKeyHeader, "retry-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := env.do(t, http.MethodPost, "/api/checkout", "key-alice", body, IdempotencyKeyHeader, "retry-1")
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, fields(t, first.Body.Bytes())["id"], fields(t, second.Body.Bytes())["id"])

	stock, _ := env.store.Stock(shirtM)
	assert.Equal(t, 8, stock)
	assert.Len(t, env.store.Orders("user-1"), 1)
}

func TestCheckout_IdempotencyInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.idem.keys["user-1:retry-1"] = ""

	rec := env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("1", "150.00", validCard), IdempotencyKeyHeader, "retry-1")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "duplicate_submission", fields(t, rec.Body.Bytes())["kind"])
}

func TestCheckout_IdempotencyKeyReleasedOnFailure(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("11", "150.00", validCard), IdempotencyKeyHeader, "retry-1")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, env.idem.keys)

	rec = env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("1", "150.00", validCard), IdempotencyKeyHeader, "retry-1")
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestCheckout_BodyTooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"padding":"` + strings.Repeat("x", maxRequestBody) + `"}`

	rec := env.do(t, http.MethodPost, "/api/checkout", "key-alice", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetOrder(t *testing.T) {
	env := newTestEnv(t)

	created := env.do(t, http.MethodPost, "/api/checkout", "key-alice", checkoutBody("1", "150.00", validCard))
	require.Equal(t, http.StatusCreated, created.Code)
	id := fields(t, created.Body.Bytes())["id"]

	rec := env.do(t, http.MethodGet, "/api/orders/"+id, "key-limited", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Equal(created.Body.Bytes(), rec.Body.Bytes()))

	rec = env.do(t, http.MethodGet, "/api/orders/"+id, "key-bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "order_not_found", fields(t, rec.Body.Bytes())["kind"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		kind order.Kind
		want int
	}{
		{order.KindInvalidRequest, 400},
		{order.KindInvalidPaymentDetails, 422},
		{order.KindPaymentDeclined, 402},
		{order.KindInsufficientStock, 409},
		{order.KindUnitNotFound, 422},
		{order.KindUserNotFound, 404},
		{order.KindPriceChanged, 409},
		{order.KindOrderNotFound, 404},
		{order.KindOrderNumberCollision, 503},
		{order.KindPersistenceFailure, 503},
		{kindDuplicateSubmission, 409},
		{kindUnauthorized, 401},
		{order.Kind("unknown"), 500},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.kind))
		})
	}
}

func TestRateLimit_MadeUpKeysShareAddressBudget(t *testing.T) {
	keyLimiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{Max: 2, Window: time.Minute})
	env := newTestEnv(t, WithKeyRateLimit(keyLimiter))
	edge := httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
		Max:     2,
		Window:  time.Minute,
		KeyFunc: httpmiddleware.ClientIP,
	})(env.mux)

	var limited, unauthorized int
	for i := range 50 {
		req := httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		req.Header.Set(APIKeyHeader, fmt.Sprintf("bogus-%d", i))
		rec := httptest.NewRecorder()
		edge.ServeHTTP(rec, req)
		switch rec.Code {
		case http.StatusTooManyRequests:
			limited++
		case http.StatusUnauthorized:
			unauthorized++
		}
	}
	assert.Equal(t, 2, unauthorized)
	assert.Equal(t, 48, limited)
	assert.Zero(t, keyLimiter.Len(), "unverified keys never get a bucket")
}

func TestRateLimit_PerVerifiedKey(t *testing.T) {
	keyLimiter := httpmiddleware.NewLimiter(httpmiddleware.RateLimitConfig{Max: 1, Window: time.Minute})
	env := newTestEnv(t, WithKeyRateLimit(keyLimiter))

	rec := env.do(t, http.MethodGet, "/api/orders/missing", "key-alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = env.do(t, http.MethodGet, "/api/orders/missing", "key-alice", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Another key of the same address keeps its own budget.
	rec = env.do(t, http.MethodGet, "/api/orders/missing", "key-bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 2, keyLimiter.Len())
}
