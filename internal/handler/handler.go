// Package handler exposes checkout over HTTP with a JSON API.
package handler

import (
	"context"
	"net/http"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/idempotency"
)

const maxRequestBody = 1 << 20

// OrderService is the checkout use case consumed by the handler.
type OrderService interface {
	Checkout(ctx context.Context, req order.CheckoutRequest) (*order.Order, error)
	Get(ctx context.Context, userID, orderID string) (*order.Order, error)
}

// Handler serves the order API. Every route requires an API key.
type Handler struct {
	orders      OrderService
	security    *SecurityHandler
	idempotency idempotency.Store
}

// NewHandler constructs a Handler. A nil idempotency store disables
// submission deduplication.
func NewHandler(orders OrderService, security *SecurityHandler, idem idempotency.Store) *Handler {
	if idem == nil {
		idem = idempotency.Nop{}
	}
	return &Handler{
		orders:      orders,
		security:    security,
		idempotency: idem,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/checkout", h.security.Require(auth.ScopeCheckout, http.HandlerFunc(h.Checkout)))
	mux.Handle("GET /api/orders/{id}", h.security.Require(auth.ScopeReadOrders, http.HandlerFunc(h.GetOrder)))
}
