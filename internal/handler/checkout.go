package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/order"
)

// IdempotencyKeyHeader lets clients retry a checkout without placing a
// second order.
const IdempotencyKeyHeader = "Idempotency-Key"

const maxIdempotencyKey = 255

// Checkout handles POST /api/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, ok := Principal(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, kindUnauthorized, "missing or invalid api key")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, order.KindInvalidRequest, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, order.KindInvalidRequest, "read request body")
		return
	}

	req, err := decodeCheckout(body)
	if err != nil {
		var lineErr *order.InvalidLineError
		if errors.As(err, &lineErr) {
			writeOrderError(w, r, lineErr)
			return
		}
		writeError(w, http.StatusBadRequest, order.KindInvalidRequest, "malformed request body")
		return
	}
	req.UserID = principal.UserID

	key := r.Header.Get(IdempotencyKeyHeader)
	if len(key) > maxIdempotencyKey {
		writeError(w, http.StatusBadRequest, order.KindInvalidRequest, "idempotency key too long")
		return
	}
	guarded := false
	if key != "" {
		key = principal.UserID + ":" + key
		acquired, orderID, err := h.idempotency.Begin(ctx, key)
		switch {
		case err != nil:
			zctx.From(ctx).Warn("Idempotency check unavailable", zap.Error(err))
		case !acquired:
			h.replay(w, r, principal.UserID, orderID)
			return
		default:
			guarded = true
		}
	}

	o, err := h.orders.Checkout(ctx, req)
	if err != nil {
		if guarded {
			h.release(ctx, key)
		}
		writeOrderError(w, r, err)
		return
	}
	if guarded {
		if err := h.idempotency.Complete(context.WithoutCancel(ctx), key, o.ID); err != nil {
			zctx.From(ctx).Warn("Record idempotency key", zap.Error(err))
		}
	}

	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeJSON(w, http.StatusCreated, encodeOrder(o))
}

// replay answers a resubmitted checkout with the order it created, or 409
// while the first submission is still in flight.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, userID, orderID string) {
	if orderID != "" {
		o, err := h.orders.Get(r.Context(), userID, orderID)
		if err == nil {
			writeJSON(w, http.StatusOK, encodeOrder(o))
			return
		}
		zctx.From(r.Context()).Warn("Replay order lookup failed", zap.String("order_id", orderID), zap.Error(err))
	}
	writeError(w, statusFor(kindDuplicateSubmission), kindDuplicateSubmission,
		"a checkout with this idempotency key is already in progress")
}

func (h *Handler) release(ctx context.Context, key string) {
	if err := h.idempotency.Abort(context.WithoutCancel(ctx), key); err != nil {
		zctx.From(ctx).Warn("Release idempotency key", zap.Error(err))
	}
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := Principal(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, kindUnauthorized, "missing or invalid api key")
		return
	}

	o, err := h.orders.Get(r.Context(), principal.UserID, r.PathValue("id"))
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, encodeOrder(o))
}
