package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/catalog"
	"github.com/xenking/storefront/internal/domain/order"
)

// Failure kinds produced by the HTTP edge itself.
const (
	kindUnauthorized        order.Kind = "unauthorized"
	kindForbidden           order.Kind = "forbidden"
	kindDuplicateSubmission order.Kind = "duplicate_submission"
)

var statusByKind = map[order.Kind]int{
	order.KindInvalidRequest:        http.StatusBadRequest,
	order.KindInvalidPaymentDetails: http.StatusUnprocessableEntity,
	order.KindPaymentDeclined:       http.StatusPaymentRequired,
	order.KindInsufficientStock:     http.StatusConflict,
	order.KindUnitNotFound:          http.StatusUnprocessableEntity,
	order.KindUserNotFound:          http.StatusNotFound,
	order.KindPriceChanged:          http.StatusConflict,
	order.KindOrderNotFound:         http.StatusNotFound,
	order.KindOrderNumberCollision:  http.StatusServiceUnavailable,
	order.KindPersistenceFailure:    http.StatusServiceUnavailable,
	kindDuplicateSubmission:         http.StatusConflict,
	kindUnauthorized:                http.StatusUnauthorized,
	kindForbidden:                   http.StatusForbidden,
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind order.Kind) int {
	if status, ok := statusByKind[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// writeOrderError converts a domain error into an error response.
func writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	kind := order.KindOf(err)
	if kind == order.KindPersistenceFailure {
		zctx.From(r.Context()).Error("Order request failed", zap.Error(err))
	}

	var e jx.Encoder
	e.ObjStart()
	encodeErrorFields(&e, statusFor(kind), kind, order.Message(err))

	var stockErr *catalog.InsufficientStockError
	if errors.As(err, &stockErr) {
		e.FieldStart("details")
		e.ObjStart()
		encodeRef(&e, stockErr.Ref)
		e.FieldStart("requested")
		e.Int(stockErr.Requested)
		e.FieldStart("available")
		e.Int(stockErr.Available)
		e.ObjEnd()
	}
	var priceErr *order.PriceChangedError
	if errors.As(err, &priceErr) {
		e.FieldStart("details")
		e.ObjStart()
		encodeRef(&e, priceErr.Ref)
		e.FieldStart("currentPrice")
		e.RawStr(priceErr.Current.String())
		e.ObjEnd()
	}
	e.ObjEnd()

	writeJSON(w, statusFor(kind), e.Bytes())
}

// writeError writes a plain error response.
func writeError(w http.ResponseWriter, status int, kind order.Kind, msg string) {
	var e jx.Encoder
	e.ObjStart()
	encodeErrorFields(&e, status, kind, msg)
	e.ObjEnd()
	writeJSON(w, status, e.Bytes())
}

func encodeErrorFields(e *jx.Encoder, status int, kind order.Kind, msg string) {
	e.FieldStart("code")
	e.Int(status)
	e.FieldStart("kind")
	e.Str(string(kind))
	e.FieldStart("message")
	e.Str(msg)
}

func encodeRef(e *jx.Encoder, ref catalog.Ref) {
	e.FieldStart("productId")
	e.Str(ref.ProductID)
	if ref.VariantID != "" {
		e.FieldStart("variantId")
		e.Str(ref.VariantID)
	}
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
