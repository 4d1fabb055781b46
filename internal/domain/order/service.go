package order

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/payment"
)

const (
	// MaxCartLines bounds the number of lines in a single checkout.
	MaxCartLines = 100
	// MaxLineQuantity bounds the quantity of a single line.
	MaxLineQuantity = 10_000
)

const instrumentationName = "github.com/xenking/storefront/internal/domain/order"

// CheckoutRequest holds the input for placing an order.
type CheckoutRequest struct {
	UserID     string
	AddressID  string
	CouponCode string
	Lines      []CartLine
	Card       payment.Card
}

// PaymentAuthorizer authorizes a card payment.
type PaymentAuthorizer interface {
	Authorize(ctx context.Context, auth payment.Authorization) (payment.Result, error)
}

// Service orchestrates checkout: request validation, payment authorization and
// the atomic order write. It holds no mutable state between calls.
type Service struct {
	writer    *Writer
	store     Store
	addresses AddressBook
	payments  PaymentAuthorizer
	promos    PromoCodes

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	promos         PromoCodes
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// WithPromoCodes enables coupon code validation against p.
func WithPromoCodes(p PromoCodes) Option {
	return func(o *serviceOptions) { o.promos = p }
}

// WithTracerProvider sets the tracer provider. Defaults to the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *serviceOptions) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider. Defaults to the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *serviceOptions) { o.meterProvider = mp }
}

// NewService creates a checkout Service.
func NewService(
	writer *Writer,
	addresses AddressBook,
	payments PaymentAuthorizer,
	opts ...Option,
) (*Service, error) {
	o := serviceOptions{
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	outcomes, err := o.meterProvider.Meter(instrumentationName).Int64Counter("checkout.outcomes",
		metric.WithDescription("Checkout attempts by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}

	return &Service{
		writer:    writer,
		store:     writer.store,
		addresses: addresses,
		payments:  payments,
		promos:    o.promos,
		tracer:    o.tracerProvider.Tracer(instrumentationName),
		outcomes:  outcomes,
	}, nil
}

// Checkout validates req, authorizes payment and writes the order. Failures
// carry a Kind, see KindOf. No inventory or discount state changes unless the
// order is committed.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (_ *Order, rerr error) {
	ctx, span := s.tracer.Start(ctx, "order.Checkout", trace.WithAttributes(
		attribute.String("user.id", req.UserID),
		attribute.Int("cart.lines", len(req.Lines)),
	))
	defer span.End()

	var placed *Order
	defer func() { s.record(ctx, span, placed, rerr) }()

	if err := s.validate(ctx, req); err != nil {
		return nil, err
	}

	res, err := s.payments.Authorize(ctx, payment.Authorization{
		Reference: uuid.NewString(),
		UserID:    req.UserID,
		Card:      req.Card,
	})
	if err != nil {
		return nil, err
	}

	placed, err = s.writer.Write(ctx, Draft{
		UserID:      req.UserID,
		AddressID:   req.AddressID,
		CouponCode:  req.CouponCode,
		PaymentCode: res.Code,
		Lines:       req.Lines,
	})
	if err != nil {
		zctx.From(ctx).Warn("Payment authorized but order not written",
			zap.String("payment_code", res.Code),
			zap.String("user_id", req.UserID),
		)
		return nil, err
	}
	return placed, nil
}

// Get returns an order owned by userID.
func (s *Service) Get(ctx context.Context, userID, orderID string) (*Order, error) {
	o, err := s.store.Get(ctx, userID, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		return nil, &PersistenceError{Err: err}
	}
	return o, nil
}

func (s *Service) validate(ctx context.Context, req CheckoutRequest) error {
	switch {
	case req.UserID == "":
		return ErrUserRequired
	case len(req.Lines) == 0:
		return ErrEmptyCart
	case len(req.Lines) > MaxCartLines:
		return ErrTooManyLines
	case req.AddressID == "":
		return ErrAddressRequired
	}

	for i, l := range req.Lines {
		switch {
		case l.ProductID == "":
			return &InvalidLineError{Index: i, Reason: "product id required"}
		case l.Quantity < 1:
			return &InvalidLineError{Index: i, Reason: "quantity must be at least 1"}
		case l.Quantity > MaxLineQuantity:
			return &InvalidLineError{Index: i, Reason: "quantity too large"}
		case l.UnitPrice < 0:
			return &InvalidLineError{Index: i, Reason: "price must not be negative"}
		}
	}

	owns, err := s.addresses.Owns(ctx, req.UserID, req.AddressID)
	if err != nil {
		return &PersistenceError{Err: errors.Wrap(err, "check address")}
	}
	if !owns {
		return ErrAddressNotFound
	}

	if req.CouponCode != "" && s.promos != nil {
		ok, err := s.promos.Exists(ctx, req.CouponCode)
		if err != nil {
			return &PersistenceError{Err: errors.Wrap(err, "check coupon")}
		}
		if !ok {
			return ErrUnknownCoupon
		}
	}
	return nil
}

func (s *Service) record(ctx context.Context, span trace.Span, placed *Order, err error) {
	lg := zctx.From(ctx)
	if err == nil {
		span.SetAttributes(attribute.String("order.number", placed.Number))
		s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "placed")))
		lg.Info("Order placed",
			zap.String("order_id", placed.ID),
			zap.String("number", placed.Number),
			zap.Stringer("final", placed.Final),
			zap.Bool("first_order_discount", placed.FirstOrderDiscount),
		)
		return
	}

	kind := KindOf(err)
	span.SetAttributes(attribute.String("checkout.failure", string(kind)))
	s.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(kind))))
	if kind == KindPersistenceFailure {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist order")
		lg.Error("Checkout failed", zap.Error(err))
		return
	}
	lg.Info("Checkout rejected", zap.String("kind", string(kind)), zap.Error(err))
}
