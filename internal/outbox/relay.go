package outbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultInterval    = time.Second
	DefaultBatchSize   = 100
	DefaultMaxAttempts = 10
)

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBatchSize sets how many messages are claimed per poll.
func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithMaxAttempts sets how many failed publishes park a message. Parked
// messages are no longer claimed, so they cannot hold back newer ones.
func WithMaxAttempts(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithLogger sets the relay logger.
func WithLogger(lg *zap.Logger) RelayOption {
	return func(r *Relay) { r.lg = lg }
}

// WithMeterProvider sets the provider of the publish counter.
func WithMeterProvider(p metric.MeterProvider) RelayOption {
	return func(r *Relay) { r.meter = p }
}

// Relay polls the outbox and hands pending messages to a Publisher. Delivery
// is at least once: a message is marked sent only after Publish returns nil.
type Relay struct {
	repo        Repository
	publisher   Publisher
	interval    time.Duration
	batch       int
	maxAttempts int
	lg          *zap.Logger
	meter       metric.MeterProvider
	published   metric.Int64Counter
}

// NewRelay creates a Relay.
func NewRelay(repo Repository, publisher Publisher, opts ...RelayOption) (*Relay, error) {
	r := &Relay{
		repo:        repo,
		publisher:   publisher,
		interval:    DefaultInterval,
		batch:       DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		lg:          zap.NewNop(),
		meter:       otel.GetMeterProvider(),
	}
	for _, o := range opts {
		o(r)
	}
	var err error
	r.published, err = r.meter.Meter("storefront/outbox").Int64Counter("outbox.published",
		metric.WithDescription("Outbox messages handed to the broker, by result"),
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Run polls until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.lg.Warn("Outbox flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Flush publishes one batch of pending messages and returns how many were
// delivered. Failed messages stay pending with their attempt count raised
// until they run out of attempts and are parked.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	var sent int
	err := r.repo.Claim(ctx, r.batch, func(ctx context.Context, msgs []Message, ack Acker) error {
		for _, m := range msgs {
			if err := r.publisher.Publish(ctx, m); err != nil {
				if err := r.fail(ctx, ack, m, err); err != nil {
					return err
				}
				continue
			}
			if err := ack.MarkSent(ctx, m.ID); err != nil {
				return err
			}
			r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "sent")))
			sent++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent > 0 {
		r.lg.Debug("Outbox flushed", zap.Int("sent", sent))
	}
	return sent, nil
}

func (r *Relay) fail(ctx context.Context, ack Acker, m Message, cause error) error {
	attempts := m.Attempts + 1
	fields := []zap.Field{
		zap.String("message_id", m.ID),
		zap.String("aggregate_id", m.AggregateID),
		zap.String("event_type", m.EventType),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}
	if attempts < r.maxAttempts {
		r.lg.Warn("Publish failed", fields...)
		r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		return ack.MarkFailed(ctx, m.ID)
	}
	r.lg.Error("Publish attempts exhausted, message parked", fields...)
	r.published.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "dead")))
	return ack.MarkDead(ctx, m.ID)
}
