// Package idempotency deduplicates checkout submissions carrying the same
// Idempotency-Key.
package idempotency

import "context"

// Store reserves submission keys.
type Store interface {
	// Begin reserves key. When key is already reserved it reports false
	// together with the order id recorded by Complete, or an empty id while
	// the first submission is still in flight.
	Begin(ctx context.Context, key string) (acquired bool, orderID string, err error)
	// Complete records the order created for key.
	Complete(ctx context.Context, key, orderID string) error
	// Abort releases key so the submission can be retried.
	Abort(ctx context.Context, key string) error
}

// Nop accepts every submission. Used when Redis is not configured.
type Nop struct{}

var _ Store = Nop{}

func (Nop) Begin(context.Context, string) (bool, string, error) { return true, "", nil }

func (Nop) Complete(context.Context, string, string) error { return nil }

func (Nop) Abort(context.Context, string) error { return nil }
