// Package outbox relays events recorded inside order transactions to a
// message broker.
package outbox

import (
	"context"
	"time"
)

// Message is an event stored in the outbox table.
type Message struct {
	ID          string
	AggregateID string
	EventType   string
	Payload     []byte
	Attempts    int
	CreatedAt   time.Time
}

// Repository gives the relay access to pending messages.
type Repository interface {
	// Claim locks up to limit pending messages, oldest first, for the
	// duration of fn. Rows claimed by a concurrent relay and parked rows are
	// skipped.
	Claim(ctx context.Context, limit int, fn func(ctx context.Context, msgs []Message, ack Acker) error) error
}

// Acker records publishing results for claimed messages.
type Acker interface {
	MarkSent(ctx context.Context, id string) error
	// MarkFailed counts a failed attempt and leaves the message pending.
	MarkFailed(ctx context.Context, id string) error
	// MarkDead counts a failed attempt and parks the message for good.
	MarkDead(ctx context.Context, id string) error
}

// Publisher delivers a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}
