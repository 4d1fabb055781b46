package outbox_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/outbox"
	"github.com/xenking/storefront/internal/storage/memory"
)

type recordingPublisher struct {
	mu   sync.Mutex
	fail map[string]bool
	got  []string
}

func (p *recordingPublisher) Publish(_ context.Context, m outbox.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[m.ID] {
		return errors.New("broker unavailable")
	}
	p.got = append(p.got, m.ID)
	return nil
}

func (p *recordingPublisher) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.got...)
}

func enqueue(t *testing.T, s *memory.Store, ids ...string) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx order.Tx) error {
		for _, id := range ids {
			if err := tx.Enqueue(ctx, outbox.Message{
				ID:          id,
				AggregateID: "order-" + id,
				EventType:   order.EventPlaced,
				Payload:     []byte(`{}`),
				CreatedAt:   time.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func newRelay(t *testing.T, s *memory.Store, p outbox.Publisher, opts ...outbox.RelayOption) *outbox.Relay {
	t.Helper()
	opts = append([]outbox.RelayOption{
		outbox.WithLogger(zaptest.NewLogger(t)),
		outbox.WithMeterProvider(noop.NewMeterProvider()),
	}, opts...)
	r, err := outbox.NewRelay(s, p, opts...)
	require.NoError(t, err)
	return r
}

func TestRelay_Flush(t *testing.T) {
	s := memory.New()
	enqueue(t, s, "a", "b", "c")
	p := &recordingPublisher{}
	r := newRelay(t, s, p, outbox.WithBatchSize(2))

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, p.sent())

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, s.Pending())

	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelay_FailedMessageStaysPending(t *testing.T) {
	s := memory.New()
	enqueue(t, s, "a", "b")
	p := &recordingPublisher{fail: map[string]bool{"a": true}}
	r := newRelay(t, s, p)

	for range 2 {
		_, err := r.Flush(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"b"}, p.sent())

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "a", pending[0].ID)
	assert.Equal(t, 2, pending[0].Attempts)

	delete(p.fail, "a")
	_, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.Pending())
}

func TestRelay_ExhaustedMessagesParked(t *testing.T) {
	s := memory.New()
	enqueue(t, s, "poison-1", "poison-2")
	enqueue(t, s, "c")
	p := &recordingPublisher{fail: map[string]bool{"poison-1": true, "poison-2": true}}
	r := newRelay(t, s, p, outbox.WithBatchSize(2), outbox.WithMaxAttempts(3))
	ctx := context.Background()

	// The failing pair fills every batch until it runs out of attempts.
	for range 3 {
		n, err := r.Flush(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Empty(t, p.sent())

	dead := s.Dead()
	require.Len(t, dead, 2)
	for _, m := range dead {
		assert.Equal(t, 3, m.Attempts)
	}

	n, err := r.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"c"}, p.sent())
	assert.Empty(t, s.Pending())

	// Parked messages are not retried even once the broker recovers.
	clear(p.fail)
	n, err = r.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, s.Dead(), 2)
}

func TestRelay_Run(t *testing.T) {
	s := memory.New()
	enqueue(t, s, "a")
	p := &recordingPublisher{}
	r := newRelay(t, s, p, outbox.WithInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(s.Pending()) == 0 }, time.Second, 5*time.Millisecond)
	enqueue(t, s, "b")
	assert.Eventually(t, func() bool { return len(p.sent()) == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestLogPublisher(t *testing.T) {
	p := outbox.NewLogPublisher(zaptest.NewLogger(t))
	require.NoError(t, p.Publish(context.Background(), outbox.Message{ID: "a", EventType: order.EventPlaced}))
}
