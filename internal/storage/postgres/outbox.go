package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/outbox"
)

var _ outbox.Repository = (*OutboxRepository)(nil)

// OutboxRepository reads and acknowledges outbox rows.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Claim implements outbox.Repository. Rows stay locked with SKIP LOCKED
// semantics until fn returns, so concurrent relays never publish the same row.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, fn func(ctx context.Context, msgs []outbox.Message, ack outbox.Acker) error) error {
	return pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id::text, aggregate_id, event_type, payload::text, attempts, created_at
			FROM outbox
			WHERE sent_at IS NULL AND dead_at IS NULL
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return fmt.Errorf("claiming outbox rows: %w", err)
		}
		msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outbox.Message, error) {
			var (
				m       outbox.Message
				payload string
			)
			err := row.Scan(&m.ID, &m.AggregateID, &m.EventType, &payload, &m.Attempts, &m.CreatedAt)
			m.Payload = []byte(payload)
			return m, err
		})
		if err != nil {
			return fmt.Errorf("scanning outbox rows: %w", err)
		}
		if len(msgs) == 0 {
			return nil
		}
		return fn(ctx, msgs, txAcker{tx: tx})
	})
}

type txAcker struct {
	tx pgx.Tx
}

func (a txAcker) MarkSent(ctx context.Context, id string) error {
	if _, err := a.tx.Exec(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking outbox row %q sent: %w", id, err)
	}
	return nil
}

func (a txAcker) MarkFailed(ctx context.Context, id string) error {
	if _, err := a.tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("marking outbox row %q failed: %w", id, err)
	}
	return nil
}

func (a txAcker) MarkDead(ctx context.Context, id string) error {
	if _, err := a.tx.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1, dead_at = now() WHERE id = $1`, id,
	); err != nil {
		return fmt.Errorf("parking outbox row %q: %w", id, err)
	}
	return nil
}
