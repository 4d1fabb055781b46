package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/order"
)

const promoInsertBatch = 1000

var _ order.PromoCodes = (*PromoRepository)(nil)

// PromoRepository stores known coupon codes.
type PromoRepository struct {
	pool *pgxpool.Pool
}

// NewPromoRepository returns a PromoRepository that uses the given pool.
func NewPromoRepository(pool *pgxpool.Pool) *PromoRepository {
	return &PromoRepository{pool: pool}
}

// Exists implements order.PromoCodes.
func (r *PromoRepository) Exists(ctx context.Context, code string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM promo_codes WHERE code = $1)`, code,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("checking promo code: %w", err)
	}
	return ok, nil
}

// Insert adds codes, skipping ones already present, and returns how many were
// new.
func (r *PromoRepository) Insert(ctx context.Context, codes []string) (int64, error) {
	var inserted int64
	for start := 0; start < len(codes); start += promoInsertBatch {
		end := min(start+promoInsertBatch, len(codes))
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO promo_codes (code)
			SELECT unnest($1::text[])
			ON CONFLICT (code) DO NOTHING`, codes[start:end])
		if err != nil {
			return inserted, fmt.Errorf("inserting promo codes: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}
