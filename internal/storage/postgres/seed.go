package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// UpsertUserParams describes a customer row.
type UpsertUserParams struct {
	ID    string
	Email string
}

// UpsertAddressParams describes a delivery address row.
type UpsertAddressParams struct {
	ID         string
	UserID     string
	Line1      string
	City       string
	PostalCode string
	Country    string
}

// UpsertProductParams describes a product row.
type UpsertProductParams struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
	Stock    int
}

// UpsertVariantParams describes a product variant row. A nil Price inherits
// the product price.
type UpsertVariantParams struct {
	ID        string
	ProductID string
	Size      string
	Price     *decimal.Decimal
	Stock     int
}

// UpsertAPIKeyParams describes an API key row.
type UpsertAPIKeyParams struct {
	ID      string
	KeyHash string
	Name    string
	UserID  string
	Scopes  []string
}

// SeedRepository loads fixture data. Upserts overwrite stock and prices, so
// re-running a seed resets the catalog.
type SeedRepository struct {
	pool *pgxpool.Pool
}

// NewSeedRepository returns a SeedRepository that uses the given pool.
func NewSeedRepository(pool *pgxpool.Pool) *SeedRepository {
	return &SeedRepository{pool: pool}
}

func (r *SeedRepository) UpsertUser(ctx context.Context, p UpsertUserParams) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email`,
		p.ID, p.Email)
	if err != nil {
		return fmt.Errorf("upserting user %q: %w", p.ID, err)
	}
	return nil
}

func (r *SeedRepository) UpsertAddress(ctx context.Context, p UpsertAddressParams) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO addresses (id, user_id, line1, city, postal_code, country)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id, line1 = EXCLUDED.line1, city = EXCLUDED.city,
			postal_code = EXCLUDED.postal_code, country = EXCLUDED.country`,
		p.ID, p.UserID, p.Line1, p.City, p.PostalCode, p.Country)
	if err != nil {
		return fmt.Errorf("upserting address %q: %w", p.ID, err)
	}
	return nil
}

func (r *SeedRepository) UpsertProduct(ctx context.Context, p UpsertProductParams) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO products (id, name, price, category, stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, price = EXCLUDED.price,
			category = EXCLUDED.category, stock = EXCLUDED.stock`,
		p.ID, p.Name, p.Price, p.Category, p.Stock)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func (r *SeedRepository) UpsertVariant(ctx context.Context, p UpsertVariantParams) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO product_variants (id, product_id, size, price, stock)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			product_id = EXCLUDED.product_id, size = EXCLUDED.size,
			price = EXCLUDED.price, stock = EXCLUDED.stock`,
		p.ID, p.ProductID, p.Size, p.Price, p.Stock)
	if err != nil {
		return fmt.Errorf("upserting variant %q: %w", p.ID, err)
	}
	return nil
}

func (r *SeedRepository) UpsertAPIKey(ctx context.Context, p UpsertAPIKeyParams) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, key_hash, name, user_id, scopes)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			key_hash = EXCLUDED.key_hash, name = EXCLUDED.name,
			user_id = EXCLUDED.user_id, scopes = EXCLUDED.scopes, active = TRUE`,
		p.ID, p.KeyHash, p.Name, p.UserID, p.Scopes)
	if err != nil {
		return fmt.Errorf("upserting api key %q: %w", p.ID, err)
	}
	return nil
}
