package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/order"
)

var _ order.AddressBook = (*AddressRepository)(nil)

// AddressRepository answers address ownership questions.
type AddressRepository struct {
	pool *pgxpool.Pool
}

// NewAddressRepository returns an AddressRepository that uses the given pool.
func NewAddressRepository(pool *pgxpool.Pool) *AddressRepository {
	return &AddressRepository{pool: pool}
}

// Owns implements order.AddressBook.
func (r *AddressRepository) Owns(ctx context.Context, userID, addressID string) (bool, error) {
	var owns bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM addresses WHERE id = $1 AND user_id = $2)`,
		addressID, userID,
	).Scan(&owns)
	if err != nil {
		return false, fmt.Errorf("checking address %q: %w", addressID, err)
	}
	return owns, nil
}
