package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/storage/postgres"
)

type seedFile struct {
	Products   []productJSON `json:"products"`
	Users      []userJSON    `json:"users"`
	PromoCodes []string      `json:"promoCodes"`
}

type productJSON struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
	Stock    int             `json:"stock"`
	Variants []struct {
		ID    string           `json:"id"`
		Size  string           `json:"size"`
		Price *decimal.Decimal `json:"price"`
		Stock int              `json:"stock"`
	} `json:"variants"`
}

type userJSON struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Addresses []struct {
		ID         string `json:"id"`
		Line1      string `json:"line1"`
		City       string `json:"city"`
		PostalCode string `json:"postalCode"`
		Country    string `json:"country"`
	} `json:"addresses"`
	APIKeys []struct {
		ID     string   `json:"id"`
		Name   string   `json:"name"`
		Key    string   `json:"key"`
		Scopes []string `json:"scopes"`
	} `json:"apiKeys"`
}

func main() {
	var (
		databaseURL  string
		seedPath     string
		apiKeyPepper string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "seed-file", "db/seed/seed.json", "path to the seed JSON file")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or SHOP_API_KEY_PEPPER env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("SHOP_API_KEY_PEPPER")
	}
	if apiKeyPepper == "" {
		slog.Error("API key pepper is required: set --api-key-pepper or SHOP_API_KEY_PEPPER")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, seedPath, []byte(apiKeyPepper)); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, seedPath string, pepper []byte) error {
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed file")
	}

	slog.Info("connecting to database")
	pool, err := postgres.NewPool(ctx, databaseURL, postgres.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	repo := postgres.NewSeedRepository(pool)
	if err := seedProducts(ctx, repo, seed.Products); err != nil {
		return errors.Wrap(err, "seed products")
	}
	if err := seedUsers(ctx, repo, seed.Users, pepper); err != nil {
		return errors.Wrap(err, "seed users")
	}
	if len(seed.PromoCodes) > 0 {
		n, err := postgres.NewPromoRepository(pool).Insert(ctx, seed.PromoCodes)
		if err != nil {
			return errors.Wrap(err, "seed promo codes")
		}
		slog.Info("inserted promo codes", slog.Int64("count", n))
	}
	return nil
}

func seedProducts(ctx context.Context, repo *postgres.SeedRepository, products []productJSON) error {
	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := repo.UpsertProduct(ctx, postgres.UpsertProductParams{
			ID:       p.ID,
			Name:     p.Name,
			Price:    p.Price,
			Category: p.Category,
			Stock:    p.Stock,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}
		for _, v := range p.Variants {
			if err := repo.UpsertVariant(ctx, postgres.UpsertVariantParams{
				ID:        v.ID,
				ProductID: p.ID,
				Size:      v.Size,
				Price:     v.Price,
				Stock:     v.Stock,
			}); err != nil {
				return errors.Wrapf(err, "upsert variant %s", v.ID)
			}
		}

		slog.Info("upserted product",
			slog.String("id", p.ID),
			slog.String("name", p.Name),
			slog.Int("variants", len(p.Variants)),
		)
	}
	return nil
}

func seedUsers(ctx context.Context, repo *postgres.SeedRepository, users []userJSON, pepper []byte) error {
	slog.Info("upserting users", slog.Int("count", len(users)))

	for _, u := range users {
		if err := repo.UpsertUser(ctx, postgres.UpsertUserParams{ID: u.ID, Email: u.Email}); err != nil {
			return errors.Wrapf(err, "upsert user %s", u.ID)
		}
		for _, a := range u.Addresses {
			if err := repo.UpsertAddress(ctx, postgres.UpsertAddressParams{
				ID:         a.ID,
				UserID:     u.ID,
				Line1:      a.Line1,
				City:       a.City,
				PostalCode: a.PostalCode,
				Country:    a.Country,
			}); err != nil {
				return errors.Wrapf(err, "upsert address %s", a.ID)
			}
		}
		for _, k := range u.APIKeys {
			if k.Key == "" {
				return errors.Errorf("api key %s of user %s has no key", k.ID, u.ID)
			}
			if err := repo.UpsertAPIKey(ctx, postgres.UpsertAPIKeyParams{
				ID:      k.ID,
				KeyHash: auth.HashKey(k.Key, pepper),
				Name:    k.Name,
				UserID:  u.ID,
				Scopes:  k.Scopes,
			}); err != nil {
				return errors.Wrapf(err, "upsert api key %s", k.ID)
			}
			slog.Info("upserted API key", slog.String("id", k.ID), slog.String("user", u.ID))
		}
	}
	return nil
}
