// Command promo-ingest loads promo codes that appear in at least two partner
// feeds into the promo_codes table.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/go-faster/errors"

	"github.com/xenking/storefront/internal/promo"
	"github.com/xenking/storefront/internal/storage/postgres"
)

func main() {
	var (
		dataDir     string
		pattern     string
		databaseURL string
		minFeeds    int
		dryRun      bool
	)
	flag.StringVar(&dataDir, "data-dir", "data", "directory containing gzipped promo feeds")
	flag.StringVar(&pattern, "pattern", "couponbase*.gz", "feed file name pattern")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&minFeeds, "min-feeds", 2, "number of feeds a code must appear in")
	flag.BoolVar(&dryRun, "dry-run", false, "print the number of codes found without writing them")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" && !dryRun {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dataDir, pattern, databaseURL, minFeeds, dryRun); err != nil {
		slog.Error("promo ingest failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	slog.Info("promo ingest completed")
}

func run(ctx context.Context, dataDir, pattern, databaseURL string, minFeeds int, dryRun bool) error {
	paths, err := filepath.Glob(filepath.Join(dataDir, pattern))
	if err != nil {
		return errors.Wrap(err, "list feeds")
	}
	if len(paths) < minFeeds {
		return errors.Errorf("found %d feeds in %s, need at least %d", len(paths), dataDir, minFeeds)
	}
	feeds := make([]promo.Feed, len(paths))
	for i, p := range paths {
		feeds[i] = promo.FileFeed(p)
	}

	codes, err := promo.Find(ctx, feeds, promo.Options{MinFeeds: minFeeds, Logger: slog.Default()})
	if err != nil {
		return err
	}
	if dryRun || len(codes) == 0 {
		slog.Info("nothing written", slog.Int("codes", len(codes)), slog.Bool("dry_run", dryRun))
		return nil
	}

	pool, err := postgres.NewPool(ctx, databaseURL, postgres.PoolConfig{})
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	inserted, err := postgres.NewPromoRepository(pool).Insert(ctx, codes)
	if err != nil {
		return errors.Wrap(err, "insert promo codes")
	}
	slog.Info("promo codes written",
		slog.Int("found", len(codes)),
		slog.Int64("inserted", inserted),
	)
	return nil
}
