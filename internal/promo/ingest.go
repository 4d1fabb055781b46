// Package promo finds promo codes that are valid for checkout. Partners ship
// large gzipped feeds with one code per line; a code is accepted when it
// appears in at least MinFeeds distinct feeds.
//
// Feeds do not fit in memory, so the search runs in two passes. The first
// pass builds one bloom filter per feed. The second re-reads every feed and
// keeps only codes that some other feed's filter may contain, then confirms
// the count exactly on that much smaller candidate set.
package promo

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"math/bits"
	"os"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"
)

// Feed opens a gzip-compressed code list.
type Feed struct {
	Name string
	Open func() (io.ReadCloser, error)
}

// FileFeed reads a feed from disk.
func FileFeed(path string) Feed {
	return Feed{Name: path, Open: func() (io.ReadCloser, error) { return os.Open(path) }}
}

// Options tunes the search. Zero fields take defaults.
type Options struct {
	// Capacity is the expected number of codes per feed.
	Capacity uint
	// FalsePositiveRate of each bloom filter.
	FalsePositiveRate float64
	MinLen, MaxLen    int
	MinFeeds          int
	// ProgressEvery logs a progress line every N codes per feed.
	ProgressEvery uint64
	Logger        *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Capacity == 0 {
		o.Capacity = 120_000_000
	}
	if o.FalsePositiveRate == 0 {
		o.FalsePositiveRate = 0.001
	}
	if o.MinLen == 0 {
		o.MinLen = 8
	}
	if o.MaxLen == 0 {
		o.MaxLen = 10
	}
	if o.MinFeeds == 0 {
		o.MinFeeds = 2
	}
	if o.ProgressEvery == 0 {
		o.ProgressEvery = 10_000_000
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Find returns the sorted codes present in at least MinFeeds feeds.
func Find(ctx context.Context, feeds []Feed, opts Options) ([]string, error) {
	opts.setDefaults()
	if len(feeds) > bits.UintSize {
		return nil, errors.Errorf("at most %d feeds supported, got %d", bits.UintSize, len(feeds))
	}
	if len(feeds) < opts.MinFeeds {
		return nil, nil
	}
	s := &search{feeds: feeds, opts: opts}

	opts.Logger.Info("pass 1: building bloom filters", slog.Int("feeds", len(feeds)))
	if err := s.buildFilters(ctx); err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	opts.Logger.Info("pass 2: collecting candidates")
	masks, err := s.collect(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "collect candidates")
	}

	var codes []string
	for code, mask := range masks {
		if bits.OnesCount(mask) >= opts.MinFeeds {
			codes = append(codes, code)
		}
	}
	slices.Sort(codes)
	opts.Logger.Info("promo codes found", slog.Int("count", len(codes)))
	return codes, nil
}

type search struct {
	feeds   []Feed
	opts    Options
	filters []*bloom.BloomFilter
}

func (s *search) valid(code string) bool {
	return len(code) >= s.opts.MinLen && len(code) <= s.opts.MaxLen
}

func (s *search) buildFilters(ctx context.Context) error {
	s.filters = make([]*bloom.BloomFilter, len(s.feeds))
	g, ctx := errgroup.WithContext(ctx)
	for i, feed := range s.feeds {
		g.Go(func() error {
			f := bloom.NewWithEstimates(s.opts.Capacity, s.opts.FalsePositiveRate)
			n, err := s.scan(ctx, i, feed, func(code string) { f.AddString(code) })
			if err != nil {
				return err
			}
			s.opts.Logger.Info("pass 1 complete", slog.String("feed", feed.Name), slog.Uint64("codes", n))
			s.filters[i] = f
			return nil
		})
	}
	return g.Wait()
}

// collect returns, per candidate code, a bitmask of the feeds it was seen in.
// A code enters the candidate set of feed i only if it may be in another feed,
// so the exact count is checked against the merged masks.
func (s *search) collect(ctx context.Context) (map[string]uint, error) {
	perFeed := make([]map[string]struct{}, len(s.feeds))
	g, ctx := errgroup.WithContext(ctx)
	for i, feed := range s.feeds {
		g.Go(func() error {
			seen := make(map[string]struct{})
			n, err := s.scan(ctx, i, feed, func(code string) {
				if s.inOtherFeeds(i, code) >= s.opts.MinFeeds-1 {
					seen[code] = struct{}{}
				}
			})
			if err != nil {
				return err
			}
			s.opts.Logger.Info("pass 2 complete",
				slog.String("feed", feed.Name),
				slog.Uint64("codes", n),
				slog.Int("candidates", len(seen)),
			)
			perFeed[i] = seen
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	masks := make(map[string]uint)
	for i, seen := range perFeed {
		for code := range seen {
			masks[code] |= 1 << uint(i)
		}
	}
	return masks, nil
}

func (s *search) inOtherFeeds(idx int, code string) int {
	var n int
	for j, f := range s.filters {
		if j != idx && f.TestString(code) {
			n++
		}
	}
	return n
}

// scan calls fn for every code of acceptable length in the feed.
func (s *search) scan(ctx context.Context, idx int, feed Feed, fn func(code string)) (uint64, error) {
	rc, err := feed.Open()
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", feed.Name)
	}
	defer func() { _ = rc.Close() }()

	gz, err := pgzip.NewReader(rc)
	if err != nil {
		return 0, errors.Wrapf(err, "gzip %s", feed.Name)
	}
	defer func() { _ = gz.Close() }()

	var n uint64
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		code := sc.Text()
		if !s.valid(code) {
			continue
		}
		fn(code)
		n++
		if n%s.opts.ProgressEvery == 0 {
			s.opts.Logger.Info("progress", slog.Int("feed", idx+1), slog.Uint64("codes", n))
		}
	}
	if err := sc.Err(); err != nil {
		return n, errors.Wrapf(err, "read %s", feed.Name)
	}
	return n, nil
}
