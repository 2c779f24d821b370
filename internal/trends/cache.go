package trends

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"fxwatcher/internal/rates"
)

var percentScale = decimal.NewFromInt(100)

// PairTrend is one currency pair's move over the lookback window.
type PairTrend struct {
	Base      rates.Currency
	Quote     rates.Currency
	Latest    decimal.Decimal
	Past      decimal.Decimal
	ChangePct decimal.Decimal
}

// Summary holds the top movers across the trend universe.
type Summary struct {
	Gainers    []PairTrend
	Losers     []PairTrend
	ComputedAt time.Time
}

// Options tune the cache and the underlying computation.
type Options struct {
	TTL time.Duration
	// Universe is the set of base currencies whose ordered pairs are
	// scanned. Every (A,B) with A != B is considered.
	Universe     []rates.Currency
	LookbackDays int
	// SignificanceFloor drops pairs whose absolute move is below this
	// percentage; sub-floor moves are dashboard noise.
	SignificanceFloor decimal.Decimal
	TopN              int
	Concurrency       int
}

// Cache memoizes the global market-trend computation. The computation is
// expensive (two upstream calls per ordered pair), so a fresh entry is
// served without touching the provider and recomputations are
// single-flighted to avoid a cache stampede.
type Cache struct {
	provider rates.RateProvider
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	entry      *Summary
	computedAt time.Time

	flight singleflight.Group
}

// New constructs a trend cache around a rate provider.
func New(provider rates.RateProvider, opts Options, logger zerolog.Logger) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 15 * time.Minute
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 7
	}
	if opts.SignificanceFloor.Sign() <= 0 {
		opts.SignificanceFloor = decimal.NewFromInt(1)
	}
	if opts.TopN <= 0 {
		opts.TopN = 3
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	return &Cache{
		provider: provider,
		opts:     opts,
		logger:   logger.With().Str("component", "trend_cache").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MarketTrends returns the cached summary while fresh, otherwise
// recomputes it. Concurrent callers during a recomputation share the
// in-flight result instead of launching their own.
func (c *Cache) MarketTrends(ctx context.Context) (Summary, error) {
	if summary, ok := c.fresh(); ok {
		return summary, nil
	}

	result, err, _ := c.flight.Do("market-trends", func() (interface{}, error) {
		// A caller that queued behind the winning flight may find the
		// entry already refreshed.
		if summary, ok := c.fresh(); ok {
			return summary, nil
		}

		summary := c.recompute(ctx)
		if ctx.Err() != nil {
			return Summary{}, ctx.Err()
		}

		c.mu.Lock()
		c.entry = &summary
		c.computedAt = summary.ComputedAt
		c.mu.Unlock()
		return summary, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return result.(Summary), nil
}

func (c *Cache) fresh() (Summary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.entry != nil && c.now().Sub(c.computedAt) < c.opts.TTL {
		return *c.entry, true
	}
	return Summary{}, false
}

// recompute scans every ordered pair with a bounded fan-out. A pair whose
// fetches fail is dropped; the summary is best-effort by design, so a
// fully failed sweep yields an empty summary rather than an error.
func (c *Cache) recompute(ctx context.Context) Summary {
	now := c.now()
	past := now.AddDate(0, 0, -c.opts.LookbackDays)

	type pair struct{ base, quote rates.Currency }
	var pairs []pair
	for _, base := range c.opts.Universe {
		for _, quote := range c.opts.Universe {
			if base == quote {
				continue
			}
			pairs = append(pairs, pair{base, quote})
		}
	}

	var (
		mu      sync.Mutex
		moves   []PairTrend
		dropped int
	)

	sem := make(chan struct{}, c.opts.Concurrency)
	var wg sync.WaitGroup
	for _, pr := range pairs {
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(pr pair) {
			defer wg.Done()
			defer func() { <-sem }()

			move, err := c.pairMove(ctx, pr.base, pr.quote, past)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				dropped++
				return
			}
			moves = append(moves, move)
		}(pr)
	}
	wg.Wait()

	if dropped > 0 {
		c.logger.Warn().Int("dropped", dropped).Int("pairs", len(pairs)).Msg("some pairs excluded from trend sweep")
	}

	summary := c.rank(moves)
	summary.ComputedAt = now

	c.logger.Info().
		Int("gainers", len(summary.Gainers)).
		Int("losers", len(summary.Losers)).
		Time("computed_at", summary.ComputedAt).
		Msg("trend summary recomputed")
	return summary
}

func (c *Cache) pairMove(ctx context.Context, base, quote rates.Currency, past time.Time) (PairTrend, error) {
	latest, err := c.provider.GetRate(ctx, base, quote, nil)
	if err != nil {
		return PairTrend{}, err
	}
	previous, err := c.provider.GetRate(ctx, base, quote, &past)
	if err != nil {
		return PairTrend{}, err
	}
	if previous.Value.Sign() == 0 {
		return PairTrend{}, rates.ErrUpstreamUnavailable
	}

	change := latest.Value.Sub(previous.Value).DivRound(previous.Value, 12).Mul(percentScale)
	return PairTrend{
		Base:      base,
		Quote:     quote,
		Latest:    latest.Value,
		Past:      previous.Value,
		ChangePct: change,
	}, nil
}

func (c *Cache) rank(moves []PairTrend) Summary {
	var summary Summary
	for _, move := range moves {
		if move.ChangePct.Abs().LessThan(c.opts.SignificanceFloor) {
			continue
		}
		if move.ChangePct.Sign() > 0 {
			summary.Gainers = append(summary.Gainers, move)
		} else {
			summary.Losers = append(summary.Losers, move)
		}
	}

	sort.Slice(summary.Gainers, func(i, j int) bool {
		return summary.Gainers[i].ChangePct.GreaterThan(summary.Gainers[j].ChangePct)
	})
	sort.Slice(summary.Losers, func(i, j int) bool {
		return summary.Losers[i].ChangePct.LessThan(summary.Losers[j].ChangePct)
	})

	if len(summary.Gainers) > c.opts.TopN {
		summary.Gainers = summary.Gainers[:c.opts.TopN]
	}
	if len(summary.Losers) > c.opts.TopN {
		summary.Losers = summary.Losers[:c.opts.TopN]
	}
	return summary
}
