package rates

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Universe partitions the supported currency codes between the two
// sources. A code belongs to at most one set for routing purposes.
type Universe struct {
	Primary   map[Currency]struct{}
	Secondary map[Currency]struct{}
}

// NewUniverse builds a Universe from configured code lists. Codes present
// in both lists stay in the primary set only.
func NewUniverse(primary, secondary []string) Universe {
	u := Universe{
		Primary:   make(map[Currency]struct{}, len(primary)),
		Secondary: make(map[Currency]struct{}, len(secondary)),
	}
	for _, code := range primary {
		u.Primary[Currency(code)] = struct{}{}
	}
	for _, code := range secondary {
		c := Currency(code)
		if _, dup := u.Primary[c]; dup {
			continue
		}
		u.Secondary[c] = struct{}{}
	}
	return u
}

func (u Universe) inPrimary(c Currency) bool {
	_, ok := u.Primary[c]
	return ok
}

func (u Universe) inSecondary(c Currency) bool {
	_, ok := u.Secondary[c]
	return ok
}

func (u Universe) known(c Currency) bool {
	return u.inPrimary(c) || u.inSecondary(c)
}

// ProviderOptions tune routing and degradation behaviour.
type ProviderOptions struct {
	Universe Universe
	// DailyVolatility holds per-currency assumed daily moves used to
	// derive historical estimates for secondary-set currencies.
	DailyVolatility map[Currency]decimal.Decimal
	// StaticRates maps "FROM/TO" to a best-effort constant used only
	// when AllowEstimates is set and the secondary source is down.
	StaticRates map[string]decimal.Decimal
	// AllowEstimates opts the caller into approximate rates instead of
	// an error when the secondary source is unreachable.
	AllowEstimates bool
}

// Provider routes rate requests to the primary or secondary source based
// on currency-set membership and normalizes both into one Rate shape.
type Provider struct {
	primary   PrimaryRateSource
	secondary SecondaryRateSource
	opts      ProviderOptions
	logger    zerolog.Logger
	now       func() time.Time
}

// NewProvider wires both sources into a routing provider.
func NewProvider(primary PrimaryRateSource, secondary SecondaryRateSource, opts ProviderOptions, logger zerolog.Logger) *Provider {
	return &Provider{
		primary:   primary,
		secondary: secondary,
		opts:      opts,
		logger:    logger.With().Str("component", "rate_provider").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetRate returns the rate for from/to, optionally as of a historical
// date. Same-currency pairs are rejected before any network call.
func (p *Provider) GetRate(ctx context.Context, from, to Currency, asOf *time.Time) (Rate, error) {
	if err := from.Validate(); err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ErrUnsupportedCurrency, err)
	}
	if err := to.Validate(); err != nil {
		return Rate{}, fmt.Errorf("%w: %v", ErrUnsupportedCurrency, err)
	}
	if from == to {
		return Rate{}, fmt.Errorf("%w: %s/%s", ErrInvalidPair, from, to)
	}
	if !p.opts.Universe.known(from) {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, from)
	}
	if !p.opts.Universe.known(to) {
		return Rate{}, fmt.Errorf("%w: %s", ErrUnsupportedCurrency, to)
	}

	if p.opts.Universe.inSecondary(from) || p.opts.Universe.inSecondary(to) {
		return p.secondaryRate(ctx, from, to, asOf)
	}
	return p.primaryRate(ctx, from, to, asOf)
}

func (p *Provider) primaryRate(ctx context.Context, from, to Currency, asOf *time.Time) (Rate, error) {
	table, err := p.primary.Table(ctx, from, asOf)
	if err != nil {
		return Rate{}, err
	}

	value, ok := table.Rates[to]
	if !ok {
		return Rate{}, fmt.Errorf("%w: primary table for %s is missing %s", ErrUpstreamUnavailable, from, to)
	}
	if value.Sign() <= 0 {
		return Rate{}, fmt.Errorf("%w: primary returned non-positive %s/%s", ErrUpstreamUnavailable, from, to)
	}

	return Rate{Base: from, Quote: to, Value: value, AsOf: table.Date, Source: SourcePrimary}, nil
}

// secondaryRate serves any pair with a secondary-set leg from the
// secondary source's full table for from. Historical requests degrade to
// a volatility-adjusted estimate since the secondary has no history.
func (p *Provider) secondaryRate(ctx context.Context, from, to Currency, asOf *time.Time) (Rate, error) {
	current, err := p.secondaryCurrent(ctx, from, to)
	if err != nil {
		return Rate{}, err
	}

	if asOf == nil {
		return current, nil
	}

	days := int(p.now().Sub(asOf.UTC()).Hours() / 24)
	if days < 0 {
		days = 0
	}

	estimate := current
	estimate.Value = discountByVolatility(current.Value, p.volatilityFor(from, to), days)
	estimate.AsOf = asOf.UTC()
	estimate.Approximate = true

	p.logger.Debug().
		Str("pair", from.String()+"/"+to.String()).
		Int("days", days).
		Msg("historical secondary lookup served as volatility estimate")
	return estimate, nil
}

func (p *Provider) secondaryCurrent(ctx context.Context, from, to Currency) (Rate, error) {
	table, err := p.secondary.Table(ctx, from)
	if err == nil {
		value, ok := table.Rates[to]
		if !ok {
			return Rate{}, fmt.Errorf("%w: secondary table for %s is missing %s", ErrUpstreamUnavailable, from, to)
		}
		if value.Sign() <= 0 {
			return Rate{}, fmt.Errorf("%w: secondary returned non-positive %s/%s", ErrUpstreamUnavailable, from, to)
		}
		return Rate{Base: from, Quote: to, Value: value, AsOf: table.Date, Source: SourceSecondary}, nil
	}

	if !p.opts.AllowEstimates {
		return Rate{}, err
	}

	value, ok := p.staticRate(from, to)
	if !ok {
		return Rate{}, err
	}

	p.logger.Warn().
		Str("pair", from.String()+"/"+to.String()).
		Msg("secondary source unreachable; serving static best-effort estimate")
	return Rate{
		Base:        from,
		Quote:       to,
		Value:       value,
		AsOf:        p.now(),
		Source:      SourceSecondary,
		Approximate: true,
	}, nil
}

func (p *Provider) staticRate(from, to Currency) (decimal.Decimal, bool) {
	if v, ok := p.opts.StaticRates[from.String()+"/"+to.String()]; ok && v.Sign() > 0 {
		return v, true
	}
	if v, ok := p.opts.StaticRates[to.String()+"/"+from.String()]; ok && v.Sign() > 0 {
		return decimal.NewFromInt(1).DivRound(v, 12), true
	}
	return decimal.Decimal{}, false
}

// volatilityFor picks the secondary-set leg's configured daily move.
func (p *Provider) volatilityFor(from, to Currency) decimal.Decimal {
	if p.opts.Universe.inSecondary(from) {
		if v, ok := p.opts.DailyVolatility[from]; ok {
			return v
		}
	}
	if p.opts.Universe.inSecondary(to) {
		if v, ok := p.opts.DailyVolatility[to]; ok {
			return v
		}
	}
	return decimal.Decimal{}
}

// discountByVolatility walks a current rate back in time assuming a
// constant daily move: past = current / (1+vol)^days.
func discountByVolatility(current, dailyVol decimal.Decimal, days int) decimal.Decimal {
	if days <= 0 || dailyVol.Sign() == 0 {
		return current
	}
	factor := decimal.NewFromInt(1).Add(dailyVol).Pow(decimal.NewFromInt(int64(days)))
	return current.DivRound(factor, 12)
}

// SupportedCurrencies merges the primary source's published list with the
// configured secondary set.
func (p *Provider) SupportedCurrencies(ctx context.Context) (map[Currency]string, error) {
	out, err := p.primary.Currencies(ctx)
	if err != nil {
		return nil, err
	}
	for code := range p.opts.Universe.Secondary {
		if _, ok := out[code]; !ok {
			out[code] = ""
		}
	}
	return out, nil
}

var _ RateProvider = (*Provider)(nil)
