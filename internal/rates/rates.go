package rates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is a 3-letter uppercase ISO-style currency code.
type Currency string

// Validate reports whether the code is three uppercase letters.
func (c Currency) Validate() error {
	if len(c) != 3 {
		return fmt.Errorf("currency %q: must be exactly 3 letters", c)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("currency %q: must be uppercase A-Z", c)
		}
	}
	return nil
}

func (c Currency) String() string { return string(c) }

// Source identifies which upstream produced a rate.
type Source string

const (
	SourcePrimary   Source = "primary"
	SourceSecondary Source = "secondary"
)

// Rate is a single observed (or estimated) exchange rate. Immutable once
// returned; a newer sample supersedes it, nothing mutates it.
type Rate struct {
	Base        Currency
	Quote       Currency
	Value       decimal.Decimal
	AsOf        time.Time
	Source      Source
	Approximate bool
}

var (
	// ErrInvalidPair rejects a same-currency pair before any I/O.
	ErrInvalidPair = errors.New("rates: base and quote must differ")
	// ErrUnsupportedCurrency means neither source covers the code.
	ErrUnsupportedCurrency = errors.New("rates: unsupported currency")
	// ErrUpstreamUnavailable covers timeouts, non-2xx responses, and
	// malformed or incomplete payloads. Transient; callers may retry.
	ErrUpstreamUnavailable = errors.New("rates: upstream unavailable")
)

// Table is the normalized rate-table shape both sources produce.
type Table struct {
	Base  Currency
	Date  time.Time
	Rates map[Currency]decimal.Decimal
}

// PrimaryRateSource serves a large fixed currency set and arbitrary
// historical dates.
type PrimaryRateSource interface {
	Table(ctx context.Context, base Currency, asOf *time.Time) (Table, error)
	Currencies(ctx context.Context) (map[Currency]string, error)
}

// SecondaryRateSource serves the small residual currency set, current
// rates only.
type SecondaryRateSource interface {
	Table(ctx context.Context, base Currency) (Table, error)
}

// RateProvider routes a pair to the right source and normalizes the result.
type RateProvider interface {
	GetRate(ctx context.Context, from, to Currency, asOf *time.Time) (Rate, error)
}
