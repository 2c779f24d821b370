package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// SecondaryOptions parameterise the secondary HTTP rate source.
type SecondaryOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Secondary fetches current rate tables for the residual currency set.
// The upstream has no historical endpoint; its contract is "the full
// table for a base currency, as of now".
type Secondary struct {
	opts    SecondaryOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewSecondary constructs the secondary source.
func NewSecondary(opts SecondaryOptions, logger zerolog.Logger) *Secondary {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Secondary{
		opts:    opts,
		logger:  logger.With().Str("component", "secondary_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// Table retrieves the current full rate table for base.
func (s *Secondary) Table(ctx context.Context, base Currency) (Table, error) {
	if s.baseURL == "" {
		return Table{}, fmt.Errorf("%w: secondary base url not configured", ErrUpstreamUnavailable)
	}

	endpoint := fmt.Sprintf("%s/rates/%s", s.baseURL, base)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Table{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return Table{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Table{}, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Table{}, parseHTTPError("secondary", resp.StatusCode, payload)
	}

	var res tableResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Table{}, fmt.Errorf("%w: decode table: %v", ErrUpstreamUnavailable, err)
	}
	if len(res.Rates) == 0 {
		return Table{}, fmt.Errorf("%w: empty rate table for %s", ErrUpstreamUnavailable, base)
	}

	table := Table{
		Base:  Currency(strings.ToUpper(res.Base)),
		Date:  time.Now().UTC(),
		Rates: make(map[Currency]decimal.Decimal, len(res.Rates)),
	}
	if table.Base == "" {
		table.Base = base
	}
	for code, value := range res.Rates {
		table.Rates[Currency(strings.ToUpper(code))] = decimal.NewFromFloat(value)
	}
	return table, nil
}

var _ SecondaryRateSource = (*Secondary)(nil)
