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

const dateLayout = "2006-01-02"

// PrimaryOptions parameterise the primary HTTP rate source.
type PrimaryOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Primary fetches rate tables from the primary FX API. It supports the
// large fiat set and arbitrary historical dates.
type Primary struct {
	opts    PrimaryOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPrimary constructs the primary source.
func NewPrimary(opts PrimaryOptions, logger zerolog.Logger) *Primary {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.frankfurter.dev/v1"
	}

	return &Primary{
		opts:    opts,
		logger:  logger.With().Str("component", "primary_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}
}

type tableResponse struct {
	Base  string             `json:"base"`
	Date  string             `json:"date"`
	Rates map[string]float64 `json:"rates"`
}

// Table retrieves the rate table for base, at asOf when provided or the
// latest publication otherwise.
func (p *Primary) Table(ctx context.Context, base Currency, asOf *time.Time) (Table, error) {
	segment := "latest"
	if asOf != nil {
		segment = asOf.UTC().Format(dateLayout)
	}

	endpoint := fmt.Sprintf("%s/%s?base=%s", p.baseURL, segment, base)
	payload, err := p.get(ctx, endpoint)
	if err != nil {
		return Table{}, err
	}

	var res tableResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Table{}, fmt.Errorf("%w: decode table: %v", ErrUpstreamUnavailable, err)
	}
	if len(res.Rates) == 0 {
		return Table{}, fmt.Errorf("%w: empty rate table for %s", ErrUpstreamUnavailable, base)
	}

	date, err := time.Parse(dateLayout, res.Date)
	if err != nil {
		date = time.Now().UTC()
	}

	table := Table{
		Base:  Currency(strings.ToUpper(res.Base)),
		Date:  date,
		Rates: make(map[Currency]decimal.Decimal, len(res.Rates)),
	}
	for code, value := range res.Rates {
		table.Rates[Currency(strings.ToUpper(code))] = decimal.NewFromFloat(value)
	}
	return table, nil
}

// Currencies lists the codes the primary source supports.
func (p *Primary) Currencies(ctx context.Context) (map[Currency]string, error) {
	payload, err := p.get(ctx, p.baseURL+"/currencies")
	if err != nil {
		return nil, err
	}

	var res map[string]string
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("%w: decode currencies: %v", ErrUpstreamUnavailable, err)
	}

	out := make(map[Currency]string, len(res))
	for code, name := range res {
		out[Currency(strings.ToUpper(code))] = name
	}
	return out, nil
}

func (p *Primary) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "fxwatcher/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError("primary", resp.StatusCode, payload)
	}
	return payload, nil
}

type errorResponse struct {
	Message     string `json:"message"`
	Description string `json:"description"`
	ErrorType   string `json:"errorType"`
}

func parseHTTPError(source string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", ErrUpstreamUnavailable, source, status, apiErr.Message)
		}
		if apiErr.Description != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", ErrUpstreamUnavailable, source, status, apiErr.Description)
		}
		if apiErr.ErrorType != "" {
			return fmt.Errorf("%w: %s api error (%d): %s", ErrUpstreamUnavailable, source, status, apiErr.ErrorType)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("%w: %s api error (%d): %s", ErrUpstreamUnavailable, source, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("%w: %s api error (%d)", ErrUpstreamUnavailable, source, status)
}

var _ PrimaryRateSource = (*Primary)(nil)
