package rates

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestPrimaryTableLatest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/latest" {
			t.Fatalf("expected /latest, got %s", r.URL.Path)
		}
		if r.URL.Query().Get("base") != "EUR" {
			t.Fatalf("expected base=EUR, got %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"base": "EUR",
			"date": "2026-08-21",
			"rates": map[string]float64{
				"USD": 1.08,
				"GBP": 0.85,
			},
		})
	}))
	defer srv.Close()

	p := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	table, err := p.Table(context.Background(), "EUR", nil)
	if err != nil {
		t.Fatalf("latest table should succeed: %v", err)
	}
	if table.Base != "EUR" {
		t.Fatalf("expected base EUR, got %s", table.Base)
	}
	if !table.Rates["USD"].Equal(decimal.NewFromFloat(1.08)) {
		t.Fatalf("unexpected USD rate: %s", table.Rates["USD"])
	}
	if table.Date.Format(dateLayout) != "2026-08-21" {
		t.Fatalf("unexpected table date: %s", table.Date)
	}
}

func TestPrimaryTableHistoricalPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewEncoder(w).Encode(map[string]any{
			"base":  "EUR",
			"date":  "2026-08-14",
			"rates": map[string]float64{"USD": 1.05},
		})
	}))
	defer srv.Close()

	asOf := time.Date(2026, 8, 14, 10, 0, 0, 0, time.UTC)
	p := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := p.Table(context.Background(), "EUR", &asOf); err != nil {
		t.Fatalf("historical table should succeed: %v", err)
	}
	if gotPath != "/2026-08-14" {
		t.Fatalf("expected date path, got %s", gotPath)
	}
}

func TestPrimaryTableHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "upstream melted"})
	}))
	defer srv.Close()

	p := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	_, err := p.Table(context.Background(), "EUR", nil)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("non-2xx should map to ErrUpstreamUnavailable, got %v", err)
	}
}

func TestPrimaryTableEmptyRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"base": "EUR", "date": "2026-08-21", "rates": map[string]float64{}})
	}))
	defer srv.Close()

	p := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := p.Table(context.Background(), "EUR", nil); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("empty table should map to ErrUpstreamUnavailable, got %v", err)
	}
}

func TestPrimaryCurrencies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/currencies" {
			t.Fatalf("expected /currencies, got %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"usd": "United States Dollar"})
	}))
	defer srv.Close()

	p := NewPrimary(PrimaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	currencies, err := p.Currencies(context.Background())
	if err != nil {
		t.Fatalf("currencies should succeed: %v", err)
	}
	if currencies["USD"] != "United States Dollar" {
		t.Fatalf("codes should be normalized uppercase: %#v", currencies)
	}
}
