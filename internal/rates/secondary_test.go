package rates

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestSecondaryTableSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rates/BTC" {
			t.Fatalf("expected /rates/BTC, got %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"base":  "BTC",
			"rates": map[string]float64{"USD": 64250.5, "EUR": 59100.0},
		})
	}))
	defer srv.Close()

	s := NewSecondary(SecondaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	table, err := s.Table(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("table should succeed: %v", err)
	}
	if !table.Rates["USD"].Equal(decimal.NewFromFloat(64250.5)) {
		t.Fatalf("unexpected USD rate: %s", table.Rates["USD"])
	}
}

func TestSecondaryTableNotConfigured(t *testing.T) {
	s := NewSecondary(SecondaryOptions{}, testLogger())
	if _, err := s.Table(context.Background(), "BTC"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("missing base url should map to ErrUpstreamUnavailable, got %v", err)
	}
}

func TestSecondaryTableHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSecondary(SecondaryOptions{BaseURL: srv.URL, Timeout: time.Second}, testLogger())
	if _, err := s.Table(context.Background(), "BTC"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("non-2xx should map to ErrUpstreamUnavailable, got %v", err)
	}
}
