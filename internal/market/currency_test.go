package market

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
)

func testRateServer(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestRateTableRefresh tests fetching and converting with live rates
func TestRateTableRefresh(t *testing.T) {
	srv := testRateServer(t, `{"result":"success","rates":{"USD":1,"KRW":1350.5,"EUR":0.92}}`)

	rt := NewRateTable(config.CurrencyConfig{
		RateURL:       srv.URL,
		StaleAfter:    time.Hour,
		FallbackRates: map[string]float64{"KRW": 1300, "USD": 1},
	}, zerolog.Nop())

	if err := rt.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got, approx, err := rt.Convert(1, "USD", "KRW")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if approx {
		t.Error("conversion with fresh rates should not be approximate")
	}
	if math.Abs(got-1350.5) > 1e-9 {
		t.Errorf("Convert(1 USD -> KRW) = %v, want 1350.5", got)
	}

	// Cross rate goes through USD.
	got, _, err = rt.Convert(1350.5, "KRW", "EUR")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if math.Abs(got-0.92) > 1e-9 {
		t.Errorf("Convert(1350.5 KRW -> EUR) = %v, want 0.92", got)
	}
}

// TestRateTableFallback tests that an empty cache answers from the static
// table and tags the result approximate
func TestRateTableFallback(t *testing.T) {
	rt := NewRateTable(config.CurrencyConfig{
		RateURL:       "http://127.0.0.1:1", // never called
		StaleAfter:    time.Hour,
		FallbackRates: map[string]float64{"KRW": 1300, "USD": 1},
	}, zerolog.Nop())

	got, approx, err := rt.Convert(2, "USD", "KRW")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !approx {
		t.Error("conversion without a refresh should be approximate")
	}
	if math.Abs(got-2600) > 1e-9 {
		t.Errorf("Convert(2 USD -> KRW) = %v, want 2600", got)
	}
}

// TestRateTableSameCurrency tests the identity conversion
func TestRateTableSameCurrency(t *testing.T) {
	rt := NewRateTable(config.CurrencyConfig{
		FallbackRates: map[string]float64{"USD": 1},
	}, zerolog.Nop())

	got, approx, err := rt.Convert(42, "KRW", "KRW")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if approx || got != 42 {
		t.Errorf("identity conversion = (%v, %v), want (42, false)", got, approx)
	}
}

// TestRateTableUnknownCurrency tests the error path for missing rates
func TestRateTableUnknownCurrency(t *testing.T) {
	rt := NewRateTable(config.CurrencyConfig{
		FallbackRates: map[string]float64{"USD": 1},
	}, zerolog.Nop())

	if _, _, err := rt.Convert(1, "USD", "XYZ"); err == nil {
		t.Error("expected an error for an unknown currency")
	}
}

// TestRateTableRejectsEmptyBody tests schema validation of the rate response
func TestRateTableRejectsEmptyBody(t *testing.T) {
	srv := testRateServer(t, `{"result":"success","rates":{}}`)

	rt := NewRateTable(config.CurrencyConfig{
		RateURL:       srv.URL,
		StaleAfter:    time.Hour,
		FallbackRates: map[string]float64{"USD": 1},
	}, zerolog.Nop())

	if err := rt.Refresh(context.Background()); err == nil {
		t.Error("expected an error for an empty rate table")
	}
}

// TestRateTableRoundTrip tests that converting there and back recovers
// the original amount
func TestRateTableRoundTrip(t *testing.T) {
	srv := testRateServer(t, `{"result":"success","rates":{"USD":1,"KRW":1350.5,"EUR":0.92,"JPY":147.3}}`)

	rt := NewRateTable(config.CurrencyConfig{
		RateURL:       srv.URL,
		StaleAfter:    time.Hour,
		FallbackRates: map[string]float64{"USD": 1},
	}, zerolog.Nop())
	if err := rt.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	const amount = 98765.4321
	pairs := [][2]string{{"USD", "KRW"}, {"KRW", "EUR"}, {"EUR", "JPY"}}
	for _, pair := range pairs {
		there, _, err := rt.Convert(amount, pair[0], pair[1])
		if err != nil {
			t.Fatalf("Convert(%s -> %s): %v", pair[0], pair[1], err)
		}
		back, _, err := rt.Convert(there, pair[1], pair[0])
		if err != nil {
			t.Fatalf("Convert(%s -> %s): %v", pair[1], pair[0], err)
		}
		if math.Abs(back-amount) > 1e-6 {
			t.Errorf("%s -> %s round trip = %v, want %v", pair[0], pair[1], back, amount)
		}
	}
}

// TestRound tests display rounding
func TestRound(t *testing.T) {
	tests := []struct {
		v        float64
		decimals int
		want     float64
	}{
		{1234.5678, 2, 1234.57},
		{1234.5678, 0, 1235},
		{0.000123456, 6, 0.000123},
	}
	for _, tt := range tests {
		if got := Round(tt.v, tt.decimals); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("Round(%v, %d) = %v, want %v", tt.v, tt.decimals, got, tt.want)
		}
	}
}
