package market

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"trading-assistant/config"
)

// RateTable converts between currencies through per-USD rates. The table is
// refreshed on a schedule; when the cached rates age past StaleAfter the
// static fallback table answers instead and conversions are tagged
// approximate.
type RateTable struct {
	mu        sync.RWMutex
	rates     map[string]float64 // units of currency per 1 USD
	updatedAt time.Time

	fallback   map[string]float64
	staleAfter time.Duration

	client *resty.Client
	url    string
	log    zerolog.Logger
}

type rateResponse struct {
	Result string             `json:"result"`
	Rates  map[string]float64 `json:"rates"`
}

func NewRateTable(cfg config.CurrencyConfig, log zerolog.Logger) *RateTable {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	fallback := make(map[string]float64, len(cfg.FallbackRates))
	for k, v := range cfg.FallbackRates {
		fallback[k] = v
	}
	if _, ok := fallback["USD"]; !ok {
		fallback["USD"] = 1.0
	}

	return &RateTable{
		rates:      make(map[string]float64),
		fallback:   fallback,
		staleAfter: cfg.StaleAfter,
		client:     client,
		url:        cfg.RateURL,
		log:        log.With().Str("component", "currency").Logger(),
	}
}

// Refresh fetches the latest rate table. Errors leave the previous table in
// place; the fallback covers extended outages.
func (rt *RateTable) Refresh(ctx context.Context) error {
	var out rateResponse
	resp, err := rt.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(rt.url)
	if err != nil {
		return fmt.Errorf("fetching rates: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetching rates: status %d", resp.StatusCode())
	}
	if len(out.Rates) == 0 {
		return fmt.Errorf("%w: empty rate table", ErrSchema)
	}

	rt.mu.Lock()
	rt.rates = out.Rates
	rt.rates["USD"] = 1.0
	rt.updatedAt = time.Now()
	rt.mu.Unlock()

	rt.log.Debug().Int("currencies", len(out.Rates)).Msg("rate table refreshed")
	return nil
}

// Convert translates an amount between currencies. The second return is true
// when the static fallback produced the value (cache empty or stale).
func (rt *RateTable) Convert(amount float64, from, to string) (float64, bool, error) {
	if from == to {
		return amount, false, nil
	}

	rt.mu.RLock()
	rates := rt.rates
	age := time.Since(rt.updatedAt)
	rt.mu.RUnlock()

	approximate := len(rates) == 0 || age > rt.staleAfter
	if approximate {
		rates = rt.fallback
	}

	fromRate, okFrom := rates[from]
	toRate, okTo := rates[to]
	if !okFrom || !okTo || fromRate == 0 {
		return 0, approximate, fmt.Errorf("no conversion rate for %s -> %s", from, to)
	}

	usd := amount / fromRate
	return usd * toRate, approximate, nil
}

// Round trims the converted value to a displayable precision.
func Round(v float64, decimals int) float64 {
	p := math.Pow10(decimals)
	return math.Round(v*p) / p
}

// UpdatedAt returns the time of the last successful refresh.
func (rt *RateTable) UpdatedAt() time.Time {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.updatedAt
}
