package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// YahooAdapter serves equity quotes and series from the Yahoo Finance chart
// API. Korean listings are addressed with the .KS suffix, US listings by
// plain ticker.
type YahooAdapter struct {
	baseURL    string
	httpClient *http.Client
}

func NewYahooAdapter(baseURL string) *YahooAdapter {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	return &YahooAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (a *YahooAdapter) Name() string { return "yahoo" }

func (a *YahooAdapter) StalenessBound() time.Duration { return 5 * time.Minute }

type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency           string  `json:"currency"`
				RegularMarketPrice float64 `json:"regularMarketPrice"`
				RegularMarketTime  int64   `json:"regularMarketTime"`
				PreviousClose      float64 `json:"chartPreviousClose"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Open   []*float64 `json:"open"`
					High   []*float64 `json:"high"`
					Low    []*float64 `json:"low"`
					Close  []*float64 `json:"close"`
					Volume []*float64 `json:"volume"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (a *YahooAdapter) symbol(asset Asset) string {
	if asset.Scope() == ScopeEquityKR {
		return asset.ID + ".KS"
	}
	return asset.ID
}

func (a *YahooAdapter) fetch(ctx context.Context, asset Asset, interval, rng string) (*yahooChart, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&range=%s",
		a.baseURL, a.symbol(asset), interval, rng)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching chart: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: %s", string(body))
	}

	var parsed yahooChart
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if parsed.Chart.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchema, parsed.Chart.Error.Description)
	}
	if len(parsed.Chart.Result) == 0 {
		return nil, fmt.Errorf("%w: empty chart for %s", ErrSchema, asset.ID)
	}
	return &parsed, nil
}

func (a *YahooAdapter) Quote(ctx context.Context, asset Asset) (Quote, error) {
	parsed, err := a.fetch(ctx, asset, "1m", "1d")
	if err != nil {
		return Quote{}, err
	}

	result := parsed.Chart.Result[0]
	meta := result.Meta
	if meta.RegularMarketPrice == 0 {
		return Quote{}, fmt.Errorf("%w: zero market price for %s", ErrSchema, asset.ID)
	}

	changePct := 0.0
	if meta.PreviousClose > 0 {
		changePct = (meta.RegularMarketPrice - meta.PreviousClose) / meta.PreviousClose * 100
	}

	volume := 0.0
	if len(result.Indicators.Quote) > 0 {
		for _, v := range result.Indicators.Quote[0].Volume {
			if v != nil {
				volume += *v
			}
		}
	}

	return Quote{
		Asset:        asset,
		Timestamp:    time.Unix(meta.RegularMarketTime, 0),
		Price:        meta.RegularMarketPrice,
		Volume:       volume,
		ChangePct24h: changePct,
		Currency:     meta.Currency,
		Adapter:      a.Name(),
	}, nil
}

func (a *YahooAdapter) Series(ctx context.Context, asset Asset, width BarWidth, count int) (Series, error) {
	interval, rng := yahooWindow(width, count)

	parsed, err := a.fetch(ctx, asset, interval, rng)
	if err != nil {
		return Series{}, err
	}

	result := parsed.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return Series{}, fmt.Errorf("%w: missing quote block for %s", ErrSchema, asset.ID)
	}
	q := result.Indicators.Quote[0]

	series := Series{Width: width, Bars: make([]Bar, 0, len(result.Timestamp))}
	for i, ts := range result.Timestamp {
		// Yahoo pads in-progress candles with nulls; skip incomplete rows.
		if i >= len(q.Close) || q.Close[i] == nil || q.Open[i] == nil || q.High[i] == nil || q.Low[i] == nil {
			continue
		}
		vol := 0.0
		if i < len(q.Volume) && q.Volume[i] != nil {
			vol = *q.Volume[i]
		}
		series.Bars = append(series.Bars, Bar{
			Timestamp: time.Unix(ts, 0),
			Open:      *q.Open[i],
			High:      *q.High[i],
			Low:       *q.Low[i],
			Close:     *q.Close[i],
			Volume:    vol,
		})
	}
	if series.Len() == 0 {
		return Series{}, fmt.Errorf("%w: no complete bars for %s", ErrSchema, asset.ID)
	}
	if series.Len() > count {
		series.Bars = series.Bars[series.Len()-count:]
	}
	return series, nil
}

func yahooWindow(width BarWidth, count int) (interval, rng string) {
	switch width {
	case Width1m:
		return "1m", "1d"
	case Width5m:
		return "5m", "5d"
	case Width15m:
		return "15m", "5d"
	case Width1h:
		return "60m", "1mo"
	case Width1d:
		if count > 250 {
			return "1d", "2y"
		}
		return "1d", "1y"
	}
	return "1m", "1d"
}
