package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// UpbitAdapter serves spot crypto quotes, candles, and order books from the
// Upbit public API, plus a websocket ticker stream for subscriptions.
type UpbitAdapter struct {
	baseURL    string
	wsURL      string
	httpClient *http.Client
	log        zerolog.Logger
}

func NewUpbitAdapter(baseURL string, log zerolog.Logger) *UpbitAdapter {
	if baseURL == "" {
		baseURL = "https://api.upbit.com"
	}
	return &UpbitAdapter{
		baseURL:    baseURL,
		wsURL:      "wss://api.upbit.com/websocket/v1",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log.With().Str("component", "upbit").Logger(),
	}
}

func (a *UpbitAdapter) Name() string { return "upbit" }

func (a *UpbitAdapter) StalenessBound() time.Duration { return 30 * time.Second }

type upbitTicker struct {
	Market           string  `json:"market"`
	TradePrice       float64 `json:"trade_price"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	AccTradeVolume   float64 `json:"acc_trade_volume_24h"`
	Timestamp        int64   `json:"timestamp"`
}

func (a *UpbitAdapter) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: upbit 429", ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error: %s", string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

func (a *UpbitAdapter) Quote(ctx context.Context, asset Asset) (Quote, error) {
	endpoint := fmt.Sprintf("%s/v1/ticker?markets=%s", a.baseURL, asset.ID)

	var tickers []upbitTicker
	if err := a.get(ctx, endpoint, &tickers); err != nil {
		return Quote{}, err
	}
	if len(tickers) == 0 {
		return Quote{}, fmt.Errorf("%w: no ticker for %s", ErrSchema, asset.ID)
	}

	t := tickers[0]
	return Quote{
		Asset:        asset,
		Timestamp:    time.UnixMilli(t.Timestamp),
		Price:        t.TradePrice,
		Volume:       t.AccTradeVolume,
		ChangePct24h: t.SignedChangeRate * 100,
		Currency:     "KRW",
		Adapter:      a.Name(),
	}, nil
}

type upbitCandle struct {
	TimeUTC        string  `json:"candle_date_time_utc"`
	Opening        float64 `json:"opening_price"`
	High           float64 `json:"high_price"`
	Low            float64 `json:"low_price"`
	Trade          float64 `json:"trade_price"`
	AccTradeVolume float64 `json:"candle_acc_trade_volume"`
	Timestamp      int64   `json:"timestamp"`
}

func (a *UpbitAdapter) Series(ctx context.Context, asset Asset, width BarWidth, count int) (Series, error) {
	var path string
	switch width {
	case Width1m:
		path = "/v1/candles/minutes/1"
	case Width5m:
		path = "/v1/candles/minutes/5"
	case Width15m:
		path = "/v1/candles/minutes/15"
	case Width1h:
		path = "/v1/candles/minutes/60"
	case Width1d:
		path = "/v1/candles/days"
	default:
		return Series{}, fmt.Errorf("%w: width %s", ErrUnsupported, width)
	}
	if count <= 0 || count > 200 {
		count = 200
	}
	endpoint := fmt.Sprintf("%s%s?market=%s&count=%d", a.baseURL, path, asset.ID, count)

	var candles []upbitCandle
	if err := a.get(ctx, endpoint, &candles); err != nil {
		return Series{}, err
	}
	if len(candles) == 0 {
		return Series{}, fmt.Errorf("%w: no candles for %s", ErrSchema, asset.ID)
	}

	// Upbit returns newest first; series order is oldest first.
	series := Series{Width: width, Bars: make([]Bar, len(candles))}
	for i, c := range candles {
		ts, err := time.Parse("2006-01-02T15:04:05", c.TimeUTC)
		if err != nil {
			ts = time.UnixMilli(c.Timestamp)
		}
		series.Bars[len(candles)-1-i] = Bar{
			Timestamp: ts,
			Open:      c.Opening,
			High:      c.High,
			Low:       c.Low,
			Close:     c.Trade,
			Volume:    c.AccTradeVolume,
		}
	}
	return series, nil
}

type upbitBookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

type upbitBook struct {
	Market    string          `json:"market"`
	Timestamp int64           `json:"timestamp"`
	Units     []upbitBookUnit `json:"orderbook_units"`
}

// Book returns a top-of-book depth snapshot.
func (a *UpbitAdapter) Book(ctx context.Context, asset Asset, depth int) (OrderBook, error) {
	endpoint := fmt.Sprintf("%s/v1/orderbook?markets=%s", a.baseURL, asset.ID)

	var books []upbitBook
	if err := a.get(ctx, endpoint, &books); err != nil {
		return OrderBook{}, err
	}
	if len(books) == 0 {
		return OrderBook{}, fmt.Errorf("%w: no orderbook for %s", ErrSchema, asset.ID)
	}

	b := books[0]
	if depth <= 0 || depth > len(b.Units) {
		depth = len(b.Units)
	}
	book := OrderBook{
		Asset:     asset,
		Timestamp: time.UnixMilli(b.Timestamp),
		Bids:      make([]BookLevel, 0, depth),
		Asks:      make([]BookLevel, 0, depth),
	}
	for _, u := range b.Units[:depth] {
		book.Bids = append(book.Bids, BookLevel{Price: u.BidPrice, Size: u.BidSize})
		book.Asks = append(book.Asks, BookLevel{Price: u.AskPrice, Size: u.AskSize})
	}
	return book, nil
}

type upbitStreamTicker struct {
	Type             string  `json:"type"`
	Code             string  `json:"code"`
	TradePrice       float64 `json:"trade_price"`
	SignedChangeRate float64 `json:"signed_change_rate"`
	AccTradeVolume   float64 `json:"acc_trade_volume_24h"`
	Timestamp        int64   `json:"timestamp"`
}

// Stream subscribes to the websocket ticker channel and delivers quotes until
// the context is cancelled. Connection drops reconnect with a short pause.
func (a *UpbitAdapter) Stream(ctx context.Context, assets []Asset, fn func(Quote)) error {
	byID := make(map[string]Asset, len(assets))
	codes := make([]string, 0, len(assets))
	for _, asset := range assets {
		byID[asset.ID] = asset
		codes = append(codes, asset.ID)
	}

	for {
		if err := a.streamOnce(ctx, codes, byID, fn); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.log.Warn().Err(err).Msg("ticker stream dropped, reconnecting")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
}

func (a *UpbitAdapter) streamOnce(ctx context.Context, codes []string, byID map[string]Asset, fn func(Quote)) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing stream: %w", err)
	}
	defer conn.Close()

	sub := []interface{}{
		map[string]string{"ticket": uuid.New().String()},
		map[string]interface{}{"type": "ticker", "codes": codes},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(60 * time.Second)); err != nil {
			return err
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading stream: %w", err)
		}

		var t upbitStreamTicker
		if err := json.Unmarshal(payload, &t); err != nil || t.Type != "ticker" {
			continue
		}
		asset, ok := byID[t.Code]
		if !ok {
			continue
		}
		fn(Quote{
			Asset:        asset,
			Timestamp:    time.UnixMilli(t.Timestamp),
			Price:        t.TradePrice,
			Volume:       t.AccTradeVolume,
			ChangePct24h: t.SignedChangeRate * 100,
			Currency:     "KRW",
			Adapter:      a.Name(),
		})
	}
}
