package market

import (
	"time"
)

// AssetClass determines adapter routing, native currency, and quantity rules.
type AssetClass string

const (
	ClassEquity AssetClass = "equity"
	ClassCrypto AssetClass = "crypto"
)

// Scope is the instrument routing scope inside an asset class. Korean and US
// equities trade through different adapters even though both are equities.
type Scope string

const (
	ScopeEquityKR Scope = "equity_kr"
	ScopeEquityUS Scope = "equity_us"
	ScopeCrypto   Scope = "crypto"
)

// Asset identifies one monitored instrument.
type Asset struct {
	ID       string     `json:"id"`       // 005930, AAPL, KRW-BTC
	Class    AssetClass `json:"class"`
	Name     string     `json:"name"`
	Currency string     `json:"currency"` // native currency
	MinQty   float64    `json:"min_qty"`  // minimum quantity increment
}

// Scope derives the routing scope from the identifier shape: 6-digit codes
// are KRX listings, exchange pairs are crypto, everything else is a US ticker.
func (a Asset) Scope() Scope {
	if a.Class == ClassCrypto {
		return ScopeCrypto
	}
	if isNumericCode(a.ID) {
		return ScopeEquityKR
	}
	return ScopeEquityUS
}

// QuantityIsInteger reports whether order quantities must be whole units.
func (a Asset) QuantityIsInteger() bool {
	return a.Class == ClassEquity
}

func isNumericCode(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Quote is a point-in-time price observation.
type Quote struct {
	Asset        Asset         `json:"asset"`
	Timestamp    time.Time     `json:"timestamp"`
	Price        float64       `json:"price"`
	Volume       float64       `json:"volume"`         // rolling window volume
	ChangePct24h float64       `json:"change_pct_24h"` // decimal percent, 1.5 means +1.5%
	Currency     string        `json:"currency"`
	Adapter      string        `json:"adapter"` // adapter that served this quote
	Age          time.Duration `json:"age"`     // non-zero when served from last-known-good
}

// Stale reports whether the quote is older than the given bound.
func (q Quote) Stale(bound time.Duration, now time.Time) bool {
	return now.Sub(q.Timestamp) > bound
}

// BarWidth is the duration of one series bar.
type BarWidth string

const (
	Width1m  BarWidth = "1m"
	Width5m  BarWidth = "5m"
	Width15m BarWidth = "15m"
	Width1h  BarWidth = "1h"
	Width1d  BarWidth = "1d"
)

// Duration converts the bar width to a time.Duration.
func (w BarWidth) Duration() time.Duration {
	switch w {
	case Width1m:
		return time.Minute
	case Width5m:
		return 5 * time.Minute
	case Width15m:
		return 15 * time.Minute
	case Width1h:
		return time.Hour
	case Width1d:
		return 24 * time.Hour
	}
	return time.Minute
}

// Bar is one OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Series is an ordered, bounded bar sequence at a stated width.
type Series struct {
	Width BarWidth `json:"width"`
	Bars  []Bar    `json:"bars"`
}

// Len returns the number of bars.
func (s *Series) Len() int { return len(s.Bars) }

// Last returns the most recent bar and false when the series is empty.
func (s *Series) Last() (Bar, bool) {
	if len(s.Bars) == 0 {
		return Bar{}, false
	}
	return s.Bars[len(s.Bars)-1], true
}

// Closes returns close prices in series order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Highs returns high prices in series order.
func (s *Series) Highs() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.High
	}
	return out
}

// Lows returns low prices in series order.
func (s *Series) Lows() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Low
	}
	return out
}

// Volumes returns volumes in series order.
func (s *Series) Volumes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Volume
	}
	return out
}

// Append adds a bar and drops the oldest once cap is exceeded. A bar with the
// same timestamp as the current tail replaces it (in-progress candle update).
func (s *Series) Append(bar Bar, cap int) {
	if n := len(s.Bars); n > 0 && s.Bars[n-1].Timestamp.Equal(bar.Timestamp) {
		s.Bars[n-1] = bar
		return
	}
	s.Bars = append(s.Bars, bar)
	if cap > 0 && len(s.Bars) > cap {
		s.Bars = s.Bars[len(s.Bars)-cap:]
	}
}

// BookLevel is one side level of an order book snapshot.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is a top-N depth snapshot used for imbalance computation.
type OrderBook struct {
	Asset     Asset       `json:"asset"`
	Timestamp time.Time   `json:"timestamp"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
}
