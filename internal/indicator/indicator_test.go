package indicator

import (
	"math"
	"testing"
	"time"

	"trading-assistant/internal/market"
)

func barSeries(closes []float64) market.Series {
	s := market.Series{Width: market.Width1m}
	base := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	for i, c := range closes {
		s.Bars = append(s.Bars, market.Bar{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c * 1.01,
			Low:       c * 0.99,
			Close:     c,
			Volume:    1000,
		})
	}
	return s
}

func ramp(n int, start, step float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + float64(i)*step
	}
	return out
}

// TestIndicatorsNilBeforeWarmup tests that short windows yield nil, never zero
func TestIndicatorsNilBeforeWarmup(t *testing.T) {
	closes := ramp(4, 100, 1)

	if got := RSI(closes, 14); got != nil {
		t.Errorf("RSI(14) on 4 bars = %v, want nil", *got)
	}
	if got := SMA(closes, 50); got != nil {
		t.Errorf("SMA(50) on 4 bars = %v, want nil", *got)
	}
	if got := MACDOf(closes, 12, 26, 9); got != nil {
		t.Errorf("MACD on 4 bars = %+v, want nil", *got)
	}
	if got := ZScoreLast(closes, 20); got != nil {
		t.Errorf("ZScoreLast on 4 bars = %v, want nil", *got)
	}
}

// TestComputeDeterministic tests that the same series yields the same snapshot
func TestComputeDeterministic(t *testing.T) {
	series := barSeries(ramp(60, 100, 0.5))

	a := Compute(series, nil, 20, 0.1)
	b := Compute(series, nil, 20, 0.1)

	if *a.RSI14 != *b.RSI14 {
		t.Errorf("RSI14 not deterministic: %v vs %v", *a.RSI14, *b.RSI14)
	}
	if a.SMA[20] != b.SMA[20] {
		t.Errorf("SMA20 not deterministic: %v vs %v", a.SMA[20], b.SMA[20])
	}
	if *a.MACDStd != *b.MACDStd {
		t.Errorf("MACD not deterministic: %+v vs %+v", *a.MACDStd, *b.MACDStd)
	}
}

// TestRSIDirection tests that rising closes score above 50 and falling below
func TestRSIDirection(t *testing.T) {
	up := RSI(ramp(30, 100, 1), 14)
	if up == nil || *up <= 50 {
		t.Fatalf("RSI of rising series = %v, want > 50", up)
	}
	down := RSI(ramp(30, 100, -1), 14)
	if down == nil || *down >= 50 {
		t.Fatalf("RSI of falling series = %v, want < 50", down)
	}
}

// TestSMAValue tests the moving average arithmetic
func TestSMAValue(t *testing.T) {
	closes := []float64{1, 2, 3, 4, 5}
	got := SMA(closes, 5)
	if got == nil {
		t.Fatal("SMA(5) returned nil")
	}
	if math.Abs(*got-3) > 1e-9 {
		t.Errorf("SMA(5) = %v, want 3", *got)
	}
}

// TestZScoreZeroVarianceIsNil tests the division-by-zero discipline
func TestZScoreZeroVarianceIsNil(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 1000
	}
	flat[len(flat)-1] = 5000

	if got := ZScoreLast(flat[:len(flat)-1], 20); got != nil {
		t.Errorf("z-score over zero-variance window = %v, want nil", *got)
	}
	// With variance present the same spike must score.
	varied := append([]float64{}, flat...)
	for i := range varied[:len(varied)-1] {
		varied[i] = 1000 + float64(i%5)
	}
	if got := ZScoreLast(varied, 20); got == nil || *got <= 3 {
		t.Errorf("z-score of 5x volume spike = %v, want > 3", got)
	}
}

// TestHighLowBreak tests the prior-extreme break flags with epsilon
func TestHighLowBreak(t *testing.T) {
	series := barSeries(ramp(20, 100, 0.1))
	// Prior high is bar 18 high = 101.8 * 1.01. Push the last close above it.
	series.Bars[len(series.Bars)-1].Close = 110

	high, low := HighLowBreak(series.Bars, 0.1)
	if !high {
		t.Error("close above prior high + epsilon should flag a high break")
	}
	if low {
		t.Error("rising series should not flag a low break")
	}

	series.Bars[len(series.Bars)-1].Close = 80
	high, low = HighLowBreak(series.Bars, 0.1)
	if high || !low {
		t.Errorf("close below prior low should flag low break only, got high=%v low=%v", high, low)
	}
}

// TestBookImbalance tests the depth ratio and the empty-book case
func TestBookImbalance(t *testing.T) {
	book := market.OrderBook{
		Bids: []market.BookLevel{{Price: 99, Size: 30}},
		Asks: []market.BookLevel{{Price: 101, Size: 10}},
	}
	got := BookImbalance(book)
	if got == nil {
		t.Fatal("imbalance on a populated book returned nil")
	}
	if math.Abs(*got-0.5) > 1e-9 {
		t.Errorf("imbalance = %v, want 0.5", *got)
	}

	if got := BookImbalance(market.OrderBook{}); got != nil {
		t.Errorf("imbalance on empty book = %v, want nil", *got)
	}
}

// TestATRWarmup tests ATR nil behavior and positivity after warm-up
func TestATRWarmup(t *testing.T) {
	series := barSeries(ramp(10, 100, 1))
	if got := ATR(series.Highs(), series.Lows(), series.Closes(), 14); got != nil {
		t.Errorf("ATR(14) on 10 bars = %v, want nil", *got)
	}

	series = barSeries(ramp(40, 100, 1))
	got := ATR(series.Highs(), series.Lows(), series.Closes(), 14)
	if got == nil || *got <= 0 {
		t.Fatalf("ATR(14) after warm-up = %v, want positive", got)
	}
}
