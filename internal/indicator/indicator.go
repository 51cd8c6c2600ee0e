// Package indicator computes technical indicators over bar series. All
// functions are pure; windows shorter than the warm-up return nil so callers
// can tell "no signal" from a zero value.
package indicator

import (
	"trading-assistant/internal/market"
)

// SMAPeriods are the moving average windows computed for every snapshot.
var SMAPeriods = []int{5, 10, 15, 20, 30, 50}

// MACD holds one MACD reading.
type MACD struct {
	Line      float64 `json:"line"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Snapshot is the indicator set computed per asset per tick. Nil pointer
// fields and absent SMA keys mean the series was too short.
type Snapshot struct {
	LastClose float64 `json:"last_close"`

	RSI5  *float64 `json:"rsi_5,omitempty"`
	RSI14 *float64 `json:"rsi_14,omitempty"`

	MACDFast *MACD `json:"macd_fast,omitempty"` // 5/10/5
	MACDStd  *MACD `json:"macd_std,omitempty"`  // 12/26/9

	SMA map[int]float64 `json:"sma,omitempty"`

	ATR14 *float64 `json:"atr_14,omitempty"`

	VolumeMean *float64 `json:"volume_mean,omitempty"`
	VolumeZ    *float64 `json:"volume_z,omitempty"`

	HighBreak bool `json:"high_break"`
	LowBreak  bool `json:"low_break"`

	Imbalance *float64 `json:"imbalance,omitempty"` // order book, -1..1
}

// Compute builds a snapshot from a bar series and an optional order book.
// volumeWindow sizes the volume baseline; breakEpsilon widens the high/low
// break comparison.
func Compute(series market.Series, book *market.OrderBook, volumeWindow int, breakEpsilon float64) Snapshot {
	closes := series.Closes()
	snap := Snapshot{SMA: make(map[int]float64, len(SMAPeriods))}
	if len(closes) == 0 {
		return snap
	}
	snap.LastClose = closes[len(closes)-1]

	snap.RSI5 = RSI(closes, 5)
	snap.RSI14 = RSI(closes, 14)
	snap.MACDFast = MACDOf(closes, 5, 10, 5)
	snap.MACDStd = MACDOf(closes, 12, 26, 9)

	for _, p := range SMAPeriods {
		if v := SMA(closes, p); v != nil {
			snap.SMA[p] = *v
		}
	}

	snap.ATR14 = ATR(series.Highs(), series.Lows(), closes, 14)

	volumes := series.Volumes()
	snap.VolumeMean = RollingMean(volumes, volumeWindow)
	snap.VolumeZ = ZScoreLast(volumes, volumeWindow)

	snap.HighBreak, snap.LowBreak = HighLowBreak(series.Bars, breakEpsilon)

	if book != nil {
		snap.Imbalance = BookImbalance(*book)
	}
	return snap
}
