package indicator

import (
	"github.com/markcheno/go-talib"
)

// SMA returns the simple moving average over the given period, or nil before
// warm-up.
func SMA(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length {
		return nil
	}
	return lastValid(talib.Sma(closes, length))
}

// EMA returns the exponential moving average over the given period, or nil
// before warm-up.
func EMA(closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length {
		return nil
	}
	return lastValid(talib.Ema(closes, length))
}

// ATR returns the Average True Range over the given period, or nil before
// warm-up. Inputs must be equal length.
func ATR(highs, lows, closes []float64, length int) *float64 {
	if length <= 0 || len(closes) < length+1 {
		return nil
	}
	if len(highs) != len(closes) || len(lows) != len(closes) {
		return nil
	}
	return lastValid(talib.Atr(highs, lows, closes, length))
}
