package indicator

import (
	"github.com/markcheno/go-talib"
)

// RSI returns the Relative Strength Index over the given period, or nil when
// the series has not warmed up.
func RSI(closes []float64, length int) *float64 {
	if len(closes) < length+1 {
		return nil
	}
	out := talib.Rsi(closes, length)
	return lastValid(out)
}

// MACDOf returns the MACD line, signal, and histogram for the given periods,
// or nil before warm-up.
func MACDOf(closes []float64, fast, slow, signal int) *MACD {
	if len(closes) < slow+signal {
		return nil
	}
	line, sig, hist := talib.Macd(closes, fast, slow, signal)
	n := len(line)
	if n == 0 || isNaN(line[n-1]) || isNaN(sig[n-1]) {
		return nil
	}
	return &MACD{Line: line[n-1], Signal: sig[n-1], Histogram: hist[n-1]}
}

func lastValid(vals []float64) *float64 {
	if len(vals) == 0 {
		return nil
	}
	v := vals[len(vals)-1]
	if isNaN(v) {
		return nil
	}
	return &v
}

func isNaN(f float64) bool {
	return f != f
}
