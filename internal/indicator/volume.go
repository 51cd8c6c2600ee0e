package indicator

import (
	"gonum.org/v1/gonum/stat"

	"trading-assistant/internal/market"
)

// RollingMean returns the mean of the last window values, or nil when fewer
// values exist.
func RollingMean(values []float64, window int) *float64 {
	if window <= 0 || len(values) < window {
		return nil
	}
	m := stat.Mean(values[len(values)-window:], nil)
	if isNaN(m) {
		return nil
	}
	return &m
}

// ZScoreLast scores the final value against the mean and standard deviation
// of the window preceding it. A zero-variance window yields nil, not zero.
func ZScoreLast(values []float64, window int) *float64 {
	if window <= 0 || len(values) < window+1 {
		return nil
	}
	base := values[len(values)-1-window : len(values)-1]
	mean, std := stat.MeanStdDev(base, nil)
	if std == 0 || isNaN(std) {
		return nil
	}
	z := (values[len(values)-1] - mean) / std
	return &z
}

// HighLowBreak reports whether the last close exceeds the prior session's
// extreme by at least epsilon percent. The prior session is every bar except
// the last.
func HighLowBreak(bars []market.Bar, epsilon float64) (high, low bool) {
	if len(bars) < 2 {
		return false, false
	}

	prior := bars[:len(bars)-1]
	priorHigh := prior[0].High
	priorLow := prior[0].Low
	for _, b := range prior[1:] {
		if b.High > priorHigh {
			priorHigh = b.High
		}
		if b.Low < priorLow {
			priorLow = b.Low
		}
	}

	last := bars[len(bars)-1].Close
	high = last >= priorHigh*(1+epsilon/100)
	low = last <= priorLow*(1-epsilon/100)
	return high, low
}

// BookImbalance returns (bidDepth − askDepth) / totalDepth over the top
// levels of the book, in [-1, 1]. An empty book yields nil.
func BookImbalance(book market.OrderBook) *float64 {
	var bid, ask float64
	for _, l := range book.Bids {
		bid += l.Size
	}
	for _, l := range book.Asks {
		ask += l.Size
	}
	total := bid + ask
	if total == 0 {
		return nil
	}
	im := (bid - ask) / total
	return &im
}
