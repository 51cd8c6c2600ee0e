// Package anomaly scores market observations against per-asset rolling
// baselines and emits severity-tagged events. Repeated events of the same
// kind are debounced; only a strict severity escalation re-fires inside the
// window.
package anomaly

import (
	"time"

	"trading-assistant/internal/market"
)

// Kind is the anomaly category.
type Kind string

const (
	KindPriceJump      Kind = "price_jump"
	KindVolumeSpike    Kind = "volume_spike"
	KindDivergence     Kind = "indicator_divergence"
	KindBreakout       Kind = "breakout"
	KindSentimentShift Kind = "sentiment_shift"
)

// Severity orders anomaly urgency. Comparisons go through Rank.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering position; higher is more urgent.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarn:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return 0
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// Metric is one tracked observation stream. Each metric maps to the anomaly
// kind it evidences.
type Metric string

const (
	MetricReturn1m   Metric = "return_1m"    // 1-minute return, percent
	MetricVolumeZ5m  Metric = "volume_z_5m"  // 5-minute volume z-score
	MetricRange1h    Metric = "range_1h"     // 1-hour price range, percent
	MetricDivergence Metric = "divergence"   // price/oscillator disagreement
	MetricSentiment  Metric = "sentiment"    // news sentiment score
)

// Kind returns the anomaly kind this metric evidences.
func (m Metric) Kind() Kind {
	switch m {
	case MetricReturn1m:
		return KindPriceJump
	case MetricVolumeZ5m:
		return KindVolumeSpike
	case MetricRange1h:
		return KindBreakout
	case MetricDivergence:
		return KindDivergence
	case MetricSentiment:
		return KindSentimentShift
	}
	return KindPriceJump
}

// Event is one emitted anomaly.
type Event struct {
	Asset     market.Asset   `json:"asset"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	Severity  Severity       `json:"severity"`
	Score     float64        `json:"score"` // z-score or rule magnitude
	Context   map[string]any `json:"context,omitempty"`
}

// severityForZ maps an absolute z-score to a severity. Below the warn
// threshold nothing fires.
func severityForZ(z float64) (Severity, bool) {
	abs := z
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs >= 4.5:
		return SeverityCritical, true
	case abs >= 3.0:
		return SeverityHigh, true
	case abs >= 2.0:
		return SeverityWarn, true
	}
	return SeverityInfo, false
}
