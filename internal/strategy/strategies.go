package strategy

import (
	"fmt"
	"time"

	"trading-assistant/internal/anomaly"
)

// DefaultSet returns the built-in strategies in registration order.
func DefaultSet() []Strategy {
	return []Strategy{
		IntradayBreakout(),
		MACrossRSI(),
		MomentumReversal(),
		OrderflowAnomaly(),
		NewsMomentum(),
	}
}

// IntradayBreakout buys a break of the session high and sells a break
// of the session low. Volume confirmation raises conviction.
func IntradayBreakout() Strategy {
	return Strategy{
		Name: "intraday_breakout",
		Exit: ExitPlan{
			StopPct: -3,
			Tiers:   DefaultTiers(),
			MaxHold: 6 * time.Hour,
		},
		Evaluate: func(in Inputs) Vote {
			snap := in.Snapshot
			volumeConfirms := snap.VolumeZ != nil && *snap.VolumeZ >= 1.0
			switch {
			case snap.HighBreak && volumeConfirms:
				return Vote{Action: ActionBuy, Confidence: 0.75, Reason: "new session high on above-average volume"}
			case snap.HighBreak:
				return Vote{Action: ActionBuy, Confidence: 0.55, Reason: "new session high"}
			case snap.LowBreak && volumeConfirms:
				return Vote{Action: ActionSell, Confidence: 0.7, Reason: "broke session low on above-average volume"}
			case snap.LowBreak:
				return Vote{Action: ActionSell, Confidence: 0.55, Reason: "broke session low"}
			}
			return hold("no breakout")
		},
	}
}

// MACrossRSI trades the fast/slow moving average relationship with an
// RSI filter vetoing entries into exhausted moves.
func MACrossRSI() Strategy {
	return Strategy{
		Name: "ma_cross_rsi",
		Exit: ExitPlan{
			StopPct: -4,
			Tiers:   DefaultTiers(),
			MaxHold: 8 * time.Hour,
		},
		Evaluate: func(in Inputs) Vote {
			snap := in.Snapshot
			fast, okFast := snap.SMA[5]
			slow, okSlow := snap.SMA[20]
			if !okFast || !okSlow || snap.RSI14 == nil || slow == 0 {
				return hold("insufficient history")
			}
			sep := (fast - slow) / slow * 100
			rsi := *snap.RSI14
			switch {
			case sep >= 0.1 && rsi < 70:
				conf := 0.6
				if rsi < 55 {
					conf = 0.7
				}
				return Vote{Action: ActionBuy, Confidence: conf, Reason: fmt.Sprintf("fast MA %.4f above slow %.4f, RSI %.0f", fast, slow, rsi)}
			case sep <= -0.1 && rsi > 30:
				conf := 0.6
				if rsi > 45 {
					conf = 0.7
				}
				return Vote{Action: ActionSell, Confidence: conf, Reason: fmt.Sprintf("fast MA %.4f below slow %.4f, RSI %.0f", fast, slow, rsi)}
			}
			return hold("averages flat or RSI at an extreme")
		},
	}
}

// MomentumReversal fades exhaustion: an oversold bounce on a volume
// surge buys, an overbought rejection on a surge sells. Exits scale
// with volatility through ATR multipliers.
func MomentumReversal() Strategy {
	return Strategy{
		Name: "momentum_reversal",
		Exit: ExitPlan{
			StopPct:       -5, // fallback when ATR is unavailable
			ATRStopMult:   2,
			ATRTargetMult: 2.5,
			MaxHold:       4 * time.Hour,
		},
		Evaluate: func(in Inputs) Vote {
			snap := in.Snapshot
			if snap.RSI14 == nil || snap.VolumeZ == nil {
				return hold("insufficient history")
			}
			rsi, volZ := *snap.RSI14, *snap.VolumeZ
			turning := snap.MACDFast != nil && snap.MACDFast.Histogram > 0
			switch {
			case rsi <= 30 && volZ >= 2:
				conf := 0.55
				if turning {
					conf = 0.7
				}
				return Vote{Action: ActionBuy, Confidence: conf, Reason: fmt.Sprintf("oversold RSI %.0f with volume surge z=%.1f", rsi, volZ)}
			case rsi >= 70 && volZ >= 2:
				return Vote{Action: ActionSell, Confidence: 0.6, Reason: fmt.Sprintf("overbought RSI %.0f rejected on volume surge z=%.1f", rsi, volZ)}
			}
			return hold("no exhaustion setup")
		},
	}
}

// OrderflowAnomaly reads the order book: a heavily one-sided book,
// especially alongside a volume-spike anomaly, signals in the heavy
// side's direction. Tight exits, short hold.
func OrderflowAnomaly() Strategy {
	return Strategy{
		Name: "orderflow_anomaly",
		Exit: ExitPlan{
			StopPct: -3,
			Tiers: []Tier{
				{GainPct: 1.5, Fraction: 0.5},
				{GainPct: 2.5, Fraction: 0.5},
			},
			MaxHold: 2 * time.Hour,
		},
		Evaluate: func(in Inputs) Vote {
			imb := in.Snapshot.Imbalance
			if imb == nil {
				return hold("no order book")
			}
			spiking := false
			for _, ev := range in.Anomalies {
				if ev.Kind == anomaly.KindVolumeSpike {
					spiking = true
					break
				}
			}
			switch {
			case *imb >= 0.4 && spiking:
				return Vote{Action: ActionBuy, Confidence: 0.7, Reason: fmt.Sprintf("bid-heavy book %.2f with volume spike", *imb)}
			case *imb >= 0.55:
				return Vote{Action: ActionBuy, Confidence: 0.6, Reason: fmt.Sprintf("strongly bid-heavy book %.2f", *imb)}
			case *imb <= -0.4 && spiking:
				return Vote{Action: ActionSell, Confidence: 0.7, Reason: fmt.Sprintf("ask-heavy book %.2f with volume spike", *imb)}
			case *imb <= -0.55:
				return Vote{Action: ActionSell, Confidence: 0.6, Reason: fmt.Sprintf("strongly ask-heavy book %.2f", *imb)}
			}
			return hold("balanced book")
		},
	}
}

// NewsMomentum rides sentiment: sustained positive flow with price
// above its fast average buys, negative flow with price below sells.
func NewsMomentum() Strategy {
	return Strategy{
		Name: "news_momentum",
		Exit: ExitPlan{
			StopPct: -4,
			Tiers:   DefaultTiers(),
			MaxHold: 12 * time.Hour,
		},
		Evaluate: func(in Inputs) Vote {
			if in.NewsCount < 3 {
				return hold("too few recent headlines")
			}
			fast, ok := in.Snapshot.SMA[5]
			if !ok {
				return hold("insufficient history")
			}
			price := in.Snapshot.LastClose
			conf := 0.5 + 0.4*abs(in.NewsSentiment)
			if conf > 0.9 {
				conf = 0.9
			}
			switch {
			case in.NewsSentiment >= 0.3 && price > fast:
				return Vote{Action: ActionBuy, Confidence: conf, Reason: fmt.Sprintf("positive news flow %.2f over %d headlines with price momentum", in.NewsSentiment, in.NewsCount)}
			case in.NewsSentiment <= -0.3 && price < fast:
				return Vote{Action: ActionSell, Confidence: conf, Reason: fmt.Sprintf("negative news flow %.2f over %d headlines with price weakness", in.NewsSentiment, in.NewsCount)}
			}
			return hold("news flow and price disagree")
		},
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
