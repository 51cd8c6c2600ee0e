package strategy

import (
	"time"

	"trading-assistant/internal/anomaly"
	"trading-assistant/internal/indicator"
	"trading-assistant/internal/market"
)

// Action is the direction a vote or an advice recommends.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Inputs bundles everything a strategy may look at during one tick.
// Strategies are pure over this value.
type Inputs struct {
	Asset         market.Asset
	Quote         market.Quote
	Snapshot      indicator.Snapshot
	Anomalies     []anomaly.Event // events raised in the current tick
	NewsSentiment float64         // rolling -1..1
	NewsCount     int             // recent relevant headlines
}

// Vote is one strategy's opinion for a tick. Confidence expresses how
// strongly the strategy holds the opinion; the configured weight scales
// it during aggregation.
type Vote struct {
	Strategy   string
	Action     Action
	Confidence float64
	Reason     string
}

// hold is the neutral vote every strategy falls back to.
func hold(reason string) Vote {
	return Vote{Action: ActionHold, Confidence: 0, Reason: reason}
}

// Tier is one partial take-profit step, relative to entry.
type Tier struct {
	GainPct  float64 `json:"gain_pct"` // trigger, e.g. 1.5
	Fraction float64 `json:"fraction"` // share of the original quantity
}

// DefaultTiers is the three-step ladder used by strategies that scale
// out: a third at +1.5%, a third at +2.5%, the rest at +5%.
func DefaultTiers() []Tier {
	return []Tier{
		{GainPct: 1.5, Fraction: 0.33},
		{GainPct: 2.5, Fraction: 0.33},
		{GainPct: 5.0, Fraction: 0.34},
	}
}

// ExitPlan is the exit geometry a strategy declares for entries it
// signals. Percentages are relative to entry; StopPct is negative.
// When ATRStopMult is set the stop is resolved from the snapshot's ATR
// at signal time instead of StopPct, clamped to 5..10 percent.
type ExitPlan struct {
	StopPct       float64       `json:"stop_pct"`
	Tiers         []Tier        `json:"tiers,omitempty"`
	MaxHold       time.Duration `json:"max_hold"`
	ATRStopMult   float64       `json:"atr_stop_mult,omitempty"`
	ATRTargetMult float64       `json:"atr_target_mult,omitempty"`
}

// Resolve fixes ATR-scaled parameters against the snapshot taken at
// signal time, returning a plan with concrete percentages. Without an
// ATR reading the fixed percentages stay as declared.
func (p ExitPlan) Resolve(snap indicator.Snapshot) ExitPlan {
	if snap.ATR14 == nil || snap.LastClose <= 0 {
		return p
	}
	atrPct := *snap.ATR14 / snap.LastClose * 100
	if p.ATRStopMult > 0 {
		stop := p.ATRStopMult * atrPct
		if stop < 5 {
			stop = 5
		}
		if stop > 10 {
			stop = 10
		}
		p.StopPct = -stop
	}
	if p.ATRTargetMult > 0 {
		p.Tiers = []Tier{{GainPct: p.ATRTargetMult * atrPct, Fraction: 1}}
	}
	return p
}

// Strategy is a capability record: a name, the exit geometry its
// entries use, and a pure evaluation function.
type Strategy struct {
	Name     string
	Exit     ExitPlan
	Evaluate func(in Inputs) Vote
}
