package backtest

import (
	"strings"

	"trading-assistant/internal/indicator"
	"trading-assistant/internal/market"
	"trading-assistant/internal/strategy"
)

const (
	signalVolumeWindow = 20
	signalBreakEpsilon = 0.001
)

// SignalsFromStrategy replays the series through one strategy and emits
// a signal at each action transition. Each decision sees only the bars
// up to and including its own, so signals never use future data.
func SignalsFromStrategy(asset market.Asset, series market.Series, strat strategy.Strategy, minConfidence float64) []Signal {
	var out []Signal
	prev := strategy.ActionHold
	sub := market.Series{Width: series.Width}

	for _, bar := range series.Bars {
		sub.Bars = append(sub.Bars, bar)
		snap := indicator.Compute(sub, nil, signalVolumeWindow, signalBreakEpsilon)
		vote := strat.Evaluate(strategy.Inputs{
			Asset: asset,
			Quote: market.Quote{
				Asset:     asset,
				Timestamp: bar.Timestamp,
				Price:     bar.Close,
				Volume:    bar.Volume,
				Currency:  asset.Currency,
			},
			Snapshot: snap,
		})

		action := vote.Action
		if vote.Confidence < minConfidence {
			action = strategy.ActionHold
		}
		if action == strategy.ActionHold || action == prev {
			prev = action
			continue
		}

		sig := Signal{
			Time:   bar.Timestamp,
			Asset:  asset,
			Action: action,
			Entry:  bar.Close,
		}
		if action == strategy.ActionBuy {
			plan := strat.Exit.Resolve(snap)
			if plan.StopPct < 0 {
				sig.Stop = bar.Close * (1 + plan.StopPct/100)
			}
			if len(plan.Tiers) > 0 {
				sig.Tiers = plan.Tiers
			}
		}
		out = append(out, sig)
		prev = action
	}
	return out
}

// StrategyNames lists the canonical strategy names runs may ask for.
func StrategyNames() []string {
	set := strategy.DefaultSet()
	names := make([]string, len(set))
	for i, s := range set {
		names[i] = s.Name
	}
	return names
}

// FindStrategy resolves a user-supplied name against the default set.
// Spaces and hyphens normalize to underscores.
func FindStrategy(name string) (strategy.Strategy, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	for _, s := range strategy.DefaultSet() {
		if s.Name == key {
			return s, true
		}
	}
	return strategy.Strategy{}, false
}
