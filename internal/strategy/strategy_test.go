package strategy

import (
	"math"
	"testing"
	"time"

	"trading-assistant/internal/anomaly"
	"trading-assistant/internal/indicator"
)

func f(v float64) *float64 { return &v }

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

// Breakout votes follow the break direction, with volume raising conviction.
func TestIntradayBreakout(t *testing.T) {
	s := IntradayBreakout()
	tests := []struct {
		name     string
		snap     indicator.Snapshot
		want     Action
		wantConf float64
	}{
		{"high break with volume", indicator.Snapshot{HighBreak: true, VolumeZ: f(1.5)}, ActionBuy, 0.75},
		{"high break quiet tape", indicator.Snapshot{HighBreak: true}, ActionBuy, 0.55},
		{"low break with volume", indicator.Snapshot{LowBreak: true, VolumeZ: f(2.0)}, ActionSell, 0.7},
		{"no break", indicator.Snapshot{}, ActionHold, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Evaluate(Inputs{Snapshot: tt.snap})
			if got.Action != tt.want || !almost(got.Confidence, tt.wantConf) {
				t.Errorf("vote = %s/%.2f, want %s/%.2f", got.Action, got.Confidence, tt.want, tt.wantConf)
			}
		})
	}
}

// The MA cross strategy needs both averages and a non-extreme RSI.
func TestMACrossRSI(t *testing.T) {
	s := MACrossRSI()
	tests := []struct {
		name string
		snap indicator.Snapshot
		want Action
	}{
		{"fast above slow healthy rsi", indicator.Snapshot{SMA: map[int]float64{5: 101, 20: 100}, RSI14: f(50)}, ActionBuy},
		{"fast above slow overbought", indicator.Snapshot{SMA: map[int]float64{5: 101, 20: 100}, RSI14: f(75)}, ActionHold},
		{"fast below slow", indicator.Snapshot{SMA: map[int]float64{5: 99, 20: 100}, RSI14: f(50)}, ActionSell},
		{"fast below slow oversold", indicator.Snapshot{SMA: map[int]float64{5: 99, 20: 100}, RSI14: f(25)}, ActionHold},
		{"missing slow average", indicator.Snapshot{SMA: map[int]float64{5: 101}, RSI14: f(50)}, ActionHold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Evaluate(Inputs{Snapshot: tt.snap}); got.Action != tt.want {
				t.Errorf("action = %s, want %s", got.Action, tt.want)
			}
		})
	}
}

// Reversal entries need both the RSI extreme and the volume surge.
func TestMomentumReversal(t *testing.T) {
	s := MomentumReversal()
	tests := []struct {
		name     string
		snap     indicator.Snapshot
		want     Action
		wantConf float64
	}{
		{
			"oversold surge with macd turn",
			indicator.Snapshot{RSI14: f(25), VolumeZ: f(2.5), MACDFast: &indicator.MACD{Histogram: 0.4}},
			ActionBuy, 0.7,
		},
		{
			"oversold surge no confirmation",
			indicator.Snapshot{RSI14: f(25), VolumeZ: f(2.5)},
			ActionBuy, 0.55,
		},
		{
			"overbought surge",
			indicator.Snapshot{RSI14: f(78), VolumeZ: f(3)},
			ActionSell, 0.6,
		},
		{
			"oversold but quiet",
			indicator.Snapshot{RSI14: f(25), VolumeZ: f(0.5)},
			ActionHold, 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Evaluate(Inputs{Snapshot: tt.snap})
			if got.Action != tt.want || !almost(got.Confidence, tt.wantConf) {
				t.Errorf("vote = %s/%.2f, want %s/%.2f", got.Action, got.Confidence, tt.want, tt.wantConf)
			}
		})
	}
}

// Order-flow votes follow the heavy side of the book; a concurrent
// volume-spike anomaly lowers the imbalance bar.
func TestOrderflowAnomaly(t *testing.T) {
	s := OrderflowAnomaly()
	spike := []anomaly.Event{{Kind: anomaly.KindVolumeSpike}}
	tests := []struct {
		name      string
		snap      indicator.Snapshot
		anomalies []anomaly.Event
		want      Action
		wantConf  float64
	}{
		{"strong bid book", indicator.Snapshot{Imbalance: f(0.6)}, nil, ActionBuy, 0.6},
		{"moderate bid book with spike", indicator.Snapshot{Imbalance: f(0.45)}, spike, ActionBuy, 0.7},
		{"moderate bid book alone", indicator.Snapshot{Imbalance: f(0.45)}, nil, ActionHold, 0},
		{"strong ask book", indicator.Snapshot{Imbalance: f(-0.6)}, nil, ActionSell, 0.6},
		{"no book", indicator.Snapshot{}, nil, ActionHold, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Evaluate(Inputs{Snapshot: tt.snap, Anomalies: tt.anomalies})
			if got.Action != tt.want || !almost(got.Confidence, tt.wantConf) {
				t.Errorf("vote = %s/%.2f, want %s/%.2f", got.Action, got.Confidence, tt.want, tt.wantConf)
			}
		})
	}
}

// News momentum requires enough headlines and price agreeing with tone.
func TestNewsMomentum(t *testing.T) {
	s := NewsMomentum()
	up := indicator.Snapshot{LastClose: 102, SMA: map[int]float64{5: 100}}
	down := indicator.Snapshot{LastClose: 98, SMA: map[int]float64{5: 100}}
	tests := []struct {
		name      string
		snap      indicator.Snapshot
		sentiment float64
		count     int
		want      Action
		wantConf  float64
	}{
		{"positive flow price up", up, 0.5, 5, ActionBuy, 0.7},
		{"negative flow price down", down, -0.5, 5, ActionSell, 0.7},
		{"positive flow price down", down, 0.5, 5, ActionHold, 0},
		{"too few headlines", up, 0.9, 2, ActionHold, 0},
		{"confidence capped", up, 1.0, 10, ActionBuy, 0.9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Evaluate(Inputs{Snapshot: tt.snap, NewsSentiment: tt.sentiment, NewsCount: tt.count})
			if got.Action != tt.want || !almost(got.Confidence, tt.wantConf) {
				t.Errorf("vote = %s/%.2f, want %s/%.2f", got.Action, got.Confidence, tt.want, tt.wantConf)
			}
		})
	}
}

// fixed returns a strategy that always votes the same way, for
// aggregator tests.
func fixed(name string, action Action, conf float64, exit ExitPlan) Strategy {
	return Strategy{
		Name: name,
		Exit: exit,
		Evaluate: func(Inputs) Vote {
			return Vote{Action: action, Confidence: conf, Reason: name + " vote"}
		},
	}
}

// A weighted majority above the threshold wins and carries the
// strongest strategy's exit plan.
func TestAggregatorConsensus(t *testing.T) {
	strategies := []Strategy{
		fixed("a", ActionBuy, 0.9, ExitPlan{StopPct: -7, MaxHold: time.Hour}),
		fixed("b", ActionBuy, 0.8, ExitPlan{StopPct: -2}),
		fixed("c", ActionHold, 0, ExitPlan{}),
	}
	weights := map[string]float64{"a": 0.5, "b": 0.3, "c": 0.2}
	agg := NewAggregator(strategies, weights, 0.6)

	res := agg.Evaluate(Inputs{})
	if res.Action != ActionBuy {
		t.Fatalf("action = %s, want buy", res.Action)
	}
	if !almost(res.Confidence, 0.69) {
		t.Errorf("confidence = %v, want 0.69", res.Confidence)
	}
	if res.Strongest != "a" || !almost(res.Exit.StopPct, -7) {
		t.Errorf("exit carried from %q with stop %.1f, want strongest a with -7", res.Strongest, res.Exit.StopPct)
	}
	if len(res.Reasons) != 2 {
		t.Errorf("reasons = %v, want the two aligned votes", res.Reasons)
	}
}

// Below the confidence threshold the aggregate is hold regardless of
// direction.
func TestAggregatorBelowThresholdHolds(t *testing.T) {
	strategies := []Strategy{
		fixed("a", ActionBuy, 0.9, ExitPlan{}),
		fixed("b", ActionHold, 0, ExitPlan{}),
	}
	weights := map[string]float64{"a": 0.5, "b": 0.5}
	agg := NewAggregator(strategies, weights, 0.6)

	res := agg.Evaluate(Inputs{})
	if res.Action != ActionHold {
		t.Errorf("action = %s, want hold below threshold", res.Action)
	}
	if !almost(res.Confidence, 0.45) {
		t.Errorf("confidence = %v, want raw score 0.45", res.Confidence)
	}
}

// Strategies absent from the weights map are disabled entirely.
func TestAggregatorSkipsDisabledStrategies(t *testing.T) {
	evaluated := false
	disabled := Strategy{
		Name: "disabled",
		Evaluate: func(Inputs) Vote {
			evaluated = true
			return Vote{Action: ActionBuy, Confidence: 1}
		},
	}
	enabled := fixed("enabled", ActionBuy, 0.8, ExitPlan{})
	agg := NewAggregator([]Strategy{disabled, enabled}, map[string]float64{"enabled": 1}, 0.6)

	res := agg.Evaluate(Inputs{})
	if evaluated {
		t.Error("disabled strategy was evaluated")
	}
	if res.Action != ActionBuy || !almost(res.Confidence, 0.8) {
		t.Errorf("aggregate = %s/%.2f, want buy/0.80 from the enabled strategy", res.Action, res.Confidence)
	}
}

// An exact tie between directions resolves to hold.
func TestAggregatorTieHolds(t *testing.T) {
	strategies := []Strategy{
		fixed("bull", ActionBuy, 0.8, ExitPlan{}),
		fixed("bear", ActionSell, 0.8, ExitPlan{}),
	}
	weights := map[string]float64{"bull": 0.5, "bear": 0.5}
	agg := NewAggregator(strategies, weights, 0.3)

	if res := agg.Evaluate(Inputs{}); res.Action != ActionHold {
		t.Errorf("action = %s, want hold on tie", res.Action)
	}
}

// ATR multipliers resolve against the snapshot with the stop clamped
// into the 5..10 percent band.
func TestExitPlanResolveATR(t *testing.T) {
	plan := ExitPlan{StopPct: -5, ATRStopMult: 2, ATRTargetMult: 2.5}
	tests := []struct {
		name       string
		atr        *float64
		wantStop   float64
		wantTarget float64 // 0 means tiers untouched
	}{
		{"mid band", f(3), -6, 7.5},
		{"clamped up", f(1), -5, 2.5},
		{"clamped down", f(6), -10, 15},
		{"no atr keeps declared stop", nil, -5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := indicator.Snapshot{LastClose: 100, ATR14: tt.atr}
			got := plan.Resolve(snap)
			if !almost(got.StopPct, tt.wantStop) {
				t.Errorf("stop = %v, want %v", got.StopPct, tt.wantStop)
			}
			if tt.wantTarget > 0 {
				if len(got.Tiers) != 1 || !almost(got.Tiers[0].GainPct, tt.wantTarget) {
					t.Errorf("tiers = %v, want single tier at %.1f", got.Tiers, tt.wantTarget)
				}
			} else if len(got.Tiers) != 0 {
				t.Errorf("tiers = %v, want untouched", got.Tiers)
			}
		})
	}
}
