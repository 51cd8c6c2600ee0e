// Package backtest replays historical series through the same position
// tracker the live loops use, so every risk rule behaves identically in
// both modes.
package backtest

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"trading-assistant/config"
	"trading-assistant/internal/market"
	"trading-assistant/internal/position"
	"trading-assistant/internal/strategy"
)

// Signal is one timestamped replay instruction. Stop and Target are
// prices; zero means the global risk defaults apply. Tiers, when set,
// override Target with a scale-out plan.
type Signal struct {
	Time   time.Time       `json:"time"`
	Asset  market.Asset    `json:"asset"`
	Action strategy.Action `json:"action"`
	Entry  float64         `json:"entry,omitempty"`  // 0 = fill at the triggering bar close
	Stop   float64         `json:"stop,omitempty"`   // price
	Target float64         `json:"target,omitempty"` // price
	Tiers  []strategy.Tier `json:"tiers,omitempty"`
}

// Config holds the replay parameters.
type Config struct {
	InitialCapital float64
	FeeRate        float64 // per side, 0.001 = 0.1%
	Slippage       float64 // adverse fill adjustment, 0.001 = 0.1%
	MaxPositionPct float64 // share of equity per position, 15 = 15%
	AllowShort     bool    // sell signals with nothing open go short
	TradeLogCap    int
	Risk           config.RiskConfig
}

// ClosedTrade is one fully closed position from the replay.
type ClosedTrade struct {
	PositionID string         `json:"position_id"`
	Asset      string         `json:"asset"`
	Side       position.Side  `json:"side"`
	EntryTime  time.Time      `json:"entry_time"`
	ExitTime   time.Time      `json:"exit_time"`
	Hold       time.Duration  `json:"hold"`
	EntryPrice float64        `json:"entry_price"`
	ExitPrice  float64        `json:"exit_price"`
	Quantity   float64        `json:"quantity"`
	Cause      position.Cause `json:"cause"`
	PnL        float64        `json:"pnl"` // net of fees
	ReturnPct  float64        `json:"return_pct"`
}

// EquityPoint is the account value after a close.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
}

// Result aggregates the replay outcome.
type Result struct {
	Start          time.Time              `json:"start"`
	End            time.Time              `json:"end"`
	InitialCapital float64                `json:"initial_capital"`
	FinalEquity    float64                `json:"final_equity"`
	TotalReturnPct float64                `json:"total_return_pct"`
	TotalTrades    int                    `json:"total_trades"`
	WinningTrades  int                    `json:"winning_trades"`
	LosingTrades   int                    `json:"losing_trades"`
	WinRate        float64                `json:"win_rate"` // fraction of closed trades
	SharpeRatio    float64                `json:"sharpe_ratio"`
	MaxDrawdownPct float64                `json:"max_drawdown_pct"`
	AvgHold        time.Duration          `json:"avg_hold"`
	MedianHold     time.Duration          `json:"median_hold"`
	ExitCounts     map[position.Cause]int `json:"exit_counts"`
	SignalsSkipped int                    `json:"signals_skipped"`
	Trades         []ClosedTrade          `json:"trades"`
	DroppedTrades  int                    `json:"dropped_trades"`
	TradeLog       []position.TradeRecord `json:"trade_log"`
	DroppedRecords int                    `json:"dropped_records"`
	EquityCurve    []EquityPoint          `json:"equity_curve"`
}

// Engine drives the replay. One engine is reusable across runs; each
// run gets a fresh tracker.
type Engine struct {
	cfg Config
	log zerolog.Logger
}

// NewEngine builds an engine, filling unset config fields with the
// standard defaults.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.FeeRate == 0 {
		cfg.FeeRate = 0.001
	}
	if cfg.Slippage == 0 {
		cfg.Slippage = 0.001
	}
	if cfg.MaxPositionPct <= 0 {
		cfg.MaxPositionPct = 10
	}
	if cfg.TradeLogCap == 0 {
		cfg.TradeLogCap = 10000
	}
	return &Engine{cfg: cfg, log: logger.With().Str("component", "backtest").Logger()}
}

type barEvent struct {
	assetID string
	bar     market.Bar
}

// runState is per-run bookkeeping around the tracker.
type runState struct {
	tracker   *position.Tracker
	assets    map[string]market.Asset
	lastPrice map[string]float64
	peak      float64
	holds     []float64 // seconds per closed trade
	returns   []float64 // percent per closed trade, Sharpe input
}

func (st *runState) asset(id string) market.Asset {
	if a, ok := st.assets[id]; ok {
		return a
	}
	return market.Asset{ID: id}
}

func (st *runState) openSide(id string, side position.Side) *position.Position {
	for _, p := range st.tracker.Query(id) {
		if p.Side == side {
			cp := p
			return &cp
		}
	}
	return nil
}

// Run replays the series, applying signals in timestamp order and
// marking every bar close through the tracker.
func (e *Engine) Run(series map[string]market.Series, signals []Signal) (*Result, error) {
	if e.cfg.InitialCapital <= 0 {
		return nil, fmt.Errorf("initial capital must be positive, got %v", e.cfg.InitialCapital)
	}
	timeline := buildTimeline(series)
	if len(timeline) == 0 {
		return nil, fmt.Errorf("no bars to replay")
	}

	sigs := append([]Signal(nil), signals...)
	sort.SliceStable(sigs, func(i, j int) bool { return sigs[i].Time.Before(sigs[j].Time) })

	st := &runState{
		tracker:   position.NewTracker(e.cfg.Risk, e.cfg.FeeRate, e.cfg.TradeLogCap, nil, e.log),
		assets:    assetIndex(sigs),
		lastPrice: make(map[string]float64),
		peak:      e.cfg.InitialCapital,
	}
	res := &Result{
		Start:          timeline[0].bar.Timestamp,
		End:            timeline[len(timeline)-1].bar.Timestamp,
		InitialCapital: e.cfg.InitialCapital,
		ExitCounts:     make(map[position.Cause]int),
	}
	res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: res.Start, Equity: res.InitialCapital})

	sigIdx := 0
	for _, ev := range timeline {
		t := ev.bar.Timestamp
		st.lastPrice[ev.assetID] = ev.bar.Close

		for sigIdx < len(sigs) && !sigs[sigIdx].Time.After(t) {
			e.applySignal(st, res, sigs[sigIdx], t)
			sigIdx++
		}

		closedBefore := res.TotalTrades
		for _, riskEv := range st.tracker.Mark(market.Quote{Asset: st.asset(ev.assetID), Timestamp: t, Price: ev.bar.Close}) {
			e.recordRiskExit(st, res, riskEv)
		}

		snap := st.tracker.Portfolio()
		equity := res.InitialCapital + snap.TotalRealized + snap.TotalUnrealized
		if res.TotalTrades > closedBefore {
			res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: t, Equity: equity})
		}
		if equity > st.peak {
			st.peak = equity
		}
		if st.peak > 0 {
			if dd := (st.peak - equity) / st.peak * 100; dd > res.MaxDrawdownPct {
				res.MaxDrawdownPct = dd
			}
		}
	}

	res.SignalsSkipped += len(sigs) - sigIdx

	for _, p := range st.tracker.Query("") {
		e.closeAtEnd(st, res, p, res.End)
	}

	e.finish(st, res)
	return res, nil
}

func (e *Engine) applySignal(st *runState, res *Result, sig Signal, t time.Time) {
	price := sig.Entry
	if price <= 0 {
		price = st.lastPrice[sig.Asset.ID]
	}
	if price <= 0 {
		res.SignalsSkipped++
		e.log.Warn().Str("asset", sig.Asset.ID).Msg("signal before any price, skipped")
		return
	}

	switch sig.Action {
	case strategy.ActionBuy:
		if open := st.openSide(sig.Asset.ID, position.SideShort); open != nil {
			e.closeBySignal(st, res, *open, price, t)
			return
		}
		e.openBySignal(st, res, sig, position.SideLong, price, t)
	case strategy.ActionSell:
		if open := st.openSide(sig.Asset.ID, position.SideLong); open != nil {
			e.closeBySignal(st, res, *open, price, t)
			return
		}
		if e.cfg.AllowShort {
			e.openBySignal(st, res, sig, position.SideShort, price, t)
			return
		}
		res.SignalsSkipped++
	}
}

func (e *Engine) openBySignal(st *runState, res *Result, sig Signal, side position.Side, price float64, t time.Time) {
	fill := price * (1 + e.cfg.Slippage)
	if side == position.SideShort {
		fill = price * (1 - e.cfg.Slippage)
	}

	equity := res.InitialCapital + st.tracker.Portfolio().TotalRealized
	qty := equity * e.cfg.MaxPositionPct / 100 / fill
	if sig.Asset.QuantityIsInteger() {
		qty = math.Floor(qty)
	}
	if qty <= 0 {
		res.SignalsSkipped++
		e.log.Warn().Str("asset", sig.Asset.ID).Float64("equity", equity).Msg("position size rounds to zero, skipped")
		return
	}

	_, err := st.tracker.Open(position.OpenRequest{
		Asset:    sig.Asset,
		Side:     side,
		Quantity: qty,
		Price:    fill,
		Cause:    position.CauseStrategy,
		Plan:     exitPlan(sig, side, fill),
		Time:     t,
	})
	if err != nil {
		res.SignalsSkipped++
		e.log.Debug().Err(err).Str("asset", sig.Asset.ID).Msg("open rejected")
	}
}

func (e *Engine) closeBySignal(st *runState, res *Result, p position.Position, price float64, t time.Time) {
	fill := price * (1 - e.cfg.Slippage)
	if p.Side == position.SideShort {
		fill = price * (1 + e.cfg.Slippage)
	}
	leg, err := st.tracker.Close(position.CloseRequest{
		Asset:    p.Asset.ID,
		Side:     p.Side,
		Quantity: p.QuantityRemaining,
		Price:    fill,
		Cause:    position.CauseStrategy,
		Time:     t,
	})
	if err != nil {
		res.SignalsSkipped++
		e.log.Debug().Err(err).Str("asset", p.Asset.ID).Msg("signal close rejected")
		return
	}
	total := p.RealizedPnL + leg
	e.addClosed(st, res, ClosedTrade{
		PositionID: p.ID,
		Asset:      p.Asset.ID,
		Side:       p.Side,
		EntryTime:  p.EntryTime,
		ExitTime:   t,
		Hold:       t.Sub(p.EntryTime),
		EntryPrice: p.EntryPrice,
		ExitPrice:  fill,
		Quantity:   p.Quantity,
		Cause:      position.CauseStrategy,
		PnL:        total,
		ReturnPct:  pctOf(total, p.EntryPrice*p.Quantity),
	})
}

func (e *Engine) closeAtEnd(st *runState, res *Result, p position.Position, t time.Time) {
	price := st.lastPrice[p.Asset.ID]
	if price <= 0 {
		price = p.MarkPrice
	}
	leg, err := st.tracker.Close(position.CloseRequest{
		Asset:    p.Asset.ID,
		Side:     p.Side,
		Quantity: p.QuantityRemaining,
		Price:    price,
		Cause:    position.CauseBacktestEnd,
		Time:     t,
	})
	if err != nil {
		e.log.Error().Err(err).Str("asset", p.Asset.ID).Msg("failed to close at replay end")
		return
	}
	total := p.RealizedPnL + leg
	e.addClosed(st, res, ClosedTrade{
		PositionID: p.ID,
		Asset:      p.Asset.ID,
		Side:       p.Side,
		EntryTime:  p.EntryTime,
		ExitTime:   t,
		Hold:       t.Sub(p.EntryTime),
		EntryPrice: p.EntryPrice,
		ExitPrice:  price,
		Quantity:   p.Quantity,
		Cause:      position.CauseBacktestEnd,
		PnL:        total,
		ReturnPct:  pctOf(total, p.EntryPrice*p.Quantity),
	})
}

// recordRiskExit turns tracker events that fully closed a position into
// closed trades. Warnings and partial tiers pass through untouched.
func (e *Engine) recordRiskExit(st *runState, res *Result, ev position.RiskEvent) {
	if !ev.Position.Closed {
		return
	}
	if ev.Kind != position.EventForceClose && ev.Kind != position.EventTierExit {
		return
	}
	p := ev.Position
	exitTime := p.MarkTime
	if p.ClosedAt != nil {
		exitTime = *p.ClosedAt
	}
	e.addClosed(st, res, ClosedTrade{
		PositionID: p.ID,
		Asset:      p.Asset.ID,
		Side:       p.Side,
		EntryTime:  p.EntryTime,
		ExitTime:   exitTime,
		Hold:       exitTime.Sub(p.EntryTime),
		EntryPrice: p.EntryPrice,
		ExitPrice:  ev.Price,
		Quantity:   p.Quantity,
		Cause:      ev.Cause,
		PnL:        p.RealizedPnL,
		ReturnPct:  pctOf(p.RealizedPnL, p.EntryPrice*p.Quantity),
	})
}

func (e *Engine) addClosed(st *runState, res *Result, ct ClosedTrade) {
	res.Trades = append(res.Trades, ct)
	if e.cfg.TradeLogCap > 0 && len(res.Trades) > e.cfg.TradeLogCap {
		drop := len(res.Trades) - e.cfg.TradeLogCap
		res.Trades = append([]ClosedTrade(nil), res.Trades[drop:]...)
		res.DroppedTrades += drop
	}
	res.TotalTrades++
	if ct.PnL > 0 {
		res.WinningTrades++
	} else if ct.PnL < 0 {
		res.LosingTrades++
	}
	res.ExitCounts[ct.Cause]++
	st.holds = append(st.holds, ct.Hold.Seconds())
	st.returns = append(st.returns, ct.ReturnPct)
}

func (e *Engine) finish(st *runState, res *Result) {
	res.FinalEquity = res.InitialCapital + st.tracker.Portfolio().TotalRealized
	res.TotalReturnPct = pctOf(res.FinalEquity-res.InitialCapital, res.InitialCapital)
	if res.TotalTrades > 0 {
		res.WinRate = float64(res.WinningTrades) / float64(res.TotalTrades)
	}
	if n := len(st.holds); n > 0 {
		sum := 0.0
		for _, h := range st.holds {
			sum += h
		}
		res.AvgHold = time.Duration(sum / float64(n) * float64(time.Second))
		sort.Float64s(st.holds)
		res.MedianHold = time.Duration(stat.Quantile(0.5, stat.Empirical, st.holds, nil) * float64(time.Second))
	}
	if len(st.returns) >= 2 {
		mean, std := stat.MeanStdDev(st.returns, nil)
		if std > 0 {
			res.SharpeRatio = mean / std
		}
	}
	res.EquityCurve = append(res.EquityCurve, EquityPoint{Timestamp: res.End, Equity: res.FinalEquity})
	res.TradeLog = st.tracker.TradeLog()
	res.DroppedRecords = st.tracker.Dropped()

	e.log.Info().
		Int("trades", res.TotalTrades).
		Float64("final_equity", res.FinalEquity).
		Float64("return_pct", res.TotalReturnPct).
		Float64("max_drawdown_pct", res.MaxDrawdownPct).
		Msg("replay finished")
}

// exitPlan converts signal stop/target prices into the percent plan the
// tracker consumes. Levels on the wrong side of the fill are dropped.
func exitPlan(sig Signal, side position.Side, fill float64) *strategy.ExitPlan {
	plan := &strategy.ExitPlan{}
	has := false
	if sig.Stop > 0 {
		pct := (sig.Stop - fill) / fill * 100
		if side == position.SideShort {
			pct = (fill - sig.Stop) / fill * 100
		}
		if pct < 0 {
			plan.StopPct = pct
			has = true
		}
	}
	if len(sig.Tiers) > 0 {
		plan.Tiers = append([]strategy.Tier(nil), sig.Tiers...)
		has = true
	} else if sig.Target > 0 {
		pct := (sig.Target - fill) / fill * 100
		if side == position.SideShort {
			pct = (fill - sig.Target) / fill * 100
		}
		if pct > 0 {
			plan.Tiers = []strategy.Tier{{GainPct: pct, Fraction: 1}}
			has = true
		}
	}
	if !has {
		return nil
	}
	return plan
}

func buildTimeline(series map[string]market.Series) []barEvent {
	var out []barEvent
	for id, s := range series {
		for _, b := range s.Bars {
			out = append(out, barEvent{assetID: id, bar: b})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].bar.Timestamp.Equal(out[j].bar.Timestamp) {
			return out[i].bar.Timestamp.Before(out[j].bar.Timestamp)
		}
		return out[i].assetID < out[j].assetID
	})
	return out
}

func assetIndex(sigs []Signal) map[string]market.Asset {
	out := make(map[string]market.Asset, len(sigs))
	for _, s := range sigs {
		out[s.Asset.ID] = s.Asset
	}
	return out
}

func pctOf(part, whole float64) float64 {
	if whole == 0 {
		return 0
	}
	return part / whole * 100
}
