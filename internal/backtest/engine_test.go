package backtest

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/market"
	"trading-assistant/internal/position"
	"trading-assistant/internal/strategy"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func btc() market.Asset {
	return market.Asset{ID: "KRW-BTC", Class: market.ClassCrypto, Name: "Bitcoin", Currency: "KRW"}
}

func testRisk() config.RiskConfig {
	return config.RiskConfig{
		StopLossPct:    -10,
		StopWarningPct: -8,
		TakeProfitPct:  20,
		MajorGainPct:   15,
		MaxHold:        10 * time.Hour,
	}
}

func hourlyBars(closes ...float64) []market.Bar {
	bars := make([]market.Bar, len(closes))
	for i, c := range closes {
		bars[i] = market.Bar{Timestamp: t0.Add(time.Duration(i) * time.Hour), Close: c}
	}
	return bars
}

func oneSeries(a market.Asset, bars []market.Bar) map[string]market.Series {
	return map[string]market.Series{a.ID: {Width: market.Width1h, Bars: bars}}
}

// A drop through the stop level exits with the same price, cause, and
// realized P&L whether replayed by the engine or marked directly
// through a tracker fed the identical quotes.
func TestReplayMatchesLiveRules(t *testing.T) {
	asset := btc()
	bars := []market.Bar{
		{Timestamp: t0, Close: 100},
		{Timestamp: t0.Add(time.Minute), Close: 98},
		{Timestamp: t0.Add(2 * time.Minute), Close: 95},
		{Timestamp: t0.Add(3 * time.Minute), Close: 90},
	}
	risk := testRisk()

	eng := NewEngine(Config{InitialCapital: 10000, MaxPositionPct: 10, Risk: risk}, zerolog.Nop())
	res, err := eng.Run(
		map[string]market.Series{asset.ID: {Width: market.Width1m, Bars: bars}},
		[]Signal{{Time: t0, Asset: asset, Action: strategy.ActionBuy}},
	)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", res.TotalTrades)
	}
	trade := res.Trades[0]

	fill := 100 * 1.001 // buy slippage
	qty := 10000 * 10 / 100 / fill
	live := position.NewTracker(risk, 0.001, 0, nil, zerolog.Nop())
	if _, err := live.Open(position.OpenRequest{
		Asset: asset, Side: position.SideLong, Quantity: qty, Price: fill,
		Cause: position.CauseStrategy, Time: t0,
	}); err != nil {
		t.Fatalf("live open: %v", err)
	}
	var closed *position.RiskEvent
	for _, b := range bars[1:] {
		for _, ev := range live.Mark(market.Quote{Asset: asset, Timestamp: b.Timestamp, Price: b.Close}) {
			if ev.Kind == position.EventForceClose {
				cp := ev
				closed = &cp
			}
		}
	}
	if closed == nil {
		t.Fatal("live replay never force-closed")
	}

	if trade.Cause != closed.Cause || trade.Cause != position.CauseStopLoss {
		t.Errorf("causes = %s vs %s, want both stop_loss", trade.Cause, closed.Cause)
	}
	if trade.ExitPrice != closed.Price {
		t.Errorf("exit prices = %v vs %v", trade.ExitPrice, closed.Price)
	}
	if math.Abs(trade.PnL-closed.Position.RealizedPnL) > 1e-9 {
		t.Errorf("pnl = %v vs %v", trade.PnL, closed.Position.RealizedPnL)
	}
	if res.ExitCounts[position.CauseStopLoss] != 1 {
		t.Errorf("exit counts = %v, want one stop_loss", res.ExitCounts)
	}
}

// One target exit and one stop exit produce the expected aggregate
// metrics.
func TestTargetAndStopMetrics(t *testing.T) {
	asset := btc()
	bars := hourlyBars(100, 104, 110.2, 100, 98, 94.9)
	signals := []Signal{
		{Time: t0, Asset: asset, Action: strategy.ActionBuy, Target: 110},
		{Time: t0.Add(3 * time.Hour), Asset: asset, Action: strategy.ActionBuy, Stop: 95},
	}
	eng := NewEngine(Config{InitialCapital: 10000, MaxPositionPct: 10, Risk: testRisk()}, zerolog.Nop())
	res, err := eng.Run(oneSeries(asset, bars), signals)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 2 || res.WinningTrades != 1 || res.LosingTrades != 1 {
		t.Fatalf("trades = %d/%d/%d, want 2 total, 1 win, 1 loss", res.TotalTrades, res.WinningTrades, res.LosingTrades)
	}
	if res.WinRate != 0.5 {
		t.Errorf("win rate = %v, want 0.5", res.WinRate)
	}
	if res.ExitCounts[position.CauseTakeProfit] != 1 || res.ExitCounts[position.CauseStopLoss] != 1 {
		t.Errorf("exit counts = %v", res.ExitCounts)
	}
	if res.Trades[0].PnL <= 0 || res.Trades[1].PnL >= 0 {
		t.Errorf("pnl signs = %v, %v; want win then loss", res.Trades[0].PnL, res.Trades[1].PnL)
	}
	if res.AvgHold != 2*time.Hour || res.MedianHold != 2*time.Hour {
		t.Errorf("holds = %v/%v, want 2h/2h", res.AvgHold, res.MedianHold)
	}
	if res.SharpeRatio == 0 {
		t.Error("sharpe = 0, want nonzero for mixed returns")
	}
	if res.MaxDrawdownPct <= 0 {
		t.Errorf("max drawdown = %v, want positive after the losing trade", res.MaxDrawdownPct)
	}
}

// A sell signal closes the open long at the bar price with adverse
// slippage and cause strategy_signal.
func TestSellSignalClosesLong(t *testing.T) {
	asset := btc()
	bars := hourlyBars(100, 105, 106)
	signals := []Signal{
		{Time: t0, Asset: asset, Action: strategy.ActionBuy},
		{Time: t0.Add(time.Hour), Asset: asset, Action: strategy.ActionSell},
	}
	eng := NewEngine(Config{InitialCapital: 10000, MaxPositionPct: 10, Risk: testRisk()}, zerolog.Nop())
	res, err := eng.Run(oneSeries(asset, bars), signals)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 1 {
		t.Fatalf("trades = %d, want 1", res.TotalTrades)
	}
	trade := res.Trades[0]
	if trade.Cause != position.CauseStrategy {
		t.Errorf("cause = %s, want strategy_signal", trade.Cause)
	}
	wantExit := 105 * 0.999
	if math.Abs(trade.ExitPrice-wantExit) > 1e-9 {
		t.Errorf("exit price = %v, want %v", trade.ExitPrice, wantExit)
	}
	if trade.PnL <= 0 {
		t.Errorf("pnl = %v, want profit", trade.PnL)
	}
	if res.ExitCounts[position.CauseBacktestEnd] != 0 {
		t.Errorf("unexpected backtest_end closes: %v", res.ExitCounts)
	}
}

// Positions still open when the series runs out are force-closed at the
// last price with cause backtest_end, and the final equity matches the
// last curve point.
func TestEndOfReplayCloses(t *testing.T) {
	asset := btc()
	bars := hourlyBars(100, 100.5)
	eng := NewEngine(Config{InitialCapital: 10000, MaxPositionPct: 10, Risk: testRisk()}, zerolog.Nop())
	res, err := eng.Run(oneSeries(asset, bars), []Signal{{Time: t0, Asset: asset, Action: strategy.ActionBuy}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 1 || res.ExitCounts[position.CauseBacktestEnd] != 1 {
		t.Fatalf("trades = %d, exits = %v, want one backtest_end close", res.TotalTrades, res.ExitCounts)
	}
	if res.Trades[0].ExitPrice != 100.5 {
		t.Errorf("exit price = %v, want last close 100.5", res.Trades[0].ExitPrice)
	}
	last := res.EquityCurve[len(res.EquityCurve)-1]
	if math.Abs(last.Equity-res.FinalEquity) > 1e-9 {
		t.Errorf("last curve point = %v, final equity = %v", last.Equity, res.FinalEquity)
	}
	wantReturn := (res.FinalEquity - 10000) / 10000 * 100
	if math.Abs(res.TotalReturnPct-wantReturn) > 1e-9 {
		t.Errorf("return = %v, want %v", res.TotalReturnPct, wantReturn)
	}
}

// The per-trade log is capped and evictions are counted.
func TestTradeLogCap(t *testing.T) {
	asset := btc()
	bars := hourlyBars(100, 101, 100, 101, 100, 101)
	var signals []Signal
	for i := 0; i < 6; i += 2 {
		signals = append(signals,
			Signal{Time: t0.Add(time.Duration(i) * time.Hour), Asset: asset, Action: strategy.ActionBuy},
			Signal{Time: t0.Add(time.Duration(i+1) * time.Hour), Asset: asset, Action: strategy.ActionSell},
		)
	}
	eng := NewEngine(Config{InitialCapital: 10000, MaxPositionPct: 10, TradeLogCap: 2, Risk: testRisk()}, zerolog.Nop())
	res, err := eng.Run(oneSeries(asset, bars), signals)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 3 {
		t.Fatalf("trades = %d, want 3 round trips", res.TotalTrades)
	}
	if len(res.Trades) != 2 || res.DroppedTrades != 1 {
		t.Errorf("kept %d dropped %d, want 2 kept 1 dropped", len(res.Trades), res.DroppedTrades)
	}
	if len(res.TradeLog) != 2 || res.DroppedRecords != 4 {
		t.Errorf("records kept %d dropped %d, want 2 kept 4 dropped", len(res.TradeLog), res.DroppedRecords)
	}
}

// Unfillable signals are skipped and counted, never guessed.
func TestSkippedSignals(t *testing.T) {
	priced := btc()
	unpriced := market.Asset{ID: "KRW-ETH", Class: market.ClassCrypto, Name: "Ethereum", Currency: "KRW"}
	expensive := market.Asset{ID: "005930", Class: market.ClassEquity, Name: "Samsung Electronics", Currency: "KRW"}

	bars := hourlyBars(100, 101)
	series := oneSeries(priced, bars)
	series[expensive.ID] = market.Series{Width: market.Width1h, Bars: []market.Bar{
		{Timestamp: t0, Close: 1000000},
		{Timestamp: t0.Add(time.Hour), Close: 1000000},
	}}
	signals := []Signal{
		{Time: t0, Asset: unpriced, Action: strategy.ActionBuy},
		{Time: t0, Asset: expensive, Action: strategy.ActionBuy},
	}
	eng := NewEngine(Config{InitialCapital: 10000, MaxPositionPct: 10, Risk: testRisk()}, zerolog.Nop())
	res, err := eng.Run(series, signals)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TotalTrades != 0 {
		t.Errorf("trades = %d, want none", res.TotalTrades)
	}
	if res.SignalsSkipped != 2 {
		t.Errorf("skipped = %d, want 2", res.SignalsSkipped)
	}
	if res.FinalEquity != 10000 {
		t.Errorf("final equity = %v, want untouched capital", res.FinalEquity)
	}
}

// Capital requirements are enforced by run, not defaulted away.
func TestRunRequiresCapital(t *testing.T) {
	eng := NewEngine(Config{Risk: testRisk()}, zerolog.Nop())
	if _, err := eng.Run(oneSeries(btc(), hourlyBars(100)), nil); err == nil {
		t.Fatal("want error for zero initial capital")
	}
	eng = NewEngine(Config{InitialCapital: 1000, Risk: testRisk()}, zerolog.Nop())
	if _, err := eng.Run(map[string]market.Series{}, nil); err == nil {
		t.Fatal("want error for empty series")
	}
}
