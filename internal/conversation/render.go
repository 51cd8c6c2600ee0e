package conversation

import (
	"fmt"
	"sort"
	"strings"

	"trading-assistant/internal/backtest"
	"trading-assistant/internal/market"
	"trading-assistant/internal/pipeline"
	"trading-assistant/internal/position"
)

// Replies use Telegram Markdown: *bold* headers, _italic_ footnotes.

const paperNote = "_Paper positions only. No real orders are placed._"

func assetHeader(a market.Asset) string {
	return fmt.Sprintf("*%s (%s)*", a.Name, a.ID)
}

func signed(v float64) string {
	return fmt.Sprintf("%+.2f", v)
}

func renderOpened(pos *position.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", assetHeader(pos.Asset))
	fmt.Fprintf(&b, "Opened %s %g @ %.2f %s\n", pos.Side, pos.Quantity, pos.EntryPrice, pos.Asset.Currency)
	fmt.Fprintf(&b, "Stop loss: %.2f | Take profit: %.2f | Max hold: %s\n", pos.StopLossPrice, pos.TakeProfitPrice, pos.MaxHold)
	if len(pos.Tiers) > 0 {
		parts := make([]string, 0, len(pos.Tiers))
		for _, tier := range pos.Tiers {
			parts = append(parts, fmt.Sprintf("+%.1f%% x %.0f%%", tier.GainPct, tier.Fraction*100))
		}
		fmt.Fprintf(&b, "Tiers: %s\n", strings.Join(parts, ", "))
	}
	b.WriteString("\n" + paperNote)
	return b.String()
}

func renderClosed(asset market.Asset, qty, price, pnl float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", assetHeader(asset))
	fmt.Fprintf(&b, "Closed long %g @ %.2f %s\n", qty, price, asset.Currency)
	fmt.Fprintf(&b, "Realized P&L: %s %s (net of fees)\n", signed(pnl), asset.Currency)
	b.WriteString("\n" + paperNote)
	return b.String()
}

func renderAdvice(asset market.Asset, adv pipeline.Advice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", assetHeader(asset))
	fmt.Fprintf(&b, "Action: %s (confidence %.2f, %s)\n", strings.ToUpper(string(adv.Action)), adv.Confidence, adv.Source)
	if adv.EntryPrice != nil {
		fmt.Fprintf(&b, "Entry: %.2f\n", *adv.EntryPrice)
	}
	if adv.StopLoss != nil {
		fmt.Fprintf(&b, "Stop loss: %.2f\n", *adv.StopLoss)
	}
	if len(adv.TakeProfitTiers) > 0 {
		parts := make([]string, 0, len(adv.TakeProfitTiers))
		for _, p := range adv.TakeProfitTiers {
			parts = append(parts, fmt.Sprintf("%.2f", p))
		}
		fmt.Fprintf(&b, "Take profit: %s\n", strings.Join(parts, ", "))
	}
	if adv.Reasoning != "" {
		fmt.Fprintf(&b, "Reasoning: %s\n", adv.Reasoning)
	}
	b.WriteString("\n" + paperNote)
	return b.String()
}

func renderPositions(positions []position.Position) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Open Positions (%d)*\n", len(positions))
	for i := range positions {
		p := &positions[i]
		fmt.Fprintf(&b, "\n%s\n", assetHeader(p.Asset))
		fmt.Fprintf(&b, "%s %g @ %.2f, mark %.2f (%s%%)\n", p.Side, p.QuantityRemaining, p.EntryPrice, p.MarkPrice, signed(p.ReturnPct()))
		fmt.Fprintf(&b, "Stop %.2f | Target %.2f | Held since %s\n", p.StopLossPrice, p.TakeProfitPrice, p.EntryTime.Format("2006-01-02 15:04"))
	}
	b.WriteString("\n" + paperNote)
	return b.String()
}

// displayTotals carries open-position value and unrealized P&L summed
// in one display currency. Approximate marks that at least one leg was
// converted with a stale or fallback rate, or kept native because the
// currency was unknown.
type displayTotals struct {
	Currency    string
	MarketValue float64
	Unrealized  float64
	Approximate bool
}

func convertTotals(positions []position.Position, conv Converter, currency string) displayTotals {
	t := displayTotals{Currency: currency}
	for i := range positions {
		p := &positions[i]
		value := p.MarkPrice * p.QuantityRemaining
		unrealized := p.UnrealizedPnL()
		cv, approxV, errV := conv.Convert(value, p.Asset.Currency, currency)
		cu, approxU, errU := conv.Convert(unrealized, p.Asset.Currency, currency)
		if errV != nil || errU != nil {
			t.MarketValue += value
			t.Unrealized += unrealized
			t.Approximate = true
			continue
		}
		t.MarketValue += cv
		t.Unrealized += cu
		t.Approximate = t.Approximate || approxV || approxU
	}
	t.MarketValue = market.Round(t.MarketValue, 2)
	t.Unrealized = market.Round(t.Unrealized, 2)
	return t
}

func renderPortfolio(snap position.PortfolioSnapshot, totals *displayTotals) string {
	var b strings.Builder
	b.WriteString("*Portfolio*\n\n")
	if len(snap.Classes) == 0 {
		b.WriteString("No open positions.\n")
	}
	for _, cs := range snap.Classes {
		fmt.Fprintf(&b, "%s: %d open, value %.2f, unrealized %s\n", cs.Class, cs.Count, cs.MarketValue, signed(cs.UnrealizedPnL))
	}
	if totals != nil && snap.OpenCount > 0 {
		marker := ""
		if totals.Approximate {
			marker = " (approx.)"
		}
		fmt.Fprintf(&b, "\nIn %s%s: value %.2f, unrealized %s\n", totals.Currency, marker, totals.MarketValue, signed(totals.Unrealized))
	}
	fmt.Fprintf(&b, "\nOpen: %d | Closed: %d (%d today)\n", snap.OpenCount, snap.ClosedPositions, snap.ClosedToday)
	fmt.Fprintf(&b, "Unrealized: %s | Realized: %s\n", signed(snap.TotalUnrealized), signed(snap.TotalRealized))
	if snap.ClosedPositions > 0 {
		fmt.Fprintf(&b, "Win rate: %.0f%%\n", snap.WinRate*100)
	}
	b.WriteString("\n" + paperNote)
	return b.String()
}

func renderBacktest(asset market.Asset, strategyName string, res *backtest.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", assetHeader(asset))
	fmt.Fprintf(&b, "Backtest %s, %s to %s\n", strategyName, res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Final equity: %.2f (%s%%)\n", res.FinalEquity, signed(res.TotalReturnPct))
	fmt.Fprintf(&b, "Trades: %d (%dW/%dL, win rate %.0f%%)\n", res.TotalTrades, res.WinningTrades, res.LosingTrades, res.WinRate*100)
	fmt.Fprintf(&b, "Sharpe: %.2f | Max drawdown: %.2f%%\n", res.SharpeRatio, res.MaxDrawdownPct)
	fmt.Fprintf(&b, "Avg hold: %s | Median: %s\n", res.AvgHold, res.MedianHold)
	if len(res.ExitCounts) > 0 {
		causes := make([]string, 0, len(res.ExitCounts))
		for cause := range res.ExitCounts {
			causes = append(causes, string(cause))
		}
		sort.Strings(causes)
		parts := make([]string, 0, len(causes))
		for _, cause := range causes {
			parts = append(parts, fmt.Sprintf("%s %d", cause, res.ExitCounts[position.Cause(cause)]))
		}
		fmt.Fprintf(&b, "Exits: %s\n", strings.Join(parts, ", "))
	}
	if res.SignalsSkipped > 0 {
		fmt.Fprintf(&b, "Signals skipped by risk rules: %d\n", res.SignalsSkipped)
	}
	b.WriteString("\n" + paperNote)
	return b.String()
}
