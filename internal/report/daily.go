package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/internal/llm"
	"trading-assistant/internal/notification"
	"trading-assistant/internal/position"
)

// tradeSourceLimit bounds the archive read for one day.
const tradeSourceLimit = 1000

// DailySummary is the JSON artifact for one trading day.
type DailySummary struct {
	Date          string                     `json:"date"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Portfolio     position.PortfolioSnapshot `json:"portfolio"`
	TradesToday   []position.TradeRecord     `json:"trades_today"`
	RealizedToday float64                    `json:"realized_today"`
	FeesToday     float64                    `json:"fees_today"`
	WinsToday     int                        `json:"wins_today"`
	LossesToday   int                        `json:"losses_today"`
	Narration     string                     `json:"narration,omitempty"`
}

// TradeSource reads closed-trade records for the day. Satisfied by the
// Postgres archive; when absent the tracker's in-memory log fills in.
type TradeSource interface {
	TradesSince(ctx context.Context, since time.Time, limit int) ([]position.TradeRecord, error)
}

// Notifier pushes the finished summary. Satisfied by the notification
// manager.
type Notifier interface {
	Send(n *notification.Notification) error
}

// Daily assembles, writes, and distributes the end-of-day summary.
type Daily struct {
	writer  *Writer
	tracker *position.Tracker
	source  TradeSource // nil falls back to the tracker log
	router  *llm.Router // nil skips narration
	notify  Notifier    // nil skips push
	log     zerolog.Logger
	now     func() time.Time
}

func NewDaily(writer *Writer, tracker *position.Tracker, source TradeSource, router *llm.Router, notify Notifier, log zerolog.Logger) *Daily {
	return &Daily{
		writer:  writer,
		tracker: tracker,
		source:  source,
		router:  router,
		notify:  notify,
		log:     log.With().Str("component", "daily_report").Logger(),
		now:     time.Now,
	}
}

// SetClock overrides the timestamp source. Used in tests.
func (d *Daily) SetClock(now func() time.Time) { d.now = now }

// Run builds the daily summary and writes the artifact pair. Narration
// and notification failures degrade the report, they never fail it.
func (d *Daily) Run(ctx context.Context) (string, error) {
	ts := d.now()
	midnight := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())

	sum := DailySummary{
		Date:        ts.Format("2006-01-02"),
		GeneratedAt: ts,
		Portfolio:   d.tracker.Portfolio(),
		TradesToday: d.tradesSince(ctx, midnight),
	}
	for _, rec := range sum.TradesToday {
		sum.FeesToday += rec.Fees
		if rec.Type == position.RecordOpen {
			continue
		}
		sum.RealizedToday += rec.PnL
		if rec.Type == position.RecordClose {
			if rec.PnL > 0 {
				sum.WinsToday++
			} else if rec.PnL < 0 {
				sum.LossesToday++
			}
		}
	}

	if d.router != nil {
		sum.Narration = d.narrate(ctx, sum)
	}

	text := formatDailyText(sum)
	path, err := d.writer.writePair("daily", sum, text)
	if err != nil {
		return "", err
	}

	if d.notify != nil {
		note := &notification.Notification{
			Type:    notification.TypeReport,
			Title:   fmt.Sprintf("Daily Summary %s", sum.Date),
			Message: text,
		}
		if err := d.notify.Send(note); err != nil {
			d.log.Warn().Err(err).Msg("daily summary notification failed")
		}
	}
	return path, nil
}

// tradesSince prefers the archive, which survives restarts, over the
// capped in-memory log.
func (d *Daily) tradesSince(ctx context.Context, since time.Time) []position.TradeRecord {
	if d.source != nil {
		records, err := d.source.TradesSince(ctx, since, tradeSourceLimit)
		if err == nil {
			return records
		}
		d.log.Warn().Err(err).Msg("trade archive read failed, using in-memory log")
	}
	var out []position.TradeRecord
	for _, rec := range d.tracker.TradeLog() {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out
}

func (d *Daily) narrate(ctx context.Context, sum DailySummary) string {
	var trades strings.Builder
	for _, rec := range sum.TradesToday {
		fmt.Fprintf(&trades, "%s %s %s qty %g at %.2f pnl %+.2f cause %s\n",
			rec.Timestamp.Format("15:04"), rec.Type, rec.Asset, rec.Quantity, rec.Price, rec.PnL, rec.Cause)
	}
	if trades.Len() == 0 {
		trades.WriteString("no trades today\n")
	}

	spec := llm.PromptSpec{
		System: llm.SystemSummary,
		Task:   "Write a short end-of-day summary, at most four sentences.",
		Blocks: []llm.ContextBlock{
			{Name: "Portfolio", Body: fmt.Sprintf(
				"open positions %d, unrealized %+.2f, realized total %+.2f, closed today %d, realized today %+.2f",
				sum.Portfolio.OpenCount, sum.Portfolio.TotalUnrealized, sum.Portfolio.TotalRealized,
				sum.Portfolio.ClosedToday, sum.RealizedToday)},
			{Name: "Trades", Body: trades.String()},
		},
	}
	out, err := d.router.Complete(ctx, llm.TaskStandard, spec)
	if err != nil {
		d.log.Warn().Err(err).Msg("summary narration failed")
		return ""
	}
	return strings.TrimSpace(out)
}

func formatDailyText(sum DailySummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary %s\n\n", sum.Date)
	fmt.Fprintf(&b, "Open positions:  %d\n", sum.Portfolio.OpenCount)
	for _, cls := range sum.Portfolio.Classes {
		fmt.Fprintf(&b, "  %-7s %d open, value %.2f, unrealized %+.2f\n",
			cls.Class+":", cls.Count, cls.MarketValue, cls.UnrealizedPnL)
	}
	fmt.Fprintf(&b, "Unrealized P&L:  %+.2f\n", sum.Portfolio.TotalUnrealized)
	fmt.Fprintf(&b, "Realized today:  %+.2f (fees %.2f)\n", sum.RealizedToday, sum.FeesToday)
	fmt.Fprintf(&b, "Closed today:    %d (%d wins, %d losses)\n",
		sum.Portfolio.ClosedToday, sum.WinsToday, sum.LossesToday)
	if sum.Portfolio.ClosedPositions > 0 {
		fmt.Fprintf(&b, "Win rate (all):  %.0f%%\n", sum.Portfolio.WinRate*100)
	}
	if len(sum.TradesToday) > 0 {
		fmt.Fprintf(&b, "\nTrades:\n")
		for _, rec := range sum.TradesToday {
			fmt.Fprintf(&b, "  %s %-6s %-8s qty %g at %.2f",
				rec.Timestamp.Format("15:04"), rec.Type, rec.Asset, rec.Quantity, rec.Price)
			if rec.Type != position.RecordOpen {
				fmt.Fprintf(&b, " pnl %+.2f (%s)", rec.PnL, rec.Cause)
			}
			b.WriteString("\n")
		}
	}
	if sum.Narration != "" {
		fmt.Fprintf(&b, "\n%s\n", sum.Narration)
	}
	return b.String()
}
