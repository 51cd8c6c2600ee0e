package backtest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/market"
)

var (
	// ErrUnknownStrategy reports a request naming no default strategy.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrInsufficientHistory reports that the hub could not supply
	// enough bars inside the requested range to warm the indicators.
	ErrInsufficientHistory = errors.New("insufficient history for range")
)

// minRunBars is the floor for a meaningful run: enough to warm the
// slowest indicator window plus room to trade.
const minRunBars = 30

// SeriesSource is the slice of the market hub the runner needs.
type SeriesSource interface {
	Series(ctx context.Context, asset market.Asset, width market.BarWidth, count int) (market.Series, error)
}

// Request describes one chat- or API-triggered run. Zero Start/End
// default to the trailing 30 days; zero Capital picks a currency-sized
// default.
type Request struct {
	Asset    market.Asset `json:"asset"`
	Strategy string       `json:"strategy"`
	Start    time.Time    `json:"start"`
	End      time.Time    `json:"end"`
	Capital  float64      `json:"capital"`
}

// Runner executes strategy-driven backtests over hub history: it pulls
// hourly bars for the range, derives signals from the named strategy,
// and replays them through the engine.
type Runner struct {
	source SeriesSource
	bt     config.BacktestConfig
	risk   config.RiskConfig
	log    zerolog.Logger
}

func NewRunner(source SeriesSource, bt config.BacktestConfig, risk config.RiskConfig, log zerolog.Logger) *Runner {
	return &Runner{
		source: source,
		bt:     bt,
		risk:   risk,
		log:    log.With().Str("component", "backtest_runner").Logger(),
	}
}

// Run resolves the request, fetches history, and replays it.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	strat, ok := FindStrategy(req.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}

	end := req.End
	if end.IsZero() {
		end = time.Now()
	}
	start := req.Start
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end %s is not after start %s", ErrInsufficientHistory, end.Format("2006-01-02"), start.Format("2006-01-02"))
	}

	capital := req.Capital
	if capital <= 0 {
		capital = defaultCapital(req.Asset)
	}

	count := int(end.Sub(start).Hours()) + 1
	if count < 48 {
		count = 48
	}
	if count > 1000 {
		count = 1000
	}
	series, err := r.source.Series(ctx, req.Asset, market.Width1h, count)
	if err != nil {
		return nil, fmt.Errorf("fetching history for %s: %w", req.Asset.ID, err)
	}

	ranged := market.Series{Width: series.Width}
	for _, bar := range series.Bars {
		if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
			continue
		}
		ranged.Bars = append(ranged.Bars, bar)
	}
	if ranged.Len() < minRunBars {
		return nil, fmt.Errorf("%w: %d bars between %s and %s", ErrInsufficientHistory,
			ranged.Len(), start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	sigs := SignalsFromStrategy(req.Asset, ranged, strat, 0.6)
	r.log.Info().
		Str("asset", req.Asset.ID).
		Str("strategy", strat.Name).
		Int("bars", ranged.Len()).
		Int("signals", len(sigs)).
		Msg("replaying strategy signals")

	eng := NewEngine(Config{
		InitialCapital: capital,
		FeeRate:        r.bt.FeeRate,
		Slippage:       r.bt.SlippageRate,
		MaxPositionPct: r.risk.MaxPositionPct,
		TradeLogCap:    r.bt.TradeLogCap,
		Risk:           r.risk,
	}, r.log)
	return eng.Run(map[string]market.Series{req.Asset.ID: ranged}, sigs)
}

// defaultCapital sizes an unspecified starting balance to the asset's
// currency so position budgets clear the minimum lot.
func defaultCapital(asset market.Asset) float64 {
	if asset.Currency == "KRW" {
		return 10_000_000
	}
	return 10_000
}
