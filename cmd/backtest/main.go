// Command backtest replays a strategy over a CSV bar series without
// touching any market adapter. The daemon's chat-triggered backtests
// pull history from the live hub; this tool feeds the same engine from
// a file so strategies can be evaluated against exported or vendor
// data offline.
//
// CSV columns: timestamp,open,high,low,close,volume. Timestamps are
// RFC 3339 or unix seconds. A header row is skipped when detected.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"trading-assistant/config"
	"trading-assistant/internal/backtest"
	"trading-assistant/internal/logging"
	"trading-assistant/internal/market"
	"trading-assistant/internal/position"
	"trading-assistant/internal/report"
)

func main() {
	var (
		csvPath    = flag.String("csv", "", "bar series CSV file (required)")
		assetToken = flag.String("asset", "", "asset id or alias from the catalog (required)")
		strat      = flag.String("strategy", "", "strategy name or alias (required)")
		widthStr   = flag.String("width", "1h", "bar width of the CSV series (1m, 5m, 15m, 1h, 1d)")
		startStr   = flag.String("start", "", "range start, 2006-01-02 (default: first bar)")
		endStr     = flag.String("end", "", "range end, 2006-01-02 (default: last bar)")
		capital    = flag.Float64("capital", 0, "starting capital (default: sized to the asset currency)")
		configPath = flag.String("config", "config.json", "configuration file")
		noReport   = flag.Bool("no-report", false, "skip writing the report artifact")
	)
	flag.Parse()

	if err := run(*csvPath, *assetToken, *strat, *widthStr, *startStr, *endStr, *capital, *configPath, *noReport); err != nil {
		fmt.Fprintf(os.Stderr, "backtest: %v\n", err)
		os.Exit(1)
	}
}

func run(csvPath, assetToken, strat, widthStr, startStr, endStr string, capital float64, configPath string, noReport bool) error {
	if csvPath == "" || assetToken == "" {
		return fmt.Errorf("-csv and -asset are required")
	}
	if strat == "" {
		return fmt.Errorf("-strategy is required; available: %s", strings.Join(backtest.StrategyNames(), ", "))
	}

	_ = godotenv.Load()
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LoggingConfig)
	if err != nil {
		return err
	}

	catalog, err := market.LoadCatalog(cfg.AssetsConfig.CatalogPath)
	if err != nil {
		return fmt.Errorf("loading catalog %s: %w", cfg.AssetsConfig.CatalogPath, err)
	}
	asset, ok := catalog.Lookup(assetToken)
	if !ok {
		return fmt.Errorf("asset %q not in catalog %s", assetToken, cfg.AssetsConfig.CatalogPath)
	}

	width := market.BarWidth(widthStr)
	switch width {
	case market.Width1m, market.Width5m, market.Width15m, market.Width1h, market.Width1d:
	default:
		return fmt.Errorf("unknown bar width %q", widthStr)
	}
	series, err := loadSeries(csvPath, width)
	if err != nil {
		return fmt.Errorf("reading %s: %w", csvPath, err)
	}
	if series.Len() == 0 {
		return fmt.Errorf("%s holds no bars", csvPath)
	}

	req := backtest.Request{Asset: asset, Strategy: strat, Capital: capital}
	if req.Start, err = parseDate(startStr, series.Bars[0].Timestamp); err != nil {
		return err
	}
	if req.End, err = parseDate(endStr, series.Bars[series.Len()-1].Timestamp); err != nil {
		return err
	}

	runner := backtest.NewRunner(&fileSource{series: series}, cfg.BacktestConfig, cfg.RiskConfig, logger)
	res, err := runner.Run(context.Background(), req)
	if err != nil {
		return err
	}

	printResult(os.Stdout, asset, strat, series.Len(), res)

	if !noReport {
		writer := report.NewWriter(cfg.ReportConfig, logger)
		path, err := writer.WriteBacktest(asset, strat, res)
		if err != nil {
			return fmt.Errorf("writing report: %w", err)
		}
		fmt.Printf("\nReport: %s\n", path)
	}
	return nil
}

// fileSource serves the loaded series regardless of the width the
// runner asks for: the CSV is the only history there is.
type fileSource struct {
	series market.Series
}

func (f *fileSource) Series(_ context.Context, _ market.Asset, _ market.BarWidth, count int) (market.Series, error) {
	s := f.series
	if count > 0 && s.Len() > count {
		s = market.Series{Width: s.Width, Bars: s.Bars[s.Len()-count:]}
	}
	return s, nil
}

func loadSeries(path string, width market.BarWidth) (market.Series, error) {
	f, err := os.Open(path)
	if err != nil {
		return market.Series{}, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 6
	r.TrimLeadingSpace = true

	series := market.Series{Width: width}
	line := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return market.Series{}, err
		}
		line++
		if line == 1 && looksLikeHeader(rec) {
			continue
		}
		bar, err := parseBar(rec)
		if err != nil {
			return market.Series{}, fmt.Errorf("line %d: %w", line, err)
		}
		series.Bars = append(series.Bars, bar)
	}

	sort.Slice(series.Bars, func(i, j int) bool {
		return series.Bars[i].Timestamp.Before(series.Bars[j].Timestamp)
	})
	return series, nil
}

func looksLikeHeader(rec []string) bool {
	_, err := strconv.ParseFloat(rec[1], 64)
	return err != nil
}

func parseBar(rec []string) (market.Bar, error) {
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return market.Bar{}, err
	}
	vals := make([]float64, 5)
	for i, field := range rec[1:] {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return market.Bar{}, fmt.Errorf("column %d: %w", i+2, err)
		}
		vals[i] = v
	}
	return market.Bar{
		Timestamp: ts,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is neither unix seconds nor RFC 3339", s)
	}
	return ts, nil
}

func parseDate(s string, fallback time.Time) (time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q: want 2006-01-02", s)
	}
	return ts, nil
}

func printResult(w io.Writer, asset market.Asset, strat string, bars int, res *backtest.Result) {
	fmt.Fprintf(w, "%s (%s), strategy %s\n", asset.Name, asset.ID, strat)
	fmt.Fprintf(w, "Range:        %s to %s (%d bars)\n", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"), bars)
	fmt.Fprintf(w, "Capital:      %.2f %s -> %.2f (%+.2f%%)\n", res.InitialCapital, asset.Currency, res.FinalEquity, res.TotalReturnPct)
	fmt.Fprintf(w, "Trades:       %d (%dW/%dL, win rate %.0f%%)\n", res.TotalTrades, res.WinningTrades, res.LosingTrades, res.WinRate*100)
	fmt.Fprintf(w, "Sharpe:       %.2f\n", res.SharpeRatio)
	fmt.Fprintf(w, "Max drawdown: %.2f%%\n", res.MaxDrawdownPct)
	fmt.Fprintf(w, "Hold:         avg %s, median %s\n", res.AvgHold, res.MedianHold)
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
		fmt.Fprintf(w, "Exits:        %s\n", strings.Join(parts, ", "))
	}
	if res.SignalsSkipped > 0 {
		fmt.Fprintf(w, "Skipped:      %d signals blocked by risk rules\n", res.SignalsSkipped)
	}
}
