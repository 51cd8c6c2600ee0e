// Package report writes timestamp-named report artifacts under the
// reports directory. Every report is a pair: a JSON file for machines
// and a text file for humans.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/backtest"
	"trading-assistant/internal/market"
	"trading-assistant/internal/position"
)

const stampLayout = "20060102-150405"

type Writer struct {
	dir string
	log zerolog.Logger
	now func() time.Time
}

func NewWriter(cfg config.ReportConfig, log zerolog.Logger) *Writer {
	return &Writer{
		dir: cfg.Dir,
		log: log.With().Str("component", "report").Logger(),
		now: time.Now,
	}
}

// SetClock overrides the timestamp source. Used in tests.
func (w *Writer) SetClock(now func() time.Time) { w.now = now }

// writePair writes <name>-<stamp>.json and .txt, returning the JSON
// path. The JSON file lands via tmp-and-rename so readers never see a
// partial artifact.
func (w *Writer) writePair(name string, payload interface{}, text string) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("creating report dir %s: %w", w.dir, err)
	}

	base := filepath.Join(w.dir, fmt.Sprintf("%s-%s", name, w.now().Format(stampLayout)))
	jsonPath := base + ".json"
	textPath := base + ".txt"

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling report %s: %w", name, err)
	}
	tmp := jsonPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing report %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, jsonPath); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalizing report %s: %w", jsonPath, err)
	}
	if err := os.WriteFile(textPath, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("writing report %s: %w", textPath, err)
	}

	w.log.Info().Str("report", jsonPath).Msg("report written")
	return jsonPath, nil
}

// BacktestReport is the JSON artifact for one backtest run.
type BacktestReport struct {
	Asset       string           `json:"asset"`
	AssetName   string           `json:"asset_name"`
	Strategy    string           `json:"strategy"`
	GeneratedAt time.Time        `json:"generated_at"`
	Result      *backtest.Result `json:"result"`
}

// WriteBacktest persists a finished backtest run.
func (w *Writer) WriteBacktest(asset market.Asset, strategy string, res *backtest.Result) (string, error) {
	payload := BacktestReport{
		Asset:       asset.ID,
		AssetName:   asset.Name,
		Strategy:    strategy,
		GeneratedAt: w.now(),
		Result:      res,
	}
	name := fmt.Sprintf("backtest-%s", strings.ToLower(asset.ID))
	return w.writePair(name, payload, formatBacktestText(asset, strategy, res))
}

func formatBacktestText(asset market.Asset, strategy string, res *backtest.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Backtest report\n")
	fmt.Fprintf(&b, "Asset:        %s (%s)\n", asset.Name, asset.ID)
	fmt.Fprintf(&b, "Strategy:     %s\n", strategy)
	fmt.Fprintf(&b, "Window:       %s to %s\n", res.Start.Format("2006-01-02"), res.End.Format("2006-01-02"))
	fmt.Fprintf(&b, "Capital:      %.2f %s\n", res.InitialCapital, asset.Currency)
	fmt.Fprintf(&b, "Final equity: %.2f (%+.2f%%)\n", res.FinalEquity, res.TotalReturnPct)
	fmt.Fprintf(&b, "Trades:       %d (%d wins, %d losses, win rate %.0f%%)\n",
		res.TotalTrades, res.WinningTrades, res.LosingTrades, res.WinRate*100)
	fmt.Fprintf(&b, "Sharpe:       %.2f\n", res.SharpeRatio)
	fmt.Fprintf(&b, "Max drawdown: %.2f%%\n", res.MaxDrawdownPct)
	fmt.Fprintf(&b, "Hold:         avg %s, median %s\n", res.AvgHold, res.MedianHold)
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
		fmt.Fprintf(&b, "Exits:        %s\n", strings.Join(parts, ", "))
	}
	if res.SignalsSkipped > 0 {
		fmt.Fprintf(&b, "Signals skipped by risk rules: %d\n", res.SignalsSkipped)
	}
	if res.DroppedRecords > 0 {
		fmt.Fprintf(&b, "Trade log records dropped by cap: %d\n", res.DroppedRecords)
	}
	return b.String()
}
