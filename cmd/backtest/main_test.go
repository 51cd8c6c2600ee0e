package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"trading-assistant/internal/market"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bars.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing csv: %v", err)
	}
	return path
}

// Header rows are skipped, unix and RFC 3339 timestamps both parse, and
// bars come out in time order regardless of file order.
func TestLoadSeries(t *testing.T) {
	path := writeCSV(t, `timestamp,open,high,low,close,volume
2025-03-01T10:00:00Z,100,105,99,104,1000
1740819600,90,96,89,95,800
2025-03-01T11:00:00Z,104,110,103,109,1200
`)
	series, err := loadSeries(path, market.Width1h)
	if err != nil {
		t.Fatalf("loadSeries: %v", err)
	}
	if series.Len() != 3 {
		t.Fatalf("bars = %d, want 3", series.Len())
	}
	for i := 1; i < series.Len(); i++ {
		if !series.Bars[i].Timestamp.After(series.Bars[i-1].Timestamp) {
			t.Fatalf("bars not sorted at %d: %s then %s", i, series.Bars[i-1].Timestamp, series.Bars[i].Timestamp)
		}
	}
	if series.Bars[0].Close != 95 {
		t.Fatalf("unix-stamped bar should sort first, got close %v", series.Bars[0].Close)
	}
}

func TestLoadSeriesRejectsBadRow(t *testing.T) {
	path := writeCSV(t, "2025-03-01T10:00:00Z,100,105,99,not-a-number,1000\n")
	if _, err := loadSeries(path, market.Width1h); err == nil {
		t.Fatal("expected parse error")
	}
}

// The file source trims to the newest count bars, matching hub
// semantics the runner relies on.
func TestFileSourceTrimsToCount(t *testing.T) {
	bars := make([]market.Bar, 10)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = market.Bar{Timestamp: base.Add(time.Duration(i) * time.Hour), Close: float64(i)}
	}
	src := &fileSource{series: market.Series{Width: market.Width1h, Bars: bars}}

	got, err := src.Series(context.Background(), market.Asset{}, market.Width1h, 4)
	if err != nil {
		t.Fatalf("Series: %v", err)
	}
	if got.Len() != 4 {
		t.Fatalf("len = %d, want 4", got.Len())
	}
	if got.Bars[0].Close != 6 {
		t.Fatalf("window should keep the newest bars, first close = %v", got.Bars[0].Close)
	}
}
