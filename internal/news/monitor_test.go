package news

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/market"
)

func testNewsConfig() config.NewsConfig {
	return config.NewsConfig{
		Enabled:           true,
		PollInterval:      time.Minute,
		MaxHeadlines:      5,
		RelevantThreshold: 50,
	}
}

// TestScoreSentiment tests the keyword polarity arithmetic
func TestScoreSentiment(t *testing.T) {
	cases := []struct {
		text string
		want float64
	}{
		{"Samsung posts record profit, shares surge", 1.0},
		{"Bitcoin crash deepens, investors fear further decline", -1.0},
		{"Quarterly report released on schedule", 0.0},
		{"Profit growth slows amid market decline", 1.0 / 3.0},
	}
	for _, tc := range cases {
		if got := ScoreSentiment(tc.text); got != tc.want {
			t.Errorf("ScoreSentiment(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

// TestRingCapAndDedupe tests the bounded per-asset ring and URL dedupe
func TestRingCapAndDedupe(t *testing.T) {
	m := NewMonitor(testNewsConfig(), zerolog.Nop())

	for i := 0; i < 8; i++ {
		m.Add(Headline{
			AssetID:     "005930",
			Title:       fmt.Sprintf("headline %d", i),
			URL:         fmt.Sprintf("https://example.com/%d", i),
			PublishedAt: time.Now(),
		})
	}

	got := m.Headlines("005930", 0)
	if len(got) != 5 {
		t.Fatalf("ring holds %d headlines, want cap 5", len(got))
	}
	if got[0].Title != "headline 7" {
		t.Errorf("newest headline = %q, want headline 7", got[0].Title)
	}

	if m.Add(Headline{AssetID: "005930", Title: "dup", URL: "https://example.com/7"}) {
		t.Error("duplicate URL was admitted")
	}
}

// TestRecentCount tests the time-windowed relevance count
func TestRecentCount(t *testing.T) {
	m := NewMonitor(testNewsConfig(), zerolog.Nop())

	m.Add(Headline{AssetID: "KRW-BTC", Title: "old", URL: "https://e/1", PublishedAt: time.Now().Add(-2 * time.Hour)})
	m.Add(Headline{AssetID: "KRW-BTC", Title: "new", URL: "https://e/2", PublishedAt: time.Now().Add(-5 * time.Minute)})

	if got := m.RecentCount("KRW-BTC", time.Hour); got != 1 {
		t.Errorf("RecentCount(1h) = %d, want 1", got)
	}
	if got := m.RecentCount("KRW-BTC", 3*time.Hour); got != 2 {
		t.Errorf("RecentCount(3h) = %d, want 2", got)
	}
}

// TestSentimentAverage tests the per-asset mean sentiment
func TestSentimentAverage(t *testing.T) {
	m := NewMonitor(testNewsConfig(), zerolog.Nop())

	if got := m.Sentiment("AAPL"); got != 0 {
		t.Errorf("sentiment with no headlines = %v, want 0", got)
	}

	m.Add(Headline{AssetID: "AAPL", Title: "a", URL: "https://e/1", Sentiment: 1})
	m.Add(Headline{AssetID: "AAPL", Title: "b", URL: "https://e/2", Sentiment: -0.5})

	if got := m.Sentiment("AAPL"); got != 0.25 {
		t.Errorf("sentiment = %v, want 0.25", got)
	}
}

// TestPollFetchesFeed tests one poll pass against a stub feed endpoint
func TestPollFetchesFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"items":[
			{"title":"Samsung shares rally on record profit","url":"https://e/1","source":"wire","published_at":%q},
			{"title":"Chip demand seen steady","url":"https://e/2","source":"wire","published_at":%q}
		]}`, time.Now().Format(time.RFC3339), time.Now().Format(time.RFC3339))
	}))
	defer srv.Close()

	cfg := testNewsConfig()
	cfg.FeedURL = srv.URL + "?q=%s"
	m := NewMonitor(cfg, zerolog.Nop())

	m.Poll(context.Background(), []market.Asset{{ID: "005930", Class: market.ClassEquity, Name: "Samsung Electronics"}})

	if got := m.RecentCount("005930", time.Hour); got != 2 {
		t.Fatalf("poll ingested %d headlines, want 2", got)
	}
	if s := m.Sentiment("005930"); s <= 0 {
		t.Errorf("sentiment = %v, want positive (rally + record profit)", s)
	}
}
