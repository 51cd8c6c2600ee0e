// Package news polls headline feeds per asset, keeps a bounded ring of recent
// items, and derives a keyword sentiment score. The pipeline reads the
// relevant-news count for LLM task upgrades and the sentiment for the
// news-driven momentum strategy.
package news

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/market"
)

// Headline is one feed item attributed to an asset.
type Headline struct {
	AssetID     string    `json:"asset_id"`
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Sentiment   float64   `json:"sentiment"` // keyword score in [-1, 1]
}

// feedResponse is the JSON shape the configured feed endpoints return.
type feedResponse struct {
	Items []struct {
		Title       string `json:"title"`
		URL         string `json:"url"`
		Source      string `json:"source"`
		PublishedAt string `json:"published_at"`
	} `json:"items"`
}

// Monitor fetches feeds and serves per-asset headline state. Safe for
// concurrent use.
type Monitor struct {
	cfg    config.NewsConfig
	client *resty.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	headlines map[string][]Headline // per asset, oldest first, capped
	seen      map[string]struct{}   // dedupe by asset|url
}

func NewMonitor(cfg config.NewsConfig, log zerolog.Logger) *Monitor {
	return &Monitor{
		cfg: cfg,
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(1),
		log:       log.With().Str("component", "news").Logger(),
		headlines: make(map[string][]Headline),
		seen:      make(map[string]struct{}),
	}
}

// Run polls the feed for every asset on the configured interval until the
// context is cancelled. Intended as a supervisor unit.
func (m *Monitor) Run(ctx context.Context, assets []market.Asset) error {
	if !m.cfg.Enabled || m.cfg.FeedURL == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	m.Poll(ctx, assets)
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Poll(ctx, assets)
		}
	}
}

// Poll runs one fetch pass over all assets. Failures are logged per asset and
// never abort the pass.
func (m *Monitor) Poll(ctx context.Context, assets []market.Asset) {
	for _, asset := range assets {
		if ctx.Err() != nil {
			return
		}
		if err := m.fetchAsset(ctx, asset); err != nil {
			m.log.Warn().Err(err).Str("asset", asset.ID).Msg("news fetch failed")
		}
	}
}

func (m *Monitor) fetchAsset(ctx context.Context, asset market.Asset) error {
	query := asset.Name
	if query == "" {
		query = asset.ID
	}

	var out feedResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf(m.cfg.FeedURL, url.QueryEscape(query)))
	if err != nil {
		return fmt.Errorf("fetching feed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("feed returned status %d", resp.StatusCode())
	}

	added := 0
	for _, item := range out.Items {
		if item.Title == "" {
			continue
		}
		published, err := time.Parse(time.RFC3339, item.PublishedAt)
		if err != nil {
			published = time.Now()
		}
		if m.Add(Headline{
			AssetID:     asset.ID,
			Title:       item.Title,
			Source:      item.Source,
			URL:         item.URL,
			PublishedAt: published,
		}) {
			added++
		}
	}
	if added > 0 {
		m.log.Debug().Str("asset", asset.ID).Int("added", added).Msg("headlines ingested")
	}
	return nil
}

// Add scores and stores one headline, dropping duplicates by URL and the
// oldest items beyond the ring cap. Returns whether the headline was new.
func (m *Monitor) Add(h Headline) bool {
	if h.Sentiment == 0 {
		h.Sentiment = ScoreSentiment(h.Title)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if h.URL != "" {
		key := h.AssetID + "|" + h.URL
		if _, dup := m.seen[key]; dup {
			return false
		}
		m.seen[key] = struct{}{}
	}

	ring := append(m.headlines[h.AssetID], h)
	if max := m.cfg.MaxHeadlines; max > 0 && len(ring) > max {
		for _, old := range ring[:len(ring)-max] {
			delete(m.seen, old.AssetID+"|"+old.URL)
		}
		ring = ring[len(ring)-max:]
	}
	m.headlines[h.AssetID] = ring
	return true
}

// RecentCount returns how many headlines for the asset were published within
// the window. This drives the LLM task-class upgrade rule.
func (m *Monitor) RecentCount(assetID string, window time.Duration) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cut := time.Now().Add(-window)
	n := 0
	for _, h := range m.headlines[assetID] {
		if h.PublishedAt.After(cut) {
			n++
		}
	}
	return n
}

// Sentiment returns the mean keyword sentiment over the asset's ring, zero
// when no headlines exist.
func (m *Monitor) Sentiment(assetID string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring := m.headlines[assetID]
	if len(ring) == 0 {
		return 0
	}
	sum := 0.0
	for _, h := range ring {
		sum += h.Sentiment
	}
	return sum / float64(len(ring))
}

// Headlines returns up to n of the most recent headlines, newest first.
func (m *Monitor) Headlines(assetID string, n int) []Headline {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ring := m.headlines[assetID]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]Headline, 0, n)
	for i := len(ring) - 1; i >= len(ring)-n; i-- {
		out = append(out, ring[i])
	}
	return out
}

// Summary renders the newest headlines as a prompt context block.
func (m *Monitor) Summary(assetID string, n int) string {
	items := m.Headlines(assetID, n)
	if len(items) == 0 {
		return "no recent news"
	}
	var b strings.Builder
	for _, h := range items {
		fmt.Fprintf(&b, "- [%s] %s\n", h.Source, h.Title)
	}
	return b.String()
}

var positiveWords = []string{
	"good", "great", "excellent", "positive", "growth", "profit",
	"increase", "rise", "gain", "bull", "surge", "rally", "record",
	"beat", "upgrade", "급등", "상승", "호재", "突破", "上涨", "利好",
}

var negativeWords = []string{
	"bad", "poor", "negative", "decline", "loss", "decrease",
	"fall", "bear", "drop", "crash", "plunge", "miss", "downgrade",
	"lawsuit", "급락", "하락", "악재", "暴跌", "下跌", "利空",
}

// ScoreSentiment returns (positive − negative) / total keyword hits over the
// text, zero when no keyword matches.
func ScoreSentiment(text string) float64 {
	lower := strings.ToLower(text)

	pos, neg := 0, 0
	for _, w := range positiveWords {
		if strings.Contains(lower, w) {
			pos++
		}
	}
	for _, w := range negativeWords {
		if strings.Contains(lower, w) {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}
