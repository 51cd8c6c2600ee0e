package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/anomaly"
	"trading-assistant/internal/events"
	"trading-assistant/internal/llm"
	"trading-assistant/internal/market"
	"trading-assistant/internal/strategy"
)

var base = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func samsungAsset() market.Asset {
	return market.Asset{ID: "005930", Class: market.ClassEquity, Name: "Samsung Electronics", Currency: "KRW"}
}

func quoteAt(price float64, minutes int) market.Quote {
	return market.Quote{
		Asset:     samsungAsset(),
		Timestamp: base.Add(time.Duration(minutes) * time.Minute),
		Price:     price,
		Volume:    1000,
		Currency:  "KRW",
	}
}

// warmupQuotes alternates small up and down moves so the detector
// baselines carry variance without ever firing.
func warmupQuotes(n int) []market.Quote {
	out := make([]market.Quote, 0, n)
	for i := 0; i < n; i++ {
		price := 100.0
		if i%2 == 1 {
			price = 100.1
		}
		out = append(out, quoteAt(price, i))
	}
	return out
}

func testCfg() config.Config {
	return config.Config{
		TradingConfig: config.TradingConfig{Mode: "short_term"},
		MarketConfig:  config.MarketConfig{SeriesCap: 200},
		AnomalyConfig: config.AnomalyConfig{
			BaselineWindow:   time.Hour,
			DebounceDefault:  5 * time.Minute,
			SingleBarMovePct: 5.0,
			VolumeRunLength:  3,
		},
		NewsConfig: config.NewsConfig{RelevantThreshold: 50},
		PipelineConfig: config.PipelineConfig{
			ShortTermInterval:   5 * time.Second,
			LongTermInterval:    15 * time.Second,
			AdviceTTL:           24 * time.Hour,
			ConfidenceThreshold: 0.6,
			StrategyWeights: map[string]float64{
				"intraday_breakout": 0.25,
				"ma_cross_rsi":      0.25,
				"momentum_reversal": 0.20,
				"orderflow_anomaly": 0.15,
				"news_momentum":     0.15,
			},
		},
	}
}

type fakeMarket struct {
	quotes      []market.Quote
	idx         int
	series      map[string]market.Series
	known       map[string]market.Quote
	seriesCalls int
}

func (f *fakeMarket) Quote(ctx context.Context, asset market.Asset) (market.Quote, error) {
	if f.idx >= len(f.quotes) {
		return market.Quote{}, errors.New("out of quotes")
	}
	q := f.quotes[f.idx]
	f.idx++
	return q, nil
}

func (f *fakeMarket) Series(ctx context.Context, asset market.Asset, width market.BarWidth, count int) (market.Series, error) {
	f.seriesCalls++
	s, ok := f.series[asset.ID]
	if !ok {
		return market.Series{}, errors.New("no series source")
	}
	return s, nil
}

func (f *fakeMarket) Book(ctx context.Context, asset market.Asset, depth int) (market.OrderBook, error) {
	return market.OrderBook{}, errors.New("no order book")
}

func (f *fakeMarket) LastKnownGood(assetID string) (market.Quote, bool) {
	q, ok := f.known[assetID]
	return q, ok
}

type fakeNews struct {
	count     int
	sentiment float64
	summary   string
}

func (f *fakeNews) RecentCount(assetID string, window time.Duration) int { return f.count }
func (f *fakeNews) Sentiment(assetID string) float64                     { return f.sentiment }
func (f *fakeNews) Summary(assetID string, n int) string                 { return f.summary }

type fakeProvider struct {
	name string
	fn   func(ctx context.Context, req llm.Request) (string, error)
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Complete(ctx context.Context, req llm.Request) (string, error) {
	return f.fn(ctx, req)
}

// testRouter wires a single fake provider into every task class, with
// distinct models so tests can observe class escalation.
func testRouter(t *testing.T, fn func(ctx context.Context, req llm.Request) (string, error)) *llm.Router {
	t.Helper()
	cfg := config.LLMConfig{
		Enabled: true,
		TaskMap: map[string][]config.ProviderRef{
			"lightweight": {{Provider: "openai", Model: "gpt-4o-mini"}},
			"standard":    {{Provider: "openai", Model: "gpt-4o-mini"}},
			"complex":     {{Provider: "openai", Model: "gpt-4o"}},
		},
		Budget:         5 * time.Second,
		WorkerPoolSize: 2,
	}
	router, err := llm.NewRouterWithProviders(cfg, map[string]llm.Provider{
		"openai": &fakeProvider{name: "openai", fn: fn},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRouterWithProviders: %v", err)
	}
	return router
}

func newTestPipeline(t *testing.T, fm *fakeMarket, router *llm.Router) *Pipeline {
	t.Helper()
	cfg := testCfg()
	detector := anomaly.NewDetector(cfg.AnomalyConfig, zerolog.Nop())
	p := New(cfg, []market.Asset{samsungAsset()}, fm, detector, router, &fakeNews{}, nil, events.NewEventBus(), zerolog.Nop())
	// Pin the history clock near the fixture timestamps so TTL pruning
	// sees the recorded advice as fresh regardless of the wall clock.
	p.history.now = func() time.Time { return base.Add(time.Hour) }
	return p
}

const adviceJSON = `{"action":"buy","confidence":0.82,"entry_price":105.1,"stop_loss":99.8,"take_profit_tiers":[110.5,115.0],"reasoning":"sharp move with volume"}`

// Calm ticks must never reach the LLM; the first tick whose observation
// scores past the warn threshold must, in the same tick, and the advice
// must land in history tagged with its source.
func TestTickEscalatesToLLMOnAnomaly(t *testing.T) {
	quotes := warmupQuotes(24)
	quotes = append(quotes, quoteAt(105.1, 24)) // +5% against the last warmup price
	fm := &fakeMarket{quotes: quotes}

	var calls int
	var lastReq llm.Request
	router := testRouter(t, func(_ context.Context, req llm.Request) (string, error) {
		calls++
		lastReq = req
		return adviceJSON, nil
	})

	p := newTestPipeline(t, fm, router)
	st := p.newState(samsungAsset(), ModeShortTerm)
	ctx := context.Background()

	for i := 0; i < 24; i++ {
		if err := p.tick(ctx, st); err != nil {
			t.Fatalf("warmup tick %d: %v", i, err)
		}
	}
	if calls != 0 {
		t.Fatalf("llm called %d times during calm ticks, want 0", calls)
	}
	if _, ok := p.history.Latest("005930"); ok {
		t.Fatal("advice emitted during calm ticks")
	}

	if err := p.tick(ctx, st); err != nil {
		t.Fatalf("spike tick: %v", err)
	}
	if calls != 1 {
		t.Fatalf("llm calls after spike = %d, want 1", calls)
	}
	if lastReq.Model != "gpt-4o" {
		t.Fatalf("spike routed to model %q, want complex-class gpt-4o", lastReq.Model)
	}
	if lastReq.System != llm.SystemAdvisor {
		t.Fatal("advice prompt not framed with the advisor system role")
	}
	if !strings.Contains(lastReq.User, "price_jump") {
		t.Fatalf("prompt missing the fired anomaly:\n%s", lastReq.User)
	}

	adv, ok := p.history.Latest("005930")
	if !ok {
		t.Fatal("no advice recorded after spike")
	}
	if adv.Source != SourceLLM {
		t.Fatalf("advice source = %q, want %q", adv.Source, SourceLLM)
	}
	if adv.Action != strategy.ActionBuy {
		t.Fatalf("advice action = %q, want buy", adv.Action)
	}
	if adv.Confidence != 0.82 {
		t.Fatalf("advice confidence = %v, want 0.82", adv.Confidence)
	}
	if adv.StopLoss == nil || *adv.StopLoss != 99.8 {
		t.Fatalf("advice stop loss = %v, want 99.8", adv.StopLoss)
	}
	if adv.Mode != ModeShortTerm {
		t.Fatalf("advice mode = %q, want %q", adv.Mode, ModeShortTerm)
	}
}

// When every provider fails on an escalated tick the pipeline still
// emits advice, built from the strategy aggregate and tagged rules.
func TestTickFallsBackToRulesWhenLLMFails(t *testing.T) {
	quotes := warmupQuotes(24)
	quotes = append(quotes, quoteAt(105.1, 24))
	fm := &fakeMarket{quotes: quotes}

	router := testRouter(t, func(_ context.Context, _ llm.Request) (string, error) {
		return "", errors.New("provider down")
	})

	p := newTestPipeline(t, fm, router)
	st := p.newState(samsungAsset(), ModeShortTerm)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		if err := p.tick(ctx, st); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	adv, ok := p.history.Latest("005930")
	if !ok {
		t.Fatal("no fallback advice recorded after spike")
	}
	if adv.Source != SourceRules {
		t.Fatalf("advice source = %q, want %q", adv.Source, SourceRules)
	}
	if adv.GeneratedAt != base.Add(24*time.Minute) {
		t.Fatalf("advice timestamp = %v, want the spike tick's", adv.GeneratedAt)
	}
}

// A quote inside the tail bar's bucket updates that bar in place; the
// next bucket appends; a gap of two or more widths refetches history.
func TestRefreshSeriesTailHandling(t *testing.T) {
	hist := market.Series{Width: market.Width1m}
	for i := 0; i < 30; i++ {
		ts := base.Add(time.Duration(i-30) * time.Minute)
		hist.Append(market.Bar{Timestamp: ts, Open: 100, High: 100, Low: 100, Close: 100, Volume: 1000}, 200)
	}
	fm := &fakeMarket{series: map[string]market.Series{"005930": hist}}

	p := newTestPipeline(t, fm, nil)
	st := p.newState(samsungAsset(), ModeShortTerm)
	ctx := context.Background()

	// Empty state refetches, then appends the quote's bucket.
	p.refreshSeries(ctx, st, quoteAt(100, 0))
	if fm.seriesCalls != 1 {
		t.Fatalf("series calls = %d, want 1 for the initial fill", fm.seriesCalls)
	}
	if st.series.Len() != 31 {
		t.Fatalf("series length = %d, want 31 after initial fill", st.series.Len())
	}

	// Same-bucket quote merges into the tail bar.
	q := quoteAt(100.5, 0)
	q.Timestamp = base.Add(20 * time.Second)
	p.refreshSeries(ctx, st, q)
	if fm.seriesCalls != 1 {
		t.Fatalf("series calls = %d, same-bucket update must not refetch", fm.seriesCalls)
	}
	if st.series.Len() != 31 {
		t.Fatalf("series length = %d, same-bucket update must not grow it", st.series.Len())
	}
	last, _ := st.series.Last()
	if last.Open != 100 || last.High != 100.5 || last.Close != 100.5 {
		t.Fatalf("tail bar = %+v, want open 100 high 100.5 close 100.5", last)
	}

	// A ten minute gap forces a refetch before the new bucket lands.
	p.refreshSeries(ctx, st, quoteAt(99, 10))
	if fm.seriesCalls != 2 {
		t.Fatalf("series calls = %d, want 2 after the gap", fm.seriesCalls)
	}
	last, _ = st.series.Last()
	if !last.Timestamp.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("tail bucket = %v, want %v", last.Timestamp, base.Add(10*time.Minute))
	}
	if last.Low != 99 {
		t.Fatalf("tail low = %v, want 99", last.Low)
	}
}

// On-demand analysis asks the LLM regardless of anomaly state and
// records the result; without a router it degrades to rules advice.
func TestAdviseOnDemand(t *testing.T) {
	fm := &fakeMarket{quotes: []market.Quote{quoteAt(100, 0)}}
	var captured llm.Request
	router := testRouter(t, func(_ context.Context, req llm.Request) (string, error) {
		captured = req
		return adviceJSON, nil
	})

	p := newTestPipeline(t, fm, router)
	adv, err := p.Advise(context.Background(), samsungAsset())
	if err != nil {
		t.Fatalf("Advise: %v", err)
	}
	if adv.Source != SourceLLM {
		t.Fatalf("advice source = %q, want %q", adv.Source, SourceLLM)
	}
	if captured.Model != "gpt-4o-mini" {
		t.Fatalf("quiet on-demand request routed to %q, want standard-class gpt-4o-mini", captured.Model)
	}
	if _, ok := p.history.Latest("005930"); !ok {
		t.Fatal("on-demand advice not recorded in history")
	}

	fm2 := &fakeMarket{quotes: []market.Quote{quoteAt(100, 0)}}
	p2 := newTestPipeline(t, fm2, nil)
	adv2, err := p2.Advise(context.Background(), samsungAsset())
	if err != nil {
		t.Fatalf("Advise without router: %v", err)
	}
	if adv2.Source != SourceRules {
		t.Fatalf("advice source = %q, want %q", adv2.Source, SourceRules)
	}
	if adv2.Action != strategy.ActionHold {
		t.Fatalf("quiet rules advice action = %q, want hold", adv2.Action)
	}
}

// Overview renders last known quotes into the prompt, always routes to
// the complex class, and errors cleanly when no router is wired.
func TestOverview(t *testing.T) {
	fm := &fakeMarket{known: map[string]market.Quote{
		"005930": {Asset: samsungAsset(), Price: 75000, Currency: "KRW", ChangePct24h: 1.2},
	}}
	var captured llm.Request
	router := testRouter(t, func(_ context.Context, req llm.Request) (string, error) {
		captured = req
		return "Calm session across the board.", nil
	})

	p := newTestPipeline(t, fm, router)
	text, err := p.Overview(context.Background())
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if text != "Calm session across the board." {
		t.Fatalf("overview text = %q", text)
	}
	if captured.Model != "gpt-4o" {
		t.Fatalf("overview routed to %q, want complex-class gpt-4o", captured.Model)
	}
	if captured.System != llm.SystemOverview {
		t.Fatal("overview prompt not framed with the overview system role")
	}
	if !strings.Contains(captured.User, "005930") {
		t.Fatalf("overview prompt missing watched asset:\n%s", captured.User)
	}

	p2 := newTestPipeline(t, fm, nil)
	if _, err := p2.Overview(context.Background()); !errors.Is(err, ErrLLMDisabled) {
		t.Fatalf("Overview without router = %v, want ErrLLMDisabled", err)
	}
}

// History drops expired entries, serves newest first, and caps the
// per-asset ring.
func TestHistoryExpiryAndCap(t *testing.T) {
	h := NewHistory(time.Hour, 3)
	now := base
	h.now = func() time.Time { return now }

	h.Add(Advice{Asset: "A", Action: strategy.ActionBuy, GeneratedAt: now.Add(-2 * time.Hour)})
	h.Add(Advice{Asset: "A", Action: strategy.ActionHold, GeneratedAt: now.Add(-30 * time.Minute)})
	h.Add(Advice{Asset: "A", Action: strategy.ActionSell, GeneratedAt: now})

	latest, ok := h.Latest("A")
	if !ok || latest.Action != strategy.ActionSell {
		t.Fatalf("Latest = %+v ok=%v, want the sell entry", latest, ok)
	}
	recent := h.Recent("A", 5)
	if len(recent) != 2 {
		t.Fatalf("Recent returned %d entries, want 2 unexpired", len(recent))
	}
	if recent[0].Action != strategy.ActionSell || recent[1].Action != strategy.ActionHold {
		t.Fatalf("Recent order = %q, %q; want sell then hold", recent[0].Action, recent[1].Action)
	}

	for i := 0; i < 4; i++ {
		h.Add(Advice{Asset: "B", GeneratedAt: now.Add(time.Duration(i) * time.Minute)})
	}
	if got := len(h.Recent("B", 10)); got != 3 {
		t.Fatalf("ring for B holds %d entries, want cap 3", got)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := h.Latest("A"); ok {
		t.Fatal("Latest served an expired entry")
	}
}
