// Package pipeline runs the per-asset analysis loops: quote ingestion,
// indicator computation, anomaly screening, and tiered advice generation
// that escalates to the LLM router only when the detector fires.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/anomaly"
	"trading-assistant/internal/events"
	"trading-assistant/internal/indicator"
	"trading-assistant/internal/llm"
	"trading-assistant/internal/market"
	"trading-assistant/internal/metrics"
	"trading-assistant/internal/position"
	"trading-assistant/internal/strategy"
)

// ErrLLMDisabled reports that a caller asked for LLM-backed output while
// no router is wired.
var ErrLLMDisabled = errors.New("llm routing disabled")

const (
	volumeWindow = 20    // bars in the volume z-score baseline
	breakEpsilon = 0.001 // tolerance on high/low break checks
	bookDepth    = 5     // order book levels for imbalance
	newsWindow   = 24 * time.Hour
)

// MarketSource is the slice of the market hub the pipeline consumes.
type MarketSource interface {
	Quote(ctx context.Context, asset market.Asset) (market.Quote, error)
	Series(ctx context.Context, asset market.Asset, width market.BarWidth, count int) (market.Series, error)
	Book(ctx context.Context, asset market.Asset, depth int) (market.OrderBook, error)
	LastKnownGood(assetID string) (market.Quote, bool)
}

// NewsSource is the slice of the news monitor the pipeline consumes.
type NewsSource interface {
	RecentCount(assetID string, window time.Duration) int
	Sentiment(assetID string) float64
	Summary(assetID string, n int) string
}

// Pipeline owns one serial tick loop per (asset, mode). Ticks never
// overlap within a loop; a tick that overruns its interval skips the
// overdue fires instead of queueing them. The router and tracker are
// optional; nil disables the LLM stage and position marking.
type Pipeline struct {
	assets    []market.Asset
	source    MarketSource
	detector  *anomaly.Detector
	router    *llm.Router
	news      NewsSource
	tracker   *position.Tracker
	bus       *events.EventBus
	agg       *strategy.Aggregator
	history   *History
	modes     []Mode
	intervals map[Mode]time.Duration
	seriesCap int
	newsBar   int
	log       zerolog.Logger
}

// New wires a pipeline over the monitored assets. The aggregator is
// built from the default strategy set and the configured weights; an
// empty weight map enables every strategy at weight 1.
func New(cfg config.Config, assets []market.Asset, source MarketSource, detector *anomaly.Detector, router *llm.Router, newsSource NewsSource, tracker *position.Tracker, bus *events.EventBus, log zerolog.Logger) *Pipeline {
	set := strategy.DefaultSet()
	weights := cfg.PipelineConfig.StrategyWeights
	if len(weights) == 0 {
		weights = make(map[string]float64, len(set))
		for _, s := range set {
			weights[s.Name] = 1
		}
	}
	threshold := cfg.PipelineConfig.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.6
	}

	short := cfg.PipelineConfig.ShortTermInterval
	if short <= 0 {
		short = 5 * time.Second
	}
	long := cfg.PipelineConfig.LongTermInterval
	if long <= 0 {
		long = 15 * time.Second
	}
	modes := []Mode{ModeShortTerm}
	if cfg.TradingConfig.Mode == string(ModeLongTerm) {
		modes = []Mode{ModeLongTerm}
	}

	seriesCap := cfg.MarketConfig.SeriesCap
	if seriesCap <= 0 {
		seriesCap = 200
	}

	return &Pipeline{
		assets:    assets,
		source:    source,
		detector:  detector,
		router:    router,
		news:      newsSource,
		tracker:   tracker,
		bus:       bus,
		agg:       strategy.NewAggregator(set, weights, threshold),
		history:   NewHistory(cfg.PipelineConfig.AdviceTTL, 100),
		modes:     modes,
		intervals: map[Mode]time.Duration{ModeShortTerm: short, ModeLongTerm: long},
		seriesCap: seriesCap,
		newsBar:   cfg.NewsConfig.RelevantThreshold,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// History exposes the advice ring for the chat and ops layers.
func (p *Pipeline) History() *History { return p.history }

// Run launches the loops and blocks until ctx is done and every loop
// has drained.
func (p *Pipeline) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, mode := range p.modes {
		for _, asset := range p.assets {
			st := p.newState(asset, mode)
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(ctx, st)
			}()
		}
	}
	p.log.Info().
		Int("assets", len(p.assets)).
		Int("modes", len(p.modes)).
		Msg("pipeline loops started")
	wg.Wait()
	return ctx.Err()
}

// assetState is the per-loop working set. Each loop goroutine owns its
// state exclusively; nothing here is shared.
type assetState struct {
	asset     market.Asset
	mode      Mode
	width     market.BarWidth
	series    market.Series
	lastPrice float64
	prevHist  float64
	hasHist   bool
}

func (p *Pipeline) newState(asset market.Asset, mode Mode) *assetState {
	width := market.Width1m
	if mode == ModeLongTerm {
		width = market.Width1h
	}
	return &assetState{asset: asset, mode: mode, width: width}
}

func (p *Pipeline) loop(ctx context.Context, st *assetState) {
	interval := p.intervals[st.mode]
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := p.log.With().
		Str("asset", st.asset.ID).
		Str("mode", string(st.mode)).
		Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			if err := p.tick(ctx, st); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("tick failed")
			}
			metrics.TickDuration.WithLabelValues(string(st.mode)).Observe(time.Since(start).Seconds())
			if skipped := drainTicker(ticker); skipped > 0 {
				metrics.TickSkips.WithLabelValues(string(st.mode)).Add(float64(skipped))
				log.Warn().
					Int("skipped", skipped).
					Dur("tick_took", time.Since(start)).
					Msg("pipeline overrun, dropping overdue ticks")
			}
		}
	}
}

// drainTicker discards fires that queued while the previous tick ran.
func drainTicker(t *time.Ticker) int {
	n := 0
	for {
		select {
		case <-t.C:
			n++
		default:
			return n
		}
	}
}

// tick runs one full analysis pass. Only a quote failure aborts the
// pass; everything downstream degrades instead.
func (p *Pipeline) tick(ctx context.Context, st *assetState) error {
	q, err := p.source.Quote(ctx, st.asset)
	if err != nil {
		return fmt.Errorf("quote %s: %w", st.asset.ID, err)
	}

	p.refreshSeries(ctx, st, q)

	if p.tracker != nil {
		p.tracker.Mark(q)
	}

	snap := indicator.Compute(st.series, p.fetchBook(ctx, st.asset), volumeWindow, breakEpsilon)

	anoms := p.observe(st, q, snap)
	for _, ev := range anoms {
		p.bus.PublishAnomaly(ev.Asset.ID, string(ev.Kind), string(ev.Severity), ev.Score)
	}
	maxSev := maxSeverity(anoms)

	newsCount, sentiment := p.newsSignals(st.asset.ID)
	res := p.agg.Evaluate(strategy.Inputs{
		Asset:         st.asset,
		Quote:         q,
		Snapshot:      snap,
		Anomalies:     anoms,
		NewsSentiment: sentiment,
		NewsCount:     newsCount,
	})

	escalate := maxSev.AtLeast(anomaly.SeverityWarn)
	var adv *Advice
	if escalate && p.router != nil {
		esc := llm.Escalation{
			Severity:      maxSev,
			Change5mPct:   change5m(st.series, q),
			NewsCount:     newsCount,
			NewsThreshold: p.newsBar,
		}
		adv = p.adviseLLM(ctx, st, q, snap, anoms, esc)
	}
	if adv == nil && (escalate || res.Action != strategy.ActionHold) {
		adv = p.adviseRules(st, q, res)
	}
	if adv != nil {
		p.emitAdvice(*adv)
	}

	st.lastPrice = q.Price
	if snap.MACDStd != nil {
		st.prevHist = snap.MACDStd.Histogram
		st.hasHist = true
	}
	return nil
}

// Advise runs one on-demand analysis for the asset, trying the LLM
// first regardless of anomaly state. Chat requests use this instead of
// waiting for the next escalated tick. Detector baselines stay
// untouched so ad-hoc requests cannot skew the loops.
func (p *Pipeline) Advise(ctx context.Context, asset market.Asset) (Advice, error) {
	st := p.newState(asset, p.modes[0])
	q, err := p.source.Quote(ctx, asset)
	if err != nil {
		return Advice{}, fmt.Errorf("quote %s: %w", asset.ID, err)
	}
	p.refreshSeries(ctx, st, q)
	snap := indicator.Compute(st.series, p.fetchBook(ctx, asset), volumeWindow, breakEpsilon)

	newsCount, sentiment := p.newsSignals(asset.ID)
	var adv *Advice
	if p.router != nil {
		esc := llm.Escalation{
			Change5mPct:   change5m(st.series, q),
			NewsCount:     newsCount,
			NewsThreshold: p.newsBar,
		}
		adv = p.adviseLLM(ctx, st, q, snap, nil, esc)
	}
	if adv == nil {
		res := p.agg.Evaluate(strategy.Inputs{
			Asset:         asset,
			Quote:         q,
			Snapshot:      snap,
			NewsSentiment: sentiment,
			NewsCount:     newsCount,
		})
		adv = p.adviseRules(st, q, res)
	}
	p.emitAdvice(*adv)
	return *adv, nil
}

// Overview produces whole-market commentary across the watched assets
// from their last known quotes and latest advice. Overview requests
// always route to the complex task class.
func (p *Pipeline) Overview(ctx context.Context) (string, error) {
	if p.router == nil {
		return "", ErrLLMDisabled
	}

	var b strings.Builder
	for _, a := range p.assets {
		q, ok := p.source.LastKnownGood(a.ID)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s): %.4f %s, 24h %+.2f%%\n", a.Name, a.ID, q.Price, q.Currency, q.ChangePct24h)
		if adv, ok := p.history.Latest(a.ID); ok {
			fmt.Fprintf(&b, "  latest advice: %s confidence %.2f via %s\n", adv.Action, adv.Confidence, adv.Source)
		}
	}

	spec := llm.PromptSpec{
		System: llm.SystemOverview,
		Task:   "Summarize the current state of the watched assets as a whole.",
		Blocks: []llm.ContextBlock{{Name: "Watched Assets", Body: b.String()}},
	}
	return p.router.Complete(ctx, llm.Escalation{MarketOverview: true}.Class(), spec)
}

// refreshSeries keeps the bar series current: full refetch when empty
// or when the tail is two or more bar widths behind the quote, otherwise
// the quote extends or patches the in-progress tail bar.
func (p *Pipeline) refreshSeries(ctx context.Context, st *assetState, q market.Quote) {
	width := st.width.Duration()
	last, ok := st.series.Last()
	if !ok || q.Timestamp.Sub(last.Timestamp) >= 2*width {
		fresh, err := p.source.Series(ctx, st.asset, st.width, p.seriesCap)
		if err == nil && fresh.Len() > 0 {
			st.series = fresh
			last, ok = st.series.Last()
		} else if err != nil {
			p.log.Debug().Err(err).Str("asset", st.asset.ID).Msg("series refetch failed, extending from quotes")
		}
	}

	bucket := q.Timestamp.Truncate(width)
	bar := market.Bar{
		Timestamp: bucket,
		Open:      q.Price,
		High:      q.Price,
		Low:       q.Price,
		Close:     q.Price,
		Volume:    q.Volume,
	}
	if ok && last.Timestamp.Equal(bucket) {
		bar.Open = last.Open
		if last.High > bar.High {
			bar.High = last.High
		}
		if last.Low < bar.Low {
			bar.Low = last.Low
		}
	}
	st.series.Width = st.width
	st.series.Append(bar, p.seriesCap)
}

// fetchBook returns the order book for crypto assets, nil when the
// asset has no book source or the fetch fails.
func (p *Pipeline) fetchBook(ctx context.Context, asset market.Asset) *market.OrderBook {
	if asset.Class != market.ClassCrypto {
		return nil
	}
	book, err := p.source.Book(ctx, asset, bookDepth)
	if err != nil {
		return nil
	}
	return &book
}

// observe feeds the detector this tick's observation streams and
// collects whatever fires.
func (p *Pipeline) observe(st *assetState, q market.Quote, snap indicator.Snapshot) []anomaly.Event {
	var out []anomaly.Event
	ts := q.Timestamp

	record := func(ev *anomaly.Event) {
		if ev != nil {
			out = append(out, *ev)
		}
	}

	if st.lastPrice > 0 {
		ret := (q.Price - st.lastPrice) / st.lastPrice * 100
		record(p.detector.Observe(st.asset, anomaly.MetricReturn1m, ret, ts))

		if snap.MACDStd != nil && st.hasHist {
			div := divergence(q.Price-st.lastPrice, snap.MACDStd.Histogram-st.prevHist, st.lastPrice)
			record(p.detector.Observe(st.asset, anomaly.MetricDivergence, div, ts))
		}
	}
	if snap.VolumeZ != nil {
		record(p.detector.Observe(st.asset, anomaly.MetricVolumeZ5m, *snap.VolumeZ, ts))
	}
	if rng, ok := trailingRange(st.series, ts, time.Hour); ok {
		record(p.detector.Observe(st.asset, anomaly.MetricRange1h, rng, ts))
	}
	if p.news != nil {
		record(p.detector.Observe(st.asset, anomaly.MetricSentiment, p.news.Sentiment(st.asset.ID), ts))
	}
	if last, ok := st.series.Last(); ok {
		out = append(out, p.detector.ObserveBar(st.asset, last, snap.VolumeZ)...)
	}
	return out
}

// adviseLLM builds the advice prompt and asks the router. A nil return
// means the caller should fall back to rule-based advice.
func (p *Pipeline) adviseLLM(ctx context.Context, st *assetState, q market.Quote, snap indicator.Snapshot, anoms []anomaly.Event, esc llm.Escalation) *Advice {
	spec := p.advicePrompt(st, q, snap, anoms)

	var resp llm.AdviceResponse
	if err := p.router.CompleteJSON(ctx, esc.Class(), spec, &resp); err != nil {
		p.log.Warn().Err(err).Str("asset", st.asset.ID).Msg("llm advice failed, falling back to rules")
		return nil
	}
	return &Advice{
		Asset:           st.asset.ID,
		Action:          strategy.Action(resp.Action),
		Confidence:      resp.Confidence,
		EntryPrice:      resp.EntryPrice,
		StopLoss:        resp.StopLoss,
		TakeProfitTiers: resp.TakeProfitTiers,
		Reasoning:       resp.Reasoning,
		Source:          SourceLLM,
		Mode:            st.mode,
		GeneratedAt:     q.Timestamp,
	}
}

// adviseRules converts an aggregator result into advice, resolving the
// winning exit plan into absolute price levels for entries.
func (p *Pipeline) adviseRules(st *assetState, q market.Quote, res strategy.Result) *Advice {
	adv := &Advice{
		Asset:       st.asset.ID,
		Action:      res.Action,
		Confidence:  res.Confidence,
		Reasoning:   strings.Join(res.Reasons, "; "),
		Source:      SourceRules,
		Mode:        st.mode,
		GeneratedAt: q.Timestamp,
	}
	if adv.Reasoning == "" {
		adv.Reasoning = "no aligned strategy signals"
	}
	if res.Action == strategy.ActionBuy && q.Price > 0 {
		entry := q.Price
		adv.EntryPrice = &entry
		if res.Exit.StopPct < 0 {
			stop := entry * (1 + res.Exit.StopPct/100)
			adv.StopLoss = &stop
		}
		for _, tier := range res.Exit.Tiers {
			adv.TakeProfitTiers = append(adv.TakeProfitTiers, entry*(1+tier.GainPct/100))
		}
	}
	return adv
}

func (p *Pipeline) emitAdvice(adv Advice) {
	p.history.Add(adv)
	metrics.Advice.WithLabelValues(string(adv.Action), string(adv.Source)).Inc()
	p.bus.PublishAdvice(adv.Asset, string(adv.Action), string(adv.Source), adv.Confidence)
	p.log.Info().
		Str("asset", adv.Asset).
		Str("action", string(adv.Action)).
		Str("source", string(adv.Source)).
		Float64("confidence", adv.Confidence).
		Msg("advice generated")
}

// advicePrompt assembles the structured advice prompt: quote, indicator
// snapshot, fired anomalies, news summary, and open positions.
func (p *Pipeline) advicePrompt(st *assetState, q market.Quote, snap indicator.Snapshot, anoms []anomaly.Event) llm.PromptSpec {
	quote := fmt.Sprintf("%s (%s)\nPrice: %.4f %s\n24h change: %+.2f%%\nRolling volume: %.2f",
		st.asset.Name, st.asset.ID, q.Price, q.Currency, q.ChangePct24h, q.Volume)

	indJSON, _ := json.Marshal(snap)

	var ab strings.Builder
	for _, ev := range anoms {
		fmt.Fprintf(&ab, "- %s severity=%s score=%.2f\n", ev.Kind, ev.Severity, ev.Score)
	}

	var newsSummary string
	if p.news != nil {
		newsSummary = p.news.Summary(st.asset.ID, 5)
	}

	var pb strings.Builder
	if p.tracker != nil {
		for _, pos := range p.tracker.Query(st.asset.ID) {
			fmt.Fprintf(&pb, "- %s %.4f @ %.4f, unrealized %+.2f%%\n",
				pos.Side, pos.QuantityRemaining, pos.EntryPrice, pos.ReturnPct())
		}
	}

	return llm.PromptSpec{
		System: llm.SystemAdvisor,
		Task: fmt.Sprintf("Analyze %s (%s) and recommend buy, sell, or hold with entry, stop loss, and take profit levels.",
			st.asset.Name, st.asset.ID),
		Blocks: []llm.ContextBlock{
			{Name: "Market Data", Body: quote},
			{Name: "Technical Indicators", Body: string(indJSON)},
			{Name: "Detected Anomalies", Body: ab.String()},
			{Name: "Recent News", Body: newsSummary},
			{Name: "Open Positions", Body: pb.String()},
		},
		Schema: llm.AdviceSchema,
	}
}

func (p *Pipeline) newsSignals(assetID string) (count int, sentiment float64) {
	if p.news == nil {
		return 0, 0
	}
	return p.news.RecentCount(assetID, newsWindow), p.news.Sentiment(assetID)
}

// divergence scores a price move the MACD histogram disagrees with: the
// move in percent, signed by its direction. Agreement scores zero so
// the stream baselines near zero in calm markets.
func divergence(priceDelta, histDelta, base float64) float64 {
	if base <= 0 || priceDelta == 0 || histDelta == 0 {
		return 0
	}
	if (priceDelta > 0) == (histDelta > 0) {
		return 0
	}
	return priceDelta / base * 100
}

// trailingRange returns the high-low spread over the trailing window as
// a percent of the window low. Needs at least two bars inside the
// window.
func trailingRange(s market.Series, now time.Time, window time.Duration) (float64, bool) {
	cutoff := now.Add(-window)
	var hi, lo float64
	seen := 0
	for i := len(s.Bars) - 1; i >= 0; i-- {
		b := s.Bars[i]
		if b.Timestamp.Before(cutoff) {
			break
		}
		if seen == 0 || b.High > hi {
			hi = b.High
		}
		if seen == 0 || b.Low < lo {
			lo = b.Low
		}
		seen++
	}
	if seen < 2 || lo <= 0 {
		return 0, false
	}
	return (hi - lo) / lo * 100, true
}

// change5m measures the percent move between the quote and the newest
// bar at least five minutes older than it. Zero when the series does
// not reach back that far.
func change5m(s market.Series, q market.Quote) float64 {
	cutoff := q.Timestamp.Add(-5 * time.Minute)
	for i := len(s.Bars) - 1; i >= 0; i-- {
		b := s.Bars[i]
		if b.Timestamp.After(cutoff) {
			continue
		}
		if b.Close <= 0 {
			return 0
		}
		return (q.Price - b.Close) / b.Close * 100
	}
	return 0
}

func maxSeverity(evs []anomaly.Event) anomaly.Severity {
	var top anomaly.Severity
	for _, ev := range evs {
		if ev.Severity.Rank() > top.Rank() {
			top = ev.Severity
		}
	}
	return top
}
