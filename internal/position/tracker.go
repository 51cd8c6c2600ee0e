package position

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/events"
	"trading-assistant/internal/market"
	"trading-assistant/internal/metrics"
	"trading-assistant/internal/strategy"
)

// quantityEpsilon absorbs float dust when a close empties a position.
const quantityEpsilon = 1e-9

// Tracker owns all position state. Every mutation serializes through
// its lock; readers receive copies. Timestamps ride in on requests and
// quotes, so a backtest driving historical times exercises exactly the
// same rules as the live loops.
type Tracker struct {
	mu      sync.RWMutex
	cfg     config.RiskConfig
	feeRate float64 // per side, 0.001 = 0.1%

	positions map[string]*Position
	trades    []TradeRecord
	logCap    int
	dropped   int

	// Intraday limit state, rolled at each event-day boundary.
	day             string
	closedToday     int
	consecutiveLoss int
	lockedOut       bool
	lastOpen        map[string]time.Time

	// Lifetime aggregates for the portfolio view.
	closedCount   int
	closedWins    int
	realizedTotal float64

	checkpoint CheckpointStore
	archive    TradeArchive

	bus    *events.EventBus
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker builds a tracker enforcing the given risk config. feeRate
// is charged per side on notional. logCap bounds the in-memory trade
// log; zero means unbounded.
func NewTracker(cfg config.RiskConfig, feeRate float64, logCap int, bus *events.EventBus, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		feeRate:   feeRate,
		logCap:    logCap,
		positions: make(map[string]*Position),
		lastOpen:  make(map[string]time.Time),
		bus:       bus,
		logger:    logger.With().Str("component", "position_tracker").Logger(),
		now:       time.Now,
	}
}

// SetClock replaces the wall clock used when requests carry no
// timestamp.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// SetCheckpointStore enables open-position persistence.
func (t *Tracker) SetCheckpointStore(s CheckpointStore) { t.checkpoint = s }

// SetArchive enables closed-trade archival.
func (t *Tracker) SetArchive(a TradeArchive) { t.archive = a }

// OpenRequest carries one open command.
type OpenRequest struct {
	Asset    market.Asset
	Side     Side
	Quantity float64
	Price    float64
	Cause    Cause              // defaults to user
	Plan     *strategy.ExitPlan // optional strategy-declared exits
	Time     time.Time          // defaults to the tracker clock
}

// Open validates the request, derives stop and target from the entry,
// and appends the open record. One open position per (asset, side).
func (t *Tracker) Open(req OpenRequest) (*Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := req.Time
	if ts.IsZero() {
		ts = t.now()
	}
	t.rollDay(ts)

	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity must be positive, got %v", ErrValidation, req.Quantity)
	}
	if req.Side != SideLong && req.Side != SideShort {
		return nil, fmt.Errorf("%w: side must be long or short, got %q", ErrValidation, req.Side)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: entry price must be positive, got %v", ErrValidation, req.Price)
	}
	if req.Asset.QuantityIsInteger() && req.Quantity != math.Trunc(req.Quantity) {
		return nil, fmt.Errorf("%w: %s quantities must be whole units", ErrValidation, req.Asset.Class)
	}
	if existing := t.findOpen(req.Asset.ID, req.Side); existing != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrPositionExists, req.Asset.ID, req.Side)
	}
	if t.lockedOut {
		return nil, fmt.Errorf("%w: %d consecutive losses, no new positions until tomorrow", ErrRiskViolation, t.consecutiveLoss)
	}
	if t.cfg.MaxTradesPerDay > 0 && t.closedToday >= t.cfg.MaxTradesPerDay {
		return nil, fmt.Errorf("%w: daily limit of %d closed trades reached", ErrRiskViolation, t.cfg.MaxTradesPerDay)
	}
	if gap := t.cfg.MinOpenGap; gap > 0 {
		if last, ok := t.lastOpen[req.Asset.ID]; ok && ts.Sub(last) < gap {
			return nil, fmt.Errorf("%w: wait %s between opens on %s", ErrRiskViolation, gap, req.Asset.ID)
		}
	}

	stopPct := t.cfg.StopLossPct
	targetPct := t.cfg.TakeProfitPct
	maxHold := t.cfg.MaxHold
	var tiers []strategy.Tier
	if req.Plan != nil {
		if req.Plan.StopPct != 0 {
			stopPct = req.Plan.StopPct
		}
		if req.Plan.MaxHold > 0 {
			maxHold = req.Plan.MaxHold
		}
		if len(req.Plan.Tiers) > 0 {
			tiers = append([]strategy.Tier(nil), req.Plan.Tiers...)
			targetPct = tiers[len(tiers)-1].GainPct
		}
	}
	cause := req.Cause
	if cause == "" {
		cause = CauseUser
	}

	p := &Position{
		ID:                uuid.New().String(),
		Asset:             req.Asset,
		Side:              req.Side,
		Quantity:          req.Quantity,
		QuantityRemaining: req.Quantity,
		EntryPrice:        req.Price,
		EntryTime:         ts,
		StopLossPrice:     priceAt(req.Side, req.Price, stopPct),
		TakeProfitPrice:   priceAt(req.Side, req.Price, targetPct),
		Tiers:             tiers,
		MaxHold:           maxHold,
		MarkPrice:         req.Price,
		MarkTime:          ts,
	}
	t.positions[p.ID] = p
	t.lastOpen[req.Asset.ID] = ts

	t.appendRecord(TradeRecord{
		ID:         uuid.New().String(),
		PositionID: p.ID,
		Asset:      p.Asset.ID,
		Class:      string(p.Asset.Class),
		Side:       p.Side,
		Type:       RecordOpen,
		Quantity:   req.Quantity,
		Price:      req.Price,
		Cause:      cause,
		Timestamp:  ts,
	})

	t.logger.Info().
		Str("asset", p.Asset.ID).
		Str("side", string(p.Side)).
		Float64("quantity", p.Quantity).
		Float64("entry", p.EntryPrice).
		Float64("stop", p.StopLossPrice).
		Float64("target", p.TakeProfitPrice).
		Msg("position opened")

	metrics.OpenPositions.Set(float64(t.openCountLocked()))
	if t.bus != nil {
		t.bus.PublishPositionOpened(p.Asset.ID, string(p.Side), p.EntryPrice, p.Quantity)
	}
	t.checkpointLocked()

	snapshot := *p
	return &snapshot, nil
}

// CloseRequest carries one close command. Side may be empty when only
// one side is open for the asset.
type CloseRequest struct {
	Asset    string
	Side     Side
	Quantity float64
	Price    float64
	Cause    Cause     // defaults to user
	Time     time.Time // defaults to the tracker clock
}

// Close sells down or fully closes a position and returns the realized
// P&L for the leg, net of fees. Quantity beyond what remains is a
// validation error, never a clamp.
func (t *Tracker) Close(req CloseRequest) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := req.Time
	if ts.IsZero() {
		ts = t.now()
	}
	t.rollDay(ts)

	if req.Quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive, got %v", ErrValidation, req.Quantity)
	}
	if req.Price <= 0 {
		return 0, fmt.Errorf("%w: exit price must be positive, got %v", ErrValidation, req.Price)
	}

	var p *Position
	if req.Side != "" {
		p = t.findOpen(req.Asset, req.Side)
	} else {
		open := t.openForAsset(req.Asset)
		switch len(open) {
		case 0:
		case 1:
			p = open[0]
		default:
			return 0, fmt.Errorf("%w: both sides open on %s, specify side", ErrValidation, req.Asset)
		}
	}
	if p == nil {
		return 0, fmt.Errorf("%w: %s", ErrPositionNotFound, req.Asset)
	}
	if req.Quantity > p.QuantityRemaining+quantityEpsilon {
		return 0, fmt.Errorf("%w: quantity %v exceeds remaining %v", ErrValidation, req.Quantity, p.QuantityRemaining)
	}

	cause := req.Cause
	if cause == "" {
		cause = CauseUser
	}
	rec := t.closeLeg(p, req.Quantity, req.Price, cause, ts)

	metrics.OpenPositions.Set(float64(t.openCountLocked()))
	t.checkpointLocked()
	return rec.PnL, nil
}

// Mark updates every open position on the quote's asset and applies the
// risk rules in protective order: stop, warning, timeout, tiers, gain
// alert, target. Returns the events that fired. Idempotent for a
// repeated (timestamp, price) pair.
func (t *Tracker) Mark(q market.Quote) []RiskEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := q.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	t.rollDay(ts)

	var fired []RiskEvent
	for _, p := range t.sortedOpenLocked(q.Asset.ID) {
		if ts.Equal(p.MarkTime) && q.Price == p.MarkPrice {
			continue
		}
		p.MarkPrice = q.Price
		p.MarkTime = ts
		r := p.ReturnPct()

		if crossedStop(p, q.Price) || r <= t.cfg.StopLossPct {
			fired = append(fired, t.forceClose(p, q.Price, r, CauseStopLoss, ts))
			continue
		}
		if !p.StopWarned && r <= t.cfg.StopWarningPct {
			p.StopWarned = true
			fired = append(fired, t.alert(p, EventStopWarning, r))
		}
		if p.MaxHold > 0 && ts.Sub(p.EntryTime) >= p.MaxHold {
			fired = append(fired, t.forceClose(p, q.Price, r, CauseTimeout, ts))
			continue
		}

		for p.TiersDone < len(p.Tiers) {
			tier := p.Tiers[p.TiersDone]
			if r < tier.GainPct {
				break
			}
			qty := tier.Fraction * p.Quantity
			if p.TiersDone == len(p.Tiers)-1 {
				qty = p.QuantityRemaining
			} else if p.Asset.QuantityIsInteger() {
				qty = math.Floor(qty)
			}
			if qty > p.QuantityRemaining {
				qty = p.QuantityRemaining
			}
			p.TiersDone++
			if qty <= 0 {
				continue
			}
			t.closeLeg(p, qty, q.Price, CauseTakeProfit, ts)
			ev := RiskEvent{Kind: EventTierExit, Position: *p, ReturnPct: r, Cause: CauseTakeProfit, Quantity: qty, Price: q.Price}
			fired = append(fired, ev)
			t.emitAlert(ev)
			if p.Closed {
				break
			}
		}
		if p.Closed {
			continue
		}

		if !p.GainAlerted && r >= t.cfg.MajorGainPct {
			p.GainAlerted = true
			fired = append(fired, t.alert(p, EventMajorGain, r))
		}
		if r >= t.cfg.TakeProfitPct || crossedTarget(p, q.Price) {
			fired = append(fired, t.forceClose(p, q.Price, r, CauseTakeProfit, ts))
		}
	}

	if len(fired) > 0 {
		metrics.OpenPositions.Set(float64(t.openCountLocked()))
		t.checkpointLocked()
	}
	return fired
}

// Query returns copies of open positions, optionally filtered by asset.
func (t *Tracker) Query(assetID string) []Position {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Position
	for _, p := range t.positions {
		if p.Closed {
			continue
		}
		if assetID != "" && p.Asset.ID != assetID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Portfolio returns the grouped mark-to-market view.
func (t *Tracker) Portfolio() PortfolioSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byClass := make(map[market.AssetClass]*ClassSummary)
	snap := PortfolioSnapshot{
		GeneratedAt:     t.now(),
		TotalRealized:   t.realizedTotal,
		ClosedPositions: t.closedCount,
		ClosedToday:     t.closedToday,
	}
	for _, p := range t.positions {
		if p.Closed {
			continue
		}
		cs, ok := byClass[p.Asset.Class]
		if !ok {
			cs = &ClassSummary{Class: p.Asset.Class}
			byClass[p.Asset.Class] = cs
		}
		cs.Count++
		cs.CostBasis += p.EntryPrice * p.QuantityRemaining
		cs.MarketValue += p.MarkPrice * p.QuantityRemaining
		cs.UnrealizedPnL += p.UnrealizedPnL()
		snap.TotalUnrealized += p.UnrealizedPnL()
		snap.OpenCount++
	}
	for _, cs := range byClass {
		snap.Classes = append(snap.Classes, *cs)
	}
	sort.Slice(snap.Classes, func(i, j int) bool { return snap.Classes[i].Class < snap.Classes[j].Class })
	if t.closedCount > 0 {
		snap.WinRate = float64(t.closedWins) / float64(t.closedCount)
	}
	return snap
}

// TradeLog returns a copy of the retained trade records.
func (t *Tracker) TradeLog() []TradeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]TradeRecord(nil), t.trades...)
}

// Dropped reports how many old records the log cap has evicted.
func (t *Tracker) Dropped() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dropped
}

// RestoreDailyCount seeds the closed-trade counter for a day stamp in
// 2006-01-02 form, so the daily trade cap survives a process restart.
func (t *Tracker) RestoreDailyCount(day string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if count < 0 {
		count = 0
	}
	t.day = day
	t.closedToday = count
}

// Restore loads checkpointed open positions, typically at startup.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.checkpoint == nil {
		return nil
	}
	saved, err := t.checkpoint.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load positions: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	restored := 0
	for i := range saved {
		p := saved[i]
		if p.Closed || p.ID == "" {
			continue
		}
		cp := p
		t.positions[p.ID] = &cp
		if last, ok := t.lastOpen[p.Asset.ID]; !ok || p.EntryTime.After(last) {
			t.lastOpen[p.Asset.ID] = p.EntryTime
		}
		restored++
	}
	metrics.OpenPositions.Set(float64(t.openCountLocked()))
	t.logger.Info().Int("restored", restored).Msg("positions restored from checkpoint")
	return nil
}

// closeLeg executes one close of qty at price, writing the trade record
// and rolling the counters when the position empties.
func (t *Tracker) closeLeg(p *Position, qty, price float64, cause Cause, ts time.Time) TradeRecord {
	gross := (price - p.EntryPrice) * qty
	if p.Side == SideShort {
		gross = -gross
	}
	fees := (p.EntryPrice + price) * qty * t.feeRate
	net := gross - fees

	p.QuantityRemaining -= qty
	p.RealizedPnL += net
	p.Fees += fees
	p.MarkPrice = price
	p.MarkTime = ts
	t.realizedTotal += net

	recType := RecordAdjust
	if p.QuantityRemaining <= quantityEpsilon {
		p.QuantityRemaining = 0
		p.Closed = true
		closedAt := ts
		p.ClosedAt = &closedAt
		recType = RecordClose
	}

	rec := TradeRecord{
		ID:         uuid.New().String(),
		PositionID: p.ID,
		Asset:      p.Asset.ID,
		Class:      string(p.Asset.Class),
		Side:       p.Side,
		Type:       recType,
		Quantity:   qty,
		Price:      price,
		Cause:      cause,
		PnL:        net,
		Fees:       fees,
		Timestamp:  ts,
	}
	t.appendRecord(rec)
	metrics.Trades.WithLabelValues(string(cause)).Inc()

	t.logger.Info().
		Str("asset", p.Asset.ID).
		Str("type", recType).
		Str("cause", string(cause)).
		Float64("quantity", qty).
		Float64("price", price).
		Float64("pnl", net).
		Msg("position leg closed")

	if p.Closed {
		t.registerClose(p, rec)
	} else if t.bus != nil {
		t.bus.Publish(events.Event{
			Type: events.EventPositionAdjust,
			Data: map[string]interface{}{
				"asset":     p.Asset.ID,
				"cause":     string(cause),
				"quantity":  qty,
				"price":     price,
				"remaining": p.QuantityRemaining,
				"pnl":       net,
			},
		})
	}
	return rec
}

// registerClose rolls daily counters and the loss lockout after a full
// close.
func (t *Tracker) registerClose(p *Position, rec TradeRecord) {
	t.closedCount++
	t.closedToday++
	switch {
	case p.RealizedPnL > 0:
		t.closedWins++
		t.consecutiveLoss = 0
	case p.RealizedPnL < 0:
		t.consecutiveLoss++
		if t.cfg.MaxConsecutiveLosses > 0 && t.consecutiveLoss >= t.cfg.MaxConsecutiveLosses {
			t.lockedOut = true
			t.logger.Warn().
				Int("consecutive_losses", t.consecutiveLoss).
				Msg("loss lockout engaged until next day")
		}
	}
	if t.bus != nil {
		t.bus.PublishPositionClosed(p.Asset.ID, string(rec.Cause), rec.Price, rec.Quantity, p.RealizedPnL)
	}
}

func (t *Tracker) forceClose(p *Position, price, returnPct float64, cause Cause, ts time.Time) RiskEvent {
	qty := p.QuantityRemaining
	t.closeLeg(p, qty, price, cause, ts)
	ev := RiskEvent{Kind: EventForceClose, Position: *p, ReturnPct: returnPct, Cause: cause, Quantity: qty, Price: price}
	t.logger.Warn().
		Str("asset", p.Asset.ID).
		Str("cause", string(cause)).
		Float64("return_pct", returnPct).
		Msg("position force-closed")
	return ev
}

func (t *Tracker) alert(p *Position, kind string, returnPct float64) RiskEvent {
	ev := RiskEvent{Kind: kind, Position: *p, ReturnPct: returnPct}
	t.emitAlert(ev)
	return ev
}

func (t *Tracker) emitAlert(ev RiskEvent) {
	t.logger.Warn().
		Str("asset", ev.Position.Asset.ID).
		Str("kind", ev.Kind).
		Float64("return_pct", ev.ReturnPct).
		Msg("risk threshold crossed")
	if t.bus != nil {
		t.bus.PublishRiskAlert(ev.Position.Asset.ID, ev.Kind, ev.ReturnPct)
	}
}

func (t *Tracker) appendRecord(rec TradeRecord) {
	t.trades = append(t.trades, rec)
	if t.logCap > 0 && len(t.trades) > t.logCap {
		drop := len(t.trades) - t.logCap
		t.trades = append([]TradeRecord(nil), t.trades[drop:]...)
		t.dropped += drop
	}
	if t.archive != nil && rec.Type != RecordOpen {
		go t.archiveRecord(rec)
	}
}

func (t *Tracker) archiveRecord(rec TradeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.archive.ArchiveTrade(ctx, rec); err != nil {
		t.logger.Error().Err(err).Str("trade_id", rec.ID).Msg("failed to archive trade")
	}
}

func (t *Tracker) checkpointLocked() {
	if t.checkpoint == nil {
		return
	}
	var open []Position
	for _, p := range t.positions {
		if !p.Closed {
			open = append(open, *p)
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.checkpoint.SavePositions(ctx, open); err != nil {
			t.logger.Error().Err(err).Msg("failed to checkpoint positions")
		}
	}()
}

// rollDay resets intraday counters when the event day changes.
func (t *Tracker) rollDay(ts time.Time) {
	day := ts.Format("2006-01-02")
	if day != t.day {
		t.day = day
		t.closedToday = 0
		t.consecutiveLoss = 0
		t.lockedOut = false
	}
}

func (t *Tracker) findOpen(assetID string, side Side) *Position {
	for _, p := range t.positions {
		if !p.Closed && p.Asset.ID == assetID && p.Side == side {
			return p
		}
	}
	return nil
}

func (t *Tracker) openForAsset(assetID string) []*Position {
	var out []*Position
	for _, p := range t.positions {
		if !p.Closed && p.Asset.ID == assetID {
			out = append(out, p)
		}
	}
	return out
}

// sortedOpenLocked returns open positions for the asset in entry order
// so mark processing is deterministic.
func (t *Tracker) sortedOpenLocked(assetID string) []*Position {
	out := t.openForAsset(assetID)
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

func (t *Tracker) openCountLocked() int {
	n := 0
	for _, p := range t.positions {
		if !p.Closed {
			n++
		}
	}
	return n
}

// priceAt shifts the entry by pct in the direction that matters for the
// side: a negative pct is a loss level, positive a gain level.
func priceAt(side Side, entry, pct float64) float64 {
	if side == SideShort {
		return entry * (1 - pct/100)
	}
	return entry * (1 + pct/100)
}

func crossedStop(p *Position, price float64) bool {
	if p.StopLossPrice <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price >= p.StopLossPrice
	}
	return price <= p.StopLossPrice
}

func crossedTarget(p *Position, price float64) bool {
	if p.TakeProfitPrice <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price <= p.TakeProfitPrice
	}
	return price >= p.TakeProfitPrice
}
