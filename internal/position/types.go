package position

import (
	"context"
	"errors"
	"time"

	"trading-assistant/internal/market"
	"trading-assistant/internal/strategy"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Cause tags why a trade record was written.
type Cause string

const (
	CauseUser        Cause = "user"
	CauseStopLoss    Cause = "stop_loss"
	CauseTakeProfit  Cause = "take_profit"
	CauseTimeout     Cause = "timeout"
	CauseStrategy    Cause = "strategy_signal"
	CauseBacktestEnd Cause = "backtest_end"
)

// Record types in the trade log.
const (
	RecordOpen   = "open"
	RecordAdjust = "adjust" // partial close
	RecordClose  = "close"  // final close
)

var (
	ErrValidation       = errors.New("validation error")
	ErrPositionNotFound = errors.New("position not found")
	ErrPositionExists   = errors.New("position already open for asset and side")
	ErrRiskViolation    = errors.New("risk limit violation")
)

// Position is one tracked holding. Stop and target prices are derived
// from the entry at open time and never recomputed afterwards.
type Position struct {
	ID                string          `json:"id"`
	Asset             market.Asset    `json:"asset"`
	Side              Side            `json:"side"`
	Quantity          float64         `json:"quantity"` // original size
	QuantityRemaining float64         `json:"quantity_remaining"`
	EntryPrice        float64         `json:"entry_price"`
	EntryTime         time.Time       `json:"entry_time"`
	StopLossPrice     float64         `json:"stop_loss_price"`
	TakeProfitPrice   float64         `json:"take_profit_price"`
	Tiers             []strategy.Tier `json:"tiers,omitempty"`
	TiersDone         int             `json:"tiers_done"`
	MaxHold           time.Duration   `json:"max_hold"`
	RealizedPnL       float64         `json:"realized_pnl"` // net of fees
	Fees              float64         `json:"fees"`
	Closed            bool            `json:"closed"`
	ClosedAt          *time.Time      `json:"closed_at,omitempty"`

	// Alert idempotence per position.
	StopWarned  bool `json:"stop_warned"`
	GainAlerted bool `json:"gain_alerted"`

	MarkPrice float64   `json:"mark_price"`
	MarkTime  time.Time `json:"mark_time"`
}

// ReturnPct is the unrealized return at the current mark, signed for
// side, as a decimal percent.
func (p *Position) ReturnPct() float64 {
	return p.returnPctAt(p.MarkPrice)
}

func (p *Position) returnPctAt(price float64) float64 {
	if p.EntryPrice == 0 || price == 0 {
		return 0
	}
	r := (price - p.EntryPrice) / p.EntryPrice * 100
	if p.Side == SideShort {
		return -r
	}
	return r
}

// UnrealizedPnL marks the remaining quantity to the last mark price.
func (p *Position) UnrealizedPnL() float64 {
	if p.MarkPrice == 0 {
		return 0
	}
	gross := (p.MarkPrice - p.EntryPrice) * p.QuantityRemaining
	if p.Side == SideShort {
		gross = -gross
	}
	return gross
}

// HoldTime is the elapsed time between entry and the given instant.
func (p *Position) HoldTime(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// TradeRecord is one immutable entry in the append-only trade log.
type TradeRecord struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	Asset      string    `json:"asset"`
	Class      string    `json:"class"`
	Side       Side      `json:"side"`
	Type       string    `json:"type"` // open, adjust, close
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	Cause      Cause     `json:"cause"`
	PnL        float64   `json:"pnl"`  // realized for this leg, net of fees
	Fees       float64   `json:"fees"` // fees charged on this leg
	Timestamp  time.Time `json:"timestamp"`
}

// RiskEvent is emitted by Mark when a threshold fires.
type RiskEvent struct {
	Kind      string   `json:"kind"` // stop_loss_warning, major_gain, tier_exit, force_close
	Position  Position `json:"position"`
	ReturnPct float64  `json:"return_pct"`
	Cause     Cause    `json:"cause,omitempty"` // set for closes
	Quantity  float64  `json:"quantity,omitempty"`
	Price     float64  `json:"price,omitempty"`
}

// Risk event kinds.
const (
	EventStopWarning = "stop_loss_warning"
	EventMajorGain   = "major_gain"
	EventTierExit    = "tier_exit"
	EventForceClose  = "force_close"
)

// CheckpointStore persists open positions across restarts.
type CheckpointStore interface {
	SavePositions(ctx context.Context, positions []Position) error
	LoadPositions(ctx context.Context) ([]Position, error)
}

// TradeArchive receives closed-trade records for long-term storage.
type TradeArchive interface {
	ArchiveTrade(ctx context.Context, rec TradeRecord) error
}

// ClassSummary groups open positions of one asset class.
type ClassSummary struct {
	Class         market.AssetClass `json:"class"`
	Count         int               `json:"count"`
	CostBasis     float64           `json:"cost_basis"`
	MarketValue   float64           `json:"market_value"`
	UnrealizedPnL float64           `json:"unrealized_pnl"`
}

// PortfolioSnapshot is the derived cross-position view.
type PortfolioSnapshot struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	Classes         []ClassSummary `json:"classes"`
	OpenCount       int            `json:"open_count"`
	TotalUnrealized float64        `json:"total_unrealized"`
	TotalRealized   float64        `json:"total_realized"`
	WinRate         float64        `json:"win_rate"` // fraction of closed positions with positive pnl
	ClosedPositions int            `json:"closed_positions"`
	ClosedToday     int            `json:"closed_today"`
}
