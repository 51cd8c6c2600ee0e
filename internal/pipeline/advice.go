package pipeline

import (
	"sync"
	"time"

	"trading-assistant/internal/strategy"
)

// Mode is one monitoring cadence profile. Both profiles may run at the
// same time; each keeps its own tick interval and bar width.
type Mode string

const (
	ModeShortTerm Mode = "short_term" // 5s ticks over 1m bars
	ModeLongTerm  Mode = "long_term"  // 15s ticks over 1h bars
)

// Source tags where an advice came from.
type Source string

const (
	SourceLLM   Source = "llm"
	SourceRules Source = "rules"
)

// Advice is one recommendation for one asset. Price fields are absolute
// levels in the asset's native currency; nil or empty means the advice
// does not state them.
type Advice struct {
	Asset           string          `json:"asset"`
	Action          strategy.Action `json:"action"`
	Confidence      float64         `json:"confidence"`
	EntryPrice      *float64        `json:"entry_price,omitempty"`
	StopLoss        *float64        `json:"stop_loss,omitempty"`
	TakeProfitTiers []float64       `json:"take_profit_tiers,omitempty"`
	Reasoning       string          `json:"reasoning"`
	Source          Source          `json:"source"`
	Mode            Mode            `json:"mode"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// History is a bounded per-asset advice ring. Entries expire after the
// retention TTL and each asset keeps at most cap entries.
type History struct {
	mu      sync.RWMutex
	ttl     time.Duration
	cap     int
	byAsset map[string][]Advice
	now     func() time.Time
}

// NewHistory builds a ring with the given retention. Non-positive
// arguments fall back to 24 hours and 100 entries.
func NewHistory(ttl time.Duration, cap int) *History {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if cap <= 0 {
		cap = 100
	}
	return &History{
		ttl:     ttl,
		cap:     cap,
		byAsset: make(map[string][]Advice),
		now:     time.Now,
	}
}

// Add records an advice and drops expired or overflowing entries for
// the same asset.
func (h *History) Add(adv Advice) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := append(h.byAsset[adv.Asset], adv)
	list = pruneExpired(list, h.now().Add(-h.ttl))
	if len(list) > h.cap {
		list = list[len(list)-h.cap:]
	}
	h.byAsset[adv.Asset] = list
}

// Latest returns the newest unexpired advice for the asset.
func (h *History) Latest(assetID string) (Advice, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.byAsset[assetID]
	cutoff := h.now().Add(-h.ttl)
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].GeneratedAt.After(cutoff) {
			return list[i], true
		}
	}
	return Advice{}, false
}

// Recent returns up to n unexpired entries for the asset, newest first.
func (h *History) Recent(assetID string, n int) []Advice {
	h.mu.RLock()
	defer h.mu.RUnlock()

	list := h.byAsset[assetID]
	cutoff := h.now().Add(-h.ttl)
	var out []Advice
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		if list[i].GeneratedAt.After(cutoff) {
			out = append(out, list[i])
		}
	}
	return out
}

// pruneExpired drops the leading entries at or before the cutoff. The
// slice is append-ordered so expiry is always a prefix.
func pruneExpired(list []Advice, cutoff time.Time) []Advice {
	idx := 0
	for idx < len(list) && !list[idx].GeneratedAt.After(cutoff) {
		idx++
	}
	return list[idx:]
}
