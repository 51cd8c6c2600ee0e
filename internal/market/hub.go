package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"trading-assistant/config"
	"trading-assistant/internal/events"
	"trading-assistant/internal/metrics"
)

// QuoteCache persists quotes across restarts. The hub writes through on every
// fresh quote and falls back to it when its in-memory copy is empty.
type QuoteCache interface {
	PutQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, assetID string) (Quote, bool, error)
}

// Hub fans market data requests out to the registered adapters in the
// configured failover order. Every adapter call passes its rate limiter and
// circuit breaker; when the whole chain fails the hub serves the last known
// good quote within the stale limit.
type Hub struct {
	adapters   map[string]Adapter
	order      map[Scope][]string
	limiters   *limiterSet
	timeout    time.Duration
	staleLimit time.Duration
	cooldown   time.Duration
	bus        *events.EventBus
	log        zerolog.Logger

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	lastGood map[string]Quote
	cache    QuoteCache
}

func NewHub(cfg config.MarketConfig, bus *events.EventBus, log zerolog.Logger) *Hub {
	return &Hub{
		adapters: make(map[string]Adapter),
		order: map[Scope][]string{
			ScopeEquityKR: cfg.AdapterOrder.EquityKR,
			ScopeEquityUS: cfg.AdapterOrder.EquityUS,
			ScopeCrypto:   cfg.AdapterOrder.Crypto,
		},
		limiters:   newLimiterSet(cfg.RateLimits),
		timeout:    cfg.QuoteTimeout,
		staleLimit: cfg.StaleLimit,
		cooldown:   cfg.BreakerCooldown,
		bus:        bus,
		log:        log.With().Str("component", "market_hub").Logger(),
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		lastGood:   make(map[string]Quote),
	}
}

// Register adds an adapter under its own name.
func (h *Hub) Register(a Adapter) {
	h.adapters[a.Name()] = a
}

// SetCache attaches a persistent quote cache. Optional.
func (h *Hub) SetCache(c QuoteCache) {
	h.mu.Lock()
	h.cache = c
	h.mu.Unlock()
}

func (h *Hub) breaker(name string) *gobreaker.CircuitBreaker {
	h.mu.RLock()
	br, ok := h.breakers[name]
	h.mu.RUnlock()
	if ok {
		return br
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if br, ok = h.breakers[name]; ok {
		return br
	}
	br = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     h.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.log.Warn().
				Str("adapter", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("adapter breaker state change")
		},
	})
	h.breakers[name] = br
	return br
}

// Quote returns the freshest quote the failover chain can produce. When every
// adapter fails it serves the last known good value if that is still inside
// the stale limit, marked with its age.
func (h *Hub) Quote(ctx context.Context, asset Asset) (Quote, error) {
	var lastErr error

	for _, name := range h.order[asset.Scope()] {
		adapter, ok := h.adapters[name]
		if !ok {
			continue
		}

		if err := h.limiters.wait(ctx, name, h.timeout); err != nil {
			if ctx.Err() != nil {
				return Quote{}, err
			}
			metrics.QuoteFetches.WithLabelValues(name, "rate_limited").Inc()
			lastErr = err
			continue
		}

		out, err := h.breaker(name).Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			q, err := adapter.Quote(callCtx, asset)
			if err != nil {
				return nil, err
			}
			if age := time.Since(q.Timestamp); age > adapter.StalenessBound() {
				return nil, fmt.Errorf("%w: %s quote is %s old", ErrStale, name, age.Round(time.Second))
			}
			return q, nil
		})
		if err != nil {
			outcome := "error"
			switch {
			case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
				outcome = "breaker_open"
			case errors.Is(err, ErrStale):
				outcome = "stale"
			case errors.Is(err, ErrRateLimited):
				outcome = "rate_limited"
			}
			metrics.QuoteFetches.WithLabelValues(name, outcome).Inc()
			h.log.Debug().Err(err).Str("adapter", name).Str("asset", asset.ID).Msg("quote attempt failed")
			lastErr = err
			continue
		}

		q := out.(Quote)
		metrics.QuoteFetches.WithLabelValues(name, "ok").Inc()
		h.remember(ctx, q)
		return q, nil
	}

	if q, ok := h.lastKnown(ctx, asset.ID); ok {
		age := time.Since(q.Timestamp)
		if age <= h.staleLimit {
			q.Age = age
			metrics.StaleServes.Inc()
			h.log.Warn().
				Str("asset", asset.ID).
				Dur("age", age).
				Msg("all adapters failed, serving last known good quote")
			if h.bus != nil {
				h.bus.Publish(events.Event{
					Type: events.EventQuoteStale,
					Data: map[string]interface{}{
						"asset":   asset.ID,
						"age_sec": age.Seconds(),
					},
				})
			}
			return q, nil
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no adapter registered for scope %s", asset.Scope())
	}
	return Quote{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, asset.ID, lastErr)
}

// Series returns historical bars from the first adapter in the chain that
// supports the width. Adapters without history are skipped without counting
// against their breaker.
func (h *Hub) Series(ctx context.Context, asset Asset, width BarWidth, count int) (Series, error) {
	var lastErr error

	for _, name := range h.order[asset.Scope()] {
		adapter, ok := h.adapters[name]
		if !ok {
			continue
		}

		if err := h.limiters.wait(ctx, name, h.timeout); err != nil {
			if ctx.Err() != nil {
				return Series{}, err
			}
			lastErr = err
			continue
		}

		var unsupported bool
		out, err := h.breaker(name).Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			s, err := adapter.Series(callCtx, asset, width, count)
			if errors.Is(err, ErrUnsupported) {
				unsupported = true
				return Series{}, nil
			}
			return s, err
		})
		if unsupported {
			continue
		}
		if err != nil {
			h.log.Debug().Err(err).Str("adapter", name).Str("asset", asset.ID).Msg("series attempt failed")
			lastErr = err
			continue
		}

		return out.(Series), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no adapter serves %s history for scope %s", width, asset.Scope())
	}
	return Series{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, asset.ID, lastErr)
}

// Book returns an order book snapshot from the first adapter in the chain
// that exposes depth.
func (h *Hub) Book(ctx context.Context, asset Asset, depth int) (OrderBook, error) {
	var lastErr error

	for _, name := range h.order[asset.Scope()] {
		adapter, ok := h.adapters[name]
		if !ok {
			continue
		}
		ba, ok := adapter.(BookAdapter)
		if !ok {
			continue
		}

		if err := h.limiters.wait(ctx, name, h.timeout); err != nil {
			if ctx.Err() != nil {
				return OrderBook{}, err
			}
			lastErr = err
			continue
		}

		out, err := h.breaker(name).Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			return ba.Book(callCtx, asset, depth)
		})
		if err != nil {
			lastErr = err
			continue
		}
		return out.(OrderBook), nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no depth adapter for scope %s", asset.Scope())
	}
	return OrderBook{}, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, asset.ID, lastErr)
}

// StreamCrypto runs the first streaming adapter in the crypto chain, feeding
// received quotes into the last-known-good store before invoking fn. Blocks
// until the context is cancelled.
func (h *Hub) StreamCrypto(ctx context.Context, assets []Asset, fn func(Quote)) error {
	for _, name := range h.order[ScopeCrypto] {
		adapter, ok := h.adapters[name]
		if !ok {
			continue
		}
		sa, ok := adapter.(StreamAdapter)
		if !ok {
			continue
		}

		return sa.Stream(ctx, assets, func(q Quote) {
			h.remember(ctx, q)
			fn(q)
		})
	}
	return fmt.Errorf("%w: no streaming adapter registered", ErrUnsupported)
}

// LastKnownGood returns the most recent quote the hub has seen for the asset.
func (h *Hub) LastKnownGood(assetID string) (Quote, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	q, ok := h.lastGood[assetID]
	return q, ok
}

func (h *Hub) remember(ctx context.Context, q Quote) {
	h.mu.Lock()
	h.lastGood[q.Asset.ID] = q
	cache := h.cache
	h.mu.Unlock()

	if cache != nil {
		if err := cache.PutQuote(ctx, q); err != nil {
			h.log.Debug().Err(err).Str("asset", q.Asset.ID).Msg("quote cache write failed")
		}
	}
}

func (h *Hub) lastKnown(ctx context.Context, assetID string) (Quote, bool) {
	h.mu.RLock()
	q, ok := h.lastGood[assetID]
	cache := h.cache
	h.mu.RUnlock()
	if ok {
		return q, true
	}

	if cache != nil {
		cq, found, err := cache.GetQuote(ctx, assetID)
		if err == nil && found {
			return cq, true
		}
	}
	return Quote{}, false
}
