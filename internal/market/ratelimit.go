package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trading-assistant/config"
)

// limiterSet holds one token bucket per adapter, sized from the adapter's
// documented quota minus a safety margin.
type limiterSet struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	fallback config.RateLimit
}

func newLimiterSet(limits map[string]config.RateLimit) *limiterSet {
	ls := &limiterSet{
		limiters: make(map[string]*rate.Limiter, len(limits)),
		fallback: config.RateLimit{RPS: 1, Burst: 1},
	}
	for name, l := range limits {
		ls.limiters[name] = rate.NewLimiter(rate.Limit(l.RPS), l.Burst)
	}
	return ls
}

// wait blocks until a token is available or the deadline passes. A deadline
// miss is reported as ErrRateLimited so callers fail over normally.
func (ls *limiterSet) wait(ctx context.Context, adapter string, deadline time.Duration) error {
	lim := ls.get(adapter)

	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := lim.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: adapter %s", ErrRateLimited, adapter)
	}
	return nil
}

func (ls *limiterSet) get(adapter string) *rate.Limiter {
	ls.mu.RLock()
	lim, ok := ls.limiters[adapter]
	ls.mu.RUnlock()
	if ok {
		return lim
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if lim, ok = ls.limiters[adapter]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(ls.fallback.RPS), ls.fallback.Burst)
	ls.limiters[adapter] = lim
	return lim
}
