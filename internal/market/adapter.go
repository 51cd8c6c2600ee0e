package market

import (
	"context"
	"time"
)

// Adapter is one upstream market-data source. Implementations must be safe
// for concurrent use and must honor the context deadline on every call.
type Adapter interface {
	Name() string
	// Quote returns the latest observation for the asset.
	Quote(ctx context.Context, asset Asset) (Quote, error)
	// Series returns up to count bars at the given width, oldest first.
	Series(ctx context.Context, asset Asset, width BarWidth, count int) (Series, error)
	// StalenessBound is the maximum age at which this adapter's data is
	// still considered fresh.
	StalenessBound() time.Duration
}

// StreamAdapter is implemented by adapters with a push channel. The hub
// prefers streams over polling for subscriptions when available.
type StreamAdapter interface {
	Adapter
	// Stream delivers quotes for the given assets until ctx is cancelled.
	Stream(ctx context.Context, assets []Asset, fn func(Quote)) error
}

// BookAdapter is implemented by adapters that expose order book snapshots.
type BookAdapter interface {
	Book(ctx context.Context, asset Asset, depth int) (OrderBook, error)
}
