package market

import "errors"

var (
	// ErrSourceUnavailable means every adapter failed and no acceptable
	// last-known-good quote exists.
	ErrSourceUnavailable = errors.New("market: all data sources unavailable")

	// ErrStale means an adapter answered with data older than its bound.
	ErrStale = errors.New("market: stale data")

	// ErrRateLimited means the local token bucket rejected the call before
	// the deadline. Treated as a normal failover input.
	ErrRateLimited = errors.New("market: rate limited")

	// ErrSchema means the upstream payload did not match the expected shape.
	ErrSchema = errors.New("market: malformed upstream response")

	// ErrUnsupported means the adapter does not implement the requested
	// operation for this asset; the hub moves to the next adapter.
	ErrUnsupported = errors.New("market: operation not supported by adapter")

	// ErrUnknownAsset means the identifier is not in the catalog.
	ErrUnknownAsset = errors.New("market: unknown asset")
)
