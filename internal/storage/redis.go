// Package storage persists hot state in Redis and archives closed
// trades in Postgres. Both stores are optional: the assistant runs
// fully in memory without them, it just forgets across restarts.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/market"
	"trading-assistant/internal/position"
)

const (
	// quoteKeyPrefix keys the last-known-good cache: assistant:quote:{asset}
	quoteKeyPrefix = "assistant:quote"
	// positionsKey holds the open-position checkpoint as one JSON array.
	positionsKey = "assistant:positions:open"
	// tradesKeyPrefix counts closed trades per day: assistant:trades:{2006-01-02}
	tradesKeyPrefix = "assistant:trades"

	quoteTTL = 5 * time.Minute
	// Checkpoints outlive any plausible restart gap but not forgotten
	// deployments.
	checkpointTTL = 7 * 24 * time.Hour
	// Two days covers the read-back window across a midnight restart.
	tradesTTL = 48 * time.Hour
)

// RedisStore implements market.QuoteCache and position.CheckpointStore
// on one shared client.
type RedisStore struct {
	client *redis.Client
	log    zerolog.Logger
}

// NewRedisStore connects and pings. A dead Redis at startup is an error
// so the operator learns immediately; the callers treat the store as
// optional and log write failures instead of propagating them.
func NewRedisStore(cfg config.RedisConfig, log zerolog.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Address, err)
	}
	return NewRedisStoreWithClient(client, log), nil
}

// NewRedisStoreWithClient wraps an existing client. Used with redismock
// in tests.
func NewRedisStoreWithClient(client *redis.Client, log zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		log:    log.With().Str("component", "redis_store").Logger(),
	}
}

func (s *RedisStore) Close() error { return s.client.Close() }

func quoteKey(assetID string) string {
	return fmt.Sprintf("%s:%s", quoteKeyPrefix, assetID)
}

// PutQuote caches the latest quote so a restarted hub can serve
// last-known-good values before its first upstream fetch.
func (s *RedisStore) PutQuote(ctx context.Context, q market.Quote) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshaling quote: %w", err)
	}
	if err := s.client.Set(ctx, quoteKey(q.Asset.ID), data, quoteTTL).Err(); err != nil {
		return fmt.Errorf("caching quote %s: %w", q.Asset.ID, err)
	}
	return nil
}

// GetQuote returns the cached quote; a miss is (zero, false, nil).
func (s *RedisStore) GetQuote(ctx context.Context, assetID string) (market.Quote, bool, error) {
	data, err := s.client.Get(ctx, quoteKey(assetID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return market.Quote{}, false, nil
	}
	if err != nil {
		return market.Quote{}, false, fmt.Errorf("reading cached quote %s: %w", assetID, err)
	}
	var q market.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return market.Quote{}, false, fmt.Errorf("decoding cached quote %s: %w", assetID, err)
	}
	return q, true, nil
}

// SavePositions checkpoints the whole open set in one write, replacing
// the previous checkpoint.
func (s *RedisStore) SavePositions(ctx context.Context, positions []position.Position) error {
	data, err := json.Marshal(positions)
	if err != nil {
		return fmt.Errorf("marshaling position checkpoint: %w", err)
	}
	if err := s.client.Set(ctx, positionsKey, data, checkpointTTL).Err(); err != nil {
		return fmt.Errorf("writing position checkpoint: %w", err)
	}
	return nil
}

func tradesKey(day string) string {
	return fmt.Sprintf("%s:%s", tradesKeyPrefix, day)
}

// IncrDailyTrades bumps the closed-trade counter for a day stamp in
// 2006-01-02 form. The counter backs the daily trade cap across
// restarts.
func (s *RedisStore) IncrDailyTrades(ctx context.Context, day string) error {
	key := tradesKey(day)
	pipe := s.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, tradesTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("incrementing trade counter %s: %w", day, err)
	}
	return nil
}

// DailyTrades returns the closed-trade count for the day; a missing
// counter is zero.
func (s *RedisStore) DailyTrades(ctx context.Context, day string) (int, error) {
	n, err := s.client.Get(ctx, tradesKey(day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading trade counter %s: %w", day, err)
	}
	return n, nil
}

// LoadPositions returns the checkpointed open set; no checkpoint is an
// empty slice, not an error.
func (s *RedisStore) LoadPositions(ctx context.Context) ([]position.Position, error) {
	data, err := s.client.Get(ctx, positionsKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading position checkpoint: %w", err)
	}
	var out []position.Position
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decoding position checkpoint: %w", err)
	}
	return out, nil
}
