package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/rs/zerolog"

	"trading-assistant/internal/market"
	"trading-assistant/internal/position"
)

// Quotes round-trip through the per-asset cache key with the write TTL,
// and a missing key reads as a miss, not an error.
func TestQuoteCacheRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(db, zerolog.Nop())

	q := market.Quote{
		Asset:     market.Asset{ID: "005930", Class: market.ClassEquity, Name: "Samsung Electronics", Currency: "KRW"},
		Timestamp: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		Price:     75000,
	}
	data, err := json.Marshal(q)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectSet("assistant:quote:005930", data, quoteTTL).SetVal("OK")
	if err := store.PutQuote(context.Background(), q); err != nil {
		t.Fatalf("PutQuote: %v", err)
	}

	mock.ExpectGet("assistant:quote:005930").SetVal(string(data))
	got, ok, err := store.GetQuote(context.Background(), "005930")
	if err != nil || !ok {
		t.Fatalf("GetQuote: ok=%v err=%v", ok, err)
	}
	if got.Price != 75000 || !got.Timestamp.Equal(q.Timestamp) {
		t.Fatalf("cached quote = %+v", got)
	}

	mock.ExpectGet("assistant:quote:KRW-BTC").RedisNil()
	if _, ok, err := store.GetQuote(context.Background(), "KRW-BTC"); err != nil || ok {
		t.Fatalf("miss should be (false, nil), got ok=%v err=%v", ok, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// The checkpoint stores the whole open set under one key and a missing
// checkpoint loads as empty.
func TestPositionCheckpoint(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(db, zerolog.Nop())

	open := []position.Position{{
		ID:                "p1",
		Asset:             market.Asset{ID: "005930", Class: market.ClassEquity, Currency: "KRW"},
		Side:              position.SideLong,
		Quantity:          10,
		QuantityRemaining: 10,
		EntryPrice:        75000,
		EntryTime:         time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
	}}
	data, err := json.Marshal(open)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	mock.ExpectSet(positionsKey, data, checkpointTTL).SetVal("OK")
	if err := store.SavePositions(context.Background(), open); err != nil {
		t.Fatalf("SavePositions: %v", err)
	}

	mock.ExpectGet(positionsKey).SetVal(string(data))
	loaded, err := store.LoadPositions(context.Background())
	if err != nil {
		t.Fatalf("LoadPositions: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "p1" || loaded[0].EntryPrice != 75000 {
		t.Fatalf("loaded = %+v", loaded)
	}

	mock.ExpectGet(positionsKey).RedisNil()
	loaded, err = store.LoadPositions(context.Background())
	if err != nil || loaded != nil {
		t.Fatalf("empty checkpoint should be (nil, nil), got %v, %v", loaded, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

// The daily counter increments inside a MULTI/EXEC with its TTL refresh
// and reads back as zero when the day has no trades yet.
func TestDailyTradeCounter(t *testing.T) {
	db, mock := redismock.NewClientMock()
	store := NewRedisStoreWithClient(db, zerolog.Nop())

	mock.ExpectTxPipeline()
	mock.ExpectIncr("assistant:trades:2025-03-10").SetVal(1)
	mock.ExpectExpire("assistant:trades:2025-03-10", tradesTTL).SetVal(true)
	mock.ExpectTxPipelineExec()
	if err := store.IncrDailyTrades(context.Background(), "2025-03-10"); err != nil {
		t.Fatalf("IncrDailyTrades: %v", err)
	}

	mock.ExpectGet("assistant:trades:2025-03-10").SetVal("3")
	n, err := store.DailyTrades(context.Background(), "2025-03-10")
	if err != nil || n != 3 {
		t.Fatalf("DailyTrades = %d, %v", n, err)
	}

	mock.ExpectGet("assistant:trades:2025-03-11").RedisNil()
	n, err = store.DailyTrades(context.Background(), "2025-03-11")
	if err != nil || n != 0 {
		t.Fatalf("missing counter should read 0, got %d, %v", n, err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
