package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"trading-assistant/config"
	"trading-assistant/internal/position"
)

const tradesSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	position_id TEXT NOT NULL,
	asset       TEXT NOT NULL,
	class       TEXT NOT NULL,
	side        TEXT NOT NULL,
	type        TEXT NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	price       DOUBLE PRECISION NOT NULL,
	cause       TEXT NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	fees        DOUBLE PRECISION NOT NULL,
	executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_asset_time_idx ON trades (asset, executed_at);
`

// PostgresArchive implements position.TradeArchive on a pgx pool. The
// table is append-only; replays of the same record ID are ignored.
type PostgresArchive struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPostgresArchive(ctx context.Context, cfg config.PostgresConfig, log zerolog.Logger) (*PostgresArchive, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres dsn: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	a := &PostgresArchive{
		pool: pool,
		log:  log.With().Str("component", "trade_archive").Logger(),
	}
	if _, err := pool.Exec(ctx, tradesSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating trades schema: %w", err)
	}
	return a, nil
}

func (a *PostgresArchive) Close() { a.pool.Close() }

// ArchiveTrade stores one closed or adjusted leg.
func (a *PostgresArchive) ArchiveTrade(ctx context.Context, rec position.TradeRecord) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO trades (id, position_id, asset, class, side, type, quantity, price, cause, pnl, fees, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.PositionID, rec.Asset, rec.Class, string(rec.Side), rec.Type,
		rec.Quantity, rec.Price, string(rec.Cause), rec.PnL, rec.Fees, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archiving trade %s: %w", rec.ID, err)
	}
	return nil
}

// TradesSince returns archived legs newest first, for reports.
func (a *PostgresArchive) TradesSince(ctx context.Context, since time.Time, limit int) ([]position.TradeRecord, error) {
	rows, err := a.pool.Query(ctx, `
		SELECT id, position_id, asset, class, side, type, quantity, price, cause, pnl, fees, executed_at
		FROM trades
		WHERE executed_at >= $1
		ORDER BY executed_at DESC
		LIMIT $2`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []position.TradeRecord
	for rows.Next() {
		var rec position.TradeRecord
		var side, cause string
		if err := rows.Scan(&rec.ID, &rec.PositionID, &rec.Asset, &rec.Class, &side, &rec.Type,
			&rec.Quantity, &rec.Price, &cause, &rec.PnL, &rec.Fees, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning trade row: %w", err)
		}
		rec.Side = position.Side(side)
		rec.Cause = position.Cause(cause)
		out = append(out, rec)
	}
	return out, rows.Err()
}
