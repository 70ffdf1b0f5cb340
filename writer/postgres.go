package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"bidaskflow/config"
	"bidaskflow/internal/metrics"
	"bidaskflow/logger"
	"bidaskflow/models"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS order_book_levels (
		id BIGSERIAL PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		channel_uuid TEXT,
		received_at TIMESTAMPTZ NOT NULL,
		side TEXT NOT NULL,
		rank INT NOT NULL,
		raw_price NUMERIC NOT NULL,
		raw_quantity NUMERIC NOT NULL,
		base_price_amount NUMERIC NOT NULL,
		base_quantity_amount NUMERIC NOT NULL,
		base_cum_quantity NUMERIC NOT NULL,
		base_level_cost NUMERIC NOT NULL,
		base_cum_cost NUMERIC NOT NULL,
		display_price NUMERIC NOT NULL,
		display_quantity NUMERIC NOT NULL,
		display_cum_quantity NUMERIC NOT NULL,
		level_cost NUMERIC NOT NULL,
		cumulative_cost NUMERIC NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_book_levels_symbol_time
		ON order_book_levels (symbol, received_at)`,
	`CREATE INDEX IF NOT EXISTS idx_order_book_levels_snapshot
		ON order_book_levels (snapshot_id)`,
	`CREATE TABLE IF NOT EXISTS trades (
		trade_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		channel_uuid TEXT,
		raw_price NUMERIC NOT NULL,
		raw_quantity NUMERIC NOT NULL,
		base_price_amount NUMERIC NOT NULL,
		base_quantity_amount NUMERIC NOT NULL,
		display_price NUMERIC NOT NULL,
		display_quantity NUMERIC NOT NULL,
		display_total NUMERIC NOT NULL,
		trade_time TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		raw JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_symbol_time
		ON trades (symbol, trade_time)`,
}

const insertLevelSQL = `
	INSERT INTO order_book_levels (
		snapshot_id, symbol, channel_uuid, received_at, side, rank,
		raw_price, raw_quantity,
		base_price_amount, base_quantity_amount, base_cum_quantity,
		base_level_cost, base_cum_cost,
		display_price, display_quantity, display_cum_quantity,
		level_cost, cumulative_cost
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

const insertTradeSQL = `
	INSERT INTO trades (
		trade_id, symbol, channel_uuid,
		raw_price, raw_quantity,
		base_price_amount, base_quantity_amount,
		display_price, display_quantity, display_total,
		trade_time, received_at, raw
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	ON CONFLICT (trade_id) DO NOTHING`

// PostgresStore persists one row per order-book level and one row per trade.
// Level rows of a snapshot share a generated snapshot id. Decimals travel as
// strings into NUMERIC columns so no precision is lost on the way in.
type PostgresStore struct {
	pool      *pgxpool.Pool
	cfg       config.PostgresConfig
	collector *metrics.Collector
	log       *logger.Log
}

func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, collector *metrics.Collector) (*PostgresStore, error) {
	log := logger.GetLogger()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("bootstrap postgres schema: %w", err)
		}
	}

	log.WithComponent("postgres_store").WithFields(logger.Fields{
		"batch_size":    cfg.BatchSize,
		"batch_timeout": cfg.BatchTimeout.String(),
	}).Info("postgres store initialized")

	return &PostgresStore{
		pool:      pool,
		cfg:       cfg,
		collector: collector,
		log:       log,
	}, nil
}

// WriteSnapshot inserts every level of the snapshot, batched to the
// configured size. Very deep books just send more batches.
func (s *PostgresStore) WriteSnapshot(ctx context.Context, snap *models.OrderBookSnapshot) error {
	started := time.Now()
	snapshotID := uuid.NewString()
	levels := make([]models.OrderBookLevel, 0, len(snap.Bids)+len(snap.Asks))
	levels = append(levels, snap.Bids...)
	levels = append(levels, snap.Asks...)

	for start := 0; start < len(levels); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(levels) {
			end = len(levels)
		}
		if err := s.sendLevelBatch(ctx, snapshotID, snap, levels[start:end]); err != nil {
			s.collector.DatabaseError()
			return fmt.Errorf("insert order book levels for %s: %w", snap.Symbol, err)
		}
	}

	s.collector.DatabaseWrite()
	logger.LogPerformanceEntry(s.log.WithComponent("postgres_store"), "postgres_store", "insert_snapshot", time.Since(started), logger.Fields{
		"symbol": snap.Symbol,
		"levels": len(levels),
	})
	return nil
}

func (s *PostgresStore) sendLevelBatch(ctx context.Context, snapshotID string, snap *models.OrderBookSnapshot, levels []models.OrderBookLevel) error {
	if len(levels) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, lv := range levels {
		batch.Queue(insertLevelSQL, levelArgs(snapshotID, snap, lv)...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range levels {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// WriteTrade inserts one trade row. Replays of the same execution id are
// swallowed by the conflict clause, so redeliveries after a reconnect do not
// fail the write.
func (s *PostgresStore) WriteTrade(ctx context.Context, trade *models.Trade) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BatchTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, insertTradeSQL, tradeArgs(trade)...); err != nil {
		s.collector.DatabaseError()
		return fmt.Errorf("insert trade %s: %w", trade.TradeID, err)
	}

	s.collector.DatabaseWrite()
	return nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	s.pool.Close()
	s.log.WithComponent("postgres_store").Info("postgres store closed")
	return nil
}

func levelArgs(snapshotID string, snap *models.OrderBookSnapshot, lv models.OrderBookLevel) []any {
	return []any{
		snapshotID,
		snap.Symbol,
		snap.ChannelUUID,
		snap.ReceivedAt,
		lv.Side,
		lv.Rank,
		lv.RawPrice.String(),
		lv.RawQuantity.String(),
		lv.BasePriceAmount.String(),
		lv.BaseQuantityAmount.String(),
		lv.BaseCumQuantity.String(),
		lv.BaseLevelCost.String(),
		lv.BaseCumCost.String(),
		lv.DisplayPrice.String(),
		lv.DisplayQuantity.String(),
		lv.DisplayCumQuantity.String(),
		lv.LevelCost.String(),
		lv.CumulativeCost.String(),
	}
}

func tradeArgs(trade *models.Trade) []any {
	var raw any
	if len(trade.Raw) > 0 {
		raw = string(trade.Raw)
	}
	return []any{
		trade.TradeID,
		trade.Symbol,
		trade.ChannelUUID,
		trade.RawPrice.String(),
		trade.RawQuantity.String(),
		trade.BasePriceAmount.String(),
		trade.BaseQuantityAmount.String(),
		trade.DisplayPrice.String(),
		trade.DisplayQuantity.String(),
		trade.DisplayTotal.String(),
		trade.TradeTime,
		trade.ReceivedAt,
		raw,
	}
}
