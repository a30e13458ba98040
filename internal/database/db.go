package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"quantis-trader/internal/logging"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewDB creates a new database connection
func NewDB(ctx context.Context, dsn string, logger *logging.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	db := &DB{Pool: pool, logger: logger}
	if err := db.RunMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL database", "database", poolConfig.ConnConfig.Database)
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key VARCHAR(100) PRIMARY KEY,
			value TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS trade_actions (
			id BIGSERIAL PRIMARY KEY,
			cycle_id VARCHAR(64),
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(8) NOT NULL,
			status VARCHAR(16) NOT NULL,
			signal VARCHAR(8),
			held_before VARCHAR(8),
			held_after VARCHAR(8),
			order_size NUMERIC(30, 12),
			balance NUMERIC(30, 12),
			price DOUBLE PRECISION,
			reason TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_actions_symbol_time ON trade_actions(symbol, created_at DESC)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// GetSetting retrieves a single setting by key
func (db *DB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value *string
	err := db.Pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if value == nil {
		return "", true, nil
	}
	return *value, true, nil
}

// SetSetting creates or updates a setting
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			updated_at = EXCLUDED.updated_at`,
		key, value, time.Now().UTC())
	return err
}

// AllSettings retrieves all settings
func (db *DB) AllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := db.Pool.Query(ctx, `SELECT key, COALESCE(value, ''), updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var s Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.UpdatedAt); err != nil {
			return nil, err
		}
		settings = append(settings, s)
	}
	return settings, rows.Err()
}

// RecordTradeAction inserts a journal entry
func (db *DB) RecordTradeAction(ctx context.Context, a *TradeAction) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	return db.Pool.QueryRow(ctx,
		`INSERT INTO trade_actions
			(cycle_id, symbol, action, status, signal, held_before, held_after, order_size, balance, price, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::NUMERIC, NULLIF($9, '')::NUMERIC, $10, $11, $12)
		 RETURNING id`,
		a.CycleID, a.Symbol, a.Action, a.Status, a.Signal, a.HeldBefore, a.HeldAfter,
		a.OrderSize, a.Balance, a.Price, a.Reason, a.CreatedAt,
	).Scan(&a.ID)
}

// RecentTradeActions returns the newest journal entries for symbol
func (db *DB) RecentTradeActions(ctx context.Context, symbol string, limit int) ([]*TradeAction, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, COALESCE(cycle_id, ''), symbol, action, status, COALESCE(signal, ''),
			COALESCE(held_before, ''), COALESCE(held_after, ''),
			COALESCE(order_size::TEXT, ''), COALESCE(balance::TEXT, ''), price, COALESCE(reason, ''), created_at
		 FROM trade_actions WHERE symbol = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeAction
	for rows.Next() {
		a := &TradeAction{}
		if err := rows.Scan(&a.ID, &a.CycleID, &a.Symbol, &a.Action, &a.Status, &a.Signal,
			&a.HeldBefore, &a.HeldAfter, &a.OrderSize, &a.Balance, &a.Price, &a.Reason, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
