package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"quantis-trader/internal/logging"
)

// SQLite is the local single-file backend.
type SQLite struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *logging.Logger
}

// NewSQLite opens (or creates) the SQLite database and runs migrations.
func NewSQLite(ctx context.Context, path string, logger *logging.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection keeps :memory: databases shared across calls.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	s := &SQLite{db: db, logger: logger}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logger.Info("sqlite database opened", "path", path)
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS trade_actions (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			cycle_id    TEXT,
			symbol      TEXT NOT NULL,
			action      TEXT NOT NULL,
			status      TEXT NOT NULL,
			signal      TEXT,
			held_before TEXT,
			held_after  TEXT,
			order_size  TEXT,
			balance     TEXT,
			price       REAL,
			reason      TEXT,
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_actions_symbol_time ON trade_actions(symbol, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Close closes the database.
func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing sqlite database", "error", err)
	}
}

// HealthCheck pings the database.
func (s *SQLite) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSetting retrieves a single setting by key.
func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value.String, true, nil
}

// SetSetting creates or updates a setting.
func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// AllSettings retrieves all settings ordered by key.
func (s *SQLite) AllSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, COALESCE(value, ''), updated_at FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []Setting
	for rows.Next() {
		var st Setting
		var updated int64
		if err := rows.Scan(&st.Key, &st.Value, &updated); err != nil {
			return nil, err
		}
		st.UpdatedAt = time.UnixMilli(updated).UTC()
		settings = append(settings, st)
	}
	return settings, rows.Err()
}

// RecordTradeAction inserts a journal entry.
func (s *SQLite) RecordTradeAction(ctx context.Context, a *TradeAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	var price sql.NullFloat64
	if a.Price != nil {
		price = sql.NullFloat64{Float64: *a.Price, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO trade_actions
		(cycle_id, symbol, action, status, signal, held_before, held_after, order_size, balance, price, reason, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.CycleID, a.Symbol, a.Action, a.Status, a.Signal, a.HeldBefore, a.HeldAfter,
		a.OrderSize, a.Balance, price, a.Reason, a.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	a.ID, err = res.LastInsertId()
	return err
}

// RecentTradeActions returns the newest journal entries for symbol.
func (s *SQLite) RecentTradeActions(ctx context.Context, symbol string, limit int) ([]*TradeAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(cycle_id, ''), symbol, action, status, COALESCE(signal, ''),
			COALESCE(held_before, ''), COALESCE(held_after, ''), COALESCE(order_size, ''),
			COALESCE(balance, ''), price, COALESCE(reason, ''), created_at
		 FROM trade_actions WHERE symbol = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TradeAction
	for rows.Next() {
		a := &TradeAction{}
		var price sql.NullFloat64
		var created int64
		if err := rows.Scan(&a.ID, &a.CycleID, &a.Symbol, &a.Action, &a.Status, &a.Signal,
			&a.HeldBefore, &a.HeldAfter, &a.OrderSize, &a.Balance, &price, &a.Reason, &created); err != nil {
			return nil, err
		}
		if price.Valid {
			p := price.Float64
			a.Price = &p
		}
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
