// Package database keeps the settings table and the trade action journal in
// PostgreSQL or a local SQLite file.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"quantis-trader/internal/logging"
)

// DefaultURL is used when DATABASE_URL is not set.
const DefaultURL = "sqlite:///./quantis_trader.db"

// ErrUnsupportedURL is returned for database URLs with an unknown scheme.
var ErrUnsupportedURL = errors.New("unsupported database url")

// Store is implemented by both backends.
type Store interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
	AllSettings(ctx context.Context) ([]Setting, error)

	RecordTradeAction(ctx context.Context, action *TradeAction) error
	RecentTradeActions(ctx context.Context, symbol string, limit int) ([]*TradeAction, error)

	HealthCheck(ctx context.Context) error
	Close()
}

// Open connects to url and runs migrations. sqlite:// URLs (path after the
// third slash) open a local file; postgres:// and postgresql:// URLs use a
// connection pool.
func Open(ctx context.Context, url string, logger *logging.Logger) (Store, error) {
	if url == "" {
		url = DefaultURL
	}
	if logger == nil {
		logger = logging.WithComponent("database")
	}

	switch {
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		path = strings.TrimPrefix(path, "/")
		if path == "" {
			path = ":memory:"
		}
		return NewSQLite(ctx, path, logger)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewDB(ctx, url, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedURL, url)
	}
}

// LoadOrSeed reads each key from the settings table. Missing keys are
// written with the given default and the default is returned for them. A
// failing key keeps its default and is reported in the joined error.
func LoadOrSeed(ctx context.Context, s Store, defaults map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(defaults))
	var errs []error
	for key, def := range defaults {
		out[key] = def
		val, ok, err := s.GetSetting(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("get setting %s: %w", key, err))
			continue
		}
		if ok {
			out[key] = val
			continue
		}
		if err := s.SetSetting(ctx, key, def); err != nil {
			errs = append(errs, fmt.Errorf("seed setting %s: %w", key, err))
		}
	}
	return out, errors.Join(errs...)
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*SQLite)(nil)
)
