// Package state keeps small key-value bot state in Redis, most importantly
// which side of each trading pair the bot currently holds.
//
// The store keeps an in-memory copy of every value Redis has confirmed. When
// Redis cannot be read that copy is served; when there is no copy, or a write
// was not acknowledged, the error is returned so callers treat the state as
// unavailable instead of assuming a default.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"quantis-trader/internal/logging"
)

// KeyPrefix is the prefix for state keys.
// Format: state:{context}
const KeyPrefix = "state"

// HeldAsset says which asset of a pair the bot is holding.
type HeldAsset string

const (
	Quote HeldAsset = "QUOTE"
	Base  HeldAsset = "BASE"
)

// DefaultHeld is assumed when nothing is stored yet.
const DefaultHeld = Quote

// ErrUnknownAsset means the stored value names neither asset of the pair.
var ErrUnknownAsset = errors.New("stored asset does not belong to pair")

// Pair names a trading pair and its two assets, e.g. BTCUSDT = BTC / USDT.
type Pair struct {
	Symbol string
	Base   string
	Quote  string
}

// Asset returns the ticker of the held side.
func (p Pair) Asset(h HeldAsset) string {
	if h == Base {
		return p.Base
	}
	return p.Quote
}

// PositionContext is the state context holding the held asset of a symbol.
func PositionContext(symbol string) string {
	return "position_asset:" + symbol
}

// Store is a Redis-backed state store with an in-memory fallback.
type Store struct {
	client         redis.UniversalClient
	logger         *logging.Logger
	redisAvailable atomic.Bool

	cacheMu sync.RWMutex
	cache   map[string]string
}

// NewStore creates a Store. A nil client runs memory-only.
func NewStore(client redis.UniversalClient, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.WithComponent("state")
	}
	s := &Store{
		client: client,
		logger: logger,
		cache:  make(map[string]string),
	}
	s.redisAvailable.Store(client != nil)
	if client == nil {
		logger.Warn("no Redis client provided, using in-memory state only")
	}
	return s
}

// Available reports whether the last Redis operation succeeded.
func (s *Store) Available() bool {
	return s.redisAvailable.Load()
}

func key(name string) string {
	return fmt.Sprintf("%s:%s", KeyPrefix, name)
}

// Get returns the value stored for a context. ok is false only when Redis
// confirms the key is unset.
func (s *Store) Get(ctx context.Context, name string) (string, bool, error) {
	k := key(name)
	if s.client != nil {
		v, err := s.client.Get(ctx, k).Result()
		switch {
		case err == nil:
			s.redisAvailable.Store(true)
			s.updateCache(k, v)
			return v, true, nil
		case errors.Is(err, redis.Nil):
			s.redisAvailable.Store(true)
			return "", false, nil
		default:
			s.redisAvailable.Store(false)
			if v, ok := s.cached(k); ok {
				s.logger.Warn("Redis read failed, using in-memory state", "key", k, "error", err)
				return v, true, nil
			}
			s.logger.Error("Redis read failed and no in-memory state", "key", k, "error", err)
			return "", false, fmt.Errorf("reading %s: %w", k, err)
		}
	}

	v, ok := s.cached(k)
	return v, ok, nil
}

// Set stores a value for a context. A zero ttl keeps it forever. When Redis
// rejects the write the outcome is unknown, so the in-memory copy is dropped
// and the error returned.
func (s *Store) Set(ctx context.Context, name, value string, ttl time.Duration) error {
	k := key(name)
	if s.client == nil {
		s.updateCache(k, value)
		return nil
	}
	if err := s.client.Set(ctx, k, value, ttl).Err(); err != nil {
		s.logger.Error("Redis write failed", "key", k, "error", err)
		s.redisAvailable.Store(false)
		s.cacheMu.Lock()
		delete(s.cache, k)
		s.cacheMu.Unlock()
		return fmt.Errorf("writing %s: %w", k, err)
	}
	s.redisAvailable.Store(true)
	s.updateCache(k, value)
	s.logger.Debug("state saved", "key", k, "value", value, "ttl", ttl.String())
	return nil
}

func (s *Store) cached(k string) (string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	v, ok := s.cache[k]
	return v, ok
}

func (s *Store) updateCache(k, v string) {
	s.cacheMu.Lock()
	s.cache[k] = v
	s.cacheMu.Unlock()
}

// HeldAsset returns the held side of the pair. Only when the key is known to
// be unset is the default written and returned; a failed read is an error.
func (s *Store) HeldAsset(ctx context.Context, pair Pair) (HeldAsset, error) {
	v, ok, err := s.Get(ctx, PositionContext(pair.Symbol))
	if err != nil {
		return "", err
	}
	if !ok {
		s.logger.Info("no position state, assuming default", "symbol", pair.Symbol, "held", DefaultHeld)
		if err := s.SetHeldAsset(ctx, pair, DefaultHeld); err != nil {
			return "", err
		}
		return DefaultHeld, nil
	}

	switch v {
	case pair.Quote:
		return Quote, nil
	case pair.Base:
		return Base, nil
	default:
		return "", fmt.Errorf("%w: %s holds %q", ErrUnknownAsset, pair.Symbol, v)
	}
}

// SetHeldAsset records the held side of the pair as the asset ticker.
func (s *Store) SetHeldAsset(ctx context.Context, pair Pair, h HeldAsset) error {
	if h != Quote && h != Base {
		return fmt.Errorf("invalid held asset %q", h)
	}
	return s.Set(ctx, PositionContext(pair.Symbol), pair.Asset(h), 0)
}
