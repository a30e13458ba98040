// Package history stores candle series in Redis sorted sets.
//
// Each series lives under hist:klines:{symbol}:{granularity}. The score is the
// candle open time in milliseconds and the member a compact JSON record with
// the remaining fields, so the score is the only place the open time is kept.
package history

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"quantis-trader/internal/logging"
	"quantis-trader/internal/market"
)

// KeyPrefix is the prefix for series keys.
// Format: hist:klines:{symbol}:{granularity}
const KeyPrefix = "hist:klines"

// DefaultChunkSize bounds how many candles go into one transaction.
const DefaultChunkSize = 5000

var (
	// ErrSeriesNotFound means the series has no entries at all.
	ErrSeriesNotFound = errors.New("series not found")

	// ErrPartialUpsert means at least one chunk failed while others were applied.
	ErrPartialUpsert = errors.New("partial upsert")
)

// Options configures a Store.
type Options struct {
	ChunkSize int
	Logger    *logging.Logger
}

// Store is the time-series store. It is safe for concurrent use; writes to the
// same series are serialized.
type Store struct {
	client    redis.UniversalClient
	chunkSize int
	logger    *logging.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewStore creates a Store over an existing Redis client.
func NewStore(client redis.UniversalClient, opts Options) *Store {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("history")
	}
	return &Store{
		client:    client,
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// Key returns the Redis key for a series.
func Key(symbol string, g market.Granularity) string {
	return fmt.Sprintf("%s:%s:%s", KeyPrefix, symbol, g)
}

func (s *Store) seriesLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// Upsert writes candles keyed by open time. An existing entry with the same
// open time is replaced. It returns how many candles were new or changed;
// identical rewrites are not counted.
//
// Large batches are split into chunks that commit independently. When a chunk
// fails the remaining chunks are still attempted, the returned count covers the
// chunks that committed and the error wraps ErrPartialUpsert.
func (s *Store) Upsert(ctx context.Context, symbol string, g market.Granularity, candles []market.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	key := Key(symbol, g)
	lock := s.seriesLock(key)
	lock.Lock()
	defer lock.Unlock()

	batch := dedupe(candles)
	log := logging.SeriesContext(s.logger, symbol, string(g))

	total := 0
	var failed []error
	chunks := (len(batch) + s.chunkSize - 1) / s.chunkSize
	for i := 0; i < chunks; i++ {
		start := i * s.chunkSize
		end := start + s.chunkSize
		if end > len(batch) {
			end = len(batch)
		}

		n, err := s.upsertChunk(ctx, key, batch[start:end])
		if err != nil {
			log.Error("chunk upsert failed", "chunk", i+1, "chunks", chunks, "size", end-start, "error", err)
			failed = append(failed, fmt.Errorf("chunk %d/%d: %w", i+1, chunks, err))
			continue
		}
		total += n
	}

	if len(failed) > 0 {
		if len(failed) == chunks {
			return 0, fmt.Errorf("upsert %s: %w", key, errors.Join(failed...))
		}
		return total, fmt.Errorf("upsert %s: %w: %w", key, ErrPartialUpsert, errors.Join(failed...))
	}

	log.Debug("upsert complete", "received", len(candles), "applied", total)
	return total, nil
}

// upsertChunk reads the current members at each open time and rewrites only
// the ones that are absent or differ, inside one MULTI/EXEC.
func (s *Store) upsertChunk(ctx context.Context, key string, chunk []market.Candle) (int, error) {
	read := s.client.Pipeline()
	existing := make([]*redis.StringSliceCmd, len(chunk))
	for i, c := range chunk {
		score := scoreOf(c.OpenTime)
		existing[i] = read.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: score, Max: score})
	}
	if _, err := read.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("read existing: %w", err)
	}

	type write struct {
		ms     int64
		member string
	}
	var writes []write
	for i, c := range chunk {
		member, err := encodeMember(c)
		if err != nil {
			return 0, err
		}
		if unchanged(existing[i].Val(), c) {
			continue
		}
		writes = append(writes, write{ms: c.OpenTime.UnixMilli(), member: member})
	}
	if len(writes) == 0 {
		return 0, nil
	}

	tx := s.client.TxPipeline()
	for _, w := range writes {
		score := strconv.FormatInt(w.ms, 10)
		tx.ZRemRangeByScore(ctx, key, score, score)
		tx.ZAdd(ctx, key, redis.Z{Score: float64(w.ms), Member: w.member})
	}
	if _, err := tx.Exec(ctx); err != nil {
		return 0, fmt.Errorf("write: %w", err)
	}
	return len(writes), nil
}

// unchanged is true only when exactly one member is stored and it decodes to c.
func unchanged(members []string, c market.Candle) bool {
	if len(members) != 1 {
		return false
	}
	stored, err := decodeMember(members[0], c.OpenTime)
	if err != nil {
		return false
	}
	return stored.Equal(c)
}

// dedupe keeps the last candle per open time, preserving first-seen order.
func dedupe(candles []market.Candle) []market.Candle {
	index := make(map[int64]int, len(candles))
	out := make([]market.Candle, 0, len(candles))
	for _, c := range candles {
		ms := c.OpenTime.UnixMilli()
		if i, ok := index[ms]; ok {
			out[i] = c
			continue
		}
		index[ms] = len(out)
		out = append(out, c)
	}
	return out
}

// LastOpenTime returns the open time of the newest candle. ok is false when
// the series is empty.
func (s *Store) LastOpenTime(ctx context.Context, symbol string, g market.Granularity) (time.Time, bool, error) {
	key := Key(symbol, g)
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last open time %s: %w", key, err)
	}
	if len(zs) == 0 {
		return time.Time{}, false, nil
	}
	return market.FromMillis(int64(zs[0].Score)), true, nil
}

// LastN returns up to n most recent candles, oldest first. An empty series
// yields ErrSeriesNotFound; a series shorter than n returns what it has.
func (s *Store) LastN(ctx context.Context, symbol string, g market.Granularity, n int) ([]market.Candle, error) {
	if n <= 0 {
		return []market.Candle{}, nil
	}
	key := Key(symbol, g)
	zs, err := s.client.ZRevRangeWithScores(ctx, key, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("last %d %s: %w", n, key, err)
	}
	if len(zs) == 0 {
		return nil, fmt.Errorf("%s: %w", key, ErrSeriesNotFound)
	}

	// ZREVRANGE is newest first.
	for i, j := 0, len(zs)-1; i < j; i, j = i+1, j-1 {
		zs[i], zs[j] = zs[j], zs[i]
	}
	return s.decodeAll(key, zs), nil
}

// Range returns candles with from <= open time <= to in ascending order. No
// matches, including a missing series, is an empty slice rather than an error.
func (s *Store) Range(ctx context.Context, symbol string, g market.Granularity, from, to time.Time) ([]market.Candle, error) {
	key := Key(symbol, g)
	if to.Before(from) {
		return []market.Candle{}, nil
	}
	zs, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: scoreOf(from),
		Max: scoreOf(to),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	return s.decodeAll(key, zs), nil
}

// Count returns the number of candles stored for a series.
func (s *Store) Count(ctx context.Context, symbol string, g market.Granularity) (int64, error) {
	key := Key(symbol, g)
	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) decodeAll(key string, zs []redis.Z) []market.Candle {
	out := make([]market.Candle, 0, len(zs))
	for _, z := range zs {
		member, ok := z.Member.(string)
		if !ok {
			s.logger.Warn("skipping non-string member", "key", key, "score", z.Score)
			continue
		}
		c, err := decodeMember(member, market.FromMillis(int64(z.Score)))
		if err != nil {
			s.logger.Warn("skipping corrupt member", "key", key, "score", int64(z.Score), "error", err)
			continue
		}
		out = append(out, c)
	}
	return out
}

func scoreOf(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
