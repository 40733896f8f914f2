package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mazstick/marketlib/internal/domain"
)

// CandleCache implements domain.CandleCache using Redis sorted sets.
//
// Key schema:
//
//	candles:{venue}:{symbol}:{tf} - sorted set of JSON candles scored by
//	                                open time in Unix milliseconds
//
// One member per open time: Put removes any member at the same score
// before adding, so a refreshed bar replaces its earlier version.
type CandleCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCandleCache creates a CandleCache backed by the given Client. A
// zero ttl keeps entries until they are explicitly invalidated.
func NewCandleCache(c *Client, ttl time.Duration) *CandleCache {
	return &CandleCache{rdb: c.Underlying(), ttl: ttl}
}

func candleKey(venue, symbol string, tf domain.Timeframe) string {
	return "candles:" + venue + ":" + symbol + ":" + string(tf)
}

// wireCandle is the compact JSON stored as sorted-set member.
type wireCandle struct {
	T int64   `json:"t"` // open time, Unix ms
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

func toWire(c domain.Candle) wireCandle {
	return wireCandle{
		T: c.Time.UnixMilli(),
		O: c.Open, H: c.High, L: c.Low, C: c.Close, V: c.Volume,
	}
}

func (w wireCandle) candle() domain.Candle {
	return domain.Candle{
		Time: time.UnixMilli(w.T).UTC(),
		Open: w.O, High: w.H, Low: w.L, Close: w.C, Volume: w.V,
	}
}

// Put stores candles, replacing any cached bar with the same open time.
func (cc *CandleCache) Put(ctx context.Context, venue, symbol string, tf domain.Timeframe, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	key := candleKey(venue, symbol, tf)

	pipe := cc.rdb.TxPipeline()
	for _, c := range candles {
		body, err := json.Marshal(toWire(c))
		if err != nil {
			return fmt.Errorf("redis: marshal candle %s @ %s: %w", symbol, c.Time, err)
		}
		ms := c.Time.UnixMilli()
		bound := strconv.FormatInt(ms, 10)
		pipe.ZRemRangeByScore(ctx, key, bound, bound)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(ms), Member: body})
	}
	if cc.ttl > 0 {
		pipe.Expire(ctx, key, cc.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put candles %s: %w", key, err)
	}
	return nil
}

// Range returns cached candles with open times inside [from, to],
// ascending. A miss is an empty slice, not an error.
func (cc *CandleCache) Range(ctx context.Context, venue, symbol string, tf domain.Timeframe, from, to time.Time) ([]domain.Candle, error) {
	key := candleKey(venue, symbol, tf)
	members, err := cc.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: range candles %s: %w", key, err)
	}

	candles := make([]domain.Candle, 0, len(members))
	for _, m := range members {
		var w wireCandle
		if err := json.Unmarshal([]byte(m), &w); err != nil {
			return nil, fmt.Errorf("redis: unmarshal candle from %s: %w", key, err)
		}
		candles = append(candles, w.candle())
	}
	return candles, nil
}

// Latest returns the most recent cached candle. It returns
// domain.ErrNotFound when the key is empty or absent.
func (cc *CandleCache) Latest(ctx context.Context, venue, symbol string, tf domain.Timeframe) (domain.Candle, error) {
	key := candleKey(venue, symbol, tf)
	members, err := cc.rdb.ZRevRange(ctx, key, 0, 0).Result()
	if err != nil {
		return domain.Candle{}, fmt.Errorf("redis: latest candle %s: %w", key, err)
	}
	if len(members) == 0 {
		return domain.Candle{}, domain.ErrNotFound
	}

	var w wireCandle
	if err := json.Unmarshal([]byte(members[0]), &w); err != nil {
		return domain.Candle{}, fmt.Errorf("redis: unmarshal latest candle from %s: %w", key, err)
	}
	return w.candle(), nil
}

// Invalidate removes every cached bar of a market/timeframe pair.
func (cc *CandleCache) Invalidate(ctx context.Context, venue, symbol string, tf domain.Timeframe) error {
	key := candleKey(venue, symbol, tf)
	if err := cc.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: invalidate candles %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.CandleCache = (*CandleCache)(nil)
