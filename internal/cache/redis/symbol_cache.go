package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mazstick/marketlib/internal/domain"
)

const symbolTTL = 15 * time.Minute

// SymbolCache implements domain.SymbolCache using Redis sets.
//
// Key schema:
//
//	symbols:{venue} - set of tradable symbols on that venue
type SymbolCache struct {
	rdb *redis.Client
}

// NewSymbolCache creates a SymbolCache backed by the given Client.
func NewSymbolCache(c *Client) *SymbolCache {
	return &SymbolCache{rdb: c.Underlying()}
}

func symbolKey(venue string) string { return "symbols:" + venue }

// SetSymbols replaces the cached symbol list of a venue with a
// 15-minute TTL.
func (sc *SymbolCache) SetSymbols(ctx context.Context, venue string, symbols []string) error {
	key := symbolKey(venue)

	members := make([]interface{}, 0, len(symbols))
	for _, s := range symbols {
		if s == "" {
			continue
		}
		members = append(members, s)
	}

	pipe := sc.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, symbolTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set symbols %s: %w", venue, err)
	}
	return nil
}

// GetSymbols returns the cached symbol list of a venue, sorted. It
// returns domain.ErrNotFound when the venue has no cached list.
func (sc *SymbolCache) GetSymbols(ctx context.Context, venue string) ([]string, error) {
	symbols, err := sc.rdb.SMembers(ctx, symbolKey(venue)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get symbols %s: %w", venue, err)
	}
	if len(symbols) == 0 {
		return nil, domain.ErrNotFound
	}
	sort.Strings(symbols)
	return symbols, nil
}

// Compile-time interface check.
var _ domain.SymbolCache = (*SymbolCache)(nil)
