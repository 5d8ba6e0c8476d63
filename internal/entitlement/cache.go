package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultFreshness is how long a cached snapshot is trusted before a live
// read is forced.
const DefaultFreshness = 24 * time.Hour

// Snapshot is the persisted form of a resolution plus when it was taken.
type Snapshot struct {
	Resolution Resolution `json:"resolution"`
	CachedAt   time.Time  `json:"cached_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for redis.
func (s *Snapshot) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for redis.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

// KV is the slice of the redis client the cache needs.
type KV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache mirrors the last successfully resolved entitlement. It never
// returns errors: a broken cache degrades to "no cached data" and the
// caller falls back to the free tier.
type Cache struct {
	kv        KV
	freshness time.Duration
	log       zerolog.Logger
}

func NewCache(kv KV, freshness time.Duration, log zerolog.Logger) *Cache {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	return &Cache{kv: kv, freshness: freshness, log: log}
}

func cacheKey(userID string) string {
	return fmt.Sprintf("entitlement:cache:%s", userID)
}

// Write stores a resolution snapshot. Failures are logged and dropped; a
// missed cache write only costs a future provider round trip.
func (c *Cache) Write(ctx context.Context, userID string, res Resolution, now time.Time) {
	snap := &Snapshot{Resolution: res, CachedAt: now}
	if err := c.kv.Set(ctx, cacheKey(userID), snap, c.freshness).Err(); err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("entitlement cache write failed")
	}
}

// Read returns the cached resolution, or nil when there is none worth
// using. A snapshot whose own expiration date has passed is not stale data
// but a fact: the subscription ended, so a synthesized free-tier resolution
// is returned regardless of cache age.
func (c *Cache) Read(ctx context.Context, userID string, now time.Time) *Resolution {
	var snap Snapshot
	err := c.kv.Get(ctx, cacheKey(userID)).Scan(&snap)
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		c.log.Warn().Err(err).Str("user_id", userID).Msg("entitlement cache read failed")
		return nil
	}

	exp := snap.Resolution.ExpirationDate
	if !exp.IsZero() && now.After(exp) {
		free := FreeResolution()
		free.ExpirationDate = exp
		return &free
	}

	if now.Sub(snap.CachedAt) > c.freshness {
		return nil
	}

	res := snap.Resolution
	return &res
}
