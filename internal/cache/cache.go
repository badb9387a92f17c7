package cache

import (
	"context"
	"sync"
	"time"

	"github.com/volt772/stormbeaver/internal/clock"
	"github.com/volt772/stormbeaver/internal/models"
)

// Cache holds assembled weather responses in front of the database read.
// Get returns cached data if present and not expired, Set stores data with TTL.
type Cache interface {
	Get(ctx context.Context, key string) (models.WeatherResponse, bool, error)
	Set(ctx context.Context, key string, value models.WeatherResponse, ttl time.Duration) error
}

// Key builds the response cache key for a partition and hour bucket.
func Key(stadiumCode, league string, bucket time.Time) string {
	return stadiumCode + "|" + league + "|" + clock.FormatBucket(bucket)
}

// InMemoryCache implements Cache using a map with TTL-based expiration.
// Keys carry their hour bucket and are never read once the hour ends, so Set
// sweeps expired entries as soon as the earliest expiry has passed.
// Safe for concurrent use.
type InMemoryCache struct {
	mu    sync.RWMutex
	data  map[string]cacheEntry
	clock clock.Clock
	// earliest expiresAt among stored entries; zero when empty
	nextExpiry time.Time
}

type cacheEntry struct {
	value     models.WeatherResponse
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache on the system clock.
func NewInMemoryCache() *InMemoryCache {
	return NewInMemoryCacheWithClock(clock.System{})
}

// NewInMemoryCacheWithClock creates an in-memory cache that expires entries by c.
func NewInMemoryCacheWithClock(c clock.Clock) *InMemoryCache {
	return &InMemoryCache{
		data:  make(map[string]cacheEntry),
		clock: c,
	}
}

// Get returns (data, true, nil) on hit and (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.WeatherResponse, bool, error) {
	c.mu.RLock()
	entry, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return models.WeatherResponse{}, false, nil
	}

	if !c.clock.Now().Before(entry.expiresAt) {
		c.mu.Lock()
		if cur, still := c.data[key]; still && cur.expiresAt.Equal(entry.expiresAt) {
			delete(c.data, key)
		}
		c.mu.Unlock()
		return models.WeatherResponse{}, false, nil
	}

	return entry.value, true, nil
}

// Set stores the response until ttl elapses. A non-positive ttl is a no-op.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.WeatherResponse, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.clock.Now()
	expiresAt := now.Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.nextExpiry.IsZero() && !now.Before(c.nextExpiry) {
		c.sweepLocked(now)
	}
	c.data[key] = cacheEntry{value: value, expiresAt: expiresAt}
	if c.nextExpiry.IsZero() || expiresAt.Before(c.nextExpiry) {
		c.nextExpiry = expiresAt
	}
	return nil
}

// sweepLocked drops expired entries and recomputes nextExpiry.
func (c *InMemoryCache) sweepLocked(now time.Time) {
	var next time.Time
	for k, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, k)
			continue
		}
		if next.IsZero() || e.expiresAt.Before(next) {
			next = e.expiresAt
		}
	}
	c.nextExpiry = next
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
