package cache

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/volt772/stormbeaver/internal/models"
)

const keyPrefix = "stormbeaver:weather:"

// MemcachedCache stores assembled responses in memcached so several service
// instances share one copy per stadium, league and hour. Entries expire at the
// end of their hour bucket; memcached evicts them, nothing here sweeps.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache connects lazily to the comma-separated server list addrs,
// falling back to localhost:11211. Zero timeout or maxIdleConns keeps the
// gomemcache default.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// League names may contain spaces, which memcached keys cannot.
func (c *MemcachedCache) key(k string) string {
	return keyPrefix + url.QueryEscape(k)
}

// Get decodes the response stored for an hour key. A miss is (zero, false, nil).
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.WeatherResponse, bool, error) {
	if ctx.Err() != nil {
		return models.WeatherResponse{}, false, ctx.Err()
	}
	item, err := c.client.Get(c.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return models.WeatherResponse{}, false, nil
		}
		return models.WeatherResponse{}, false, err
	}
	var data models.WeatherResponse
	if err := json.Unmarshal(item.Value, &data); err != nil {
		return models.WeatherResponse{}, false, err
	}
	return data, true, nil
}

// Set stores the response until the end of its hour bucket. memcached counts
// whole seconds, so ttl rounds up; a sub-second ttl would otherwise mean
// "never expire".
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.WeatherResponse, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(&memcache.Item{
		Key:        c.key(key),
		Value:      raw,
		Expiration: expirationSeconds(ttl),
	})
}

// Relative expirations above 30 days are read by memcached as unix timestamps.
const maxRelativeExpiration = 30 * 24 * 60 * 60

func expirationSeconds(ttl time.Duration) int32 {
	sec := (ttl + time.Second - 1) / time.Second
	if sec > maxRelativeExpiration {
		return maxRelativeExpiration
	}
	return int32(sec)
}

// Ping reports whether every configured server answers.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close releases idle connections.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
