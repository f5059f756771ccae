package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/platefinder/placegw/internal/redis"
)

// uriCacheMaxCost is the memory budget for the local URI cache (16 MiB).
// Entries are short URI strings, so this comfortably holds the hot set.
const uriCacheMaxCost = 16 << 20

const uriKeyPrefix = "uri:"

// URICache caches resolved binary media URIs in two layers: a local
// ristretto cache for the hot path and Redis so replicas share resolutions.
// Entries expire well before the provider-issued URIs do, so a cache hit is
// always still fetchable.
type URICache struct {
	local  *ristretto.Cache[string, string]
	rdb    redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewURICache creates the two-layer cache. rdb may be nil in tests, which
// leaves only the local layer active.
func NewURICache(rdb redis.Client, ttl time.Duration, logger *slog.Logger) *URICache {
	local, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters: 1e5, // ~10x the expected item count
		MaxCost:     uriCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}
	return &URICache{
		local:  local,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached URI for key, checking the local layer first.
// A Redis hit backfills the local layer.
func (c *URICache) Get(ctx context.Context, key string) (string, bool) {
	if uri, ok := c.local.Get(key); ok {
		return uri, true
	}
	if c.rdb == nil {
		return "", false
	}

	uri, err := c.rdb.Get(ctx, uriKeyPrefix+key).Result()
	if err != nil {
		if err != goredis.Nil {
			c.logger.Debug("uri cache read failed", "key", key, "error", err)
		}
		return "", false
	}

	c.local.SetWithTTL(key, uri, int64(len(uri)), c.ttl)
	return uri, true
}

// Put stores the URI in both layers. Redis write failures are logged and
// ignored; the local layer alone is enough to serve this replica.
func (c *URICache) Put(ctx context.Context, key, uri string) {
	c.local.SetWithTTL(key, uri, int64(len(uri)), c.ttl)
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, uriKeyPrefix+key, uri, c.ttl).Err(); err != nil {
		c.logger.Debug("uri cache write failed", "key", key, "error", err)
	}
}

// Wait blocks until pending local writes are applied. Test helper.
func (c *URICache) Wait() {
	c.local.Wait()
}

// Close releases the local cache resources.
func (c *URICache) Close() {
	c.local.Close()
}
