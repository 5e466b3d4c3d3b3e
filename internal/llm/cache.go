package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Default response-cache bounds.
const (
	DefaultCacheSize = 100
	DefaultCacheTTL  = time.Hour
)

// ResponseCache memoizes completions keyed by conversation fingerprint.
// Entries expire after the TTL; capacity evictions and expirations both
// count as evictions. A disabled cache misses on every probe.
//
// Counters are atomics because the eviction callback fires while the LRU
// holds its internal lock; taking another mutex there would invert lock
// order against Stats.
type ResponseCache struct {
	lru     *expirable.LRU[string, Completion]
	enabled bool

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Size      int     `json:"size"`
	HitRate   float64 `json:"hit_rate"`
}

// NewResponseCache builds a cache with the given capacity and TTL. Non
// positive values fall back to the defaults.
func NewResponseCache(maxSize int, ttl time.Duration, enabled bool) *ResponseCache {
	if maxSize <= 0 {
		maxSize = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	c := &ResponseCache{enabled: enabled}
	c.lru = expirable.NewLRU[string, Completion](maxSize, func(string, Completion) {
		c.evictions.Add(1)
	}, ttl)
	return c
}

// Get probes the cache. Expired entries are treated as absent.
func (c *ResponseCache) Get(key string) (Completion, bool) {
	if !c.enabled {
		c.misses.Add(1)
		return Completion{}, false
	}
	value, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

// Put stores a completion. No-op when the cache is disabled.
func (c *ResponseCache) Put(key string, value Completion) {
	if !c.enabled {
		return
	}
	c.lru.Add(key, value)
}

// Stats reports counters with hit_rate rounded to three decimals.
func (c *ResponseCache) Stats() CacheStats {
	stats := CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.lru.Len(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = math.Round(float64(stats.Hits)/float64(total)*1000) / 1000
	}
	return stats
}

// Fingerprint derives the cache key for a conversation: sha256 over the
// model name and every message role and content, truncated to 32 hex chars.
func Fingerprint(model string, messages []Message) string {
	h := sha256.New()
	io.WriteString(h, model)
	for _, m := range messages {
		io.WriteString(h, "\x1f")
		io.WriteString(h, m.Role)
		io.WriteString(h, "\x1e")
		io.WriteString(h, m.Content)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
