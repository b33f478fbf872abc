package cache

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

var ErrEntryTooLarge = errors.New("cache entry larger than local cache capacity")

type localEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e localEntry) size(key string) int64 {
	return int64(len(key) + len(e.value))
}

// LocalCache is the in-process tier: least-recently-used eviction bounded by
// entry count and by the aggregate size of keys plus values.
type LocalCache struct {
	mu        sync.Mutex
	lru       *simplelru.LRU[string, localEntry]
	maxBytes  int64
	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64
	explicit  bool
	now       func() time.Time
}

type LocalStats struct {
	Count       int    `json:"count"`
	ApproxBytes int64  `json:"approxBytes"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
}

func NewLocalCache(maxEntries int, maxBytes int64) (*LocalCache, error) {
	c := &LocalCache{
		maxBytes: maxBytes,
		now:      time.Now,
	}
	l, err := simplelru.NewLRU[string, localEntry](maxEntries, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs with c.mu held.
func (c *LocalCache) onEvict(key string, e localEntry) {
	c.bytes -= e.size(key)
	if !c.explicit {
		c.evictions++
	}
}

func (c *LocalCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if ok && c.expired(e) {
		c.remove(key)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Contains reports presence of a live entry without touching recency or
// hit counters.
func (c *LocalCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	return ok && !c.expired(e)
}

func (c *LocalCache) Set(key string, value []byte, ttl time.Duration) error {
	e := localEntry{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	size := e.size(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxBytes > 0 && size > c.maxBytes {
		return ErrEntryTooLarge
	}

	// simplelru replaces existing values without calling onEvict
	if old, ok := c.lru.Peek(key); ok {
		c.bytes -= old.size(key)
	}
	c.lru.Add(key, e)
	c.bytes += size

	for c.maxBytes > 0 && c.bytes > c.maxBytes {
		if _, _, ok := c.lru.RemoveOldest(); !ok {
			break
		}
	}
	return nil
}

// Invalidate removes every key containing pattern and returns how many
// were removed. An empty pattern removes everything.
func (c *LocalCache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if strings.Contains(key, pattern) {
			c.remove(key)
			removed++
		}
	}
	return removed
}

func (c *LocalCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.explicit = true
	c.lru.Purge()
	c.explicit = false
	c.bytes = 0
}

func (c *LocalCache) Stats() LocalStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return LocalStats{
		Count:       c.lru.Len(),
		ApproxBytes: c.bytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
	}
}

func (c *LocalCache) remove(key string) {
	c.explicit = true
	c.lru.Remove(key)
	c.explicit = false
}

func (c *LocalCache) expired(e localEntry) bool {
	return !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt)
}
