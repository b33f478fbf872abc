package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/metrics"
)

// Distributed is the shared tier behind the local cache.
type Distributed interface {
	Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	DeleteMatching(ctx context.Context, substr string) (int, error)
	Clear(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Info(ctx context.Context) (DistributedStats, error)
}

// Cache is what the content service reads through.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Contains(ctx context.Context, key string) bool
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, pattern string) int
	Clear(ctx context.Context) int
	Stats(ctx context.Context) Stats
	Healthy(ctx context.Context) bool
}

type Stats struct {
	Local       LocalStats       `json:"local"`
	Distributed DistributedStats `json:"distributed"`
}

type Options struct {
	DefaultTTL time.Duration
	// RecheckAfter is how long the distributed tier is bypassed after a
	// failure before it is tried again.
	RecheckAfter time.Duration
}

// Tiered combines a local LRU with an optional distributed store. It is the
// only place distributed-tier failures are handled: they are logged, counted
// and then treated as a miss or a skipped write.
type Tiered struct {
	local   *LocalCache
	remote  Distributed
	opts    Options
	logger  *zap.Logger
	metrics metrics.Metrics

	downUntil atomic.Int64
	now       func() time.Time
}

var _ Cache = (*Tiered)(nil)

// NewTiered builds the cache. remote may be nil, in which case only the
// local tier is used.
func NewTiered(local *LocalCache, remote Distributed, opts Options,
	logger *zap.Logger, m metrics.Metrics) *Tiered {

	if opts.RecheckAfter <= 0 {
		opts.RecheckAfter = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Tiered{
		local:   local,
		remote:  remote,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Get checks the local tier, then the distributed one. A distributed hit is
// copied into the local tier with its remaining lifetime.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	if v, ok := t.local.Get(key); ok {
		t.metrics.ObserveCacheLookup("local", "hit")
		return v, true
	}
	t.metrics.ObserveCacheLookup("local", "miss")

	if !t.remoteUsable() {
		return nil, false
	}

	v, ttl, found, err := t.remote.Get(ctx, key)
	if err != nil {
		t.degrade(err, zap.String("key", key))
		return nil, false
	}
	if !found {
		t.metrics.ObserveCacheLookup("distributed", "miss")
		return nil, false
	}
	t.metrics.ObserveCacheLookup("distributed", "hit")

	if ttl == 0 {
		ttl = t.opts.DefaultTTL
	}
	if err := t.local.Set(key, v, ttl); err != nil {
		t.logger.Debug("Distributed hit not copied to local tier",
			zap.String("key", key), zap.Error(err))
	}
	return v, true
}

// Contains reports whether key is cached in either tier without fetching.
// A distributed hit warms the local tier.
func (t *Tiered) Contains(ctx context.Context, key string) bool {
	if t.local.Contains(key) {
		return true
	}
	_, ok := t.Get(ctx, key)
	return ok
}

// Set writes to the local tier and, when reachable, the distributed tier.
// Only a value too large for the local tier is reported as an error.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.opts.DefaultTTL
	}

	localErr := t.local.Set(key, value, ttl)

	if t.remoteUsable() {
		if err := t.remote.Set(ctx, key, value, ttl); err != nil {
			t.degrade(err, zap.String("key", key))
		}
	}
	return localErr
}

// Invalidate removes every key containing pattern from both tiers and
// returns the total removed. The distributed tier is skipped when it cannot
// be reached.
func (t *Tiered) Invalidate(ctx context.Context, pattern string) int {
	removed := t.local.Invalidate(pattern)

	if t.remoteReachable(ctx) {
		n, err := t.remote.DeleteMatching(ctx, pattern)
		if err != nil {
			t.degrade(err, zap.String("pattern", pattern))
		}
		removed += n
	}
	return removed
}

func (t *Tiered) Clear(ctx context.Context) int {
	removed := t.local.Stats().Count
	t.local.Purge()

	if t.remoteReachable(ctx) {
		n, err := t.remote.Clear(ctx)
		if err != nil {
			t.degrade(err)
		}
		removed += n
	}
	return removed
}

func (t *Tiered) Stats(ctx context.Context) Stats {
	stats := Stats{Local: t.local.Stats()}
	if t.remote == nil {
		return stats
	}

	info, err := t.remote.Info(ctx)
	if err != nil {
		t.degrade(err)
		return stats
	}
	t.downUntil.Store(0)
	stats.Distributed = info
	return stats
}

// Healthy pings the distributed tier. With no distributed tier configured
// it always reports healthy.
func (t *Tiered) Healthy(ctx context.Context) bool {
	return t.remote == nil || t.remoteReachable(ctx)
}

func (t *Tiered) remoteUsable() bool {
	if t.remote == nil {
		return false
	}
	return t.now().UnixNano() >= t.downUntil.Load()
}

// remoteReachable ignores the recheck window and pings explicitly, for
// operations that must not silently skip the distributed tier.
func (t *Tiered) remoteReachable(ctx context.Context) bool {
	if t.remote == nil {
		return false
	}
	if err := t.remote.Ping(ctx); err != nil {
		t.degrade(err)
		return false
	}
	t.downUntil.Store(0)
	return true
}

func (t *Tiered) degrade(err error, fields ...zap.Field) {
	var dErr *domain.DistributedCacheError
	op := "unknown"
	if errors.As(err, &dErr) {
		op = dErr.Op
	}

	t.downUntil.Store(t.now().Add(t.opts.RecheckAfter).UnixNano())
	t.metrics.ObserveCacheLookup("distributed", "error")
	t.logger.Warn("Distributed cache unavailable, continuing with local tier",
		append(fields, zap.String("op", op), zap.Error(err))...)
}

// GetJSON decodes a cached value into T. Undecodable entries count as a
// miss.
func GetJSON[T any](ctx context.Context, c Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(ctx, key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

func SetJSON[T any](ctx context.Context, c Cache, key string, v T, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, raw, ttl)
}
