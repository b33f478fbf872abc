package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
)

const (
	defaultKeyPrefix = "cc:"
	scanCount        = 500
	deleteBatch      = 500
)

type DistributedStats struct {
	Connected   bool  `json:"connected"`
	KeyCount    int64 `json:"keyCount"`
	ApproxBytes int64 `json:"approxBytes"`
}

// RedisStore is the shared tier. Every error it returns is a
// *domain.DistributedCacheError.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

func NewRedisStore(client *redis.Client, prefix string, timeout time.Duration) *RedisStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, timeout: timeout}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, 0, false, nil
		}
		return nil, 0, false, wrap("get", err)
	}

	ttl, err := s.client.PTTL(ctx, s.prefix+key).Result()
	if err != nil {
		return nil, 0, false, wrap("pttl", err)
	}
	// -2: key vanished between GET and PTTL, -1: no expiry
	if ttl == -2*time.Nanosecond || ttl == -2*time.Millisecond {
		return nil, 0, false, nil
	}
	if ttl < 0 {
		ttl = 0
	}
	return val, ttl, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return wrap("set", err)
	}
	return nil
}

// DeleteMatching removes every prefixed key containing substr. An empty
// substr removes all keys owned by this store.
func (s *RedisStore) DeleteMatching(ctx context.Context, substr string) (int, error) {
	match := s.prefix + "*"
	if substr != "" {
		match = s.prefix + "*" + escapeGlob(substr) + "*"
	}

	iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, wrap("scan", err)
	}

	removed := 0
	for start := 0; start < len(keys); start += deleteBatch {
		end := start + deleteBatch
		if end > len(keys) {
			end = len(keys)
		}
		n, err := s.client.Del(ctx, keys[start:end]...).Result()
		if err != nil {
			return removed, wrap("del", err)
		}
		removed += int(n)
	}
	return removed, nil
}

func (s *RedisStore) Clear(ctx context.Context) (int, error) {
	return s.DeleteMatching(ctx, "")
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Info reports DBSIZE and used_memory. Servers that do not answer INFO
// memory still report as connected, with ApproxBytes left at zero.
func (s *RedisStore) Info(ctx context.Context) (DistributedStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	size, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return DistributedStats{}, wrap("dbsize", err)
	}

	stats := DistributedStats{Connected: true, KeyCount: size}
	if info, err := s.client.Info(ctx, "memory").Result(); err == nil {
		stats.ApproxBytes = parseUsedMemory(info)
	}
	return stats, nil
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func wrap(op string, err error) error {
	return &domain.DistributedCacheError{Op: op, Err: err}
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}
