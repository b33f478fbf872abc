// Package throttle bounds how hard the process leans on the upstream API:
// at most MaxConcurrency calls in flight, and consecutive call starts spaced
// by at least MinInterval. One Limiter is shared by every caller in the
// process.
package throttle

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/umanagarjuna/content-cache/internal/content/metrics"
)

type Config struct {
	MaxConcurrency int
	MinInterval    time.Duration
}

type Limiter struct {
	sem      *semaphore.Weighted
	pacer    *rate.Limiter
	cfg      Config
	inFlight atomic.Int64
	waiting  atomic.Int64
	metrics  metrics.Metrics
}

type Stats struct {
	MaxConcurrency int   `json:"maxConcurrency"`
	MinIntervalMs  int64 `json:"minIntervalMs"`
	InFlight       int64 `json:"inFlight"`
	Waiting        int64 `json:"waiting"`
}

func New(cfg Config, m metrics.Metrics) *Limiter {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if m == nil {
		m = metrics.Nop{}
	}

	// A zero interval yields rate.Inf, which never waits.
	pacer := rate.NewLimiter(rate.Every(cfg.MinInterval), 1)

	return &Limiter{
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		pacer:   pacer,
		cfg:     cfg,
		metrics: m,
	}
}

// Run waits for admission and then runs fn, returning its error. It returns
// ctx's error without running fn if ctx ends while waiting.
func (l *Limiter) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	l.waiting.Add(1)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.waiting.Add(-1)
		return err
	}
	defer l.sem.Release(1)

	// Spacing is applied after taking a slot so the interval separates
	// actual starts, not queue entries.
	if err := l.pacer.Wait(ctx); err != nil {
		l.waiting.Add(-1)
		return err
	}
	l.waiting.Add(-1)

	l.metrics.SetInFlight(int(l.inFlight.Add(1)))
	defer func() {
		l.metrics.SetInFlight(int(l.inFlight.Add(-1)))
	}()

	return fn(ctx)
}

// Do is Run for functions that return a value.
func Do[T any](ctx context.Context, l *Limiter, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := l.Run(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (l *Limiter) Stats() Stats {
	return Stats{
		MaxConcurrency: l.cfg.MaxConcurrency,
		MinIntervalMs:  l.cfg.MinInterval.Milliseconds(),
		InFlight:       l.inFlight.Load(),
		Waiting:        l.waiting.Load(),
	}
}
