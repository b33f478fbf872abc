// Package retry wraps upstream calls with a per-attempt timeout and bounded
// exponential backoff. Only transient failures are retried.
package retry

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/metrics"
)

type Config struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	// Jitter adds up to half of each backoff step at random so that many
	// items failing together do not retry in lockstep.
	Jitter bool
}

type Retrier struct {
	cfg     Config
	logger  *zap.Logger
	metrics metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func(n int64) int64
}

func New(cfg Config, logger *zap.Logger, m metrics.Metrics) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Retrier{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		sleep:   sleepContext,
		jitter:  rand.Int64N,
	}
}

// Backoff returns the wait before the attempt following failed attempt
// number attempt (1-based). The result never drops below prev, and an
// upstream Retry-After hint acts as a floor.
func (r *Retrier) Backoff(attempt int, prev, hint time.Duration) time.Duration {
	step := r.cfg.BaseDelay << (attempt - 1)
	if step < 0 {
		step = r.cfg.MaxDelay
	}

	d := step
	if r.cfg.Jitter && step > 1 {
		d += time.Duration(r.jitter(int64(step / 2)))
	}
	if r.cfg.MaxDelay > 0 && d > r.cfg.MaxDelay {
		d = r.cfg.MaxDelay
	}
	if hint > d {
		d = hint
	}
	if d < prev {
		d = prev
	}
	return d
}

// Gate admits an attempt before it starts. The throttle's Limiter is one.
type Gate interface {
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

// Do runs fn until it succeeds, fails permanently, or MaxAttempts is
// reached, in which case it returns a *domain.RetryExhaustedError.
func Do[T any](ctx context.Context, r *Retrier, op string,
	fn func(ctx context.Context) (T, error)) (T, error) {
	return DoGated(ctx, r, op, nil, fn)
}

// DoGated is Do with every attempt admitted through gate first. The attempt
// timeout starts once gate admits the call, so time spent queued is not
// charged to the attempt.
func DoGated[T any](ctx context.Context, r *Retrier, op string, gate Gate,
	fn func(ctx context.Context) (T, error)) (T, error) {

	var zero T
	var lastErr error
	var prev time.Duration

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		v, err := gatedAttempt(ctx, gate, r.cfg.AttemptTimeout, fn)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Upstream call succeeded after retry",
					zap.String("op", op), zap.Int("attempt", attempt))
			}
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, err
		}
		if !domain.IsTransient(err) {
			return zero, err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		delay := r.Backoff(attempt, prev, domain.RetryAfter(err))
		prev = delay

		r.logger.Warn("Transient upstream failure, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", r.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		r.metrics.ObserveRetry(op)

		if err := r.sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("%s: retry wait interrupted: %w", op, err)
		}
	}

	r.logger.Error("Upstream call failed after retries",
		zap.String("op", op),
		zap.Int("attempts", r.cfg.MaxAttempts),
		zap.Error(lastErr))

	return zero, &domain.RetryExhaustedError{Op: op, Attempts: r.cfg.MaxAttempts, Err: lastErr}
}

func gatedAttempt[T any](ctx context.Context, gate Gate, timeout time.Duration,
	fn func(ctx context.Context) (T, error)) (T, error) {

	if gate == nil {
		return runAttempt(ctx, timeout, fn)
	}

	var v T
	err := gate.Run(ctx, func(ctx context.Context) error {
		var err error
		v, err = runAttempt(ctx, timeout, fn)
		return err
	})
	return v, err
}

type attemptResult[T any] struct {
	v   T
	err error
}

// runAttempt races fn against timeout. fn keeps running in the background if
// it ignores its context; its result is then dropped.
func runAttempt[T any](ctx context.Context, timeout time.Duration,
	fn func(ctx context.Context) (T, error)) (T, error) {

	if timeout <= 0 {
		return fn(ctx)
	}

	var zero T
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- attemptResult[T]{v: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
			return zero, fmt.Errorf("%w after %s: %v", domain.ErrTimeout, timeout, res.err)
		}
		return res.v, res.err
	case <-attemptCtx.Done():
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", domain.ErrTimeout, timeout)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
