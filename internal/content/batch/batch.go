// Package batch runs a worker over a list of items in fixed-size chunks,
// concurrently within a chunk and sequentially across chunks.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrCeilingReached is the stop reason when the execution budget would be
// exceeded by scheduling another chunk.
var ErrCeilingReached = errors.New("execution ceiling reached")

type Options[T, R any] struct {
	BatchSize       int
	InterBatchDelay time.Duration
	// MaxDuration is the execution budget; zero means unbounded. No chunk is
	// started once elapsed time plus CeilingMargin reaches it.
	MaxDuration   time.Duration
	CeilingMargin time.Duration

	OnChunkStart func(chunk, totalChunks int)
	OnChunkDone  func(chunk int, results []Result[T, R])
}

type Result[T, R any] struct {
	Item      T
	Value     R
	Err       error
	Scheduled bool
}

type Report[T, R any] struct {
	// Results has one entry per input item, in input order.
	Results     []Result[T, R]
	Completed   bool
	ChunksRun   int
	TotalChunks int
	// StopReason is ErrCeilingReached or the context error when the run
	// stopped early.
	StopReason error
	Elapsed    time.Duration
}

func (r Report[T, R]) Scheduled() int {
	n := 0
	for _, res := range r.Results {
		if res.Scheduled {
			n++
		}
	}
	return n
}

// Process applies worker to every item. A failing item never stops the
// others; its error is kept in its Result.
func Process[T, R any](ctx context.Context, items []T,
	worker func(ctx context.Context, item T) (R, error), opts Options[T, R]) Report[T, R] {

	size := opts.BatchSize
	if size <= 0 {
		size = 1
	}

	report := Report[T, R]{
		Results:     make([]Result[T, R], len(items)),
		TotalChunks: (len(items) + size - 1) / size,
	}
	for i, item := range items {
		report.Results[i].Item = item
	}

	start := time.Now()
	stop := func(reason error) Report[T, R] {
		report.StopReason = reason
		report.Elapsed = time.Since(start)
		return report
	}

	for chunk := 0; chunk < report.TotalChunks; chunk++ {
		if chunk > 0 && opts.InterBatchDelay > 0 {
			if err := sleep(ctx, opts.InterBatchDelay); err != nil {
				return stop(err)
			}
		}
		if err := ctx.Err(); err != nil {
			return stop(err)
		}
		if opts.MaxDuration > 0 && time.Since(start)+opts.CeilingMargin >= opts.MaxDuration {
			return stop(ErrCeilingReached)
		}

		lo := chunk * size
		hi := lo + size
		if hi > len(items) {
			hi = len(items)
		}

		if opts.OnChunkStart != nil {
			opts.OnChunkStart(chunk+1, report.TotalChunks)
		}

		runChunk(ctx, report.Results[lo:hi], worker)
		report.ChunksRun++

		if opts.OnChunkDone != nil {
			opts.OnChunkDone(chunk+1, report.Results[lo:hi])
		}
	}

	report.Completed = true
	return stop(nil)
}

// runChunk waits for every item of the chunk. The group is the zero value,
// so one item's failure never cancels its siblings.
func runChunk[T, R any](ctx context.Context, results []Result[T, R],
	worker func(ctx context.Context, item T) (R, error)) {

	var g errgroup.Group
	for i := range results {
		res := &results[i]
		res.Scheduled = true
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					res.Err = fmt.Errorf("worker panic: %v", r)
				}
			}()
			res.Value, res.Err = worker(ctx, res.Item)
			return nil
		})
	}
	_ = g.Wait()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
