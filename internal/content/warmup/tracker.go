// Package warmup runs and tracks background jobs that prefetch many content
// items into the cache.
package warmup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mileusna/crontab"
	"go.uber.org/zap"

	"github.com/umanagarjuna/content-cache/internal/content/batch"
	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/metrics"
	"github.com/umanagarjuna/content-cache/internal/content/repository"
	"github.com/umanagarjuna/content-cache/pkg/contentid"
)

const (
	maxErrorLength  = 200
	recentErrors    = 10
	ledgerTimeout   = 5 * time.Second
	sweepSchedule   = "* * * * *"
	codeCanceled    = "canceled"
	codeBudget      = "budget_exhausted"
	codePanic       = "panic"
	defaultMaxError = 100
)

var ErrJobNotFound = errors.New("warm-up job not found")

// Warmer warms one item. The content service implements it.
type Warmer interface {
	WarmItem(ctx context.Context, id string) (domain.WarmOutcome, error)
}

type Config struct {
	BatchSize       int
	InterBatchDelay time.Duration
	MaxDuration     time.Duration
	CeilingMargin   time.Duration
	Retention       time.Duration
	MaxJobErrors    int
}

type jobState struct {
	mu     sync.Mutex
	job    domain.WarmupJob
	cancel context.CancelFunc
}

func (s *jobState) snapshot() domain.WarmupJob {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := s.job
	job.Errors = append([]domain.JobError(nil), s.job.Errors...)
	if s.job.ErrorCounts != nil {
		job.ErrorCounts = make(map[string]int, len(s.job.ErrorCounts))
		for k, v := range s.job.ErrorCounts {
			job.ErrorCounts[k] = v
		}
	}
	if s.job.CompletedAt != nil {
		t := *s.job.CompletedAt
		job.CompletedAt = &t
	}
	return job
}

type Tracker struct {
	mu   sync.RWMutex
	jobs map[string]*jobState

	warmer    Warmer
	ledger    repository.FailedItemRepository
	publisher domain.EventPublisher
	metrics   metrics.Metrics
	logger    *zap.Logger
	config    Config

	// jobs run under base, not the request context that started them
	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	now   func() time.Time
	newID func() string
}

func NewTracker(
	warmer Warmer,
	ledger repository.FailedItemRepository,
	publisher domain.EventPublisher,
	m metrics.Metrics,
	logger *zap.Logger,
	config Config,
) *Tracker {
	if config.BatchSize <= 0 {
		config.BatchSize = 5
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.MaxJobErrors <= 0 {
		config.MaxJobErrors = defaultMaxError
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	base, shutdown := context.WithCancel(context.Background())
	return &Tracker{
		jobs:      make(map[string]*jobState),
		warmer:    warmer,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		config:    config,
		base:      base,
		shutdown:  shutdown,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Schedule registers the periodic sweep on ctab.
func (t *Tracker) Schedule(ctab *crontab.Crontab) error {
	return ctab.AddJob(sweepSchedule, func() {
		if n := t.Sweep(); n > 0 {
			t.logger.Info("Swept finished warm-up jobs", zap.Int("removed", n))
		}
	})
}

// Resolver produces the ids of a job whose id list is not known when the
// job is accepted.
type Resolver func(ctx context.Context) ([]string, error)

// Start registers a job for ids and runs it in the background. ids are
// normalized and de-duplicated first.
func (t *Tracker) Start(ids []string) (string, int, error) {
	ids = contentid.Dedupe(ids)
	if len(ids) == 0 {
		return "", 0, fmt.Errorf("%w: no content ids to warm", domain.ErrInvalidRequest)
	}

	jobID := t.launch(len(ids), func(context.Context) ([]string, error) {
		return ids, nil
	})
	return jobID, len(ids), nil
}

// StartResolved registers a job at once and calls resolve inside the job to
// find its ids. Total stays zero until resolve returns; a resolve failure
// fails the job.
func (t *Tracker) StartResolved(resolve Resolver) string {
	return t.launch(0, resolve)
}

func (t *Tracker) launch(total int, resolve Resolver) string {
	t.Sweep()

	state := &jobState{
		job: domain.WarmupJob{
			ID:           t.newID(),
			Status:       domain.JobPending,
			Total:        total,
			StartedAt:    t.now(),
			TotalBatches: t.batches(total),
			Errors:       []domain.JobError{},
		},
	}

	jobID := state.job.ID
	ctx, cancel := context.WithCancel(t.base)
	state.cancel = cancel

	t.mu.Lock()
	t.jobs[jobID] = state
	t.mu.Unlock()

	t.logger.Info("Warm-up job accepted",
		zap.String("job_id", jobID),
		zap.Int("total", total),
		zap.Int("total_batches", state.job.TotalBatches))

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer cancel()
		t.run(ctx, state, jobID, resolve)
	}()

	return jobID
}

func (t *Tracker) batches(total int) int {
	return (total + t.config.BatchSize - 1) / t.config.BatchSize
}

func (t *Tracker) Job(jobID string) (domain.WarmupJob, bool) {
	t.mu.RLock()
	state, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return domain.WarmupJob{}, false
	}
	return state.snapshot(), true
}

// Status builds the polling view of a job, with the most recent errors.
func (t *Tracker) Status(jobID string) (*domain.WarmupStatusResponse, error) {
	job, ok := t.Job(jobID)
	if !ok {
		return nil, ErrJobNotFound
	}

	now := t.now()
	errs := job.Errors
	if len(errs) > recentErrors {
		errs = errs[len(errs)-recentErrors:]
	}
	summary := job.ErrorCounts
	if summary == nil {
		summary = map[string]int{}
	}

	return &domain.WarmupStatusResponse{
		JobID:                     job.ID,
		Status:                    job.Status,
		Progress:                  job.Progress(),
		Total:                     job.Total,
		Processed:                 job.Processed,
		Succeeded:                 job.Succeeded,
		Failed:                    job.Failed,
		Skipped:                   job.Skipped,
		CurrentBatch:              job.CurrentBatch,
		TotalBatches:              job.TotalBatches,
		StartedAt:                 job.StartedAt,
		CompletedAt:               job.CompletedAt,
		ElapsedSeconds:            int64(job.Elapsed(now).Seconds()),
		EstimatedSecondsRemaining: int64(job.EstimatedRemaining(now).Seconds()),
		ErrorSummary:              summary,
		Errors:                    errs,
	}, nil
}

// List returns snapshots of every tracked job, newest first.
func (t *Tracker) List() []domain.WarmupJob {
	t.mu.RLock()
	states := make([]*jobState, 0, len(t.jobs))
	for _, s := range t.jobs {
		states = append(states, s)
	}
	t.mu.RUnlock()

	jobs := make([]domain.WarmupJob, 0, len(states))
	for _, s := range states {
		jobs = append(jobs, s.snapshot())
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].StartedAt.After(jobs[j].StartedAt) })
	return jobs
}

// Cancel stops a running job before its next chunk. Finished jobs are left
// as they are.
func (t *Tracker) Cancel(jobID string) error {
	t.mu.RLock()
	state, ok := t.jobs[jobID]
	t.mu.RUnlock()
	if !ok {
		return ErrJobNotFound
	}

	state.mu.Lock()
	terminal := state.job.Status.Terminal()
	state.mu.Unlock()
	if terminal {
		return fmt.Errorf("%w: job %s already finished", domain.ErrInvalidRequest, jobID)
	}

	state.cancel()
	return nil
}

// Sweep drops jobs that finished more than Retention ago.
func (t *Tracker) Sweep() int {
	cutoff := t.now().Add(-t.config.Retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, state := range t.jobs {
		state.mu.Lock()
		expired := state.job.CompletedAt != nil && state.job.CompletedAt.Before(cutoff)
		state.mu.Unlock()
		if expired {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}

// Shutdown cancels running jobs and waits for them to record their final
// state, or for ctx to end.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.shutdown()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) run(ctx context.Context, state *jobState, jobID string, resolve Resolver) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Warm-up job panicked",
				zap.String("job_id", jobID), zap.Any("panic", r))
			t.finish(state, domain.JobFailed, &domain.JobError{
				ContentID: domain.SystemContentID,
				Error:     fmt.Sprintf("orchestrator panic: %v", r),
				Code:      codePanic,
			})
		}
	}()

	state.mu.Lock()
	state.job.Status = domain.JobRunning
	state.mu.Unlock()

	ids, err := resolve(ctx)
	if err != nil {
		code := domain.Classify(err)
		if ctx.Err() != nil {
			code = codeCanceled
		}
		t.finish(state, domain.JobFailed, &domain.JobError{
			ContentID: domain.SystemContentID,
			Error:     truncate("failed to collect content ids: "+err.Error(), maxErrorLength),
			Code:      code,
		})
		return
	}
	ids = contentid.Dedupe(ids)

	state.mu.Lock()
	state.job.Total = len(ids)
	state.job.TotalBatches = t.batches(len(ids))
	state.mu.Unlock()
	t.publish(state, false)

	report := batch.Process(ctx, ids, t.warmer.WarmItem, batch.Options[string, domain.WarmOutcome]{
		BatchSize:       t.config.BatchSize,
		InterBatchDelay: t.config.InterBatchDelay,
		MaxDuration:     t.config.MaxDuration,
		CeilingMargin:   t.config.CeilingMargin,
		OnChunkStart: func(chunk, _ int) {
			state.mu.Lock()
			state.job.CurrentBatch = chunk
			state.mu.Unlock()
		},
		OnChunkDone: func(chunk int, results []batch.Result[string, domain.WarmOutcome]) {
			t.applyChunk(state, results)
		},
	})

	switch {
	case report.Completed:
		t.finish(state, domain.JobCompleted, nil)
	case errors.Is(report.StopReason, batch.ErrCeilingReached):
		processed := report.Scheduled()
		t.finish(state, domain.JobFailed, &domain.JobError{
			ContentID: domain.SystemContentID,
			Error: fmt.Sprintf("execution budget exhausted after %d of %d items processed",
				processed, len(ids)),
			Code: codeBudget,
		})
	default:
		t.finish(state, domain.JobFailed, &domain.JobError{
			ContentID: domain.SystemContentID,
			Error:     "canceled",
			Code:      codeCanceled,
		})
	}
}

func (t *Tracker) applyChunk(state *jobState, results []batch.Result[string, domain.WarmOutcome]) {
	jobID, failures := t.countChunk(state, results)

	if len(failures) > 0 && t.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		defer cancel()
		if err := t.ledger.Record(ctx, jobID, failures); err != nil {
			t.logger.Error("Failed to record failed items",
				zap.Error(err), zap.String("job_id", jobID), zap.Int("count", len(failures)))
		}
	}
}

// countChunk folds a chunk's results into the job counters and returns the
// failures to record.
func (t *Tracker) countChunk(state *jobState,
	results []batch.Result[string, domain.WarmOutcome]) (string, []domain.JobError) {

	state.mu.Lock()
	defer state.mu.Unlock()

	var failures []domain.JobError
	for _, res := range results {
		state.job.Processed++
		switch {
		case res.Err != nil:
			state.job.Failed++
			jobErr := domain.JobError{
				ContentID: res.Item,
				Error:     truncate(res.Err.Error(), maxErrorLength),
				Code:      domain.Classify(res.Err),
			}
			t.appendError(state, jobErr)
			failures = append(failures, jobErr)
			t.metrics.ObserveWarmupItem("failed")
		case res.Value == domain.WarmSkipped:
			state.job.Skipped++
			t.metrics.ObserveWarmupItem("skipped")
		default:
			state.job.Succeeded++
			t.metrics.ObserveWarmupItem("succeeded")
		}
	}
	return state.job.ID, failures
}

// appendError keeps the most recent MaxJobErrors entries. Caller holds
// state.mu.
func (t *Tracker) appendError(state *jobState, e domain.JobError) {
	if state.job.ErrorCounts == nil {
		state.job.ErrorCounts = make(map[string]int)
	}
	state.job.ErrorCounts[e.Code]++

	state.job.Errors = append(state.job.Errors, e)
	if over := len(state.job.Errors) - t.config.MaxJobErrors; over > 0 {
		state.job.Errors = append(state.job.Errors[:0], state.job.Errors[over:]...)
	}
}

func (t *Tracker) finish(state *jobState, status domain.JobStatus, sysErr *domain.JobError) {
	state.mu.Lock()
	if state.job.Status.Terminal() {
		state.mu.Unlock()
		return
	}
	if sysErr != nil {
		t.appendError(state, *sysErr)
	}
	now := t.now()
	state.job.Status = status
	state.job.CompletedAt = &now
	job := state.job
	state.mu.Unlock()

	fields := []zap.Field{
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("processed", job.Processed),
		zap.Int("succeeded", job.Succeeded),
		zap.Int("failed", job.Failed),
		zap.Int("skipped", job.Skipped),
		zap.Duration("elapsed", job.Elapsed(now)),
	}
	if status == domain.JobCompleted {
		t.logger.Info("Warm-up job completed", fields...)
	} else {
		t.logger.Warn("Warm-up job failed", fields...)
	}

	t.publish(state, true)
}

func (t *Tracker) publish(state *jobState, finished bool) {
	if t.publisher == nil {
		return
	}

	job := state.snapshot()
	var err error
	if finished {
		err = t.publisher.PublishJobFinished(context.Background(), &job)
	} else {
		err = t.publisher.PublishJobStarted(context.Background(), &job)
	}
	if err != nil {
		t.logger.Error("Failed to publish warm-up event",
			zap.Error(err), zap.String("job_id", job.ID))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
