package warmup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
	"github.com/umanagarjuna/content-cache/internal/content/metrics"
	"github.com/umanagarjuna/content-cache/internal/content/repository"
)

func id(n int) string {
	return fmt.Sprintf("%032x", n)
}

func ids(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = id(i + 1)
	}
	return out
}

type fakeWarmer struct {
	mu      sync.Mutex
	cached  map[string]bool
	failing map[string]error
	delay   time.Duration
	release chan struct{}
	calls   int
}

func (f *fakeWarmer) WarmItem(ctx context.Context, contentID string) (domain.WarmOutcome, error) {
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.failing[contentID]; err != nil {
		return "", err
	}
	if f.cached[contentID] {
		return domain.WarmSkipped, nil
	}
	if f.cached == nil {
		f.cached = map[string]bool{}
	}
	f.cached[contentID] = true
	return domain.WarmFetched, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	started  int
	finished []domain.JobStatus
}

func (p *recordingPublisher) PublishJobStarted(context.Context, *domain.WarmupJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started++
	return nil
}

func (p *recordingPublisher) PublishJobFinished(_ context.Context, job *domain.WarmupJob) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finished = append(p.finished, job.Status)
	return nil
}

func (p *recordingPublisher) PublishCacheInvalidated(context.Context, string, int) error {
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newTracker(w Warmer, ledger repository.FailedItemRepository, cfg Config) (*Tracker, *recordingPublisher) {
	pub := &recordingPublisher{}
	return NewTracker(w, ledger, pub, nil, zap.NewNop(), cfg), pub
}

func waitForTerminal(t *testing.T, tr *Tracker, jobID string) domain.WarmupJob {
	t.Helper()
	var job domain.WarmupJob
	require.Eventually(t, func() bool {
		var ok bool
		job, ok = tr.Job(jobID)
		return ok && job.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return job
}

func TestWarmupSkipsFreshItems(t *testing.T) {
	all := ids(12)
	warmer := &fakeWarmer{
		cached: map[string]bool{all[3]: true, all[10]: true},
		failing: map[string]error{
			all[6]: domain.NewPermanentError("get_item", 404, domain.ErrNotFound),
		},
	}
	ledger := repository.NewMemoryRepository()
	tr, pub := newTracker(warmer, ledger, Config{BatchSize: 5})

	jobID, total, err := tr.Start(all)
	require.NoError(t, err)
	require.Equal(t, 12, total)

	job := waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.Equal(t, 12, job.Total)
	require.Equal(t, 12, job.Processed)
	require.Equal(t, 2, job.Skipped)
	require.Equal(t, 10, job.Succeeded+job.Failed)
	require.Equal(t, 1, job.Failed)
	require.Equal(t, 3, job.TotalBatches)
	require.Equal(t, 3, job.CurrentBatch)
	require.NotNil(t, job.CompletedAt)

	status, err := tr.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, 100, status.Progress)
	require.Equal(t, map[string]int{"not_found": 1}, status.ErrorSummary)
	require.Len(t, status.Errors, 1)
	require.Equal(t, all[6], status.Errors[0].ContentID)
	require.Zero(t, status.EstimatedSecondsRemaining)

	failed, err := ledger.List(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, jobID, failed[0].JobID)

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return pub.started == 1 && len(pub.finished) == 1
	}, time.Second, time.Millisecond)
}

func TestWarmupCountersStayConsistent(t *testing.T) {
	all := ids(20)
	warmer := &fakeWarmer{
		delay:   2 * time.Millisecond,
		cached:  map[string]bool{all[0]: true, all[7]: true},
		failing: map[string]error{all[3]: errors.New("boom"), all[15]: errors.New("boom")},
	}
	tr, _ := newTracker(warmer, nil, Config{BatchSize: 3, InterBatchDelay: time.Millisecond})

	jobID, _, err := tr.Start(all)
	require.NoError(t, err)

	for {
		job, ok := tr.Job(jobID)
		require.True(t, ok)
		require.Equal(t, job.Processed, job.Succeeded+job.Failed+job.Skipped)
		require.LessOrEqual(t, job.Processed, job.Total)
		if job.Status.Terminal() {
			require.Equal(t, job.Total, job.Processed)
			break
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWarmupDeduplicatesIDs(t *testing.T) {
	tr, _ := newTracker(&fakeWarmer{}, nil, Config{BatchSize: 5})

	dashed := "00000000-0000-0000-0000-000000000001"
	jobID, total, err := tr.Start([]string{id(1), dashed, strings.ToUpper(id(1)), id(2), " "})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	waitForTerminal(t, tr, jobID)

	_, _, err = tr.Start(nil)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestWarmupCancel(t *testing.T) {
	warmer := &fakeWarmer{release: make(chan struct{})}
	tr, _ := newTracker(warmer, nil, Config{BatchSize: 5, InterBatchDelay: time.Hour})

	jobID, _, err := tr.Start(ids(10))
	require.NoError(t, err)

	// first chunk is in flight, blocked on release
	require.Eventually(t, func() bool {
		job, _ := tr.Job(jobID)
		return job.CurrentBatch == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, tr.Cancel(jobID))
	close(warmer.release)

	job := waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, 5, job.Processed)
	require.Equal(t, domain.SystemContentID, job.Errors[len(job.Errors)-1].ContentID)
	require.Equal(t, "canceled", job.Errors[len(job.Errors)-1].Error)

	require.ErrorIs(t, tr.Cancel(jobID), domain.ErrInvalidRequest)
	require.ErrorIs(t, tr.Cancel("missing"), ErrJobNotFound)
}

func TestWarmupExecutionCeiling(t *testing.T) {
	warmer := &fakeWarmer{delay: 60 * time.Millisecond}
	tr, _ := newTracker(warmer, nil, Config{BatchSize: 2, MaxDuration: 50 * time.Millisecond})

	jobID, _, err := tr.Start(ids(6))
	require.NoError(t, err)

	job := waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Equal(t, 2, job.Processed)

	last := job.Errors[len(job.Errors)-1]
	require.Equal(t, domain.SystemContentID, last.ContentID)
	require.Contains(t, last.Error, "2 of 6")
	require.Equal(t, 1, job.ErrorCounts["budget_exhausted"])
}

type panickingLedger struct{}

func (panickingLedger) Record(context.Context, string, []domain.JobError) error {
	panic("ledger exploded")
}

func (panickingLedger) List(context.Context, int) ([]domain.FailedItem, error) { return nil, nil }
func (panickingLedger) Clear(context.Context) (int, error) { return 0, nil }

func TestWarmupOrchestratorPanicFailsJob(t *testing.T) {
	warmer := &fakeWarmer{failing: map[string]error{id(1): errors.New("boom")}}
	tr, pub := newTracker(warmer, panickingLedger{}, Config{BatchSize: 5})

	jobID, _, err := tr.Start(ids(3))
	require.NoError(t, err)

	job := waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	last := job.Errors[len(job.Errors)-1]
	require.Equal(t, domain.SystemContentID, last.ContentID)
	require.Contains(t, last.Error, "ledger exploded")

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.finished) == 1 && pub.finished[0] == domain.JobFailed
	}, time.Second, time.Millisecond)
}

type panickingMetrics struct {
	metrics.Nop
}

func (panickingMetrics) ObserveWarmupItem(string) {
	panic("metrics exploded")
}

func TestWarmupPanicWhileCountingReleasesJob(t *testing.T) {
	tr := NewTracker(&fakeWarmer{}, nil, nil, panickingMetrics{}, zap.NewNop(), Config{BatchSize: 2})

	jobID, _, err := tr.Start(ids(3))
	require.NoError(t, err)

	job := waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	last := job.Errors[len(job.Errors)-1]
	require.Equal(t, "panic", last.Code)
	require.Contains(t, last.Error, "metrics exploded")

	status, err := tr.Status(jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, status.Status)
}

func TestStartResolvedCollectsInsideJob(t *testing.T) {
	tr, pub := newTracker(&fakeWarmer{}, nil, Config{BatchSize: 2})

	release := make(chan struct{})
	jobID := tr.StartResolved(func(ctx context.Context) ([]string, error) {
		<-release
		return append(ids(3), id(2)), nil
	})

	job, ok := tr.Job(jobID)
	require.True(t, ok)
	require.Zero(t, job.Total)
	require.False(t, job.Status.Terminal())

	close(release)
	job = waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobCompleted, job.Status)
	require.Equal(t, 3, job.Total)
	require.Equal(t, 2, job.TotalBatches)
	require.Equal(t, 3, job.Succeeded)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, 1, pub.started)
}

func TestStartResolvedFailureFailsJob(t *testing.T) {
	ledger := repository.NewMemoryRepository()
	tr, _ := newTracker(&fakeWarmer{}, ledger, Config{BatchSize: 2})

	jobID := tr.StartResolved(func(context.Context) ([]string, error) {
		return nil, fmt.Errorf("children of root: %w",
			domain.NewPermanentError("get_children", 404, domain.ErrNotFound))
	})

	job := waitForTerminal(t, tr, jobID)
	require.Equal(t, domain.JobFailed, job.Status)
	require.Zero(t, job.Total)
	require.Len(t, job.Errors, 1)
	require.Equal(t, domain.SystemContentID, job.Errors[0].ContentID)
	require.Equal(t, "not_found", job.Errors[0].Code)
	require.Contains(t, job.Errors[0].Error, "failed to collect content ids")
}

func TestWarmupBoundsAndTruncatesErrors(t *testing.T) {
	long := strings.Repeat("x", 500)
	failing := map[string]error{}
	for _, contentID := range ids(15) {
		failing[contentID] = errors.New(long)
	}
	tr, _ := newTracker(&fakeWarmer{failing: failing}, nil, Config{BatchSize: 5, MaxJobErrors: 12})

	jobID, _, err := tr.Start(ids(15))
	require.NoError(t, err)
	job := waitForTerminal(t, tr, jobID)

	require.Equal(t, 15, job.Failed)
	require.Len(t, job.Errors, 12)
	require.Equal(t, id(4), job.Errors[0].ContentID)
	for _, e := range job.Errors {
		require.Len(t, e.Error, 200)
	}
	require.Equal(t, 15, job.ErrorCounts["internal"])

	status, err := tr.Status(jobID)
	require.NoError(t, err)
	require.Len(t, status.Errors, 10)
	require.Equal(t, id(15), status.Errors[9].ContentID)
}

func TestSweepRemovesExpiredJobs(t *testing.T) {
	tr, _ := newTracker(&fakeWarmer{}, nil, Config{BatchSize: 5, Retention: time.Hour})

	jobID, _, err := tr.Start(ids(2))
	require.NoError(t, err)
	waitForTerminal(t, tr, jobID)

	require.Zero(t, tr.Sweep())
	require.Len(t, tr.List(), 1)

	later := time.Now().Add(2 * time.Hour)
	tr.now = func() time.Time { return later }
	require.Equal(t, 1, tr.Sweep())

	_, err = tr.Status(jobID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestShutdownCancelsRunningJobs(t *testing.T) {
	warmer := &fakeWarmer{release: make(chan struct{})}
	tr, _ := newTracker(warmer, nil, Config{BatchSize: 1, InterBatchDelay: time.Hour})

	jobID, _, err := tr.Start(ids(3))
	require.NoError(t, err)
	close(warmer.release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, tr.Shutdown(ctx))

	job, ok := tr.Job(jobID)
	require.True(t, ok)
	require.Equal(t, domain.JobFailed, job.Status)
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 150)
	out := truncate(s, 200)
	require.LessOrEqual(t, len(out), 200)
	require.True(t, strings.HasPrefix(s, out))
	require.Equal(t, "short", truncate("short", 200))
}
