package domain

import "time"

// JobStatus is the lifecycle state of a warm-up job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further mutation may happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SystemContentID marks job errors that are not tied to one item.
const SystemContentID = "system"

// JobError is one recorded failure inside a warm-up job
type JobError struct {
	ContentID string `json:"content_id"`
	Error     string `json:"error"`
	// Code is the error class, as returned by Classify
	Code string `json:"code,omitempty"`
}

// WarmupJob tracks a bulk prefetch of many content ids
type WarmupJob struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Succeeded    int        `json:"succeeded"`
	Failed       int        `json:"failed"`
	Skipped      int        `json:"skipped"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CurrentBatch int        `json:"current_batch"`
	TotalBatches int        `json:"total_batches"`
	Errors       []JobError `json:"errors"`
	// ErrorCounts counts every failure by Code, including ones no longer
	// kept in Errors
	ErrorCounts map[string]int `json:"error_counts,omitempty"`
}

// Progress returns processed/total as a whole percentage.
func (j *WarmupJob) Progress() int {
	if j.Total == 0 {
		if j.Status == JobCompleted {
			return 100
		}
		return 0
	}
	return j.Processed * 100 / j.Total
}

// Elapsed returns how long the job has run, or ran, as of now.
func (j *WarmupJob) Elapsed(now time.Time) time.Duration {
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(j.StartedAt)
	}
	return now.Sub(j.StartedAt)
}

// EstimatedRemaining extrapolates from the average time per processed item.
func (j *WarmupJob) EstimatedRemaining(now time.Time) time.Duration {
	if j.Status.Terminal() || j.Processed == 0 {
		return 0
	}
	perItem := j.Elapsed(now) / time.Duration(j.Processed)
	return perItem * time.Duration(j.Total-j.Processed)
}

// WarmupStatusResponse is what polling clients see
type WarmupStatusResponse struct {
	JobID                     string         `json:"jobId"`
	Status                    JobStatus      `json:"status"`
	Progress                  int            `json:"progress"`
	Total                     int            `json:"total"`
	Processed                 int            `json:"processed"`
	Succeeded                 int            `json:"succeeded"`
	Failed                    int            `json:"failed"`
	Skipped                   int            `json:"skipped"`
	CurrentBatch              int            `json:"currentBatch"`
	TotalBatches              int            `json:"totalBatches"`
	StartedAt                 time.Time      `json:"startedAt"`
	CompletedAt               *time.Time     `json:"completedAt,omitempty"`
	ElapsedSeconds            int64          `json:"elapsedSeconds"`
	EstimatedSecondsRemaining int64          `json:"estimatedSecondsRemaining"`
	ErrorSummary              map[string]int `json:"errorSummary"`
	Errors                    []JobError     `json:"errors"`
}

// StartWarmupRequest represents the request to start a warm-up job
type StartWarmupRequest struct {
	ContentIDs []string `json:"contentIds"`
	// RootID is walked for ids when ContentIDs is empty
	RootID string `json:"rootId,omitempty"`
}

// StartWarmupResponse is returned immediately when a job is accepted
type StartWarmupResponse struct {
	JobID     string `json:"jobId"`
	Total     int    `json:"total"`
	StatusURL string `json:"statusUrl"`
	Message   string `json:"message"`
}
