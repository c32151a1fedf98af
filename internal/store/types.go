// Package store is the Tenant-Scoped Store (C1): persistent CRUD for jobs,
// tasks, batches, and stats, with per-tenant isolation enforced at the
// connection layer. See Postgres (system of record) and Redis (operational
// ready-queue/lease view) implementations in this package.
package store

import (
	"time"

	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
)

// JobStatus is the Job state-machine position. completed, failed,
// cancelled, expired are absorbing (terminal).
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobExpired   JobStatus = "expired"
)

// Terminal reports whether s is an absorbing status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	default:
		return false
	}
}

// TaskStatus is the per-step state. success and cancelled are absorbing for
// retry purposes: a task in either status is never re-executed.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskSuccess    TaskStatus = "success"
	TaskFailed     TaskStatus = "failed"
	TaskTimeout    TaskStatus = "timeout"
	TaskCancelled  TaskStatus = "cancelled"
)

// SkipOnRetry reports whether a task in status s must not be re-executed
// when its job retries (property P3).
func (s TaskStatus) SkipOnRetry() bool {
	return s == TaskSuccess || s == TaskCancelled
}

// TaskType selects which deadline default and dispatch channel a task uses.
type TaskType string

const (
	TaskTypePluginHTTP TaskType = "plugin_http"
	TaskTypeDirectHTTP TaskType = "direct_http"
	TaskTypeDB         TaskType = "db"
	TaskTypeFile       TaskType = "file"
)

// DefaultTimeout returns the task-level deadline default per spec.md §5.
func (t TaskType) DefaultTimeout() time.Duration {
	switch t {
	case TaskTypeDirectHTTP:
		return 30 * time.Second
	case TaskTypePluginHTTP:
		return 60 * time.Second
	default:
		return 30 * time.Second
	}
}

// Priority encodes wire priority 1=critical .. 4=low, default 3=normal.
type Priority int

const (
	PriorityCritical Priority = 1
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 3
	PriorityLow      Priority = 4
)

func (p Priority) Valid() bool { return p >= PriorityCritical && p <= PriorityLow }

// BatchStatus is the rollup status of a BatchJob.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchPartial   BatchStatus = "partial"
)

// BatchJob groups jobs submitted as a unit.
type BatchJob struct {
	ID             int64
	ActionCode     string
	Marketplace    marketplace.Code
	TotalJobs      int
	CompletedJobs  int
	FailedJobs     int
	Status         BatchStatus
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// Rollup recomputes Status from the counters per spec.md §4.2. It does not
// persist; callers commit the result alongside the counter update.
func (b *BatchJob) Rollup() {
	if b.CompletedJobs+b.FailedJobs < b.TotalJobs {
		if b.CompletedJobs == 0 && b.FailedJobs == 0 {
			b.Status = BatchPending
		} else {
			b.Status = BatchRunning
		}
		return
	}
	switch {
	case b.FailedJobs == 0:
		b.Status = BatchCompleted
	case b.CompletedJobs == 0:
		b.Status = BatchFailed
	default:
		b.Status = BatchPartial
	}
}

// Job is a single unit of work addressed to one marketplace with one
// action.
type Job struct {
	ID           int64
	BatchID      *int64
	Marketplace  marketplace.Code
	ActionCode   string
	ProductID    *string
	Priority     Priority
	Status       JobStatus
	RetryCount   int
	MaxRetries   int
	InputData    map[string]any
	ResultData   map[string]any
	ErrorMessage *string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	ExpiresAt    time.Time
	// VisibleAt is when a pending job becomes eligible for claim again;
	// used to implement the exponential-backoff delay on retry without a
	// separate scheduler.
	VisibleAt time.Time
}

// DefaultExpiry is the 1h job-level expiry from spec.md §3.
const DefaultExpiry = time.Hour

// Task is an atomic, idempotent step inside a job, ordered by Position.
type Task struct {
	ID           int64
	JobID        int64
	Position     int
	Description  string
	TaskType     TaskType
	Status       TaskStatus
	Payload      map[string]any
	Result       map[string]any
	ErrorMessage *string
	RetryCount   int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}

// ActionType is reference data identifying an action declared in the
// Action Registry.
type ActionType struct {
	ID          int64
	Code        string
	Name        string
	Marketplace marketplace.Code
}

// DailyStats is an idempotent per-day aggregate.
type DailyStats struct {
	ActionType    string
	Marketplace   marketplace.Code
	Date          time.Time
	SuccessCount  int64
	FailureCount  int64
	AvgDurationMs float64
}

// JobProgress summarizes a job's tasks for C10's get_job response.
type JobProgress struct {
	Total            int
	Completed        int
	Failed           int
	Pending          int
	ProgressPercent  float64
}

// Progress computes JobProgress from a task list.
func Progress(tasks []Task) JobProgress {
	p := JobProgress{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskSuccess:
			p.Completed++
		case TaskFailed, TaskTimeout, TaskCancelled:
			p.Failed++
		default:
			p.Pending++
		}
	}
	if p.Total > 0 {
		p.ProgressPercent = 100 * float64(p.Completed) / float64(p.Total)
	}
	return p
}
