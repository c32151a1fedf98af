package store

import (
	"context"
	"time"

	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

// NewJob is the input to CreateJob; everything a caller supplies at
// submission time. input_data is immutable once stored (spec.md §3).
type NewJob struct {
	BatchID     *int64
	Marketplace marketplace.Code
	ActionCode  string
	ProductID   *string
	Priority    Priority
	InputData   map[string]any
}

// NewBatch is the input to CreateBatch.
type NewBatch struct {
	ActionCode  string
	Marketplace marketplace.Code
	ProductIDs  []string
	Priority    Priority
	InputData   map[string]any
}

// JobFilter selects jobs for ListJobs, all fields optional/zero-value means
// unfiltered.
type JobFilter struct {
	Marketplace marketplace.Code
	Status      JobStatus
	BatchID     *int64
	Limit       int
	Offset      int
}

// TaskFilter selects tasks for ListTasks.
type TaskFilter struct {
	JobID    int64
	Status   TaskStatus
	TaskType TaskType
	Limit    int
	Offset   int
}

// BatchFilter selects batches for ListBatches.
type BatchFilter struct {
	Marketplace marketplace.Code
	Status      BatchStatus
	Limit       int
	Offset      int
}

// MaxListLimit caps ListJobs/ListTasks pagination per spec.md §6.
const MaxListLimit = 100

// Store is the Tenant-Scoped Store contract (C1): every method is scoped to
// the tenant of its reqctx.Request argument, and a store implementation must
// fail loudly (InvariantViolation) rather than silently return another
// tenant's rows. See bindTenant (binder.go) for the verification step this
// contract depends on.
type Store interface {
	// Batches
	CreateBatch(ctx context.Context, rc reqctx.Request, nb NewBatch, maxRetries int) (*BatchJob, []Job, error)
	GetBatch(ctx context.Context, rc reqctx.Request, id int64) (*BatchJob, error)
	ListBatches(ctx context.Context, rc reqctx.Request, f BatchFilter) ([]BatchJob, int, error)
	RecordBatchOutcome(ctx context.Context, rc reqctx.Request, batchID int64, success bool) (*BatchJob, error)

	// Jobs
	CreateJob(ctx context.Context, rc reqctx.Request, nj NewJob, maxRetries int) (*Job, error)
	GetJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error)
	ListJobs(ctx context.Context, rc reqctx.Request, f JobFilter) ([]Job, int, map[JobStatus]int, error)

	// ClaimNextJob atomically selects the highest-priority, oldest eligible
	// pending job for (tenant, marketplace) that is not expired and whose
	// VisibleAt has passed, transitions it to running, and returns it. It
	// returns (nil, nil) when no job is eligible.
	ClaimNextJob(ctx context.Context, rc reqctx.Request, m marketplace.Code) (*Job, error)
	CompleteJob(ctx context.Context, rc reqctx.Request, id int64, resultData map[string]any) (*Job, error)
	// FailOrRetryJob applies the retry/backoff decision from spec.md §4.5
	// step 5: if retryCount < maxRetries it increments retry_count and
	// returns to pending with visibleAt pushed out by backoff; otherwise it
	// sets failed+error_message. Either way task states are left untouched
	// so skip-completed retry applies.
	FailOrRetryJob(ctx context.Context, rc reqctx.Request, id int64, errMsg string, backoff time.Duration) (*Job, error)
	// FailJobTerminal sets failed immediately without consuming a retry,
	// used for SessionLost per spec.md §4.6/§7.
	FailJobTerminal(ctx context.Context, rc reqctx.Request, id int64, errMsg string) (*Job, error)
	RetryJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error)
	PauseJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error)
	ResumeJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error)
	CancelJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error)
	ExpireJobs(ctx context.Context, rc reqctx.Request, now time.Time) ([]Job, error)

	// Tasks
	CreateTasks(ctx context.Context, rc reqctx.Request, jobID int64, descriptions []string, taskType TaskType) ([]Task, error)
	ListTasksForJob(ctx context.Context, rc reqctx.Request, jobID int64) ([]Task, error)
	GetTask(ctx context.Context, rc reqctx.Request, id int64) (*Task, error)
	ListTasks(ctx context.Context, rc reqctx.Request, f TaskFilter) ([]Task, int, map[TaskStatus]int, error)
	MarkTaskProcessing(ctx context.Context, rc reqctx.Request, id int64) (*Task, error)
	MarkTaskDone(ctx context.Context, rc reqctx.Request, id int64, status TaskStatus, result map[string]any, errMsg *string) (*Task, error)
	CancelPendingTasks(ctx context.Context, rc reqctx.Request, jobID int64) error

	// Stats
	UpsertDailyStats(ctx context.Context, rc reqctx.Request, actionCode string, m marketplace.Code, date time.Time, success bool, durationMs int64) error
	GetDailyStats(ctx context.Context, rc reqctx.Request, actionCode string, m marketplace.Code, date time.Time) (*DailyStats, error)

	// Reference data, shared schema.
	ListActionTypes(ctx context.Context) ([]ActionType, error)
	// ListTenants returns every provisioned tenant id from the shared
	// tenant registry, used by the dispatcher and the ready-queue sampler
	// to enumerate which per-tenant queues to poll.
	ListTenants(ctx context.Context) ([]tenant.ID, error)
}
