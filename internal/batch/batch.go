// Package batch implements the Batch Registry (C2): fan-out of one submit
// call into N child jobs, and the rollup bookkeeping that answers "is this
// batch done, and how did it finish." Grounded on the teacher's
// calendar-view/job-budgeting packages, which hold similar
// one-parent-many-children rollup logic, generalized to Store-backed
// batches and jobs.
package batch

import (
	"context"

	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

// Registry creates batches and reports their status. It does not run jobs;
// that's the Dispatcher's (C8) job once jobs land on the ready-queue.
type Registry struct {
	store      store.Store
	maxRetries int
}

func NewRegistry(s store.Store, maxRetries int) *Registry {
	return &Registry{store: s, maxRetries: maxRetries}
}

// Submit creates a batch and its per-product jobs atomically, per
// spec.md §4.2. Enqueuing onto the Redis ready-queue is the caller's
// responsibility (internal/facade does it right after Submit returns),
// kept out of this package so batch creation never depends on Redis being
// reachable.
func (r *Registry) Submit(ctx context.Context, rc reqctx.Request, nb store.NewBatch) (*store.BatchJob, []store.Job, error) {
	if len(nb.ProductIDs) == 0 {
		return nil, nil, orcherr.New(orcherr.KindInvalidInput, "batch must include at least one product id")
	}
	if !nb.Priority.Valid() {
		nb.Priority = store.PriorityNormal
	}
	return r.store.CreateBatch(ctx, rc, nb, r.maxRetries)
}

// Get returns a batch's current rollup status.
func (r *Registry) Get(ctx context.Context, rc reqctx.Request, id int64) (*store.BatchJob, error) {
	return r.store.GetBatch(ctx, rc, id)
}

// List returns batches matching f.
func (r *Registry) List(ctx context.Context, rc reqctx.Request, f store.BatchFilter) ([]store.BatchJob, int, error) {
	return r.store.ListBatches(ctx, rc, f)
}

// RecordOutcome is invoked by the orchestrator (C3) whenever a job that
// belongs to a batch reaches a terminal state, so the batch's rollup
// counters and status stay current without a periodic reconciliation pass.
func (r *Registry) RecordOutcome(ctx context.Context, rc reqctx.Request, batchID int64, success bool) (*store.BatchJob, error) {
	return r.store.RecordBatchOutcome(ctx, rc, batchID, success)
}
