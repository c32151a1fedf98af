package batch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsair-labs/marketplace-orchestrator/internal/batch"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

type fakeStore struct {
	store.Store
	createBatchFn func(ctx context.Context, rc reqctx.Request, nb store.NewBatch, maxRetries int) (*store.BatchJob, []store.Job, error)
	recordFn      func(ctx context.Context, rc reqctx.Request, batchID int64, success bool) (*store.BatchJob, error)
}

func (f *fakeStore) CreateBatch(ctx context.Context, rc reqctx.Request, nb store.NewBatch, maxRetries int) (*store.BatchJob, []store.Job, error) {
	return f.createBatchFn(ctx, rc, nb, maxRetries)
}

func (f *fakeStore) RecordBatchOutcome(ctx context.Context, rc reqctx.Request, batchID int64, success bool) (*store.BatchJob, error) {
	return f.recordFn(ctx, rc, batchID, success)
}

func TestSubmitRejectsEmptyProductList(t *testing.T) {
	r := batch.NewRegistry(&fakeStore{}, 3)
	rc := reqctx.New(tenant.ID("acme"))

	_, _, err := r.Submit(context.Background(), rc, store.NewBatch{
		ActionCode:  "publish",
		Marketplace: marketplace.M2,
	})

	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindInvalidInput, kind)
}

func TestSubmitDefaultsPriorityAndDelegatesToStore(t *testing.T) {
	var gotPriority store.Priority
	fs := &fakeStore{
		createBatchFn: func(ctx context.Context, rc reqctx.Request, nb store.NewBatch, maxRetries int) (*store.BatchJob, []store.Job, error) {
			gotPriority = nb.Priority
			return &store.BatchJob{ID: 1, TotalJobs: len(nb.ProductIDs)}, []store.Job{{ID: 1}, {ID: 2}}, nil
		},
	}
	r := batch.NewRegistry(fs, 3)
	rc := reqctx.New(tenant.ID("acme"))

	b, jobs, err := r.Submit(context.Background(), rc, store.NewBatch{
		ActionCode:  "publish",
		Marketplace: marketplace.M2,
		ProductIDs:  []string{"p1", "p2"},
	})

	require.NoError(t, err)
	assert.Equal(t, store.PriorityNormal, gotPriority)
	assert.Len(t, jobs, 2)
	assert.Equal(t, 2, b.TotalJobs)
}

func TestRecordOutcomeDelegatesToStore(t *testing.T) {
	fs := &fakeStore{
		recordFn: func(ctx context.Context, rc reqctx.Request, batchID int64, success bool) (*store.BatchJob, error) {
			assert.Equal(t, int64(7), batchID)
			assert.True(t, success)
			return &store.BatchJob{ID: batchID, CompletedJobs: 1}, nil
		},
	}
	r := batch.NewRegistry(fs, 3)
	rc := reqctx.New(tenant.ID("acme"))

	b, err := r.RecordOutcome(context.Background(), rc, 7, true)

	require.NoError(t, err)
	assert.Equal(t, 1, b.CompletedJobs)
}
