package facade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/batch"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/facade"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

type fakeStore struct {
	store.Store
	createdJob *store.Job
	job        *store.Job
	tasks      []store.Task
	retried    bool
}

func (f *fakeStore) CreateJob(ctx context.Context, rc reqctx.Request, nj store.NewJob, maxRetries int) (*store.Job, error) {
	j := &store.Job{ID: 1, Marketplace: nj.Marketplace, ActionCode: nj.ActionCode, Priority: nj.Priority, Status: store.JobPending, CreatedAt: time.Now()}
	f.createdJob = j
	return j, nil
}

func (f *fakeStore) GetJob(ctx context.Context, rc reqctx.Request, id int64) (*store.Job, error) {
	if f.job == nil {
		return nil, orcherr.New(orcherr.KindNotFound, "job not found")
	}
	return f.job, nil
}

func (f *fakeStore) ListTasksForJob(ctx context.Context, rc reqctx.Request, jobID int64) ([]store.Task, error) {
	return f.tasks, nil
}

func (f *fakeStore) RetryJob(ctx context.Context, rc reqctx.Request, id int64) (*store.Job, error) {
	f.retried = true
	return &store.Job{ID: id, Status: store.JobPending, Marketplace: marketplace.M2, CreatedAt: time.Now()}, nil
}

func newTestFacade(t *testing.T, fs *fakeStore, cfg *config.Config) (*facade.Facade, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	idx := store.NewRedisIndex(rdb)
	batches := batch.NewRegistry(fs, 3)
	br := bridge.NewClient(nil, 10)
	f := facade.New(fs, idx, batches, br, cfg, zap.NewNop())
	return f, func() { rdb.Close(); mr.Close() }
}

func permissiveConfig() *config.Config {
	return &config.Config{
		Dispatcher: config.Dispatcher{MaxRetries: 3},
		Bridge:     config.Bridge{LongPollTimeout: time.Second},
		Facade:     config.Facade{RateLimitPerSec: 100, RateLimitBurst: 100},
	}
}

func TestSubmitJobReturns201AndCreatesJob(t *testing.T) {
	fs := &fakeStore{}
	f, cleanup := newTestFacade(t, fs, permissiveConfig())
	defer cleanup()

	body, _ := json.Marshal(map[string]any{"action_code": "publish", "marketplace": "M2"})
	req := httptest.NewRequest(http.MethodPost, "/tenants/acme/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	f.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)
	require.NotNil(t, fs.createdJob)
	assert.Equal(t, marketplace.M2, fs.createdJob.Marketplace)
}

func TestGetJobReturns404WhenMissing(t *testing.T) {
	fs := &fakeStore{}
	f, cleanup := newTestFacade(t, fs, permissiveConfig())
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/tenants/acme/jobs/99", nil)
	w := httptest.NewRecorder()

	f.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetryJobDelegatesToStore(t *testing.T) {
	fs := &fakeStore{}
	f, cleanup := newTestFacade(t, fs, permissiveConfig())
	defer cleanup()

	req := httptest.NewRequest(http.MethodPost, "/tenants/acme/jobs/5/retry", nil)
	w := httptest.NewRecorder()

	f.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, fs.retried)
}

func TestRateLimitMiddlewareRejectsOverBurst(t *testing.T) {
	fs := &fakeStore{job: &store.Job{ID: 1, Marketplace: marketplace.M2, Status: store.JobPending}}
	cfg := permissiveConfig()
	cfg.Facade.RateLimitPerSec = 0.001
	cfg.Facade.RateLimitBurst = 1
	f, cleanup := newTestFacade(t, fs, cfg)
	defer cleanup()

	req1 := httptest.NewRequest(http.MethodGet, "/tenants/acme/jobs/1", nil)
	w1 := httptest.NewRecorder()
	f.Router().ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/tenants/acme/jobs/1", nil)
	w2 := httptest.NewRecorder()
	f.Router().ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}
