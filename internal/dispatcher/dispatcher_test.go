package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/action"
	"github.com/corsair-labs/marketplace-orchestrator/internal/batch"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/dispatcher"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orchestrator"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

// memStore is a minimal in-memory Store covering what the dispatcher's
// sweepClaim/process loop touches for one end-to-end claim-to-completion
// pass, the same fake-over-interface style the teacher uses for its
// in-process worker tests rather than standing up a real Postgres.
type memStore struct {
	store.Store
	job        store.Job
	claimed    bool
	completed  bool
	tasksBuilt bool
}

func (m *memStore) ListTenants(ctx context.Context) ([]tenant.ID, error) {
	return []tenant.ID{tenant.ID("acme")}, nil
}

func (m *memStore) ClaimNextJob(ctx context.Context, rc reqctx.Request, mk marketplace.Code) (*store.Job, error) {
	if m.claimed {
		return nil, nil
	}
	m.claimed = true
	j := m.job
	j.Status = store.JobRunning
	return &j, nil
}

func (m *memStore) GetJob(ctx context.Context, rc reqctx.Request, id int64) (*store.Job, error) {
	j := m.job
	j.Status = store.JobRunning
	return &j, nil
}

func (m *memStore) ListTasksForJob(ctx context.Context, rc reqctx.Request, jobID int64) ([]store.Task, error) {
	if !m.tasksBuilt {
		return nil, nil
	}
	return []store.Task{{ID: 1, JobID: jobID, Description: "publish", Status: store.TaskSuccess, TaskType: store.TaskTypeDirectHTTP}}, nil
}

func (m *memStore) CreateTasks(ctx context.Context, rc reqctx.Request, jobID int64, descriptions []string, taskType store.TaskType) ([]store.Task, error) {
	m.tasksBuilt = true
	return []store.Task{{ID: 1, JobID: jobID, Description: descriptions[0], Status: store.TaskPending, TaskType: taskType}}, nil
}

func (m *memStore) MarkTaskProcessing(ctx context.Context, rc reqctx.Request, id int64) (*store.Task, error) {
	return &store.Task{ID: id}, nil
}

func (m *memStore) MarkTaskDone(ctx context.Context, rc reqctx.Request, id int64, status store.TaskStatus, result map[string]any, errMsg *string) (*store.Task, error) {
	return &store.Task{ID: id, Status: status}, nil
}

func (m *memStore) CompleteJob(ctx context.Context, rc reqctx.Request, id int64, result map[string]any) (*store.Job, error) {
	m.completed = true
	j := m.job
	j.Status = store.JobCompleted
	return &j, nil
}

func (m *memStore) UpsertDailyStats(ctx context.Context, rc reqctx.Request, actionCode string, mk marketplace.Code, date time.Time, success bool, durationMs int64) error {
	return nil
}

func (m *memStore) ExpireJobs(ctx context.Context, rc reqctx.Request, now time.Time) ([]store.Job, error) {
	return nil, nil
}

type alwaysSuccessHandler struct{}

func (alwaysSuccessHandler) Steps(job store.Job) []action.Step {
	return []action.Step{{Name: "publish", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
		return action.StepResult{Success: true}
	}}}
}

func TestSweepClaimProcessesEligibleJobToCompletion(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	idx := store.NewRedisIndex(rdb)
	rl := store.NewRateLimiter(rdb, time.Minute)

	ms := &memStore{job: store.Job{ID: 1, Marketplace: marketplace.M2, ActionCode: "publish", Status: store.JobPending, MaxRetries: 3}}
	require.NoError(t, idx.Enqueue(context.Background(), tenant.ID("acme"), marketplace.M2, 1, store.PriorityNormal, time.Now()))

	registry := action.NewRegistry()
	registry.Register(marketplace.M2, action.Publish, func(ctx context.Context, rc reqctx.Request, job store.Job) (action.Handler, error) {
		return alwaysSuccessHandler{}, nil
	})
	orch := orchestrator.New(ms, registry)
	batches := batch.NewRegistry(ms, 3)
	br := bridge.NewClient(nil, 10)

	cfg := &config.Config{
		Dispatcher: config.Dispatcher{
			WorkerCount: 1,
			Caps: map[string]config.MarketplaceCap{
				"M2": {Cap: 100, Window: time.Minute},
			},
			CircuitBreaker: config.CircuitBreaker{FailureThreshold: 0.5, Window: time.Minute, CooldownPeriod: time.Second, MinSamples: 1000},
			Backoff:        config.Backoff{Base: time.Second, Max: time.Minute},
		},
	}
	log := zap.NewNop()

	d := dispatcher.New(ms, idx, rl, orch, batches, br, nil, cfg, log)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	<-done

	require.True(t, ms.claimed)
	require.True(t, ms.completed)
}
