package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corsair-labs/marketplace-orchestrator/internal/action"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orchestrator"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

type fakeStore struct {
	store.Store
	tasks       []store.Task
	created     []string
	markedDone  []store.TaskStatus
	processedID int64
	jobStatus   store.JobStatus
}

func (f *fakeStore) GetJob(ctx context.Context, rc reqctx.Request, id int64) (*store.Job, error) {
	status := f.jobStatus
	if status == "" {
		status = store.JobRunning
	}
	return &store.Job{ID: id, Status: status}, nil
}

func (f *fakeStore) CreateTasks(ctx context.Context, rc reqctx.Request, jobID int64, descriptions []string, taskType store.TaskType) ([]store.Task, error) {
	f.created = descriptions
	f.tasks = nil
	for i, d := range descriptions {
		f.tasks = append(f.tasks, store.Task{ID: int64(i + 1), JobID: jobID, Position: i, Description: d, Status: store.TaskPending, TaskType: taskType})
	}
	return f.tasks, nil
}

func (f *fakeStore) ListTasksForJob(ctx context.Context, rc reqctx.Request, jobID int64) ([]store.Task, error) {
	return f.tasks, nil
}

func (f *fakeStore) MarkTaskProcessing(ctx context.Context, rc reqctx.Request, id int64) (*store.Task, error) {
	f.processedID = id
	return &store.Task{ID: id}, nil
}

func (f *fakeStore) MarkTaskDone(ctx context.Context, rc reqctx.Request, id int64, status store.TaskStatus, result map[string]any, errMsg *string) (*store.Task, error) {
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].Status = status
		}
	}
	f.markedDone = append(f.markedDone, status)
	return &store.Task{ID: id, Status: status}, nil
}

type stepHandler struct {
	steps []action.Step
}

func (h *stepHandler) Steps(job store.Job) []action.Step { return h.steps }

func registryWith(steps []action.Step) *action.Registry {
	r := action.NewRegistry()
	r.Register(marketplace.M2, action.Publish, func(ctx context.Context, rc reqctx.Request, job store.Job) (action.Handler, error) {
		return &stepHandler{steps: steps}, nil
	})
	return r
}

func TestExecuteJobSkipsSuccessfulTasksOnRetry(t *testing.T) {
	var ran []string
	steps := []action.Step{
		{Name: "step-one", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			ran = append(ran, task.Description)
			return action.StepResult{Success: true}
		}},
		{Name: "step-two", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			ran = append(ran, task.Description)
			return action.StepResult{Success: true}
		}},
	}
	fs := &fakeStore{tasks: []store.Task{
		{ID: 1, Description: "step-one", Status: store.TaskSuccess, TaskType: store.TaskTypeDirectHTTP},
		{ID: 2, Description: "step-two", Status: store.TaskPending, TaskType: store.TaskTypeDirectHTTP},
	}}
	o := orchestrator.New(fs, registryWith(steps))
	rc := reqctx.New(tenant.ID("acme"))
	job := store.Job{ID: 1, Marketplace: marketplace.M2, ActionCode: string(action.Publish)}

	_, err := o.ExecuteJob(context.Background(), rc, job)

	require.NoError(t, err)
	assert.Equal(t, []string{"step-two"}, ran)
}

func TestExecuteJobStopsOnFirstFailure(t *testing.T) {
	steps := []action.Step{
		{Name: "step-one", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			return action.StepResult{Err: orcherr.New(orcherr.KindUpstreamFailure, "boom")}
		}},
		{Name: "step-two", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			t.Fatal("step-two must not run after step-one fails")
			return action.StepResult{}
		}},
	}
	fs := &fakeStore{tasks: []store.Task{
		{ID: 1, Description: "step-one", Status: store.TaskPending, TaskType: store.TaskTypeDirectHTTP},
		{ID: 2, Description: "step-two", Status: store.TaskPending, TaskType: store.TaskTypeDirectHTTP},
	}}
	o := orchestrator.New(fs, registryWith(steps))
	rc := reqctx.New(tenant.ID("acme"))
	job := store.Job{ID: 1, Marketplace: marketplace.M2, ActionCode: string(action.Publish)}

	_, err := o.ExecuteJob(context.Background(), rc, job)

	require.Error(t, err)
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.KindUpstreamFailure, kind)
	assert.Equal(t, []store.TaskStatus{store.TaskFailed}, fs.markedDone)
}

func TestExecuteJobHaltsWhenJobPausedBetweenTasks(t *testing.T) {
	steps := []action.Step{
		{Name: "step-one", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			return action.StepResult{Success: true}
		}},
		{Name: "step-two", Run: func(ctx context.Context, job store.Job, task store.Task) action.StepResult {
			t.Fatal("step-two must not run once the job is paused")
			return action.StepResult{}
		}},
	}
	fs := &fakeStore{
		jobStatus: store.JobPaused,
		tasks: []store.Task{
			{ID: 1, Description: "step-one", Status: store.TaskPending, TaskType: store.TaskTypeDirectHTTP},
			{ID: 2, Description: "step-two", Status: store.TaskPending, TaskType: store.TaskTypeDirectHTTP},
		},
	}
	o := orchestrator.New(fs, registryWith(steps))
	rc := reqctx.New(tenant.ID("acme"))
	job := store.Job{ID: 1, Marketplace: marketplace.M2, ActionCode: string(action.Publish)}

	_, err := o.ExecuteJob(context.Background(), rc, job)

	require.ErrorIs(t, err, orchestrator.ErrHalted)
	assert.Empty(t, fs.markedDone)
}

func TestBackoffExponentialUpToMax(t *testing.T) {
	base := 60 * time.Second
	max := time.Hour

	assert.Equal(t, base, orchestrator.Backoff(base, max, 1))
	assert.Equal(t, 2*base, orchestrator.Backoff(base, max, 2))
	assert.Equal(t, 4*base, orchestrator.Backoff(base, max, 3))
	assert.Equal(t, max, orchestrator.Backoff(base, max, 10))
}
