// Package orchestrator implements the Task Orchestrator (C3): turns a
// Handler's declared Steps into persisted Task rows, runs them in order,
// and applies the skip-completed-on-retry rule (P3) so re-running a job
// never re-executes a task that already reached success or cancelled.
// Grounded on the teacher's internal/worker processJob/runOne loop,
// generalized from "one Redis job payload" to "one job with N ordered
// tasks."
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corsair-labs/marketplace-orchestrator/internal/action"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

// ErrHalted signals that ExecuteJob stopped between tasks because the job
// was paused or cancelled out from under it (spec.md §5/B2/S5), rather than
// because a task failed. The store already reflects the pause/cancel
// transition (and, for cancel, the pending→cancelled task sweep); callers
// must not apply any further job/task transition on this error.
var ErrHalted = errors.New("job halted: no longer running")

// Orchestrator ties a Store to the Action Registry.
type Orchestrator struct {
	store    store.Store
	registry *action.Registry
}

func New(s store.Store, registry *action.Registry) *Orchestrator {
	return &Orchestrator{store: s, registry: registry}
}

// CreateTasks builds the Handler for job and persists its declared Steps
// as Task rows, in order. Called once, right after a job transitions to
// running for the first time.
func (o *Orchestrator) CreateTasks(ctx context.Context, rc reqctx.Request, job store.Job) ([]store.Task, error) {
	ctor, err := o.registry.Lookup(job.Marketplace, action.Code(job.ActionCode))
	if err != nil {
		return nil, err
	}
	handler, err := ctor(ctx, rc, job)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindUpstreamFailure, "construct action handler", err)
	}
	names := action.TaskNames(handler, job)
	if len(names) == 0 {
		return nil, orcherr.New(orcherr.KindInvariantViolation, "action handler declared zero steps")
	}
	return o.store.CreateTasks(ctx, rc, job.ID, names, taskTypeFor(job.Marketplace))
}

// taskTypeFor maps a marketplace's dispatch family to the task-type default
// timeout it should carry (spec.md §5): bridged marketplaces wait on a
// browser extension round-trip, direct ones call out over HTTPS directly.
func taskTypeFor(m marketplace.Code) store.TaskType {
	if m.Family() == marketplace.FamilyBridged {
		return store.TaskTypePluginHTTP
	}
	return store.TaskTypeDirectHTTP
}

// ExecuteJob drives every pending task for job in order, skipping any task
// already success/cancelled (P3), and returns the job's terminal outcome.
// It does not itself transition the job's own status; callers (the
// dispatcher) call CompleteJob/FailOrRetryJob based on the returned error.
func (o *Orchestrator) ExecuteJob(ctx context.Context, rc reqctx.Request, job store.Job) (map[string]any, error) {
	ctor, err := o.registry.Lookup(job.Marketplace, action.Code(job.ActionCode))
	if err != nil {
		return nil, err
	}
	handler, err := ctor(ctx, rc, job)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindUpstreamFailure, "construct action handler", err)
	}
	handlers := action.HandlersByName(handler, job)

	tasks, err := o.store.ListTasksForJob(ctx, rc, job.ID)
	if err != nil {
		return nil, err
	}

	result := map[string]any{}
	for _, task := range tasks {
		select {
		case <-rc.Cancel:
			return result, ErrHalted
		default:
		}

		// Consult the job's live status between tasks (spec.md §5): a
		// pause or cancel issued while this job was running already
		// rewrote its status (and, for cancel, its pending tasks) in the
		// store. Re-executing or re-marking a task here would race that
		// transition, so stop advancing the moment it's no longer running.
		current, err := o.store.GetJob(ctx, rc, job.ID)
		if err != nil {
			return result, err
		}
		if current.Status != store.JobRunning {
			return result, ErrHalted
		}

		if task.Status.SkipOnRetry() {
			continue
		}
		run, ok := handlers[task.Description]
		if !ok {
			return nil, orcherr.New(orcherr.KindInvariantViolation,
				fmt.Sprintf("no step registered for task %q", task.Description))
		}

		if _, err := o.store.MarkTaskProcessing(ctx, rc, task.ID); err != nil {
			return nil, err
		}

		success, stepResult, runErr := o.executeOne(ctx, run, task)
		status, errMsg := outcomeStatus(success, runErr)
		if _, err := o.store.MarkTaskDone(ctx, rc, task.ID, status, stepResult, errMsg); err != nil {
			return nil, err
		}
		if stepResult != nil {
			for k, v := range stepResult {
				result[k] = v
			}
		}
		if !success {
			return result, runErr
		}
	}
	return result, nil
}

// executeOne applies the task-type default deadline around a single Step
// so a hung plugin call can't stall the whole job indefinitely.
func (o *Orchestrator) executeOne(ctx context.Context, run func(context.Context, store.Task) (bool, map[string]any, error), task store.Task) (bool, map[string]any, error) {
	deadline := task.TaskType.DefaultTimeout()
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type outcome struct {
		success bool
		result  map[string]any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		success, result, err := run(runCtx, task)
		done <- outcome{success, result, err}
	}()

	select {
	case o := <-done:
		return o.success, o.result, o.err
	case <-runCtx.Done():
		return false, nil, orcherr.New(orcherr.KindTimeout, fmt.Sprintf("task %q exceeded %s", task.Description, deadline))
	}
}

func outcomeStatus(success bool, err error) (store.TaskStatus, *string) {
	if success {
		return store.TaskSuccess, nil
	}
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	if kind, ok := orcherr.KindOf(err); ok && kind == orcherr.KindTimeout {
		return store.TaskTimeout, &msg
	}
	if kind, ok := orcherr.KindOf(err); ok && kind == orcherr.KindCancelled {
		return store.TaskCancelled, &msg
	}
	return store.TaskFailed, &msg
}

// Backoff implements the exponential-backoff schedule from spec.md §4.5:
// min(base * 2^(retries-1), max).
func Backoff(base, max time.Duration, retryCount int) time.Duration {
	if retryCount < 1 {
		return base
	}
	d := base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
