// Package action implements the Action Registry and the base Action Handler
// behavior (C4, C5). A Handler is constructed once per job and exposes an
// ordered list of Steps; each Step is a plain function value bound to the
// handler's own service instance, replacing the source system's
// dynamic-method-dispatch-by-string-name (`getattr(service, method_name)`)
// with the DESIGN NOTES' preferred option (a): a mapping from action code
// to a function value. The registry stores constructors, not classes.
package action

import (
	"context"
	"fmt"
	"sync"

	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

// Code identifies what a job does, independent of marketplace.
type Code string

const (
	Publish      Code = "publish"
	Update       Code = "update"
	Delete       Code = "delete"
	SyncListings Code = "sync_listings"
	SyncOrders   Code = "sync_orders"
	// Custom is the auxiliary-operation escape hatch: the orchestrator never
	// interprets its task list, it only drives whatever Steps the
	// registered handler declares.
	Custom Code = "custom"
)

// StepResult is what a Step returns: the same shape spec.md gives every
// service method, {success, result, error}.
type StepResult struct {
	Success bool
	Result  map[string]any
	Err     error
}

// Step is one ordered unit of work a Handler declares for a job. Name
// becomes the Task's description and the key execute_job looks up in
// handlers_by_name.
type Step struct {
	Name string
	Run  func(ctx context.Context, job store.Job, task store.Task) StepResult
}

// Handler is constructed fresh per job by a HandlerConstructor and exposes
// the ordered Steps that realize the job. Validation of required inputs and
// mapping a Step's result into the job's result_data is the base behavior
// every concrete handler gets for free via Run (see Execute below); a
// Handler only needs to supply Steps.
type Handler interface {
	Steps(job store.Job) []Step
}

// HandlerConstructor builds a Handler bound to one tenant/job's identity
// (e.g. it resolves the marketplace credential handle and constructs the
// marketplace service). Constructors never retry; retry is the
// dispatcher's job (C8), never the handler's.
type HandlerConstructor func(ctx context.Context, rctx reqctx.Request, job store.Job) (Handler, error)

type key struct {
	Marketplace marketplace.Code
	Action      Code
}

// Registry maps (marketplace, action_code) to a handler constructor.
type Registry struct {
	mu           sync.RWMutex
	constructors map[key]HandlerConstructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[key]HandlerConstructor)}
}

// Register binds a constructor to (m, code). Re-registering the same key
// overwrites the previous constructor, which is useful for tests that stub
// out marketplace services.
func (r *Registry) Register(m marketplace.Code, code Code, ctor HandlerConstructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[key{m, code}] = ctor
}

// Lookup returns the constructor for (m, code), or InvalidInput if none is
// registered — spec.md §6 calls this a 400 at the facade.
func (r *Registry) Lookup(m marketplace.Code, code Code) (HandlerConstructor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctor, ok := r.constructors[key{m, code}]
	if !ok {
		return nil, orcherr.New(orcherr.KindInvalidInput, fmt.Sprintf("no handler registered for marketplace=%s action=%s", m, code))
	}
	return ctor, nil
}

// TaskNames returns the ordered task names a Handler declares for job,
// satisfying C4 capability 1.
func TaskNames(h Handler, job store.Job) []string {
	steps := h.Steps(job)
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

// HandlersByName adapts a Handler's Steps into the map execute_job needs:
// task name -> a function of (task) returning {success, result, error}.
func HandlersByName(h Handler, job store.Job) map[string]func(ctx context.Context, task store.Task) (bool, map[string]any, error) {
	steps := h.Steps(job)
	out := make(map[string]func(ctx context.Context, task store.Task) (bool, map[string]any, error), len(steps))
	for _, s := range steps {
		s := s
		out[s.Name] = func(ctx context.Context, task store.Task) (bool, map[string]any, error) {
			res := s.Run(ctx, job, task)
			if res.Err != nil && res.Success {
				// A Step must not claim success while also reporting an
				// error; treat this as a handler bug rather than silently
				// picking one.
				return false, res.Result, res.Err
			}
			return res.Success, res.Result, res.Err
		}
	}
	return out
}
