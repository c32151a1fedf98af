// Package facade implements the External Facade (C10): the tenant-scoped
// HTTP surface over submit/query/control operations, routed with
// gorilla/mux the way the teacher's multi-tenant-isolation/handlers.go
// does, and rate-limited per tenant with golang.org/x/time/rate the way
// internal/event-hooks/webhook.go rate-limits webhook delivery.
package facade

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/corsair-labs/marketplace-orchestrator/internal/batch"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/obs"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

// Facade wires the Store, Batch Registry, RedisIndex and plugin Bridge
// into the HTTP operations spec.md §4.8 names.
type Facade struct {
	store   store.Store
	idx     *store.RedisIndex
	batches *batch.Registry
	bridge  *bridge.Client
	cfg     *config.Config
	log     *zap.Logger

	mu       sync.Mutex
	limiters map[tenant.ID]*rate.Limiter
}

func New(s store.Store, idx *store.RedisIndex, batches *batch.Registry, br *bridge.Client, cfg *config.Config, log *zap.Logger) *Facade {
	return &Facade{
		store:    s,
		idx:      idx,
		batches:  batches,
		bridge:   br,
		cfg:      cfg,
		log:      log,
		limiters: make(map[tenant.ID]*rate.Limiter),
	}
}

func (f *Facade) limiterFor(t tenant.ID) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[t]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.cfg.Facade.RateLimitPerSec), f.cfg.Facade.RateLimitBurst)
		f.limiters[t] = l
	}
	return l
}

// Router builds the mux.Router with the request-ID/panic-recovery/access-log/
// rate-limit middleware chain adapted from the teacher's admin-api middleware.
func (f *Facade) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(f.recoverMiddleware, f.accessLogMiddleware, f.tenantMiddleware, f.rateLimitMiddleware)

	r.HandleFunc("/tenants/{tenant}/jobs", f.SubmitJob).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/jobs", f.ListJobs).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant}/jobs/{id}", f.GetJob).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant}/jobs/{id}/retry", f.RetryJob).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/jobs/{id}/pause", f.PauseJob).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/jobs/{id}/resume", f.ResumeJob).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/jobs/{id}/cancel", f.CancelJob).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/tasks", f.ListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant}/batches", f.SubmitBatch).Methods(http.MethodPost)

	r.HandleFunc("/tenants/{tenant}/tasks/{id}", f.GetTask).Methods(http.MethodGet)

	r.HandleFunc("/tenants/{tenant}/plugin/poll", f.PluginPoll).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant}/plugin/report", f.PluginReport).Methods(http.MethodPost)
	r.HandleFunc("/tenants/{tenant}/plugin/ws", f.PluginSocket).Methods(http.MethodGet)
	r.HandleFunc("/tenants/{tenant}/plugin/notify-disconnect", f.NotifyDisconnect).Methods(http.MethodPost)

	return r
}

func (f *Facade) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *Facade) writeError(w http.ResponseWriter, err error) {
	kind, ok := orcherr.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		switch kind {
		case orcherr.KindInvalidInput:
			status = http.StatusBadRequest
		case orcherr.KindNotFound:
			status = http.StatusNotFound
		case orcherr.KindIllegalTransition:
			status = http.StatusConflict
		case orcherr.KindRateLimited, orcherr.KindChannelSaturated:
			status = http.StatusTooManyRequests
		}
	}
	f.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestFrom(r *http.Request) reqctx.Request {
	rc, _ := reqctx.FromContext(r.Context())
	return rc
}

// SubmitJob handles POST /tenants/{tenant}/jobs — spec.md §4.8 submit_job.
func (f *Facade) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ActionCode  string           `json:"action_code"`
		Marketplace marketplace.Code `json:"marketplace"`
		ProductID   *string          `json:"product_id,omitempty"`
		Priority    store.Priority   `json:"priority,omitempty"`
		InputData   map[string]any   `json:"input_data,omitempty"`
		BatchID     *int64           `json:"batch_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeError(w, orcherr.Wrap(orcherr.KindInvalidInput, "decode request body", err))
		return
	}
	if !body.Priority.Valid() {
		body.Priority = store.PriorityNormal
	}
	rc := requestFrom(r)
	job, err := f.store.CreateJob(r.Context(), rc, store.NewJob{
		BatchID:     body.BatchID,
		Marketplace: body.Marketplace,
		ActionCode:  body.ActionCode,
		ProductID:   body.ProductID,
		Priority:    body.Priority,
		InputData:   body.InputData,
	}, f.cfg.Dispatcher.MaxRetries)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if err := f.idx.Enqueue(r.Context(), rc.Tenant, job.Marketplace, job.ID, job.Priority, job.CreatedAt); err != nil {
		f.log.Warn("ready-queue enqueue failed", obs.Err(err))
	}
	obs.JobsSubmitted.WithLabelValues(string(job.Marketplace), job.ActionCode).Inc()
	f.writeJSON(w, http.StatusCreated, job)
}

// SubmitBatch handles POST /tenants/{tenant}/batches — spec.md §4.8 submit_batch.
func (f *Facade) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var body store.NewBatch
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		f.writeError(w, orcherr.Wrap(orcherr.KindInvalidInput, "decode request body", err))
		return
	}
	rc := requestFrom(r)
	b, jobs, err := f.batches.Submit(r.Context(), rc, body)
	if err != nil {
		f.writeError(w, err)
		return
	}
	for _, j := range jobs {
		if err := f.idx.Enqueue(r.Context(), rc.Tenant, j.Marketplace, j.ID, j.Priority, j.CreatedAt); err != nil {
			f.log.Warn("ready-queue enqueue failed", obs.Err(err))
		}
		obs.JobsSubmitted.WithLabelValues(string(j.Marketplace), j.ActionCode).Inc()
	}
	f.writeJSON(w, http.StatusCreated, map[string]any{"batch": b, "jobs": jobs})
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

// GetJob handles GET /tenants/{tenant}/jobs/{id} — spec.md §4.8 get_job.
func (f *Facade) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		f.writeError(w, orcherr.New(orcherr.KindInvalidInput, "invalid job id"))
		return
	}
	rc := requestFrom(r)
	job, err := f.store.GetJob(r.Context(), rc, id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	tasks, err := f.store.ListTasksForJob(r.Context(), rc, id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{
		"job":      job,
		"tasks":    tasks,
		"progress": store.Progress(tasks),
	})
}

func parseJobFilter(r *http.Request) store.JobFilter {
	q := r.URL.Query()
	f := store.JobFilter{
		Marketplace: marketplace.Code(q.Get("marketplace")),
		Status:      store.JobStatus(q.Get("status")),
		Limit:       store.MaxListLimit,
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		f.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		f.Offset = v
	}
	if v, err := strconv.ParseInt(q.Get("batch_id"), 10, 64); err == nil {
		f.BatchID = &v
	}
	return f
}

// ListJobs handles GET /tenants/{tenant}/jobs — spec.md §4.8 list_jobs.
func (f *Facade) ListJobs(w http.ResponseWriter, r *http.Request) {
	rc := requestFrom(r)
	jobs, total, counts, err := f.store.ListJobs(r.Context(), rc, parseJobFilter(r))
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total, "counts_by_status": counts})
}

// ListTasks handles GET /tenants/{tenant}/tasks — spec.md §4.8 list_tasks.
func (f *Facade) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tf := store.TaskFilter{Status: store.TaskStatus(q.Get("status")), Limit: store.MaxListLimit}
	if v, err := strconv.ParseInt(q.Get("job_id"), 10, 64); err == nil {
		tf.JobID = v
	}
	if v, err := strconv.Atoi(q.Get("limit")); err == nil && v > 0 {
		tf.Limit = v
	}
	if v, err := strconv.Atoi(q.Get("offset")); err == nil && v > 0 {
		tf.Offset = v
	}
	rc := requestFrom(r)
	tasks, total, counts, err := f.store.ListTasks(r.Context(), rc, tf)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "total": total, "counts_by_status": counts})
}

// GetTask handles GET /tenants/{tenant}/tasks/{id} — spec.md §4.8 get_task.
func (f *Facade) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		f.writeError(w, orcherr.New(orcherr.KindInvalidInput, "invalid task id"))
		return
	}
	rc := requestFrom(r)
	task, err := f.store.GetTask(r.Context(), rc, id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	f.writeJSON(w, http.StatusOK, task)
}

func (f *Facade) transition(w http.ResponseWriter, r *http.Request, apply func(ctx *http.Request, rc reqctx.Request, id int64) (*store.Job, error)) {
	id, err := pathInt64(r, "id")
	if err != nil {
		f.writeError(w, orcherr.New(orcherr.KindInvalidInput, "invalid job id"))
		return
	}
	rc := requestFrom(r)
	job, err := apply(r, rc, id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if job.Status == store.JobPending {
		if err := f.idx.Enqueue(r.Context(), rc.Tenant, job.Marketplace, job.ID, job.Priority, job.CreatedAt); err != nil {
			f.log.Warn("ready-queue enqueue failed", obs.Err(err))
		}
	}
	f.writeJSON(w, http.StatusOK, job)
}

// RetryJob handles POST /tenants/{tenant}/jobs/{id}/retry — spec.md §4.8 retry_job.
func (f *Facade) RetryJob(w http.ResponseWriter, r *http.Request) {
	f.transition(w, r, func(r *http.Request, rc reqctx.Request, id int64) (*store.Job, error) {
		return f.store.RetryJob(r.Context(), rc, id)
	})
}

// PauseJob handles POST /tenants/{tenant}/jobs/{id}/pause.
func (f *Facade) PauseJob(w http.ResponseWriter, r *http.Request) {
	f.transition(w, r, func(r *http.Request, rc reqctx.Request, id int64) (*store.Job, error) {
		return f.store.PauseJob(r.Context(), rc, id)
	})
}

// ResumeJob handles POST /tenants/{tenant}/jobs/{id}/resume.
func (f *Facade) ResumeJob(w http.ResponseWriter, r *http.Request) {
	f.transition(w, r, func(r *http.Request, rc reqctx.Request, id int64) (*store.Job, error) {
		return f.store.ResumeJob(r.Context(), rc, id)
	})
}

// CancelJob handles POST /tenants/{tenant}/jobs/{id}/cancel. Cancellation
// sets a flag consulted between tasks (spec.md §4.8); in-flight tasks are
// not aborted mid-step.
func (f *Facade) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		f.writeError(w, orcherr.New(orcherr.KindInvalidInput, "invalid job id"))
		return
	}
	rc := requestFrom(r)
	job, err := f.store.CancelJob(r.Context(), rc, id)
	if err != nil {
		f.writeError(w, err)
		return
	}
	if err := f.store.CancelPendingTasks(r.Context(), rc, id); err != nil {
		f.log.Warn("cancel pending tasks failed", obs.Err(err))
	}
	if err := f.idx.Remove(r.Context(), rc.Tenant, job.Marketplace, job.ID); err != nil {
		f.log.Warn("ready-queue remove failed", obs.Err(err))
	}
	f.writeJSON(w, http.StatusOK, job)
}

// PluginPoll handles GET /tenants/{tenant}/plugin/poll — spec.md §4.8
// plugin_poll, the long-poll fallback for extensions without a live
// websocket.
func (f *Facade) PluginPoll(w http.ResponseWriter, r *http.Request) {
	timeout := f.cfg.Bridge.LongPollTimeout
	if v, err := strconv.Atoi(r.URL.Query().Get("timeout_s")); err == nil && v > 0 {
		timeout = time.Duration(v) * time.Second
	}
	rc := requestFrom(r)
	reqs := f.bridge.Poll(r.Context(), rc.Tenant.String(), timeout)
	f.writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// PluginReport handles POST /tenants/{tenant}/plugin/report — spec.md
// §4.8 plugin_report.
func (f *Facade) PluginReport(w http.ResponseWriter, r *http.Request) {
	var resp bridge.Response
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		f.writeError(w, orcherr.Wrap(orcherr.KindInvalidInput, "decode plugin response", err))
		return
	}
	f.bridge.Report(resp)
	obs.BridgeRequests.WithLabelValues(map[bool]string{true: "success", false: "failure"}[resp.Success]).Inc()
	f.writeJSON(w, http.StatusOK, map[string]string{"ack": resp.RequestID})
}

// PluginSocket upgrades GET /tenants/{tenant}/plugin/ws to the push
// transport, when the facade is wired with a *bridge.WSTransport.
func (f *Facade) PluginSocket(w http.ResponseWriter, r *http.Request) {
	ws, ok := f.bridge.Transport().(*bridge.WSTransport)
	if !ok {
		f.writeError(w, orcherr.New(orcherr.KindInvalidInput, "push transport not configured"))
		return
	}
	rc := requestFrom(r)
	if err := ws.Handle(w, r, rc.Tenant.String()); err != nil {
		f.log.Warn("plugin socket closed with error", obs.Err(err))
	}
}

// NotifyDisconnect handles POST /tenants/{tenant}/plugin/notify-disconnect —
// spec.md §4.6/§6 Session-loss Notification. Idempotent: marks the
// tenant's bridge connection inactive and fails every in-flight bridge
// request with SessionLost, regardless of whether a push socket is live.
func (f *Facade) NotifyDisconnect(w http.ResponseWriter, r *http.Request) {
	rc := requestFrom(r)
	f.bridge.SessionLost(rc.Tenant.String())
	f.writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}
