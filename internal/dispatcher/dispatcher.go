// Package dispatcher implements the Dispatcher / Worker Pool (C8): the
// claim loop that pulls the next eligible job per (tenant, marketplace)
// under its rate cap, drives it through the Orchestrator, and applies the
// resulting complete/retry/fail transition. The claim/backoff/dead-letter
// shape is adapted from the teacher's worker.go BRPOPLPUSH loop; the
// per-(tenant,marketplace) sweep and the heartbeat-free reap (a job simply
// expires rather than needing a live worker heartbeat) replace its
// single-queue, heartbeat-based recovery model since Postgres's
// FOR UPDATE SKIP LOCKED already makes claims crash-safe.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/corsair-labs/marketplace-orchestrator/internal/batch"
	"github.com/corsair-labs/marketplace-orchestrator/internal/breaker"
	"github.com/corsair-labs/marketplace-orchestrator/internal/bridge"
	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/obs"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orchestrator"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/stats"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Dispatcher owns the worker pool and the janitor sweep.
type Dispatcher struct {
	store    store.Store
	idx      *store.RedisIndex
	rl       *store.RateLimiter
	orch     *orchestrator.Orchestrator
	batches  *batch.Registry
	bridge   *bridge.Client
	stats    *stats.Publisher
	cfg      *config.Config
	log      *zap.Logger
	breakers map[marketplace.Code]*breaker.CircuitBreaker
}

func New(s store.Store, idx *store.RedisIndex, rl *store.RateLimiter, orch *orchestrator.Orchestrator, batches *batch.Registry, br *bridge.Client, st *stats.Publisher, cfg *config.Config, log *zap.Logger) *Dispatcher {
	breakers := make(map[marketplace.Code]*breaker.CircuitBreaker, len(marketplace.All()))
	bc := cfg.Dispatcher.CircuitBreaker
	for _, m := range marketplace.All() {
		breakers[m] = breaker.New(bc.Window, bc.CooldownPeriod, bc.FailureThreshold, bc.MinSamples)
	}
	return &Dispatcher{store: s, idx: idx, rl: rl, orch: orch, batches: batches, bridge: br, stats: st, cfg: cfg, log: log, breakers: breakers}
}

// Run starts the worker pool and the janitor sweep, blocking until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Dispatcher.WorkerCount; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("dispatcher-%d", i)
		go func() {
			defer wg.Done()
			obs.WorkerActive.Inc()
			defer obs.WorkerActive.Dec()
			d.runOne(ctx, workerID)
		}()
	}

	go d.reportBreakerState(ctx)

	c := cron.New()
	period := d.cfg.Dispatcher.JanitorPeriod
	if period <= 0 {
		period = 30 * time.Second
	}
	_, err := c.AddFunc(fmt.Sprintf("@every %s", period), func() { d.sweepOnce(ctx) })
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	defer c.Stop()

	wg.Wait()
	return nil
}

func (d *Dispatcher) reportBreakerState(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for m, cb := range d.breakers {
				switch cb.State() {
				case breaker.Closed:
					obs.CircuitBreakerState.WithLabelValues(string(m)).Set(0)
				case breaker.HalfOpen:
					obs.CircuitBreakerState.WithLabelValues(string(m)).Set(1)
				case breaker.Open:
					obs.CircuitBreakerState.WithLabelValues(string(m)).Set(2)
				}
			}
		}
	}
}

func (d *Dispatcher) runOne(ctx context.Context, workerID string) {
	poll := d.cfg.Dispatcher.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	for ctx.Err() == nil {
		claimed := d.sweepClaim(ctx, workerID)
		if !claimed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
		}
	}
}

// sweepClaim walks every (tenant, marketplace) once, claiming and
// processing at most one job per pair, and reports whether anything was
// claimed this sweep.
func (d *Dispatcher) sweepClaim(ctx context.Context, workerID string) bool {
	tenants, err := d.store.ListTenants(ctx)
	if err != nil {
		d.log.Warn("tenant list error", obs.Err(err))
		return false
	}
	claimedAny := false
	for _, t := range tenants {
		rc := reqctx.New(t)
		for _, m := range marketplace.All() {
			cb := d.breakers[m]
			if !cb.Allow() {
				continue
			}

			// Cheap pre-check against the Redis ready-queue hint before
			// spending a rate-limit token or touching Postgres;
			// ClaimNextJob's SQL remains the source of truth for
			// eligibility (expiry/visibility), so a stale or empty hint
			// here only costs a missed opportunity, never correctness —
			// but it must run before Allow consumes a token, since the
			// cap is meant to bound requests actually issued, not empty
			// sweeps.
			if depth, err := d.idx.QueueDepth(ctx, t, m); err == nil && depth == 0 {
				continue
			}

			cap, window := d.capFor(m)
			allowed, err := d.rl.Allow(ctx, t, m, window, cap)
			if err != nil {
				d.log.Warn("rate limiter error", obs.String("tenant", t.String()), obs.Err(err))
				continue
			}
			if !allowed {
				obs.RateLimitRejections.WithLabelValues(t.String(), string(m)).Inc()
				continue
			}

			deqCtx, deqSpan := obs.StartDequeueSpan(ctx, string(m))
			job, err := d.store.ClaimNextJob(deqCtx, rc, m)
			if err != nil {
				obs.RecordError(deqCtx, err)
				deqSpan.End()
				d.log.Warn("claim error", obs.String("tenant", t.String()), obs.Err(err))
				continue
			}
			if job == nil {
				deqSpan.End()
				continue
			}
			obs.SetSpanSuccess(deqCtx)
			deqSpan.End()

			claimedAny = true
			obs.JobsClaimed.WithLabelValues(string(m)).Inc()
			d.process(ctx, workerID, rc, *job)
		}
	}
	return claimedAny
}

func (d *Dispatcher) capFor(m marketplace.Code) (int64, time.Duration) {
	c, ok := d.cfg.Dispatcher.Caps[string(m)]
	if !ok {
		return 1, time.Second
	}
	return c.Cap, c.Window
}

func (d *Dispatcher) process(ctx context.Context, workerID string, rc reqctx.Request, job store.Job) {
	ctx, span := obs.ContextWithJobSpan(ctx, job)
	defer span.End()
	obs.AddSpanAttributes(ctx, obs.KeyValue("worker.id", workerID))

	if tasks, err := d.store.ListTasksForJob(ctx, rc, job.ID); err != nil {
		d.log.Error("list tasks failed", obs.Err(err))
		return
	} else if len(tasks) == 0 {
		if _, err := d.orch.CreateTasks(ctx, rc, job); err != nil {
			d.failOutright(ctx, rc, job, err)
			return
		}
	}

	start := time.Now()
	result, err := d.orch.ExecuteJob(ctx, rc, job)
	dur := time.Since(start)

	if errors.Is(err, orchestrator.ErrHalted) {
		// The job was paused or cancelled mid-execution; the store already
		// reflects that transition, so there is nothing left to apply here,
		// and neither the task-duration histogram nor the marketplace
		// circuit breaker should count this as a task outcome.
		return
	}

	obs.JobProcessingDuration.WithLabelValues(string(job.Marketplace), job.ActionCode).Observe(dur.Seconds())

	cb := d.breakers[job.Marketplace]
	prev := cb.State()
	cb.Record(err == nil)
	if curr := cb.State(); prev != curr && curr == breaker.Open {
		obs.CircuitBreakerTrips.WithLabelValues(string(job.Marketplace)).Inc()
	}

	if err == nil {
		d.succeed(ctx, rc, job, result, dur)
		return
	}
	obs.RecordError(ctx, err)
	d.fail(ctx, rc, job, err, dur)
}

func (d *Dispatcher) succeed(ctx context.Context, rc reqctx.Request, job store.Job, result map[string]any, dur time.Duration) {
	if _, err := d.store.CompleteJob(ctx, rc, job.ID, result); err != nil {
		d.log.Error("complete job failed", obs.Err(err))
		return
	}
	obs.SetSpanSuccess(ctx)
	obs.JobsCompleted.WithLabelValues(string(job.Marketplace), job.ActionCode).Inc()
	d.recordOutcome(ctx, rc, job, true, dur)
}

// fail classifies err and applies either the retry/backoff transition or a
// terminal failure, per spec.md §4.5/§4.6/§7.
func (d *Dispatcher) fail(ctx context.Context, rc reqctx.Request, job store.Job, failErr error, dur time.Duration) {
	kind, _ := orcherr.KindOf(failErr)

	if kind == orcherr.KindSessionLost {
		d.failOutright(ctx, rc, job, failErr)
		d.recordOutcome(ctx, rc, job, false, dur)
		return
	}
	if !orcherr.Retryable(kind) {
		d.failOutright(ctx, rc, job, failErr)
		d.recordOutcome(ctx, rc, job, false, dur)
		return
	}

	bo := orchestrator.Backoff(d.cfg.Dispatcher.Backoff.Base, d.cfg.Dispatcher.Backoff.Max, job.RetryCount+1)
	updated, err := d.store.FailOrRetryJob(ctx, rc, job.ID, failErr.Error(), bo)
	if err != nil {
		d.log.Error("fail-or-retry transition failed", obs.Err(err))
		return
	}
	if updated.Status == store.JobPending {
		obs.JobsRetried.WithLabelValues(string(job.Marketplace), job.ActionCode).Inc()
		return
	}
	obs.JobsFailed.WithLabelValues(string(job.Marketplace), job.ActionCode).Inc()
	d.recordOutcome(ctx, rc, job, false, dur)
}

func (d *Dispatcher) failOutright(ctx context.Context, rc reqctx.Request, job store.Job, cause error) {
	if _, err := d.store.FailJobTerminal(ctx, rc, job.ID, cause.Error()); err != nil {
		d.log.Error("terminal fail transition failed", obs.Err(err))
		return
	}
	obs.JobsFailed.WithLabelValues(string(job.Marketplace), job.ActionCode).Inc()
}

func (d *Dispatcher) recordOutcome(ctx context.Context, rc reqctx.Request, job store.Job, success bool, dur time.Duration) {
	if job.BatchID != nil {
		if _, err := d.batches.RecordOutcome(ctx, rc, *job.BatchID, success); err != nil {
			d.log.Warn("batch outcome rollup failed", obs.Err(err))
		}
	}
	if err := d.store.UpsertDailyStats(ctx, rc, job.ActionCode, job.Marketplace, time.Now(), success, dur.Milliseconds()); err != nil {
		d.log.Warn("daily stats upsert failed", obs.Err(err))
	}
	if d.stats != nil {
		d.stats.PublishOutcome(ctx, rc, job, success, dur)
	}
}

// sweepOnce runs one janitor pass: expire overdue jobs per tenant and sweep
// any plugin-bridge requests past their deadline.
func (d *Dispatcher) sweepOnce(ctx context.Context) {
	tenants, err := d.store.ListTenants(ctx)
	if err != nil {
		d.log.Warn("janitor tenant list error", obs.Err(err))
		return
	}
	for _, t := range tenants {
		rc := reqctx.New(t)
		expired, err := d.store.ExpireJobs(ctx, rc, time.Now())
		if err != nil {
			d.log.Warn("janitor expire error", obs.String("tenant", t.String()), obs.Err(err))
			continue
		}
		for _, j := range expired {
			obs.JobsExpired.WithLabelValues(string(j.Marketplace)).Inc()
			d.recordOutcome(ctx, rc, j, false, 0)
		}
		if d.bridge != nil {
			d.bridge.SweepExpired(time.Now())
		}
	}
}
