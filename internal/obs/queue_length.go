// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
)

// TenantLister supplies the set of known tenants to sample; satisfied by
// whatever keeps the tenant roster (e.g. a config-driven static list, or a
// lookup against the reference schema).
type TenantLister interface {
	ListTenants(ctx context.Context) ([]tenant.ID, error)
}

// StartReadyQueueSampler periodically sets ReadyQueueDepth for every known
// tenant and marketplace, mirroring the teacher's queue-length poller but
// against the per-tenant ready queues instead of a static queue list.
func StartReadyQueueSampler(ctx context.Context, interval time.Duration, idx *store.RedisIndex, lister TenantLister, log *zap.Logger) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tenants, err := lister.ListTenants(ctx)
				if err != nil {
					log.Debug("tenant list poll error", Err(err))
					continue
				}
				for _, t := range tenants {
					for _, m := range marketplace.All() {
						n, err := idx.QueueDepth(ctx, t, m)
						if err != nil {
							log.Debug("queue depth poll error", String("tenant", t.String()), String("marketplace", string(m)), Err(err))
							continue
						}
						ReadyQueueDepth.WithLabelValues(t.String(), string(m)).Set(float64(n))
					}
				}
			}
		}
	}()
}
