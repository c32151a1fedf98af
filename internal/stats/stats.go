// Package stats implements the Stats Aggregator's fan-out side (C9): every
// terminal job transition is additionally published to NATS JetStream so
// external consumers (dashboards, billing, anomaly detection) can observe
// outcomes without polling Postgres. The JetStream publish pattern is
// adapted from the teacher's event-hooks/nats.go NATSPublisher; the
// per-day running-mean aggregate itself lives at the store layer
// (store.UpsertDailyStats) since it must be transactionally consistent
// with the job's terminal state, not merely eventually consistent.
package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/corsair-labs/marketplace-orchestrator/internal/config"
	"github.com/corsair-labs/marketplace-orchestrator/internal/obs"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/store"
)

// Outcome is the wire shape published for every terminal job transition.
type Outcome struct {
	Tenant        string    `json:"tenant"`
	JobID         int64     `json:"job_id"`
	BatchID       *int64    `json:"batch_id,omitempty"`
	Marketplace   string    `json:"marketplace"`
	ActionCode    string    `json:"action_code"`
	Success       bool      `json:"success"`
	DurationMs    int64     `json:"duration_ms"`
	RetryCount    int       `json:"retry_count"`
	CorrelationID string    `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Publisher fans out job outcomes onto a JetStream stream, one subject per
// (tenant, marketplace).
type Publisher struct {
	conn        *nats.Conn
	js          nats.JetStreamContext
	subjectBase string
	log         *zap.Logger
}

// NewPublisher connects to NATS and ensures the configured stream exists.
func NewPublisher(cfg *config.Config, log *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(cfg.Stats.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	subjectWildcard := cfg.Stats.SubjectBase + ".>"
	if _, err := js.StreamInfo(cfg.Stats.StreamName); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     cfg.Stats.StreamName,
			Subjects: []string{subjectWildcard},
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create stream %s: %w", cfg.Stats.StreamName, err)
		}
	}
	return &Publisher{conn: conn, js: js, subjectBase: cfg.Stats.SubjectBase, log: log}, nil
}

// PublishOutcome fans out one job's terminal transition. Failures are
// logged and swallowed: the durable aggregate already lives in Postgres,
// so a dropped event degrades observability, not correctness.
func (p *Publisher) PublishOutcome(ctx context.Context, rc reqctx.Request, job store.Job, success bool, dur time.Duration) {
	o := Outcome{
		Tenant:        rc.Tenant.String(),
		JobID:         job.ID,
		BatchID:       job.BatchID,
		Marketplace:   string(job.Marketplace),
		ActionCode:    job.ActionCode,
		Success:       success,
		DurationMs:    dur.Milliseconds(),
		RetryCount:    job.RetryCount,
		CorrelationID: rc.CorrelationID,
		Timestamp:     time.Now(),
	}
	payload, err := json.Marshal(o)
	if err != nil {
		p.log.Warn("stats event marshal failed", obs.Err(err))
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", p.subjectBase, o.Tenant, o.Marketplace)
	if _, err := p.js.Publish(subject, payload); err != nil {
		p.log.Warn("stats event publish failed", obs.String("subject", subject), obs.Err(err))
	}
}

// Close drains and closes the NATS connection.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
