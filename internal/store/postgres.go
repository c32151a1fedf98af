// Package store: Postgres-backed implementation of Store, the system of
// record for jobs/tasks/batches/stats. Schema bootstrap and migration
// tooling are out of scope (spec.md §1); PGStore assumes each tenant's
// schema already exists, cloned from the `reference.tenant_template` at
// provisioning time; this repository ships no schema files.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/corsair-labs/marketplace-orchestrator/internal/marketplace"
	"github.com/corsair-labs/marketplace-orchestrator/internal/orcherr"
	"github.com/corsair-labs/marketplace-orchestrator/internal/reqctx"
	"github.com/corsair-labs/marketplace-orchestrator/internal/tenant"
	_ "github.com/lib/pq"
)

// PGStore implements Store against a Postgres database with one schema per
// tenant plus a shared `reference` schema for action_types.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func jsonOf(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func mapOf(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// CreateBatch creates a batch and its N child jobs atomically within one
// transaction per spec.md §4.2.
func (s *PGStore) CreateBatch(ctx context.Context, rc reqctx.Request, nb NewBatch, maxRetries int) (*BatchJob, []Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	batch := BatchJob{
		ActionCode:  nb.ActionCode,
		Marketplace: nb.Marketplace,
		TotalJobs:   len(nb.ProductIDs),
		Status:      BatchPending,
		CreatedAt:   now,
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO batches (action_code, marketplace, total_jobs, completed_jobs, failed_jobs, status, created_at)
		 VALUES ($1,$2,$3,0,0,$4,$5) RETURNING id`,
		batch.ActionCode, string(batch.Marketplace), batch.TotalJobs, string(batch.Status), batch.CreatedAt,
	).Scan(&batch.ID); err != nil {
		return nil, nil, fmt.Errorf("insert batch: %w", err)
	}

	input, err := jsonOf(nb.InputData)
	if err != nil {
		return nil, nil, err
	}

	jobs := make([]Job, 0, len(nb.ProductIDs))
	for _, pid := range nb.ProductIDs {
		pid := pid
		j := Job{
			BatchID:     &batch.ID,
			Marketplace: nb.Marketplace,
			ActionCode:  nb.ActionCode,
			ProductID:   &pid,
			Priority:    nb.Priority,
			Status:      JobPending,
			MaxRetries:  maxRetries,
			InputData:   nb.InputData,
			ResultData:  map[string]any{},
			CreatedAt:   now,
			ExpiresAt:   now.Add(DefaultExpiry),
			VisibleAt:   now,
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO jobs (batch_id, marketplace, action_code, product_id, priority, status, retry_count, max_retries,
			                   input_data, result_data, created_at, expires_at, visible_at)
			 VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,'{}'::jsonb,$9,$10,$11) RETURNING id`,
			j.BatchID, string(j.Marketplace), j.ActionCode, j.ProductID, int(j.Priority), string(j.Status), j.MaxRetries,
			input, j.CreatedAt, j.ExpiresAt, j.VisibleAt,
		).Scan(&j.ID); err != nil {
			return nil, nil, fmt.Errorf("insert job: %w", err)
		}
		jobs = append(jobs, j)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return &batch, jobs, nil
}

func (s *PGStore) GetBatch(ctx context.Context, rc reqctx.Request, id int64) (*BatchJob, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	var b BatchJob
	var mkt, status string
	var completedAt sql.NullTime
	err = conn.QueryRowContext(ctx,
		`SELECT id, action_code, marketplace, total_jobs, completed_jobs, failed_jobs, status, created_at, completed_at
		 FROM batches WHERE id=$1`, id,
	).Scan(&b.ID, &b.ActionCode, &mkt, &b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &status, &b.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.KindNotFound, "batch not found")
	}
	if err != nil {
		return nil, err
	}
	b.Marketplace = marketplace.Code(mkt)
	b.Status = BatchStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	return &b, nil
}

func (s *PGStore) ListBatches(ctx context.Context, rc reqctx.Request, f BatchFilter) ([]BatchJob, int, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	query := `SELECT id, action_code, marketplace, total_jobs, completed_jobs, failed_jobs, status, created_at, completed_at
	          FROM batches WHERE ($1='' OR marketplace=$1) AND ($2='' OR status=$2)
	          ORDER BY created_at DESC LIMIT $3 OFFSET $4`
	rows, err := conn.QueryContext(ctx, query, string(f.Marketplace), string(f.Status), limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []BatchJob
	for rows.Next() {
		var b BatchJob
		var mkt, status string
		var completedAt sql.NullTime
		if err := rows.Scan(&b.ID, &b.ActionCode, &mkt, &b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &status, &b.CreatedAt, &completedAt); err != nil {
			return nil, 0, err
		}
		b.Marketplace = marketplace.Code(mkt)
		b.Status = BatchStatus(status)
		if completedAt.Valid {
			t := completedAt.Time
			b.CompletedAt = &t
		}
		out = append(out, b)
	}

	var total int
	if err := conn.QueryRowContext(ctx,
		`SELECT count(*) FROM batches WHERE ($1='' OR marketplace=$1) AND ($2='' OR status=$2)`,
		string(f.Marketplace), string(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// RecordBatchOutcome increments completed_jobs or failed_jobs by one and
// recomputes the rollup status, committing both in the same statement.
func (s *PGStore) RecordBatchOutcome(ctx context.Context, rc reqctx.Request, batchID int64, success bool) (*BatchJob, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var b BatchJob
	var mkt, status string
	var completedAt sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT id, action_code, marketplace, total_jobs, completed_jobs, failed_jobs, status, created_at, completed_at
		 FROM batches WHERE id=$1 FOR UPDATE`, batchID,
	).Scan(&b.ID, &b.ActionCode, &mkt, &b.TotalJobs, &b.CompletedJobs, &b.FailedJobs, &status, &b.CreatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, orcherr.New(orcherr.KindNotFound, "batch not found")
		}
		return nil, err
	}
	b.Marketplace = marketplace.Code(mkt)

	if success {
		b.CompletedJobs++
	} else {
		b.FailedJobs++
	}
	b.Rollup()

	var completedAtArg any
	if b.Status.terminalBatch() {
		now := time.Now().UTC()
		completedAtArg = now
		b.CompletedAt = &now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE batches SET completed_jobs=$1, failed_jobs=$2, status=$3, completed_at=COALESCE($4, completed_at) WHERE id=$5`,
		b.CompletedJobs, b.FailedJobs, string(b.Status), completedAtArg, b.ID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s BatchStatus) terminalBatch() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchPartial:
		return true
	default:
		return false
	}
}

func (s *PGStore) CreateJob(ctx context.Context, rc reqctx.Request, nj NewJob, maxRetries int) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	input, err := jsonOf(nj.InputData)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	j := Job{
		BatchID:     nj.BatchID,
		Marketplace: nj.Marketplace,
		ActionCode:  nj.ActionCode,
		ProductID:   nj.ProductID,
		Priority:    nj.Priority,
		Status:      JobPending,
		MaxRetries:  maxRetries,
		InputData:   nj.InputData,
		ResultData:  map[string]any{},
		CreatedAt:   now,
		ExpiresAt:   now.Add(DefaultExpiry),
		VisibleAt:   now,
	}
	if err := conn.QueryRowContext(ctx,
		`INSERT INTO jobs (batch_id, marketplace, action_code, product_id, priority, status, retry_count, max_retries,
		                   input_data, result_data, created_at, expires_at, visible_at)
		 VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8,'{}'::jsonb,$9,$10,$11) RETURNING id`,
		j.BatchID, string(j.Marketplace), j.ActionCode, j.ProductID, int(j.Priority), string(j.Status), j.MaxRetries,
		input, j.CreatedAt, j.ExpiresAt, j.VisibleAt,
	).Scan(&j.ID); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &j, nil
}

func scanJob(row interface{ Scan(dest ...any) error }) (*Job, error) {
	var j Job
	var mkt, status string
	var inputRaw, resultRaw []byte
	var startedAt, completedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&j.ID, &j.BatchID, &mkt, &j.ActionCode, &j.ProductID, &j.Priority, &status,
		&j.RetryCount, &j.MaxRetries, &inputRaw, &resultRaw, &errMsg,
		&j.CreatedAt, &startedAt, &completedAt, &j.ExpiresAt, &j.VisibleAt); err != nil {
		return nil, err
	}
	j.Marketplace = marketplace.Code(mkt)
	j.Status = JobStatus(status)
	var err error
	if j.InputData, err = mapOf(inputRaw); err != nil {
		return nil, err
	}
	if j.ResultData, err = mapOf(resultRaw); err != nil {
		return nil, err
	}
	if errMsg.Valid {
		j.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		j.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		j.CompletedAt = &completedAt.Time
	}
	return &j, nil
}

const jobColumns = `id, batch_id, marketplace, action_code, product_id, priority, status,
	retry_count, max_retries, input_data, result_data, error_message,
	created_at, started_at, completed_at, expires_at, visible_at`

func (s *PGStore) GetJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	row := conn.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.KindNotFound, "job not found")
	}
	return j, err
}

func (s *PGStore) ListJobs(ctx context.Context, rc reqctx.Request, f JobFilter) ([]Job, int, map[JobStatus]int, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, 0, nil, err
	}
	defer release()

	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	var batchID any
	if f.BatchID != nil {
		batchID = *f.BatchID
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE ($1='' OR marketplace=$1) AND ($2='' OR status=$2) AND ($3::bigint IS NULL OR batch_id=$3)
		 ORDER BY priority ASC, created_at ASC LIMIT $4 OFFSET $5`,
		string(f.Marketplace), string(f.Status), batchID, limit, f.Offset)
	if err != nil {
		return nil, 0, nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, nil, err
		}
		out = append(out, *j)
	}

	var total int
	if err := conn.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE ($1='' OR marketplace=$1) AND ($2='' OR status=$2) AND ($3::bigint IS NULL OR batch_id=$3)`,
		string(f.Marketplace), string(f.Status), batchID,
	).Scan(&total); err != nil {
		return nil, 0, nil, err
	}

	countRows, err := conn.QueryContext(ctx,
		`SELECT status, count(*) FROM jobs WHERE ($1='' OR marketplace=$1) AND ($2::bigint IS NULL OR batch_id=$2) GROUP BY status`,
		string(f.Marketplace), batchID)
	if err != nil {
		return nil, 0, nil, err
	}
	defer countRows.Close()
	counts := map[JobStatus]int{}
	for countRows.Next() {
		var st string
		var n int
		if err := countRows.Scan(&st, &n); err != nil {
			return nil, 0, nil, err
		}
		counts[JobStatus(st)] = n
	}
	return out, total, counts, nil
}

// ClaimNextJob implements spec.md §4.5 step 1 with a single statement:
// SELECT ... FOR UPDATE SKIP LOCKED picks the winning row under concurrent
// workers without a separate lock table, then the same transaction flips it
// to running.
func (s *PGStore) ClaimNextJob(ctx context.Context, rc reqctx.Request, m marketplace.Code) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE marketplace=$1 AND status='pending' AND expires_at > $2 AND visible_at <= $2
		 ORDER BY priority ASC, created_at ASC
		 FOR UPDATE SKIP LOCKED LIMIT 1`, string(m), now)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.Status = JobRunning
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status='running', started_at=COALESCE(started_at,$1) WHERE id=$2`, now, j.ID,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PGStore) CompleteJob(ctx context.Context, rc reqctx.Request, id int64, resultData map[string]any) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	result, err := jsonOf(resultData)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`UPDATE jobs SET status='completed', result_data=result_data || $1::jsonb, completed_at=$2 WHERE id=$3 AND status NOT IN ('completed','failed','cancelled','expired')`,
		result, now, id,
	); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, rc, id)
}

func (s *PGStore) FailOrRetryJob(ctx context.Context, rc reqctx.Request, id int64, errMsg string, backoff time.Duration) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if j.RetryCount < j.MaxRetries {
		j.RetryCount++
		j.Status = JobPending
		j.VisibleAt = now.Add(backoff)
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status='pending', retry_count=$1, visible_at=$2, error_message=$3 WHERE id=$4`,
			j.RetryCount, j.VisibleAt, errMsg, id,
		); err != nil {
			return nil, err
		}
	} else {
		j.Status = JobFailed
		j.ErrorMessage = &errMsg
		j.CompletedAt = &now
		if _, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status='failed', error_message=$1, completed_at=$2 WHERE id=$3`,
			errMsg, now, id,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PGStore) FailJobTerminal(ctx context.Context, rc reqctx.Request, id int64, errMsg string) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`UPDATE jobs SET status='failed', error_message=$1, completed_at=$2 WHERE id=$3 AND status NOT IN ('completed','failed','cancelled','expired')`,
		errMsg, now, id,
	); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, rc, id)
}

func (s *PGStore) RetryJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1 FOR UPDATE`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.KindNotFound, "job not found")
	}
	if err != nil {
		return nil, err
	}
	if j.Status != JobFailed || j.RetryCount >= j.MaxRetries {
		return nil, orcherr.New(orcherr.KindIllegalTransition, "job is not retryable")
	}
	now := time.Now().UTC()
	j.Status = JobPending
	j.VisibleAt = now
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='pending', visible_at=$1, completed_at=NULL WHERE id=$2`, now, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return j, nil
}

func (s *PGStore) PauseJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := conn.ExecContext(ctx,
		`UPDATE jobs SET status='paused' WHERE id=$1 AND status IN ('pending','running')`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, orcherr.New(orcherr.KindIllegalTransition, "job cannot be paused from its current status")
	}
	return s.GetJob(ctx, rc, id)
}

func (s *PGStore) ResumeJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	res, err := conn.ExecContext(ctx,
		`UPDATE jobs SET status='pending', visible_at=now(), expires_at=expires_at + interval '1 hour' WHERE id=$1 AND status='paused'`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, orcherr.New(orcherr.KindIllegalTransition, "job is not paused")
	}
	return s.GetJob(ctx, rc, id)
}

func (s *PGStore) CancelJob(ctx context.Context, rc reqctx.Request, id int64) (*Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	now := time.Now().UTC()
	res, err := conn.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', completed_at=$1
		 WHERE id=$2 AND status NOT IN ('completed','failed','cancelled','expired')`, now, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, orcherr.New(orcherr.KindIllegalTransition, "job already in a terminal state")
	}
	if _, err := conn.ExecContext(ctx,
		`UPDATE tasks SET status='cancelled' WHERE job_id=$1 AND status='pending'`, id); err != nil {
		return nil, err
	}
	return s.GetJob(ctx, rc, id)
}

func (s *PGStore) ExpireJobs(ctx context.Context, rc reqctx.Request, now time.Time) ([]Job, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := conn.QueryContext(ctx,
		`UPDATE jobs SET status='expired', completed_at=$1
		 WHERE status IN ('pending','running') AND expires_at < $1
		 RETURNING `+jobColumns, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, nil
}

func (s *PGStore) CreateTasks(ctx context.Context, rc reqctx.Request, jobID int64, descriptions []string, taskType TaskType) ([]Task, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	tasks := make([]Task, 0, len(descriptions))
	for i, desc := range descriptions {
		t := Task{
			JobID:       jobID,
			Position:    i + 1,
			Description: desc,
			TaskType:    taskType,
			Status:      TaskPending,
			Payload:     map[string]any{},
			CreatedAt:   now,
		}
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO tasks (job_id, position, description, task_type, status, payload, retry_count, created_at)
			 VALUES ($1,$2,$3,$4,'pending','{}'::jsonb,0,$5) RETURNING id`,
			jobID, t.Position, t.Description, string(t.TaskType), now,
		).Scan(&t.ID); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return tasks, nil
}

const taskColumns = `id, job_id, position, description, task_type, status, payload, result, error_message, retry_count, started_at, completed_at, created_at`

func scanTask(row interface{ Scan(dest ...any) error }) (*Task, error) {
	var t Task
	var taskType, status string
	var payloadRaw, resultRaw []byte
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.JobID, &t.Position, &t.Description, &taskType, &status,
		&payloadRaw, &resultRaw, &errMsg, &t.RetryCount, &startedAt, &completedAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.TaskType = TaskType(taskType)
	t.Status = TaskStatus(status)
	var err error
	if t.Payload, err = mapOf(payloadRaw); err != nil {
		return nil, err
	}
	if len(resultRaw) > 0 {
		if t.Result, err = mapOf(resultRaw); err != nil {
			return nil, err
		}
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func (s *PGStore) ListTasksForJob(ctx context.Context, rc reqctx.Request, jobID int64) ([]Task, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	rows, err := conn.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE job_id=$1 ORDER BY position ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *PGStore) GetTask(ctx context.Context, rc reqctx.Request, id int64) (*Task, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	row := conn.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.KindNotFound, "task not found")
	}
	return t, err
}

func (s *PGStore) ListTasks(ctx context.Context, rc reqctx.Request, f TaskFilter) ([]Task, int, map[TaskStatus]int, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, 0, nil, err
	}
	defer release()

	limit := f.Limit
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	var jobID any
	if f.JobID != 0 {
		jobID = f.JobID
	}
	rows, err := conn.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE ($1::bigint IS NULL OR job_id=$1) AND ($2='' OR status=$2) AND ($3='' OR task_type=$3)
		 ORDER BY job_id ASC, position ASC LIMIT $4 OFFSET $5`,
		jobID, string(f.Status), string(f.TaskType), limit, f.Offset)
	if err != nil {
		return nil, 0, nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, nil, err
		}
		out = append(out, *t)
	}

	var total int
	if err := conn.QueryRowContext(ctx,
		`SELECT count(*) FROM tasks WHERE ($1::bigint IS NULL OR job_id=$1) AND ($2='' OR status=$2)`,
		jobID, string(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, nil, err
	}

	countRows, err := conn.QueryContext(ctx,
		`SELECT status, count(*) FROM tasks WHERE ($1::bigint IS NULL OR job_id=$1) GROUP BY status`, jobID)
	if err != nil {
		return nil, 0, nil, err
	}
	defer countRows.Close()
	counts := map[TaskStatus]int{}
	for countRows.Next() {
		var st string
		var n int
		if err := countRows.Scan(&st, &n); err != nil {
			return nil, 0, nil, err
		}
		counts[TaskStatus(st)] = n
	}
	return out, total, counts, nil
}

func (s *PGStore) MarkTaskProcessing(ctx context.Context, rc reqctx.Request, id int64) (*Task, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`UPDATE tasks SET status='processing', started_at=$1 WHERE id=$2`, now, id); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, rc, id)
}

func (s *PGStore) MarkTaskDone(ctx context.Context, rc reqctx.Request, id int64, status TaskStatus, result map[string]any, errMsg *string) (*Task, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	resultJSON, err := jsonOf(result)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`UPDATE tasks SET status=$1, result=$2, error_message=$3, completed_at=$4 WHERE id=$5`,
		string(status), resultJSON, errMsg, now, id,
	); err != nil {
		return nil, err
	}
	return s.GetTask(ctx, rc, id)
}

func (s *PGStore) CancelPendingTasks(ctx context.Context, rc reqctx.Request, jobID int64) error {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return err
	}
	defer release()
	_, err = conn.ExecContext(ctx, `UPDATE tasks SET status='cancelled' WHERE job_id=$1 AND status='pending'`, jobID)
	return err
}

// UpsertDailyStats performs the insert-or-update required by spec.md §4.7,
// maintaining avg_duration_ms as a running mean weighted by prior count in
// the same statement so concurrent workers never race on a read-modify-write.
func (s *PGStore) UpsertDailyStats(ctx context.Context, rc reqctx.Request, actionCode string, m marketplace.Code, date time.Time, success bool, durationMs int64) error {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return err
	}
	defer release()

	day := date.UTC().Truncate(24 * time.Hour)
	var successInc, failureInc int64
	if success {
		successInc = 1
	} else {
		failureInc = 1
	}
	_, err = conn.ExecContext(ctx, `
		INSERT INTO daily_stats (action_type, marketplace, date, success_count, failure_count, avg_duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (action_type, marketplace, date) DO UPDATE SET
			success_count = daily_stats.success_count + EXCLUDED.success_count,
			failure_count = daily_stats.failure_count + EXCLUDED.failure_count,
			avg_duration_ms = (
				daily_stats.avg_duration_ms * (daily_stats.success_count + daily_stats.failure_count) + $6 * ($4 + $5)
			) / GREATEST(daily_stats.success_count + daily_stats.failure_count + $4 + $5, 1)
	`, actionCode, string(m), day, successInc, failureInc, float64(durationMs))
	return err
}

func (s *PGStore) GetDailyStats(ctx context.Context, rc reqctx.Request, actionCode string, m marketplace.Code, date time.Time) (*DailyStats, error) {
	conn, release, err := bindTenant(ctx, s.db, rc)
	if err != nil {
		return nil, err
	}
	defer release()
	day := date.UTC().Truncate(24 * time.Hour)
	var d DailyStats
	d.ActionType = actionCode
	d.Marketplace = m
	d.Date = day
	err = conn.QueryRowContext(ctx,
		`SELECT success_count, failure_count, avg_duration_ms FROM daily_stats WHERE action_type=$1 AND marketplace=$2 AND date=$3`,
		actionCode, string(m), day,
	).Scan(&d.SuccessCount, &d.FailureCount, &d.AvgDurationMs)
	if err == sql.ErrNoRows {
		return &d, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListActionTypes reads from the shared reference schema, not a tenant
// schema — there is no tenant to bind.
func (s *PGStore) ListActionTypes(ctx context.Context) ([]ActionType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, name, marketplace FROM reference.action_types ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ActionType
	for rows.Next() {
		var a ActionType
		var mkt string
		if err := rows.Scan(&a.ID, &a.Code, &a.Name, &mkt); err != nil {
			return nil, err
		}
		a.Marketplace = marketplace.Code(mkt)
		out = append(out, a)
	}
	return out, nil
}

// ListTenants reads the shared tenant registry, not a tenant schema.
func (s *PGStore) ListTenants(ctx context.Context) ([]tenant.ID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM reference.tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []tenant.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, tenant.ID(id))
	}
	return out, nil
}
