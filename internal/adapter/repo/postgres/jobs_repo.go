// Package postgres implements the durable job store on PostgreSQL.
//
// The jobs table is also the work queue: ClaimNext performs the linearizable
// pending→processing transition with FOR UPDATE SKIP LOCKED, so any number of
// orchestrator processes can share one database.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matchcut/export-orchestrator/internal/domain"
)

// PgxPool is the subset of pgxpool.Pool the repository uses.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// JobRepo persists and loads export jobs from PostgreSQL.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, owner, project_ref, kind, params, status,
	COALESCE(output_ref,''), COALESCE(output_filename,''), COALESCE(error,''),
	created_at, started_at, completed_at, COALESCE(worker_id,''), cancel_requested, attempts`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Owner, &j.ProjectRef, &j.Kind, &j.Params, &j.Status,
		&j.OutputRef, &j.OutputFilename, &j.Error,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.WorkerID, &j.CancelRequested, &j.Attempts)
	return j, err
}

// Create inserts a new pending job. A colliding id fails with ErrConflict.
func (r *JobRepo) Create(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	q := `INSERT INTO export_jobs (id, owner, project_ref, kind, params, status, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, j.ID, j.Owner, j.ProjectRef, j.Kind, j.Params, domain.JobPending, j.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.create: id %s: %w", j.ID, domain.ErrConflict)
	}
	return nil
}

// ClaimNext atomically selects the oldest pending job of one of the given
// kinds (FIFO by created_at, ties by id), moves it to processing, and stamps
// started_at, worker_id, and attempts. SKIP LOCKED guarantees exactly one
// concurrent caller wins any given row.
func (r *JobRepo) ClaimNext(ctx context.Context, workerID string, kinds []domain.JobKind) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ClaimNext")
	defer span.End()
	span.SetAttributes(attribute.String("worker_id", workerID))
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	q := `UPDATE export_jobs SET
	        status = $1,
	        started_at = now(),
	        worker_id = $2,
	        attempts = attempts + 1
	      WHERE id = (
	        SELECT id FROM export_jobs
	        WHERE status = $3 AND kind = ANY($4)
	        ORDER BY created_at, id
	        LIMIT 1
	        FOR UPDATE SKIP LOCKED
	      )
	      RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, domain.JobProcessing, workerID, domain.JobPending, ks))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.claim_next: %w", err)
	}
	return j, nil
}

// transition applies a guarded status update; zero affected rows means the
// precondition failed (lost race) and maps to ErrConflict.
func (r *JobRepo) transition(ctx context.Context, op, q string, args ...any) error {
	tag, err := r.Pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
	}
	return nil
}

// MarkComplete finishes a processing job with its output reference.
func (r *JobRepo) MarkComplete(ctx context.Context, jobID, outputRef, filename string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkComplete")
	defer span.End()
	q := `UPDATE export_jobs SET status=$1, output_ref=$2, output_filename=$3, completed_at=now()
	      WHERE id=$4 AND status=$5`
	return r.transition(ctx, "job.mark_complete", q, domain.JobComplete, outputRef, filename, jobID, domain.JobProcessing)
}

// MarkError fails a processing job with a sanitized message.
func (r *JobRepo) MarkError(ctx context.Context, jobID, message string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkError")
	defer span.End()
	q := `UPDATE export_jobs SET status=$1, error=$2, completed_at=now()
	      WHERE id=$3 AND status=$4`
	return r.transition(ctx, "job.mark_error", q, domain.JobError, message, jobID, domain.JobProcessing)
}

// MarkCancelled terminates a processing job whose driver observed the cancel
// request.
func (r *JobRepo) MarkCancelled(ctx context.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.MarkCancelled")
	defer span.End()
	q := `UPDATE export_jobs SET status=$1, completed_at=now()
	      WHERE id=$2 AND status=$3`
	return r.transition(ctx, "job.mark_cancelled", q, domain.JobCancelled, jobID, domain.JobProcessing)
}

// RequestCancel cancels a pending job outright, flags a processing job for
// cooperative cancellation, and no-ops on terminal jobs. It returns the job's
// state after the call.
func (r *JobRepo) RequestCancel(ctx context.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RequestCancel")
	defer span.End()
	q := `UPDATE export_jobs SET
	        status = CASE WHEN status = $1 THEN $2 ELSE status END,
	        completed_at = CASE WHEN status = $1 THEN now() ELSE completed_at END,
	        cancel_requested = CASE WHEN status IN ($1, $3) THEN TRUE ELSE cancel_requested END
	      WHERE id = $4
	      RETURNING ` + jobColumns
	j, err := scanJob(r.Pool.QueryRow(ctx, q, domain.JobPending, domain.JobCancelled, domain.JobProcessing, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.request_cancel: %w", err)
	}
	return j, nil
}

// CancelRequested reports the cancel flag for a job; drivers poll this.
func (r *JobRepo) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	err := r.Pool.QueryRow(ctx, `SELECT cancel_requested FROM export_jobs WHERE id=$1`, jobID).Scan(&flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("op=job.cancel_requested: %w", domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=job.cancel_requested: %w", err)
	}
	return flag, nil
}

// Get loads a job by id.
func (r *JobRepo) Get(ctx context.Context, jobID string) (domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	j, err := scanJob(r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE id=$1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// List returns jobs matching the filter, newest first.
func (r *JobRepo) List(ctx context.Context, f domain.JobFilter) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.List")
	defer span.End()
	q := `SELECT ` + jobColumns + ` FROM export_jobs WHERE 1=1`
	args := []any{}
	n := 0
	add := func(cond string, v any) {
		n++
		q += fmt.Sprintf(" AND "+cond, n)
		args = append(args, v)
	}
	if f.ProjectRef != "" {
		add("project_ref = $%d", f.ProjectRef)
	}
	if f.Owner != "" {
		add("owner = $%d", f.Owner)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since.UTC())
	}
	if f.ActiveOnly {
		q += fmt.Sprintf(" AND status IN ($%d, $%d)", n+1, n+2)
		args = append(args, domain.JobPending, domain.JobProcessing)
		n += 2
	}
	q += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", n+1)
		args = append(args, f.Limit)
	}
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	return out, nil
}

// RecoverOrphans reconciles non-terminal state at startup: processing jobs are
// failed with the restart message (a half-produced encode is not trusted), and
// pending jobs carrying a cancel request are promoted to cancelled.
func (r *JobRepo) RecoverOrphans(ctx context.Context, message string) (errored, cancelled []string, err error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.RecoverOrphans")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`UPDATE export_jobs SET status=$1, error=$2, completed_at=now() WHERE status=$3 RETURNING id`,
		domain.JobError, message, domain.JobProcessing)
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.recover_orphans: %w", err)
	}
	errored, err = collectIDs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.recover_orphans: %w", err)
	}

	rows, err = r.Pool.Query(ctx,
		`UPDATE export_jobs SET status=$1, completed_at=now() WHERE status=$2 AND cancel_requested RETURNING id`,
		domain.JobCancelled, domain.JobPending)
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.recover_orphans: %w", err)
	}
	cancelled, err = collectIDs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("op=job.recover_orphans: %w", err)
	}

	span.SetAttributes(
		attribute.Int("jobs.errored", len(errored)),
		attribute.Int("jobs.cancelled", len(cancelled)),
	)
	return errored, cancelled, nil
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Healthcheck pings the store; used by /readyz.
func (r *JobRepo) Healthcheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var one int
	if err := r.Pool.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("op=job.healthcheck: %w", err)
	}
	return nil
}
