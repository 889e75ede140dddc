package data

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data/pgxutil"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

// Create inserts a new pending job and notifies listening workers in the same
// transaction, so a worker woken by the notification always sees the row.
func (r *JobRepo) Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}

	if validateErr := req.Validate(); validateErr != nil {
		return nil, validateErr
	}

	var job *model.Job
	if txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var insertErr error
			job, insertErr = r.insertJobInTx(ctx, tx, req)
			return insertErr
		},
	}); txErr != nil {
		return nil, txErr
	}

	return job, nil
}

// insertJobInTx inserts a job within a pgx.Tx and returns the created job.
func (r *JobRepo) insertJobInTx(ctx context.Context, tx pgx.Tx, req *model.CreateJobRequest) (*model.Job, error) {
	query := `
      INSERT INTO jobs(session_id, kind, status, input_ref, count, occasion)
      VALUES ($1,$2,'pending',$3,$4,$5)
      RETURNING ` + jobColumns

	rows, err := tx.Query(
		ctx,
		query,
		req.SessionID,
		req.Kind,
		req.InputRef,
		req.Preferences.Count,
		req.Preferences.Occasion,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	job, collectErr := collectJobFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect job: %w", collectErr)
	}

	channel := "job_added_" + string(req.Kind)
	if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, job.ID); execErr != nil {
		return nil, fmt.Errorf("send job notification: %w", execErr)
	}

	return job, nil
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		job, err = collectJobFromRows(rows)
		return err
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// SetAnalysis records the analysis text on a processing job.
func (r *JobRepo) SetAnalysis(ctx context.Context, jobID, analysis string) (bool, error) {
	if strings.TrimSpace(analysis) == "" {
		return false, errors.New("analysis is required")
	}

	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET analysis = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, jobID, analysis, currentTime)
	if err != nil {
		return false, fmt.Errorf("set job analysis: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set analysis rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// AppendError appends one error message to a processing job's error list.
// The append happens in the database so concurrent branch failures never
// overwrite each other.
func (r *JobRepo) AppendError(ctx context.Context, jobID, message string) (bool, error) {
	if strings.TrimSpace(message) == "" {
		return false, errors.New("error message is required")
	}

	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET errors = errors || to_jsonb($2::text),
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, jobID, message, currentTime)
	if err != nil {
		return false, fmt.Errorf("append job error: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("append error rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Finalize moves a processing job to one of the terminal statuses. A job that
// is already terminal is left untouched and Finalize reports false, which
// makes duplicate finalization attempts harmless.
func (r *JobRepo) Finalize(ctx context.Context, params core.FinalizeJobParams) (bool, error) {
	if !params.Status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", params.Status)
	}

	currentTime := r.timeProvider.Now().UTC()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = $2,
		    completed_at = $3,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`, params.JobID, params.Status, currentTime)
	if err != nil {
		return false, fmt.Errorf("finalize job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finalize rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// Stats returns counts of jobs of the given kind in each status.
func (r *JobRepo) Stats(ctx context.Context, kind model.JobKind) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')    AS pending,
    count(*) FILTER (WHERE status = 'processing') AS processing,
    count(*) FILTER (WHERE status = 'completed')  AS completed,
    count(*) FILTER (WHERE status = 'partial')    AS partial,
    count(*) FILTER (WHERE status = 'failed')     AS failed
  FROM jobs
  WHERE kind = $1
  `, kind).Scan(
		&s.Pending,
		&s.Processing,
		&s.Completed,
		&s.Partial,
		&s.Failed,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}
