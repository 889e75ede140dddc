package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data/pgxutil"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

const (
	defaultMaxRequeues      = 3
	defaultRequeueBatchSize = 100
)

func (r *JobRepo) maxRequeues() int {
	if r.cfg.MaxRequeues > 0 {
		return r.cfg.MaxRequeues
	}
	return defaultMaxRequeues
}

// SQL used by ReserveNext to atomically reserve the next job.
const reserveNextUpdateSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE kind = $1 AND status = 'pending'
    ORDER BY created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'processing',
    started_at = COALESCE(j.started_at, $2),
    lease_expires_at = $3,
    updated_at = $2
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.session_id, j.kind, j.status, j.input_ref, j.count, j.occasion, j.analysis, j.errors, j.requeue_count, j.lease_expires_at, j.created_at, j.started_at, j.completed_at, j.updated_at`

// Advisory lock namespace for requeue sweeps to avoid cross-kind contention.
const advisoryLockRequeueMajor int64 = 1001

func advisoryLockRequeueMinor(kind model.JobKind) int64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kind))
	hashValue := h.Sum32()
	maxInt32 := uint32(math.MaxInt32)
	if hashValue > maxInt32 {
		hashValue &= maxInt32
	}
	return int64(hashValue)
}

// requeueExpired sends expired-lease jobs of the given kind back to pending so
// another worker can pick them up. Jobs already at the requeue allowance are
// left alone; the maintenance sweep force-fails those so their terminal
// notifications can be dispatched.
func (r *JobRepo) requeueExpired(ctx context.Context, kind model.JobKind) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockRequeueMinor(kind)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			currentTime := r.timeProvider.Now()
			res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET status = 'pending',
              lease_expires_at = NULL,
              requeue_count = requeue_count + 1,
              updated_at = $2
          WHERE kind = $1 AND status = 'processing'
            AND lease_expires_at IS NOT NULL
            AND lease_expires_at < $2
            AND requeue_count < $3
        `, kind, currentTime.UTC(), r.maxRequeues())
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// RequeueExpired recovers expired-lease jobs of the given kind. Jobs below the
// requeue allowance go back to pending with their count bumped; jobs at the
// allowance are finalized as failed and their IDs reported so the caller can
// publish terminal notifications. The advisory lock keeps concurrent sweeps
// of the same kind from doubling the requeue counts.
func (r *JobRepo) RequeueExpired(ctx context.Context, params core.RequeueExpiredParams) (*core.RequeueOutcome, error) {
	if !params.Kind.Valid() {
		return nil, fmt.Errorf("invalid job kind: %s", params.Kind)
	}

	maxRequeues := params.MaxRequeues
	if maxRequeues <= 0 {
		maxRequeues = r.maxRequeues()
	}
	batchSize := params.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRequeueBatchSize
	}

	var outcome core.RequeueOutcome
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			minorKey := advisoryLockRequeueMinor(params.Kind)
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)", advisoryLockRequeueMajor, minorKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				return nil
			}

			currentTime := r.timeProvider.Now().UTC()

			res, err := tx.ExecContext(ctx, `
          UPDATE jobs
          SET status = 'pending',
              lease_expires_at = NULL,
              requeue_count = requeue_count + 1,
              updated_at = $2
          WHERE id IN (
            SELECT id FROM jobs
            WHERE kind = $1 AND status = 'processing'
              AND lease_expires_at IS NOT NULL
              AND lease_expires_at < $2
              AND requeue_count < $3
            ORDER BY lease_expires_at ASC
            LIMIT $4
          )
        `, params.Kind, currentTime, maxRequeues, batchSize)
			if err != nil {
				return fmt.Errorf("requeue expired: %w", err)
			}
			requeued, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("requeue rows affected: %w", err)
			}
			outcome.Requeued = requeued

			rows, err := tx.QueryContext(ctx, `
          UPDATE jobs
          SET status = 'failed',
              completed_at = $2,
              lease_expires_at = NULL,
              errors = errors || to_jsonb($3::text),
              updated_at = $2
          WHERE id IN (
            SELECT id FROM jobs
            WHERE kind = $1 AND status = 'processing'
              AND lease_expires_at IS NOT NULL
              AND lease_expires_at < $2
              AND requeue_count >= $4
            ORDER BY lease_expires_at ASC
            LIMIT $5
          )
          RETURNING id
        `, params.Kind, currentTime, model.AbandonedJobMessage, maxRequeues, batchSize)
			if err != nil {
				return fmt.Errorf("fail abandoned: %w", err)
			}
			defer rows.Close()

			for rows.Next() {
				var id string
				if scanErr := rows.Scan(&id); scanErr != nil {
					return fmt.Errorf("scan abandoned job id: %w", scanErr)
				}
				outcome.FailedIDs = append(outcome.FailedIDs, id)
			}
			if rowsErr := rows.Err(); rowsErr != nil {
				return fmt.Errorf("collect abandoned job ids: %w", rowsErr)
			}
			outcome.Failed = int64(len(outcome.FailedIDs))
			return nil
		},
	})
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// ReserveNext reserves the next available job of the given kind for
// processing. Expired leases of the same kind are requeued first so abandoned
// jobs rejoin the queue ahead of the reservation scan.
func (r *JobRepo) ReserveNext(
	ctx context.Context,
	kind model.JobKind,
	leaseSeconds int,
) (*model.Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid job kind: %s", kind)
	}
	if leaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	if _, err := r.requeueExpired(ctx, kind); err != nil {
		return nil, fmt.Errorf("requeue expired jobs: %w", err)
	}

	var job *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
			ReadOnly:  false,
		},
		Fn: func(tx pgx.Tx) error {
			currentTime := r.timeProvider.Now()
			leaseExpiresAt := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

			rows, qerr := tx.Query(
				ctx,
				reserveNextUpdateSQL,
				kind,
				currentTime.UTC(),
				leaseExpiresAt.UTC(),
			)
			if qerr != nil {
				return fmt.Errorf("reserve job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("reserve job: %w", cerr)
			}
			job = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return job, nil
}

// Heartbeat refreshes the lease on a processing job.
func (r *JobRepo) Heartbeat(ctx context.Context, jobID string, leaseSeconds int) (bool, error) {
	if leaseSeconds <= 0 {
		return false, errors.New("leaseSeconds must be positive")
	}

	currentTime := r.timeProvider.Now().UTC()
	leaseExpiration := currentTime.Add(time.Duration(leaseSeconds) * time.Second)

	query := `
		UPDATE jobs
		SET lease_expires_at = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'processing'
	`

	res, err := r.DB.ExecContext(ctx, query, jobID, leaseExpiration, currentTime)
	if err != nil {
		return false, fmt.Errorf("heartbeat job: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, nil
	}

	return true, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating new jobs are available.
func (r *JobRepo) WaitForNotification(ctx context.Context, kind model.JobKind) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := "job_added_" + string(kind)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

var (
	_ core.JobRepository            = (*JobRepo)(nil)
	_ core.JobMaintenanceRepository = (*JobRepo)(nil)
)
