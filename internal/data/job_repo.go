package data

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
)

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	// MaxRequeues caps how many times an expired lease may send a job back to
	// pending before the job is force-failed.
	MaxRequeues  int
	Logger       *slog.Logger
	TimeProvider TimeProvider
}

// JobRepo provides database operations for job management.
type JobRepo struct {
	DB           *sql.DB
	cfg          RepoConfig
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &JobRepo{
		DB:           db,
		cfg:          cfg,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const jobColumns = `
  id,
  session_id,
  kind,
  status,
  input_ref,
  count,
  occasion,
  analysis,
  errors,
  requeue_count,
  lease_expires_at,
  created_at,
  started_at,
  completed_at,
  updated_at
`

// jobRowScanner abstracts over *sql.Row, *sql.Rows, and pgx rows.
type jobRowScanner interface {
	Scan(dest ...any) error
}

// jobRowData holds the raw column values for one job row. Columns scan in
// jobColumns order; apply converts the nullable and JSONB columns onto the
// model.
type jobRowData struct {
	id             string
	sessionID      string
	kind           string
	status         string
	inputRef       string
	count          int
	occasion       sql.NullString
	analysis       sql.NullString
	errorsJSON     []byte
	requeueCount   int
	leaseExpiresAt sql.NullTime
	createdAt      time.Time
	startedAt      sql.NullTime
	completedAt    sql.NullTime
	updatedAt      time.Time
}

func (d *jobRowData) scanInto(scanner jobRowScanner) error {
	return scanner.Scan(
		&d.id,
		&d.sessionID,
		&d.kind,
		&d.status,
		&d.inputRef,
		&d.count,
		&d.occasion,
		&d.analysis,
		&d.errorsJSON,
		&d.requeueCount,
		&d.leaseExpiresAt,
		&d.createdAt,
		&d.startedAt,
		&d.completedAt,
		&d.updatedAt,
	)
}

func (d *jobRowData) apply(job *model.Job) error {
	job.ID = d.id
	job.SessionID = d.sessionID
	job.Kind = model.JobKind(d.kind)
	job.Status = model.JobStatus(d.status)
	job.InputRef = d.inputRef
	job.Preferences = model.Preferences{
		Count:    d.count,
		Occasion: cloneNullableString(d.occasion),
	}
	job.Analysis = cloneNullableString(d.analysis)
	job.RequeueCount = d.requeueCount
	job.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	job.CreatedAt = d.createdAt
	job.StartedAt = cloneNullableTime(d.startedAt)
	job.CompletedAt = cloneNullableTime(d.completedAt)
	job.UpdatedAt = d.updatedAt

	job.Errors = nil
	if len(d.errorsJSON) > 0 {
		if err := json.Unmarshal(d.errorsJSON, &job.Errors); err != nil {
			return fmt.Errorf("decode job errors: %w", err)
		}
	}

	return nil
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	var data jobRowData
	if err := data.scanInto(scanner); err != nil {
		return nil, err
	}

	var job model.Job
	if err := data.apply(&job); err != nil {
		return nil, err
	}

	return &job, nil
}

// collectJobFromRows collects a single job from pgx rows.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	job, err := scanJob(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return job, nil
}

func cloneNullableString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func cloneNullableTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
