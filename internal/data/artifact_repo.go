package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data/pgxutil"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

var (
	// ErrArtifactNotFound is returned when an artifact is not found.
	ErrArtifactNotFound = errors.New("artifact not found")
)

const artifactColumns = `id, job_id, kind, prompt, reference, content_type, saved, expires_at, created_at`

// ArtifactRepo provides database operations for generated artifacts.
type ArtifactRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewArtifactRepo creates a new ArtifactRepo.
func NewArtifactRepo(db *sql.DB) *ArtifactRepo {
	return &ArtifactRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewArtifactRepoWithTimeProvider creates a new ArtifactRepo with a custom time provider.
func NewArtifactRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *ArtifactRepo {
	return &ArtifactRepo{
		DB:           db,
		timeProvider: tp,
	}
}

// artifactQueryParams holds parameters for single-row query operations.
type artifactQueryParams struct {
	query    string
	arg      any
	errorMsg string
}

// Create persists a new artifact row. The row starts unsaved with the given
// expiry; MarkSaved is the only way to clear it.
func (r *ArtifactRepo) Create(ctx context.Context, req *model.CreateArtifactRequest) (*model.Artifact, error) {
	if req == nil {
		return nil, errors.New("create artifact request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	createdAt := r.timeProvider.Now().UTC()

	var out model.Artifact
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO artifacts (job_id, kind, prompt, reference, content_type, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING `+artifactColumns,
			req.JobID, req.Kind, req.Prompt, req.Reference, req.ContentType, req.ExpiresAt.UTC(), createdAt)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Artifact])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	return &out, nil
}

// getArtifactByQuery is a helper to reduce duplication between single-row lookups.
func (r *ArtifactRepo) getArtifactByQuery(ctx context.Context, params artifactQueryParams) (*model.Artifact, error) {
	var artifact model.Artifact
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, params.query, params.arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		artifact, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Artifact])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("%s: %w", params.errorMsg, err)
	}

	return &artifact, nil
}

// GetByID retrieves an artifact by its ID.
func (r *ArtifactRepo) GetByID(ctx context.Context, id string) (*model.Artifact, error) {
	return r.getArtifactByQuery(ctx, artifactQueryParams{
		query:    `SELECT ` + artifactColumns + ` FROM artifacts WHERE id = $1`,
		arg:      id,
		errorMsg: "failed to get artifact by ID",
	})
}

// ListByJob returns a job's artifacts in the order they were persisted.
func (r *ArtifactRepo) ListByJob(ctx context.Context, jobID string) ([]*model.Artifact, error) {
	query := `
		SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE job_id = $1
		ORDER BY created_at ASC, id ASC`

	var artifacts []*model.Artifact
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, jobID)
		if err != nil {
			return err
		}
		defer rows.Close()

		artifactSlice, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Artifact])
		if err != nil {
			return err
		}

		artifacts = make([]*model.Artifact, len(artifactSlice))
		for i := range artifactSlice {
			artifacts[i] = &artifactSlice[i]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	return artifacts, nil
}

// CountByJob returns how many artifacts a job has produced so far.
func (r *ArtifactRepo) CountByJob(ctx context.Context, jobID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*) FROM artifacts WHERE job_id = $1
	`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count artifacts: %w", err)
	}
	return count, nil
}

// MarkSaved flags an artifact as kept by the user and clears its expiry, so
// the sweep never removes it. Saving an already-saved artifact is a no-op
// that returns the current row.
func (r *ArtifactRepo) MarkSaved(ctx context.Context, id string) (*model.Artifact, error) {
	var out model.Artifact
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			UPDATE artifacts
			SET saved = TRUE,
			    expires_at = NULL
			WHERE id = $1
			RETURNING `+artifactColumns, id)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.Artifact])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrArtifactNotFound
		}
		return nil, fmt.Errorf("failed to mark artifact saved: %w", err)
	}

	return &out, nil
}

// ListExpired returns unsaved artifacts whose expiry passed before the given
// instant, oldest expiry first. Callers delete the stored payloads before
// removing the rows, so a crash between the two leaves rows to retry rather
// than orphaned objects.
func (r *ArtifactRepo) ListExpired(ctx context.Context, before time.Time, limit int) ([]*model.Artifact, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT ` + artifactColumns + `
		FROM artifacts
		WHERE saved = FALSE
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	var artifacts []*model.Artifact
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, before.UTC(), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		artifactSlice, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Artifact])
		if err != nil {
			return err
		}

		artifacts = make([]*model.Artifact, len(artifactSlice))
		for i := range artifactSlice {
			artifacts[i] = &artifactSlice[i]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list expired artifacts: %w", err)
	}

	return artifacts, nil
}

// DeleteByIDs removes the given artifact rows and reports how many were deleted.
func (r *ArtifactRepo) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var rowsAffected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, `DELETE FROM artifacts WHERE id = ANY($1::uuid[])`, ids)
		if err != nil {
			return err
		}
		rowsAffected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete artifacts: %w", err)
	}

	return rowsAffected, nil
}

var _ core.ArtifactRepository = (*ArtifactRepo)(nil)
