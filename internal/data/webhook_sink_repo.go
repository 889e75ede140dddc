package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/keepsake-labs/keepsake/internal/core"
	"github.com/keepsake-labs/keepsake/internal/data/pgxutil"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
)

var (
	// ErrWebhookSinkNotFound is returned when a webhook sink is not found.
	ErrWebhookSinkNotFound = errors.New("webhook sink not found")
	// ErrWebhookSinkNameExists is returned when attempting to create a webhook sink with a name that already exists.
	ErrWebhookSinkNameExists = errors.New("webhook sink name already exists")
)

const webhookSinkColumns = `id, name, url, template, enabled, created_at, updated_at`

// WebhookSinkRepo provides database operations for webhook sink management.
type WebhookSinkRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewWebhookSinkRepo creates a new WebhookSinkRepo.
func NewWebhookSinkRepo(db *sql.DB) *WebhookSinkRepo {
	return &WebhookSinkRepo{
		DB:           db,
		timeProvider: &RealTimeProvider{},
	}
}

// NewWebhookSinkRepoWithTimeProvider creates a new WebhookSinkRepo with a custom time provider.
func NewWebhookSinkRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *WebhookSinkRepo {
	return &WebhookSinkRepo{
		DB:           db,
		timeProvider: tp,
	}
}

// webhookSinkQueryParams holds parameters for single-row query operations.
type webhookSinkQueryParams struct {
	query    string
	arg      any
	errorMsg string
}

// Create registers a new webhook sink with the given request parameters.
func (r *WebhookSinkRepo) Create(ctx context.Context, req *model.CreateWebhookSinkRequest) (*model.WebhookSink, error) {
	if req == nil {
		return nil, errors.New("create webhook sink request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	createdAt := r.timeProvider.Now().UTC()

	var out model.WebhookSink
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, `
			INSERT INTO webhook_sinks (name, url, template, enabled, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			RETURNING `+webhookSinkColumns,
			req.Name, req.URL, req.Template, enabled, createdAt)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.WebhookSink])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook sink: %w", r.mapWebhookSinkWriteErr(err, false))
	}

	return &out, nil
}

// getWebhookSinkByQuery is a helper to reduce duplication between GetByID and GetByName.
func (r *WebhookSinkRepo) getWebhookSinkByQuery(ctx context.Context, params webhookSinkQueryParams) (*model.WebhookSink, error) {
	var sink model.WebhookSink
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, err := pgxConn.Query(ctx, params.query, params.arg)
		if err != nil {
			return err
		}
		defer rows.Close()
		sink, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.WebhookSink])
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookSinkNotFound
		}
		return nil, fmt.Errorf("%s: %w", params.errorMsg, err)
	}

	return &sink, nil
}

// GetByID retrieves a webhook sink by its ID.
func (r *WebhookSinkRepo) GetByID(ctx context.Context, id string) (*model.WebhookSink, error) {
	return r.getWebhookSinkByQuery(ctx, webhookSinkQueryParams{
		query:    `SELECT ` + webhookSinkColumns + ` FROM webhook_sinks WHERE id = $1`,
		arg:      id,
		errorMsg: "failed to get webhook sink by ID",
	})
}

// GetByName retrieves a webhook sink by its name.
func (r *WebhookSinkRepo) GetByName(ctx context.Context, name string) (*model.WebhookSink, error) {
	return r.getWebhookSinkByQuery(ctx, webhookSinkQueryParams{
		query:    `SELECT ` + webhookSinkColumns + ` FROM webhook_sinks WHERE name = $1`,
		arg:      name,
		errorMsg: "failed to get webhook sink by name",
	})
}

// List retrieves a list of webhook sinks with pagination.
func (r *WebhookSinkRepo) List(ctx context.Context, limit, offset int) ([]*model.WebhookSink, error) {
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + webhookSinkColumns + `
		FROM webhook_sinks
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	var sinks []*model.WebhookSink
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()

		sinkSlice, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.WebhookSink])
		if err != nil {
			return err
		}

		sinks = make([]*model.WebhookSink, len(sinkSlice))
		for i := range sinkSlice {
			sinks[i] = &sinkSlice[i]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list webhook sinks: %w", err)
	}

	return sinks, nil
}

// ListEnabled returns every sink that should receive terminal job notifications.
func (r *WebhookSinkRepo) ListEnabled(ctx context.Context) ([]*model.WebhookSink, error) {
	query := `
		SELECT ` + webhookSinkColumns + `
		FROM webhook_sinks
		WHERE enabled = TRUE
		ORDER BY name ASC`

	var sinks []*model.WebhookSink
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		sinkSlice, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.WebhookSink])
		if err != nil {
			return err
		}

		sinks = make([]*model.WebhookSink, len(sinkSlice))
		for i := range sinkSlice {
			sinks[i] = &sinkSlice[i]
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled webhook sinks: %w", err)
	}

	return sinks, nil
}

// buildUpdateParts assembles the SET clause for the fields present on the request.
func (r *WebhookSinkRepo) buildUpdateParts(req *model.UpdateWebhookSinkRequest) ([]string, []any) {
	if req == nil {
		return nil, nil
	}

	var setParts []string
	var args []any
	argIdx := 1

	if req.Name != nil {
		setParts = append(setParts, fmt.Sprintf("name = $%d", argIdx))
		args = append(args, *req.Name)
		argIdx++
	}
	if req.URL != nil {
		setParts = append(setParts, fmt.Sprintf("url = $%d", argIdx))
		args = append(args, *req.URL)
		argIdx++
	}
	if req.Template != nil {
		setParts = append(setParts, fmt.Sprintf("template = $%d", argIdx))
		args = append(args, *req.Template)
		argIdx++
	}
	if req.Enabled != nil {
		setParts = append(setParts, fmt.Sprintf("enabled = $%d", argIdx))
		args = append(args, *req.Enabled)
	}

	return setParts, args
}

// Update updates an existing webhook sink. Validation rejects requests with
// no updatable fields.
func (r *WebhookSinkRepo) Update(ctx context.Context, id string, req *model.UpdateWebhookSinkRequest) (*model.WebhookSink, error) {
	if req == nil {
		return nil, errors.New("update webhook sink request is required")
	}

	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	setParts, args := r.buildUpdateParts(req)
	args = append(args, r.timeProvider.Now().UTC())
	setParts = append(setParts, fmt.Sprintf("updated_at = $%d", len(args)))

	args = append(args, id)
	query := "UPDATE webhook_sinks SET " + strings.Join(setParts, ", ") +
		fmt.Sprintf(" WHERE id = $%d RETURNING ", len(args)) + webhookSinkColumns

	var out model.WebhookSink
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		out, err = pgx.CollectOneRow(rows, pgx.RowToStructByName[model.WebhookSink])
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update webhook sink: %w", r.mapWebhookSinkWriteErr(err, true))
	}

	return &out, nil
}

// Delete deletes a webhook sink by its ID.
func (r *WebhookSinkRepo) Delete(ctx context.Context, id string) (bool, error) {
	query := `DELETE FROM webhook_sinks WHERE id = $1`

	var rowsAffected int64
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		ct, err := conn.Exec(ctx, query, id)
		if err != nil {
			return err
		}
		rowsAffected = ct.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete webhook sink: %w", err)
	}

	return rowsAffected > 0, nil
}

// mapWebhookSinkWriteErr maps database errors to domain-specific errors.
func (r *WebhookSinkRepo) mapWebhookSinkWriteErr(err error, includeNotFound bool) error {
	if err == nil {
		return nil
	}
	if includeNotFound && errors.Is(err, pgx.ErrNoRows) {
		return ErrWebhookSinkNotFound
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if pgErr.Code != pgerrcode.UniqueViolation {
		return err
	}

	// Only map to name-exists when the unique violation is on the sinks table.
	if pgErr.TableName == "webhook_sinks" {
		return ErrWebhookSinkNameExists
	}

	return err
}

var _ core.WebhookSinkRepository = (*WebhookSinkRepo)(nil)
