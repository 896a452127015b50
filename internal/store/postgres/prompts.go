package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const definitionColumns = `id, tenant_id, name, description, default_model, default_params, revision, created_by, created_at, updated_at`

func scanDefinition(row pgx.Row) (*models.PromptDefinition, error) {
	var (
		d      models.PromptDefinition
		params []byte
	)
	if err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Description, &d.DefaultModel, &params,
		&d.Revision, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if d.DefaultParams, err = store.DecodeParams(params); err != nil {
		return nil, fmt.Errorf("definition %s: %w", d.ID, err)
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (q *queries) GetDefinition(ctx context.Context, tenantID, name string) (*models.PromptDefinition, error) {
	row := q.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM prompt_definitions WHERE tenant_id = $1 AND name = $2`,
		tenantID, name,
	)
	d, err := scanDefinition(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (q *queries) ListDefinitions(ctx context.Context, tenantID string) ([]models.PromptDefinition, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+definitionColumns+` FROM prompt_definitions WHERE tenant_id = $1 ORDER BY name`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []models.PromptDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, *d)
	}
	return defs, rows.Err()
}

func (q *queries) InsertDefinition(ctx context.Context, d *models.PromptDefinition) error {
	params, err := store.EncodeParams(d.DefaultParams)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO prompt_definitions (`+definitionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.TenantID, d.Name, d.Description, d.DefaultModel, params,
		d.Revision, d.CreatedBy, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (q *queries) CompareAndBumpRevision(ctx context.Context, definitionID uuid.UUID, expected int64, now time.Time) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE prompt_definitions SET revision = revision + 1, updated_at = $1 WHERE id = $2 AND revision = $3`,
		now, definitionID, expected,
	)
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	return rowsAffected(tag, store.ErrConflict)
}

const versionColumns = `id, definition_id, tenant_id, name, version, status, templates, model, params,
	template_hash, change_notes, created_by, created_at, activated_at, activated_by, previous_active_version_id`

func scanVersion(row pgx.Row) (*models.PromptVersion, error) {
	var (
		v                 models.PromptVersion
		status            string
		templates, params []byte
	)
	if err := row.Scan(&v.ID, &v.DefinitionID, &v.TenantID, &v.Name, &v.Version, &status, &templates, &v.Model, &params,
		&v.TemplateHash, &v.ChangeNotes, &v.CreatedBy, &v.CreatedAt, &v.ActivatedAt, &v.ActivatedBy,
		&v.PreviousActiveVersionID); err != nil {
		return nil, err
	}

	v.Status = models.VersionStatus(status)
	var err error
	if v.Templates, err = store.DecodeTemplates(templates); err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	if v.Params, err = store.DecodeParams(params); err != nil {
		return nil, fmt.Errorf("version %s: %w", v.ID, err)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	if v.ActivatedAt != nil {
		t := v.ActivatedAt.UTC()
		v.ActivatedAt = &t
	}
	return &v, nil
}

func (q *queries) queryVersion(ctx context.Context, where string, args ...any) (*models.PromptVersion, error) {
	row := q.db.QueryRow(ctx, `SELECT `+versionColumns+` FROM prompt_versions WHERE `+where, args...)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (q *queries) GetVersion(ctx context.Context, id uuid.UUID) (*models.PromptVersion, error) {
	return q.queryVersion(ctx, `id = $1`, id)
}

func (q *queries) GetActiveVersion(ctx context.Context, definitionID uuid.UUID) (*models.PromptVersion, error) {
	return q.queryVersion(ctx, `definition_id = $1 AND status = 'ACTIVE'`, definitionID)
}

func (q *queries) LatestArchivedVersion(ctx context.Context, definitionID uuid.UUID) (*models.PromptVersion, error) {
	return q.queryVersion(ctx,
		`definition_id = $1 AND status = 'ARCHIVED' AND activated_at IS NOT NULL
		 ORDER BY activated_at DESC, version DESC LIMIT 1`,
		definitionID,
	)
}

func (q *queries) ListVersions(ctx context.Context, definitionID uuid.UUID) ([]models.PromptVersion, error) {
	rows, err := q.db.Query(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE definition_id = $1 ORDER BY version DESC`,
		definitionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []models.PromptVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (q *queries) MaxVersion(ctx context.Context, definitionID uuid.UUID) (int, error) {
	var latest int
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM prompt_versions WHERE definition_id = $1`,
		definitionID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("max version: %w", err)
	}
	return latest, nil
}

func (q *queries) InsertVersion(ctx context.Context, v *models.PromptVersion) error {
	templates, err := store.EncodeTemplates(v.Templates)
	if err != nil {
		return err
	}
	params, err := store.EncodeParams(v.Params)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO prompt_versions (`+versionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		v.ID, v.DefinitionID, v.TenantID, v.Name, v.Version, string(v.Status),
		templates, v.Model, params, v.TemplateHash, v.ChangeNotes, v.CreatedBy,
		v.CreatedAt, v.ActivatedAt, v.ActivatedBy, v.PreviousActiveVersionID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (q *queries) TransitionVersion(ctx context.Context, id uuid.UUID, from, to models.VersionStatus, activation *models.Activation) error {
	query := `UPDATE prompt_versions SET status = $1 WHERE id = $2 AND status = $3`
	args := []any{string(to), id, string(from)}
	if activation != nil {
		query = `UPDATE prompt_versions
			 SET status = $1, activated_at = $4, activated_by = $5, previous_active_version_id = $6
			 WHERE id = $2 AND status = $3`
		args = append(args, activation.At, activation.By, activation.PreviousActiveVersionID)
	}

	tag, err := q.db.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("transition version: %w", err)
	}
	return rowsAffected(tag, store.ErrConflict)
}
