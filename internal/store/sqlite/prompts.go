package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const definitionColumns = `id, tenant_id, name, description, default_model, default_params, revision, created_by, created_at, updated_at`

func scanDefinition(row rowScanner) (*models.PromptDefinition, error) {
	var (
		d         models.PromptDefinition
		id        string
		params    string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&id, &d.TenantID, &d.Name, &d.Description, &d.DefaultModel, &params,
		&d.Revision, &d.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse definition id: %w", err)
	}
	d.ID = parsed
	if d.DefaultParams, err = store.DecodeParams([]byte(params)); err != nil {
		return nil, fmt.Errorf("definition %s: %w", id, err)
	}
	d.CreatedAt = fromMicros(createdAt)
	d.UpdatedAt = fromMicros(updatedAt)
	return &d, nil
}

func (q *queries) GetDefinition(ctx context.Context, tenantID, name string) (*models.PromptDefinition, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM prompt_definitions WHERE tenant_id = ? AND name = ?`,
		tenantID, name,
	)
	d, err := scanDefinition(row)
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (q *queries) ListDefinitions(ctx context.Context, tenantID string) ([]models.PromptDefinition, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+definitionColumns+` FROM prompt_definitions WHERE tenant_id = ? ORDER BY name`,
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
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO prompt_definitions (`+definitionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.TenantID, d.Name, d.Description, d.DefaultModel, string(params),
		d.Revision, d.CreatedBy, toMicros(d.CreatedAt), toMicros(d.UpdatedAt),
	)
	if err != nil {
		if isConstraintError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

func (q *queries) CompareAndBumpRevision(ctx context.Context, definitionID uuid.UUID, expected int64, now time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE prompt_definitions SET revision = revision + 1, updated_at = ? WHERE id = ? AND revision = ?`,
		toMicros(now), definitionID.String(), expected,
	)
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump revision: %w", err)
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}

const versionColumns = `id, definition_id, tenant_id, name, version, status, templates, model, params,
	template_hash, change_notes, created_by, created_at, activated_at, activated_by, previous_active_version_id`

func scanVersion(row rowScanner) (*models.PromptVersion, error) {
	var (
		v           models.PromptVersion
		id, defID   string
		status      string
		templates   string
		params      string
		createdAt   int64
		activatedAt sql.NullInt64
		previousID  sql.NullString
	)
	if err := row.Scan(&id, &defID, &v.TenantID, &v.Name, &v.Version, &status, &templates, &v.Model, &params,
		&v.TemplateHash, &v.ChangeNotes, &v.CreatedBy, &createdAt, &activatedAt, &v.ActivatedBy, &previousID); err != nil {
		return nil, err
	}

	var err error
	if v.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse version id: %w", err)
	}
	if v.DefinitionID, err = uuid.Parse(defID); err != nil {
		return nil, fmt.Errorf("parse definition id: %w", err)
	}
	v.Status = models.VersionStatus(status)
	switch v.Status {
	case models.VersionDraft, models.VersionActive, models.VersionArchived:
	default:
		return nil, fmt.Errorf("version %s: unknown status %q", id, status)
	}
	if v.Templates, err = store.DecodeTemplates([]byte(templates)); err != nil {
		return nil, fmt.Errorf("version %s: %w", id, err)
	}
	if v.Params, err = store.DecodeParams([]byte(params)); err != nil {
		return nil, fmt.Errorf("version %s: %w", id, err)
	}
	if v.PreviousActiveVersionID, err = uuidFromNull(previousID); err != nil {
		return nil, err
	}
	v.CreatedAt = fromMicros(createdAt)
	v.ActivatedAt = timeFromNull(activatedAt)
	return &v, nil
}

func (q *queries) queryVersion(ctx context.Context, where string, args ...any) (*models.PromptVersion, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM prompt_versions WHERE `+where, args...)
	v, err := scanVersion(row)
	if err != nil {
		return nil, notFound(err)
	}
	return v, nil
}

func (q *queries) GetVersion(ctx context.Context, id uuid.UUID) (*models.PromptVersion, error) {
	return q.queryVersion(ctx, `id = ?`, id.String())
}

func (q *queries) GetActiveVersion(ctx context.Context, definitionID uuid.UUID) (*models.PromptVersion, error) {
	return q.queryVersion(ctx, `definition_id = ? AND status = 'ACTIVE'`, definitionID.String())
}

func (q *queries) LatestArchivedVersion(ctx context.Context, definitionID uuid.UUID) (*models.PromptVersion, error) {
	return q.queryVersion(ctx,
		`definition_id = ? AND status = 'ARCHIVED' AND activated_at IS NOT NULL
		 ORDER BY activated_at DESC, version DESC LIMIT 1`,
		definitionID.String(),
	)
}

func (q *queries) ListVersions(ctx context.Context, definitionID uuid.UUID) ([]models.PromptVersion, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM prompt_versions WHERE definition_id = ? ORDER BY version DESC`,
		definitionID.String(),
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
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM prompt_versions WHERE definition_id = ?`,
		definitionID.String(),
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
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO prompt_versions (`+versionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID.String(), v.DefinitionID.String(), v.TenantID, v.Name, v.Version, string(v.Status),
		string(templates), v.Model, string(params), v.TemplateHash, v.ChangeNotes, v.CreatedBy,
		toMicros(v.CreatedAt), nullableMicros(v.ActivatedAt), v.ActivatedBy, nullableUUID(v.PreviousActiveVersionID),
	)
	if err != nil {
		if isConstraintError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (q *queries) TransitionVersion(ctx context.Context, id uuid.UUID, from, to models.VersionStatus, activation *models.Activation) error {
	var (
		res sql.Result
		err error
	)
	if activation != nil {
		res, err = q.db.ExecContext(ctx,
			`UPDATE prompt_versions
			 SET status = ?, activated_at = ?, activated_by = ?, previous_active_version_id = ?
			 WHERE id = ? AND status = ?`,
			string(to), toMicros(activation.At), activation.By, nullableUUID(activation.PreviousActiveVersionID),
			id.String(), string(from),
		)
	} else {
		res, err = q.db.ExecContext(ctx,
			`UPDATE prompt_versions SET status = ? WHERE id = ? AND status = ?`,
			string(to), id.String(), string(from),
		)
	}
	if err != nil {
		if isConstraintError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("transition version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition version: %w", err)
	}
	if n == 0 {
		return store.ErrConflict
	}
	return nil
}
