package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const runtimeColumns = `tenant_id, max_concurrency, force_fallback_model, model_allow_list, max_tokens_output_cap,
	max_image_bytes_cap, daily_cost_cap, disabled_prompt_names, updated_by, created_at, updated_at`

func (q *queries) GetRuntimeConfig(ctx context.Context, tenantID string) (*models.RuntimeConfig, error) {
	var (
		c          models.RuntimeConfig
		force      sql.NullString
		allowList  string
		disabled   string
		createdAt  int64
		updatedAt  int64
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT `+runtimeColumns+` FROM runtime_configs WHERE tenant_id = ?`, tenantID,
	).Scan(&c.TenantID, &c.MaxConcurrency, &force, &allowList, &c.MaxTokensOutputCap,
		&c.MaxImageBytesCap, &c.DailyCostCap, &disabled, &c.UpdatedBy, &createdAt, &updatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if force.Valid {
		c.ForceFallbackModel = &force.String
	}
	if c.ModelAllowList, err = store.DecodeStrings([]byte(allowList)); err != nil {
		return nil, fmt.Errorf("runtime config %s allow-list: %w", tenantID, err)
	}
	if c.DisabledPromptNames, err = store.DecodeStrings([]byte(disabled)); err != nil {
		return nil, fmt.Errorf("runtime config %s disabled names: %w", tenantID, err)
	}
	c.CreatedAt = fromMicros(createdAt)
	c.UpdatedAt = fromMicros(updatedAt)
	return &c, nil
}

func runtimeArgs(c *models.RuntimeConfig) ([]any, error) {
	allowList, err := store.EncodeStrings(c.ModelAllowList)
	if err != nil {
		return nil, err
	}
	disabled, err := store.EncodeStrings(c.DisabledPromptNames)
	if err != nil {
		return nil, err
	}
	var force sql.NullString
	if c.ForceFallbackModel != nil {
		force = sql.NullString{String: *c.ForceFallbackModel, Valid: true}
	}
	return []any{
		c.TenantID, c.MaxConcurrency, force, string(allowList), c.MaxTokensOutputCap,
		c.MaxImageBytesCap, c.DailyCostCap, string(disabled), c.UpdatedBy,
		toMicros(c.CreatedAt), toMicros(c.UpdatedAt),
	}, nil
}

func (q *queries) InsertRuntimeConfig(ctx context.Context, c *models.RuntimeConfig) error {
	args, err := runtimeArgs(c)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx,
		`INSERT INTO runtime_configs (`+runtimeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("insert runtime config: %w", err)
	}
	return nil
}

func (q *queries) UpdateRuntimeConfig(ctx context.Context, c *models.RuntimeConfig) error {
	args, err := runtimeArgs(c)
	if err != nil {
		return err
	}
	// tenant_id and created_at are not rewritten.
	res, err := q.db.ExecContext(ctx,
		`UPDATE runtime_configs SET max_concurrency = ?, force_fallback_model = ?, model_allow_list = ?,
			max_tokens_output_cap = ?, max_image_bytes_cap = ?, daily_cost_cap = ?, disabled_prompt_names = ?,
			updated_by = ?, updated_at = ?
		 WHERE tenant_id = ?`,
		args[1], args[2], args[3], args[4], args[5], args[6], args[7], args[8], args[10], args[0],
	)
	if err != nil {
		return fmt.Errorf("update runtime config: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update runtime config: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, tenant_id, actor, action, target_type, target_id, target_name, before_state, after_state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.TenantID, e.Actor, string(e.Action), e.TargetType, e.TargetID, e.TargetName,
		string(store.RawOrNull(e.Before)), string(store.RawOrNull(e.After)), toMicros(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (q *queries) ListAuditEntries(ctx context.Context, f store.AuditFilter) ([]models.AuditLogEntry, error) {
	var (
		conds = []string{"tenant_id = ?"}
		args  = []any{f.TenantID}
	)
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.TargetType != "" {
		conds = append(conds, "target_type = ?")
		args = append(args, f.TargetType)
	}
	if f.BeforeTime != nil {
		ts := toMicros(*f.BeforeTime)
		conds = append(conds, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, ts, ts, f.BeforeID.String())
	}
	args = append(args, f.Limit)

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, tenant_id, actor, action, target_type, target_id, target_name, before_state, after_state, created_at
		 FROM audit_log WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var (
			e             models.AuditLogEntry
			id            string
			action        string
			before, after string
			createdAt     int64
		)
		if err := rows.Scan(&id, &e.TenantID, &e.Actor, &action, &e.TargetType, &e.TargetID, &e.TargetName,
			&before, &after, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("parse audit id: %w", err)
		}
		e.Action = models.AuditAction(action)
		e.Before = store.NullableRaw([]byte(before))
		e.After = store.NullableRaw([]byte(after))
		e.CreatedAt = fromMicros(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
