package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const runtimeColumns = `tenant_id, max_concurrency, force_fallback_model, model_allow_list, max_tokens_output_cap,
	max_image_bytes_cap, daily_cost_cap, disabled_prompt_names, updated_by, created_at, updated_at`

func (q *queries) GetRuntimeConfig(ctx context.Context, tenantID string) (*models.RuntimeConfig, error) {
	var (
		c                   models.RuntimeConfig
		allowList, disabled []byte
	)
	err := q.db.QueryRow(ctx,
		`SELECT `+runtimeColumns+` FROM runtime_configs WHERE tenant_id = $1`, tenantID,
	).Scan(&c.TenantID, &c.MaxConcurrency, &c.ForceFallbackModel, &allowList, &c.MaxTokensOutputCap,
		&c.MaxImageBytesCap, &c.DailyCostCap, &disabled, &c.UpdatedBy, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	if c.ModelAllowList, err = store.DecodeStrings(allowList); err != nil {
		return nil, fmt.Errorf("runtime config %s allow-list: %w", tenantID, err)
	}
	if c.DisabledPromptNames, err = store.DecodeStrings(disabled); err != nil {
		return nil, fmt.Errorf("runtime config %s disabled names: %w", tenantID, err)
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func encodeRuntimeLists(c *models.RuntimeConfig) (allowList, disabled []byte, err error) {
	if allowList, err = store.EncodeStrings(c.ModelAllowList); err != nil {
		return nil, nil, err
	}
	if disabled, err = store.EncodeStrings(c.DisabledPromptNames); err != nil {
		return nil, nil, err
	}
	return allowList, disabled, nil
}

func (q *queries) InsertRuntimeConfig(ctx context.Context, c *models.RuntimeConfig) error {
	allowList, disabled, err := encodeRuntimeLists(c)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx,
		`INSERT INTO runtime_configs (`+runtimeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		c.TenantID, c.MaxConcurrency, c.ForceFallbackModel, allowList, c.MaxTokensOutputCap,
		c.MaxImageBytesCap, c.DailyCostCap, disabled, c.UpdatedBy, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert runtime config: %w", err)
	}
	return nil
}

func (q *queries) UpdateRuntimeConfig(ctx context.Context, c *models.RuntimeConfig) error {
	allowList, disabled, err := encodeRuntimeLists(c)
	if err != nil {
		return err
	}
	tag, err := q.db.Exec(ctx,
		`UPDATE runtime_configs SET max_concurrency = $2, force_fallback_model = $3, model_allow_list = $4,
			max_tokens_output_cap = $5, max_image_bytes_cap = $6, daily_cost_cap = $7, disabled_prompt_names = $8,
			updated_by = $9, updated_at = $10
		 WHERE tenant_id = $1`,
		c.TenantID, c.MaxConcurrency, c.ForceFallbackModel, allowList, c.MaxTokensOutputCap,
		c.MaxImageBytesCap, c.DailyCostCap, disabled, c.UpdatedBy, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update runtime config: %w", err)
	}
	return rowsAffected(tag, store.ErrNotFound)
}

func (q *queries) InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO audit_log (id, tenant_id, actor, action, target_type, target_id, target_name, before_state, after_state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TenantID, e.Actor, string(e.Action), e.TargetType, e.TargetID, e.TargetName,
		store.RawOrNull(e.Before), store.RawOrNull(e.After), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (q *queries) ListAuditEntries(ctx context.Context, f store.AuditFilter) ([]models.AuditLogEntry, error) {
	conds := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Action != "" {
		conds = append(conds, "action = "+next(f.Action))
	}
	if f.TargetType != "" {
		conds = append(conds, "target_type = "+next(f.TargetType))
	}
	if f.BeforeTime != nil {
		ts := next(*f.BeforeTime)
		conds = append(conds, fmt.Sprintf("(created_at < %s OR (created_at = %s AND id < %s))", ts, ts, next(f.BeforeID)))
	}
	limit := next(f.Limit)

	rows, err := q.db.Query(ctx,
		`SELECT id, tenant_id, actor, action, target_type, target_id, target_name, before_state, after_state, created_at
		 FROM audit_log WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY created_at DESC, id DESC LIMIT `+limit,
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
			action        string
			before, after []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Actor, &action, &e.TargetType, &e.TargetID, &e.TargetName,
			&before, &after, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = models.AuditAction(action)
		e.Before = store.NullableRaw(before)
		e.After = store.NullableRaw(after)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
