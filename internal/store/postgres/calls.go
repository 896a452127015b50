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

const callColumns = `id, tenant_id, owner_type, owner_id, prompt_name, prompt_tenant_id, version_id, model,
	identity_hash, dedupe_hash, status, started_at, completed_at, tokens_in, tokens_out, cost, latency_ms,
	output_summary, error_type, error_message, debug_payload`

// LockAdmission takes a transaction-scoped advisory lock keyed by tenant.
func (q *queries) LockAdmission(ctx context.Context, tenantID string) error {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID); err != nil {
		return fmt.Errorf("lock admission: %w", err)
	}
	return nil
}

func scanCall(row pgx.Row) (*models.CallRecord, error) {
	var (
		c                 models.CallRecord
		ownerType, status string
		debug             []byte
	)
	if err := row.Scan(&c.ID, &c.TenantID, &ownerType, &c.OwnerID, &c.PromptName, &c.PromptTenantID, &c.VersionID, &c.Model,
		&c.IdentityHash, &c.DedupeHash, &status, &c.StartedAt, &c.CompletedAt, &c.TokensIn, &c.TokensOut, &c.Cost,
		&c.LatencyMs, &c.OutputSummary, &c.ErrorType, &c.ErrorMessage, &debug); err != nil {
		return nil, err
	}
	c.OwnerType = models.OwnerType(ownerType)
	c.Status = models.CallStatus(status)
	c.StartedAt = c.StartedAt.UTC()
	if c.CompletedAt != nil {
		t := c.CompletedAt.UTC()
		c.CompletedAt = &t
	}
	c.DebugPayload = store.NullableRaw(debug)
	return &c, nil
}

func (q *queries) InsertCallRecord(ctx context.Context, c *models.CallRecord) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO call_records (`+callColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		c.ID, c.TenantID, string(c.OwnerType), c.OwnerID, c.PromptName, c.PromptTenantID,
		c.VersionID, c.Model, c.IdentityHash, c.DedupeHash, string(c.Status),
		c.StartedAt, c.CompletedAt, c.TokensIn, c.TokensOut, c.Cost, c.LatencyMs,
		c.OutputSummary, c.ErrorType, c.ErrorMessage, store.RawOrNull(c.DebugPayload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

func (q *queries) GetCallRecord(ctx context.Context, id uuid.UUID) (*models.CallRecord, error) {
	c, err := scanCall(q.db.QueryRow(ctx, `SELECT `+callColumns+` FROM call_records WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (q *queries) ListCallRecords(ctx context.Context, f store.CallFilter) ([]models.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM call_records WHERE tenant_id = $1`
	args := []any{f.TenantID}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list call records: %w", err)
	}
	defer rows.Close()

	var calls []models.CallRecord
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call record: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

func (q *queries) CompleteCallRecord(ctx context.Context, id uuid.UUID, c models.CallCompletion) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE call_records
		 SET status = $1, completed_at = $2, tokens_in = $3, tokens_out = $4, cost = $5, latency_ms = $6,
		     output_summary = $7, error_type = $8, error_message = $9
		 WHERE id = $10 AND status = 'STARTED'`,
		string(c.Status), c.CompletedAt, c.TokensIn, c.TokensOut, c.Cost, c.LatencyMs,
		c.OutputSummary, c.ErrorType, c.ErrorMessage, id,
	)
	if err != nil {
		return fmt.Errorf("complete call record: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := q.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM call_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("complete call record: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

func (q *queries) CountStartedCalls(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := q.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM call_records WHERE tenant_id = $1 AND status = 'STARTED' AND owner_type <> 'TEST_RUN'`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count started calls: %w", err)
	}
	return n, nil
}

func (q *queries) SumSucceededCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := q.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM call_records
		 WHERE tenant_id = $1 AND status = 'SUCCEEDED' AND owner_type <> 'TEST_RUN' AND completed_at >= $2`,
		tenantID, since,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum call cost: %w", err)
	}
	return total, nil
}

func (q *queries) TimeoutStaleCalls(ctx context.Context, cutoff, now time.Time, message string) (int64, error) {
	tag, err := q.db.Exec(ctx,
		`UPDATE call_records SET status = 'TIMEOUT', completed_at = $1, error_type = 'TIMEOUT', error_message = $2
		 WHERE status = 'STARTED' AND started_at < $3`,
		now, message, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("timeout stale calls: %w", err)
	}
	return tag.RowsAffected(), nil
}

const testRunColumns = `id, tenant_id, prompt_name, version_id, pinned, request, resolved, identity_hash, dedupe_hash,
	status, call_record_id, output, error_message, created_by, created_at, completed_at`

func (q *queries) InsertTestRun(ctx context.Context, r *models.TestRun) error {
	_, err := q.db.Exec(ctx,
		`INSERT INTO test_runs (`+testRunColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		r.ID, r.TenantID, r.PromptName, r.VersionID, r.Pinned,
		store.RawOrNull(r.Request), store.RawOrNull(r.Resolved), r.IdentityHash, r.DedupeHash,
		string(r.Status), r.CallRecordID, r.Output, r.ErrorMessage, r.CreatedBy, r.CreatedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert test run: %w", err)
	}
	return nil
}

func (q *queries) GetTestRun(ctx context.Context, id uuid.UUID) (*models.TestRun, error) {
	var (
		r                 models.TestRun
		request, resolved []byte
		status            string
	)
	err := q.db.QueryRow(ctx, `SELECT `+testRunColumns+` FROM test_runs WHERE id = $1`, id).Scan(
		&r.ID, &r.TenantID, &r.PromptName, &r.VersionID, &r.Pinned, &request, &resolved, &r.IdentityHash,
		&r.DedupeHash, &status, &r.CallRecordID, &r.Output, &r.ErrorMessage, &r.CreatedBy, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	r.Request = store.NullableRaw(request)
	r.Resolved = store.NullableRaw(resolved)
	r.Status = models.TestRunStatus(status)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

func (q *queries) UpdateTestRunResult(ctx context.Context, r *models.TestRun) error {
	tag, err := q.db.Exec(ctx,
		`UPDATE test_runs SET status = $1, call_record_id = $2, output = $3, error_message = $4, completed_at = $5
		 WHERE id = $6`,
		string(r.Status), r.CallRecordID, r.Output, r.ErrorMessage, r.CompletedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update test run: %w", err)
	}
	return rowsAffected(tag, store.ErrNotFound)
}
