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

const callColumns = `id, tenant_id, owner_type, owner_id, prompt_name, prompt_tenant_id, version_id, model,
	identity_hash, dedupe_hash, status, started_at, completed_at, tokens_in, tokens_out, cost, latency_ms,
	output_summary, error_type, error_message, debug_payload`

// LockAdmission is a no-op: transactions are BEGIN IMMEDIATE and already
// hold the database write lock.
func (q *queries) LockAdmission(ctx context.Context, tenantID string) error {
	return nil
}

func scanCall(row rowScanner) (*models.CallRecord, error) {
	var (
		c           models.CallRecord
		id, version string
		ownerType   string
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		debug       string
	)
	if err := row.Scan(&id, &c.TenantID, &ownerType, &c.OwnerID, &c.PromptName, &c.PromptTenantID, &version, &c.Model,
		&c.IdentityHash, &c.DedupeHash, &status, &startedAt, &completedAt, &c.TokensIn, &c.TokensOut, &c.Cost,
		&c.LatencyMs, &c.OutputSummary, &c.ErrorType, &c.ErrorMessage, &debug); err != nil {
		return nil, err
	}
	var err error
	if c.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse call id: %w", err)
	}
	if c.VersionID, err = uuid.Parse(version); err != nil {
		return nil, fmt.Errorf("parse call version id: %w", err)
	}
	c.OwnerType = models.OwnerType(ownerType)
	c.Status = models.CallStatus(status)
	c.StartedAt = fromMicros(startedAt)
	c.CompletedAt = timeFromNull(completedAt)
	c.DebugPayload = store.NullableRaw([]byte(debug))
	return &c, nil
}

func (q *queries) InsertCallRecord(ctx context.Context, c *models.CallRecord) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO call_records (`+callColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID.String(), c.TenantID, string(c.OwnerType), c.OwnerID, c.PromptName, c.PromptTenantID,
		c.VersionID.String(), c.Model, c.IdentityHash, c.DedupeHash, string(c.Status),
		toMicros(c.StartedAt), nullableMicros(c.CompletedAt), c.TokensIn, c.TokensOut, c.Cost, c.LatencyMs,
		c.OutputSummary, c.ErrorType, c.ErrorMessage, string(store.RawOrNull(c.DebugPayload)),
	)
	if err != nil {
		if isConstraintError(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert call record: %w", err)
	}
	return nil
}

func (q *queries) GetCallRecord(ctx context.Context, id uuid.UUID) (*models.CallRecord, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM call_records WHERE id = ?`, id.String())
	c, err := scanCall(row)
	if err != nil {
		return nil, notFound(err)
	}
	return c, nil
}

func (q *queries) ListCallRecords(ctx context.Context, f store.CallFilter) ([]models.CallRecord, error) {
	query := `SELECT ` + callColumns + ` FROM call_records WHERE tenant_id = ?`
	args := []any{f.TenantID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
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
	res, err := q.db.ExecContext(ctx,
		`UPDATE call_records
		 SET status = ?, completed_at = ?, tokens_in = ?, tokens_out = ?, cost = ?, latency_ms = ?,
		     output_summary = ?, error_type = ?, error_message = ?
		 WHERE id = ? AND status = 'STARTED'`,
		string(c.Status), toMicros(c.CompletedAt), c.TokensIn, c.TokensOut, c.Cost, c.LatencyMs,
		c.OutputSummary, c.ErrorType, c.ErrorMessage, id.String(),
	)
	if err != nil {
		return fmt.Errorf("complete call record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete call record: %w", err)
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.db.QueryRowContext(ctx, `SELECT 1 FROM call_records WHERE id = ?`, id.String()).Scan(&exists)
	if err != nil {
		return notFound(err)
	}
	return store.ErrConflict
}

func (q *queries) CountStartedCalls(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_records WHERE tenant_id = ? AND status = 'STARTED' AND owner_type <> 'TEST_RUN'`,
		tenantID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count started calls: %w", err)
	}
	return n, nil
}

func (q *queries) SumSucceededCost(ctx context.Context, tenantID string, since time.Time) (float64, error) {
	var total float64
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM call_records
		 WHERE tenant_id = ? AND status = 'SUCCEEDED' AND owner_type <> 'TEST_RUN' AND completed_at >= ?`,
		tenantID, toMicros(since),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum call cost: %w", err)
	}
	return total, nil
}

func (q *queries) TimeoutStaleCalls(ctx context.Context, cutoff, now time.Time, message string) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE call_records SET status = 'TIMEOUT', completed_at = ?, error_type = 'TIMEOUT', error_message = ?
		 WHERE status = 'STARTED' AND started_at < ?`,
		toMicros(now), message, toMicros(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("timeout stale calls: %w", err)
	}
	return res.RowsAffected()
}

const testRunColumns = `id, tenant_id, prompt_name, version_id, pinned, request, resolved, identity_hash, dedupe_hash,
	status, call_record_id, output, error_message, created_by, created_at, completed_at`

func (q *queries) InsertTestRun(ctx context.Context, r *models.TestRun) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO test_runs (`+testRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.TenantID, r.PromptName, r.VersionID.String(), r.Pinned,
		string(store.RawOrNull(r.Request)), string(store.RawOrNull(r.Resolved)), r.IdentityHash, r.DedupeHash,
		string(r.Status), nullableUUID(r.CallRecordID), r.Output, r.ErrorMessage, r.CreatedBy,
		toMicros(r.CreatedAt), nullableMicros(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert test run: %w", err)
	}
	return nil
}

func (q *queries) GetTestRun(ctx context.Context, id uuid.UUID) (*models.TestRun, error) {
	var (
		r                  models.TestRun
		runID, versionID   string
		request, resolved  string
		status             string
		callID             sql.NullString
		createdAt          int64
		completedAt        sql.NullInt64
	)
	err := q.db.QueryRowContext(ctx, `SELECT `+testRunColumns+` FROM test_runs WHERE id = ?`, id.String()).Scan(
		&runID, &r.TenantID, &r.PromptName, &versionID, &r.Pinned, &request, &resolved, &r.IdentityHash,
		&r.DedupeHash, &status, &callID, &r.Output, &r.ErrorMessage, &r.CreatedBy, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	if r.ID, err = uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("parse test run id: %w", err)
	}
	if r.VersionID, err = uuid.Parse(versionID); err != nil {
		return nil, fmt.Errorf("parse test run version id: %w", err)
	}
	if r.CallRecordID, err = uuidFromNull(callID); err != nil {
		return nil, err
	}
	r.Request = store.NullableRaw([]byte(request))
	r.Resolved = store.NullableRaw([]byte(resolved))
	r.Status = models.TestRunStatus(status)
	r.CreatedAt = fromMicros(createdAt)
	r.CompletedAt = timeFromNull(completedAt)
	return &r, nil
}

func (q *queries) UpdateTestRunResult(ctx context.Context, r *models.TestRun) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE test_runs SET status = ?, call_record_id = ?, output = ?, error_message = ?, completed_at = ?
		 WHERE id = ?`,
		string(r.Status), nullableUUID(r.CallRecordID), r.Output, r.ErrorMessage, nullableMicros(r.CompletedAt),
		r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update test run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update test run: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
