// Package calls tracks the lifecycle of external model invocations, from
// admission to a single terminal write.
package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/llm"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500

	maxSummaryLen = 2000
)

type Tracker struct {
	store  store.Store
	guard  *policy.Guard
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

func NewTracker(s store.Store, g *policy.Guard, opts ...Option) *Tracker {
	t := &Tracker{store: s, guard: g, now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) timestamp() time.Time {
	return t.now().UTC().Truncate(time.Microsecond)
}

// PromptKey names the prompt a caller asked for.
type PromptKey struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

type StartCallRequest struct {
	Owner        models.Owner                 `json:"owner"`
	PromptKey    PromptKey                    `json:"prompt_key"`
	Resolved     *models.ResolvedPromptConfig `json:"resolved"`
	IdentityHash string                       `json:"identity_hash"`
	DedupeHash   string                       `json:"dedupe_hash"`
	Images       []models.ImageDescriptor     `json:"images,omitempty"`
}

type debugPayload struct {
	Owner        models.Owner                 `json:"owner"`
	Resolved     *models.ResolvedPromptConfig `json:"resolved"`
	IdentityHash string                       `json:"identity_hash"`
	DedupeHash   string                       `json:"dedupe_hash,omitempty"`
	Images       []models.ImageDescriptor     `json:"images,omitempty"`
}

// StartCall admits and records a production call. The concurrency, cost
// and image checks run inside the same transaction as the insert. TEST_RUN
// owners are rejected here; the test runner records its calls through
// StartTestCall.
func (t *Tracker) StartCall(ctx context.Context, req StartCallRequest) (*models.CallRecord, error) {
	const op = "calls.StartCall"
	if req.Owner.Type == models.OwnerTestRun {
		return nil, apperr.Validation(op, "owner type %s is reserved for prompt test runs", models.OwnerTestRun)
	}
	return t.start(ctx, op, req, true)
}

// StartTestCall records a call made on behalf of a prompt test run. It skips
// admission and never counts toward the concurrency or cost caps.
func (t *Tracker) StartTestCall(ctx context.Context, testRunID uuid.UUID, req StartCallRequest) (*models.CallRecord, error) {
	req.Owner = models.Owner{Type: models.OwnerTestRun, ID: testRunID.String()}
	return t.start(ctx, "calls.StartTestCall", req, false)
}

func (t *Tracker) start(ctx context.Context, op string, req StartCallRequest, admit bool) (*models.CallRecord, error) {
	if err := validateStart(req); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}

	identity := req.IdentityHash
	if identity == "" {
		identity = req.Resolved.IdentityHash
	}
	dedupe := req.DedupeHash
	if dedupe == "" {
		dedupe = req.Resolved.DedupeHash
	}

	debug, err := json.Marshal(debugPayload{
		Owner:        req.Owner,
		Resolved:     req.Resolved,
		IdentityHash: identity,
		DedupeHash:   dedupe,
		Images:       req.Images,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal debug payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate call id: %w", err)
	}
	rec := &models.CallRecord{
		ID:             id,
		TenantID:       req.PromptKey.TenantID,
		OwnerType:      req.Owner.Type,
		OwnerID:        req.Owner.ID,
		PromptName:     req.PromptKey.Name,
		PromptTenantID: req.Resolved.SourceTenantID,
		VersionID:      req.Resolved.VersionID,
		Model:          req.Resolved.Model,
		IdentityHash:   identity,
		DedupeHash:     dedupe,
		Status:         models.CallStarted,
		DebugPayload:   debug,
	}

	err = t.store.WithTx(ctx, func(tx store.Tx) error {
		if admit {
			cfg, err := t.guard.Admit(ctx, tx, rec.TenantID)
			if err != nil {
				return err
			}
			if !cfg.Allows(rec.Model) {
				return apperr.PolicyViolation(op, "model %q is not in the tenant allow-list", rec.Model)
			}
			if err := policy.CheckImages(cfg, req.Images); err != nil {
				return err
			}
		}
		rec.StartedAt = t.timestamp()
		return tx.InsertCallRecord(ctx, rec)
	})
	if err != nil {
		if apperr.KindOf(err) != apperr.KindUnknown {
			t.logger.Warn("call rejected",
				"tenant_id", rec.TenantID, "prompt", rec.PromptName, "owner_type", rec.OwnerType, "error", err)
		}
		return nil, store.Translate(op, err)
	}

	t.logger.Info("call started",
		"call_id", rec.ID, "tenant_id", rec.TenantID, "prompt", rec.PromptName,
		"version_id", rec.VersionID, "model", rec.Model, "owner_type", rec.OwnerType)
	return rec, nil
}

func validateStart(req StartCallRequest) error {
	switch {
	case req.Resolved == nil:
		return errors.New("resolved config is required")
	case !req.Owner.Type.Valid():
		return fmt.Errorf("unknown owner type %q", req.Owner.Type)
	case strings.TrimSpace(req.Owner.ID) == "":
		return errors.New("owner id is required")
	case strings.TrimSpace(req.PromptKey.TenantID) == "" || strings.TrimSpace(req.PromptKey.Name) == "":
		return errors.New("prompt key is required")
	case req.PromptKey.TenantID != req.Resolved.TenantID || req.PromptKey.Name != req.Resolved.PromptName:
		return errors.New("prompt key does not match the resolved config")
	}
	return nil
}

type Success struct {
	OutputSummary string   `json:"output_summary"`
	TokensIn      int      `json:"tokens_in"`
	TokensOut     int      `json:"tokens_out"`
	Cost          *float64 `json:"cost,omitempty"`
	LatencyMs     *int64   `json:"latency_ms,omitempty"`
}

// CompleteCallSuccess moves a STARTED call to SUCCEEDED. A nil cost is
// estimated from the model's pricing; a nil latency is measured from start.
func (t *Tracker) CompleteCallSuccess(ctx context.Context, id uuid.UUID, s Success) (*models.CallRecord, error) {
	const op = "calls.CompleteCallSuccess"
	if s.TokensIn < 0 || s.TokensOut < 0 {
		return nil, apperr.Validation(op, "token counts must not be negative")
	}
	if s.Cost != nil && *s.Cost < 0 {
		return nil, apperr.Validation(op, "cost must not be negative")
	}
	if s.LatencyMs != nil && *s.LatencyMs < 0 {
		return nil, apperr.Validation(op, "latency must not be negative")
	}

	rec, err := t.store.GetCallRecord(ctx, id)
	if err != nil {
		return nil, callLookupErr(op, id, err)
	}
	now := t.timestamp()

	var cost float64
	if s.Cost != nil {
		cost = *s.Cost
	} else {
		cost = estimateCost(rec.Model, s.TokensIn, s.TokensOut)
	}
	latency := now.Sub(rec.StartedAt).Milliseconds()
	if s.LatencyMs != nil {
		latency = *s.LatencyMs
	}

	return t.complete(ctx, op, id, models.CallCompletion{
		Status:        models.CallSucceeded,
		CompletedAt:   now,
		TokensIn:      s.TokensIn,
		TokensOut:     s.TokensOut,
		Cost:          cost,
		LatencyMs:     latency,
		OutputSummary: Truncate(s.OutputSummary, maxSummaryLen),
	})
}

func estimateCost(model string, tokensIn, tokensOut int) float64 {
	if llm.IsImageModel(model) {
		return llm.CalculateImageCost(model, 1)
	}
	return llm.CalculateCost(model, tokensIn, tokensOut)
}

// CompleteCallFailure moves a STARTED call to FAILED.
func (t *Tracker) CompleteCallFailure(ctx context.Context, id uuid.UUID, errorType, message string) (*models.CallRecord, error) {
	const op = "calls.CompleteCallFailure"
	if strings.TrimSpace(errorType) == "" {
		return nil, apperr.Validation(op, "error type is required")
	}

	rec, err := t.store.GetCallRecord(ctx, id)
	if err != nil {
		return nil, callLookupErr(op, id, err)
	}
	now := t.timestamp()
	return t.complete(ctx, op, id, models.CallCompletion{
		Status:       models.CallFailed,
		CompletedAt:  now,
		LatencyMs:    now.Sub(rec.StartedAt).Milliseconds(),
		ErrorType:    errorType,
		ErrorMessage: Truncate(message, maxSummaryLen),
	})
}

func (t *Tracker) complete(ctx context.Context, op string, id uuid.UUID, c models.CallCompletion) (*models.CallRecord, error) {
	err := t.store.CompleteCallRecord(ctx, id, c)
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Conflict(op, "call %s is already terminal", id)
	}
	if err != nil {
		return nil, callLookupErr(op, id, err)
	}

	rec, err := t.store.GetCallRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload call record: %w", err)
	}
	t.logger.Info("call completed",
		"call_id", id, "tenant_id", rec.TenantID, "status", rec.Status,
		"cost", rec.Cost, "latency_ms", rec.LatencyMs, "error_type", rec.ErrorType)
	return rec, nil
}

// SweepTimeouts marks calls STARTED longer than threshold ago as TIMEOUT.
func (t *Tracker) SweepTimeouts(ctx context.Context, threshold time.Duration) (int64, error) {
	if threshold <= 0 {
		return 0, apperr.Validation("calls.SweepTimeouts", "threshold must be positive")
	}
	now := t.timestamp()
	n, err := t.store.TimeoutStaleCalls(ctx, now.Add(-threshold), now,
		fmt.Sprintf("no terminal write within %s", threshold))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Warn("timed out stale calls", "count", n, "threshold", threshold.String())
	}
	return n, nil
}

func (t *Tracker) GetCall(ctx context.Context, tenantID string, id uuid.UUID) (*models.CallRecord, error) {
	rec, err := t.store.GetCallRecord(ctx, id)
	if err != nil {
		return nil, callLookupErr("calls.GetCall", id, err)
	}
	if rec.TenantID != tenantID {
		return nil, apperr.NotFound("calls.GetCall", "call %s not found", id)
	}
	return rec, nil
}

func (t *Tracker) ListCalls(ctx context.Context, tenantID string, status models.CallStatus, limit int) ([]models.CallRecord, error) {
	if status != "" && status != models.CallStarted && !status.Terminal() {
		return nil, apperr.Validation("calls.ListCalls", "unknown status %q", status)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	recs, err := t.store.ListCallRecords(ctx, store.CallFilter{TenantID: tenantID, Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	if recs == nil {
		recs = []models.CallRecord{}
	}
	return recs, nil
}

func callLookupErr(op string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(op, "call %s not found", id)
	}
	return err
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
