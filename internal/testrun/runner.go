// Package testrun exercises prompt versions in isolation from production
// traffic. Test runs bypass disablement and admission but still honor the
// model allow-list and image caps.
package testrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/calls"
	"github.com/nikhilbhutani/promptplane/internal/llm"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/prompt"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

const (
	maxOutputLen = 8000

	// completionTimeout bounds the terminal writes after an invocation.
	completionTimeout = 10 * time.Second
)

// Invoker executes a resolved snapshot against a model.
type Invoker interface {
	Invoke(ctx context.Context, resolved *models.ResolvedPromptConfig) (*llm.Result, error)
}

type Runner struct {
	store    store.Store
	audit    *audit.Service
	resolver *prompt.Resolver
	tracker  *calls.Tracker
	invoker  Invoker
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Runner)

// WithInvoker enables Request.Invoke. Without one, test runs only resolve.
func WithInvoker(inv Invoker) Option {
	return func(r *Runner) { r.invoker = inv }
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

func NewRunner(s store.Store, a *audit.Service, resolver *prompt.Resolver, tracker *calls.Tracker, opts ...Option) *Runner {
	r := &Runner{
		store:    s,
		audit:    a,
		resolver: resolver,
		tracker:  tracker,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) timestamp() time.Time {
	return r.now().UTC().Truncate(time.Microsecond)
}

type Request struct {
	Variables       any                      `json:"variables,omitempty"`
	ImageRefs       []models.ImageDescriptor `json:"image_refs,omitempty"`
	Overrides       *models.Overrides        `json:"overrides,omitempty"`
	PinnedVersionID *uuid.UUID               `json:"pinned_version_id,omitempty"`
	Invoke          bool                     `json:"invoke"`
}

type Result struct {
	Run      *models.TestRun              `json:"run"`
	Resolved *models.ResolvedPromptConfig `json:"resolved"`
	Call     *models.CallRecord           `json:"call,omitempty"`
}

type auditState struct {
	VersionID    uuid.UUID `json:"version_id"`
	Version      int       `json:"version"`
	Pinned       bool      `json:"pinned"`
	Invoke       bool      `json:"invoke"`
	Model        string    `json:"model"`
	IdentityHash string    `json:"identity_hash"`
}

// TestPrompt resolves name for tenant the way production would, except that
// disabled prompts are allowed and a specific version may be pinned. The run
// and its PROMPT_TEST audit entry commit together before any invocation.
func (r *Runner) TestPrompt(ctx context.Context, tenantID, name string, req Request, actor string) (*Result, error) {
	const op = "testrun.TestPrompt"
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Validation(op, "actor is required")
	}
	if req.Invoke && r.invoker == nil {
		return nil, apperr.Validation(op, "invocation is not configured")
	}

	resolved, err := r.resolver.ResolvePrompt(ctx, tenantID, name, req.Variables, prompt.ResolveOptions{
		Overrides:       req.Overrides,
		Images:          req.ImageRefs,
		AllowDisabled:   true,
		PinnedVersionID: req.PinnedVersionID,
	})
	if err != nil {
		return nil, err
	}

	requestJSON, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, fmt.Errorf("marshal request: %w", err))
	}
	resolvedJSON, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("marshal resolved config: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate test run id: %w", err)
	}
	run := &models.TestRun{
		ID:           id,
		TenantID:     tenantID,
		PromptName:   name,
		VersionID:    resolved.VersionID,
		Pinned:       req.PinnedVersionID != nil,
		Request:      requestJSON,
		Resolved:     resolvedJSON,
		IdentityHash: resolved.IdentityHash,
		DedupeHash:   resolved.DedupeHash,
		Status:       models.TestRunResolved,
		CreatedBy:    actor,
		CreatedAt:    r.timestamp(),
	}

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTestRun(ctx, run); err != nil {
			return err
		}
		_, err := r.audit.Append(ctx, tx, audit.Entry{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     models.AuditPromptTest,
			TargetType: models.TargetTestRun,
			TargetID:   run.ID.String(),
			TargetName: name,
			After: auditState{
				VersionID:    resolved.VersionID,
				Version:      resolved.Version,
				Pinned:       run.Pinned,
				Invoke:       req.Invoke,
				Model:        resolved.Model,
				IdentityHash: resolved.IdentityHash,
			},
		})
		return err
	})
	if err != nil {
		return nil, store.Translate(op, err)
	}

	r.logger.Info("prompt test resolved",
		"tenant_id", tenantID, "prompt", name, "version_id", resolved.VersionID,
		"test_run_id", run.ID, "pinned", run.Pinned)

	result := &Result{Run: run, Resolved: resolved}
	if !req.Invoke {
		return result, nil
	}

	rec, err := r.invoke(ctx, run, resolved, req.ImageRefs)
	if err != nil {
		return nil, err
	}
	result.Call = rec
	return result, nil
}

func (r *Runner) invoke(ctx context.Context, run *models.TestRun, resolved *models.ResolvedPromptConfig, images []models.ImageDescriptor) (*models.CallRecord, error) {
	started, err := r.tracker.StartTestCall(ctx, run.ID, calls.StartCallRequest{
		PromptKey: calls.PromptKey{TenantID: run.TenantID, Name: run.PromptName},
		Resolved:  resolved,
		Images:    images,
	})
	if err != nil {
		return nil, fmt.Errorf("start test call: %w", err)
	}

	res, invokeErr := r.invoker.Invoke(ctx, resolved)

	// The terminal writes must land even when ctx ended the invocation.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	var rec *models.CallRecord
	if invokeErr != nil {
		rec, err = r.tracker.CompleteCallFailure(wctx, started.ID, invokeErrorType(invokeErr), invokeErr.Error())
		run.Status = models.TestRunFailed
		run.ErrorMessage = calls.Truncate(invokeErr.Error(), maxOutputLen)
	} else {
		cost := res.CostUSD
		latency := res.LatencyMs
		rec, err = r.tracker.CompleteCallSuccess(wctx, started.ID, calls.Success{
			OutputSummary: res.Output,
			TokensIn:      res.InputTokens,
			TokensOut:     res.OutputTokens,
			Cost:          &cost,
			LatencyMs:     &latency,
		})
		run.Status = models.TestRunSucceeded
		run.Output = calls.Truncate(res.Output, maxOutputLen)
	}
	if err != nil {
		return nil, fmt.Errorf("complete test call: %w", err)
	}

	completed := r.timestamp()
	run.CallRecordID = &rec.ID
	run.CompletedAt = &completed
	if err := r.store.UpdateTestRunResult(wctx, run); err != nil {
		return nil, fmt.Errorf("record test run result: %w", err)
	}

	if invokeErr != nil {
		r.logger.Warn("prompt test invocation failed",
			"tenant_id", run.TenantID, "prompt", run.PromptName, "test_run_id", run.ID, "error", invokeErr)
	} else {
		r.logger.Info("prompt test invoked",
			"tenant_id", run.TenantID, "prompt", run.PromptName, "test_run_id", run.ID,
			"call_id", rec.ID, "cost", rec.Cost)
	}
	return rec, nil
}

func (r *Runner) GetTestRun(ctx context.Context, tenantID string, id uuid.UUID) (*models.TestRun, error) {
	run, err := r.store.GetTestRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) || (err == nil && run.TenantID != tenantID) {
		return nil, apperr.NotFound("testrun.GetTestRun", "test run %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func invokeErrorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELLED"
	default:
		return "PROVIDER_ERROR"
	}
}
