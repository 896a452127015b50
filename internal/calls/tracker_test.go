package calls

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/testkit"
)

type trackerFixture struct {
	ctx     context.Context
	clock   *testkit.Clock
	guard   *policy.Guard
	tracker *Tracker
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	st := testkit.NewStore(t)
	clock := testkit.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	a := audit.NewService(st, audit.WithClock(clock.Now))
	g := policy.NewGuard(st, a, policy.WithClock(clock.Now))
	return &trackerFixture{
		ctx:     context.Background(),
		clock:   clock,
		guard:   g,
		tracker: NewTracker(st, g, WithClock(clock.Now)),
	}
}

func resolvedFor(tenantID, model string) *models.ResolvedPromptConfig {
	return &models.ResolvedPromptConfig{
		TenantID:       tenantID,
		SourceTenantID: models.SystemTenant,
		PromptName:     "composite_instruction",
		VersionID:      uuid.New(),
		Version:        4,
		Model:          model,
		IdentityHash:   "identity-" + tenantID,
	}
}

func (f *trackerFixture) start(t *testing.T, tenantID string, owner models.OwnerType) *models.CallRecord {
	t.Helper()
	var (
		rec *models.CallRecord
		err error
	)
	if owner == models.OwnerTestRun {
		rec, err = f.tracker.StartTestCall(f.ctx, uuid.New(), startRequest(tenantID, owner, "gpt-4o"))
	} else {
		rec, err = f.tracker.StartCall(f.ctx, startRequest(tenantID, owner, "gpt-4o"))
	}
	require.NoError(t, err)
	return rec
}

func startRequest(tenantID string, owner models.OwnerType, model string) StartCallRequest {
	return StartCallRequest{
		Owner:     models.Owner{Type: owner, ID: "run-" + tenantID},
		PromptKey: PromptKey{TenantID: tenantID, Name: "composite_instruction"},
		Resolved:  resolvedFor(tenantID, model),
	}
}

func TestStartCall_RecordsSnapshot(t *testing.T) {
	f := newTrackerFixture(t)
	req := startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o")
	req.DedupeHash = "dedupe-1"
	req.Images = []models.ImageDescriptor{{Role: "input", Reference: "s3://a.png", ContentHash: "abc", MimeType: "image/png"}}

	rec, err := f.tracker.StartCall(f.ctx, req)
	require.NoError(t, err)
	assert.Equal(t, models.CallStarted, rec.Status)
	assert.Equal(t, "shop_1", rec.TenantID)
	assert.Equal(t, models.SystemTenant, rec.PromptTenantID)
	assert.Equal(t, req.Resolved.VersionID, rec.VersionID)
	assert.Equal(t, "identity-shop_1", rec.IdentityHash, "identity hash defaults to the snapshot's")
	assert.Equal(t, "dedupe-1", rec.DedupeHash)
	assert.Equal(t, f.clock.Now(), rec.StartedAt)

	var debug map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.DebugPayload, &debug))
	assert.Contains(t, debug, "resolved")
	assert.Contains(t, debug, "images")

	got, err := f.tracker.GetCall(f.ctx, "shop_1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.JSONEq(t, string(rec.DebugPayload), string(got.DebugPayload))
}

func TestStartCall_Validation(t *testing.T) {
	f := newTrackerFixture(t)

	mismatched := startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o")
	mismatched.PromptKey.TenantID = "shop_2"

	badOwner := startRequest("shop_1", "BATCH", "gpt-4o")

	noOwnerID := startRequest("shop_1", models.OwnerAssetOperation, "gpt-4o")
	noOwnerID.Owner.ID = ""

	noResolved := startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o")
	noResolved.Resolved = nil

	for name, req := range map[string]StartCallRequest{
		"key mismatch":  mismatched,
		"bad owner":     badOwner,
		"no owner id":   noOwnerID,
		"no resolution": noResolved,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.tracker.StartCall(f.ctx, req)
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}
}

func TestStartCall_Backpressure(t *testing.T) {
	f := newTrackerFixture(t)
	limit := 2
	_, err := f.guard.UpdateConfig(f.ctx, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: &limit}, "ops")
	require.NoError(t, err)

	first := f.start(t, "shop_1", models.OwnerCompositeRun)
	f.start(t, "shop_1", models.OwnerAssetOperation)

	_, err = f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o"))
	assert.True(t, apperr.Is(err, apperr.KindBackpressure), "got %v", err)
	_, ok := apperr.RetryAfterOf(err)
	assert.True(t, ok)

	// Test runs are admitted regardless and do not take a slot.
	f.start(t, "shop_1", models.OwnerTestRun)

	// Other tenants are unaffected.
	f.start(t, "shop_2", models.OwnerCompositeRun)

	_, err = f.tracker.CompleteCallFailure(f.ctx, first.ID, "PROVIDER_ERROR", "boom")
	require.NoError(t, err)
	f.start(t, "shop_1", models.OwnerCompositeRun)
}

func TestStartCall_RejectsTestRunOwner(t *testing.T) {
	f := newTrackerFixture(t)
	limit := 1
	_, err := f.guard.UpdateConfig(f.ctx, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: &limit}, "ops")
	require.NoError(t, err)

	for range 3 {
		_, err := f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerTestRun, "gpt-4o"))
		assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
	}

	calls, err := f.tracker.ListCalls(f.ctx, "shop_1", "", 0)
	require.NoError(t, err)
	assert.Empty(t, calls)

	f.start(t, "shop_1", models.OwnerCompositeRun)
	_, err = f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o"))
	assert.True(t, apperr.Is(err, apperr.KindBackpressure), "got %v", err)
}

func TestStartTestCall_ForcesOwner(t *testing.T) {
	f := newTrackerFixture(t)
	runID := uuid.New()

	rec, err := f.tracker.StartTestCall(f.ctx, runID, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, models.OwnerTestRun, rec.OwnerType)
	assert.Equal(t, runID.String(), rec.OwnerID)
}

func TestStartCall_ModelOutsideAllowList(t *testing.T) {
	f := newTrackerFixture(t)
	allow := []string{"gpt-4o-mini"}
	_, err := f.guard.UpdateConfig(f.ctx, "shop_1", models.RuntimeConfigPatch{ModelAllowList: &allow}, "ops")
	require.NoError(t, err)

	_, err = f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o"))
	assert.True(t, apperr.Is(err, apperr.KindPolicyViolation), "got %v", err)

	_, err = f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o-mini"))
	require.NoError(t, err)
}

func TestStartCall_ConcurrentAdmissionHonorsCap(t *testing.T) {
	f := newTrackerFixture(t)
	limit := 3
	_, err := f.guard.UpdateConfig(f.ctx, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: &limit}, "ops")
	require.NoError(t, err)

	const attempts = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o"))
			if err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
				return
			}
			assert.True(t, apperr.Is(err, apperr.KindBackpressure), "got %v", err)
		}()
	}
	wg.Wait()
	assert.Equal(t, limit, admitted)
}

func TestStartCall_BudgetExceeded(t *testing.T) {
	f := newTrackerFixture(t)
	capUSD := 0.01
	_, err := f.guard.UpdateConfig(f.ctx, "shop_1", models.RuntimeConfigPatch{DailyCostCap: &capUSD}, "ops")
	require.NoError(t, err)

	rec := f.start(t, "shop_1", models.OwnerCompositeRun)
	cost := 0.02
	_, err = f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{Cost: &cost})
	require.NoError(t, err)

	_, err = f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o"))
	assert.True(t, apperr.Is(err, apperr.KindBudgetExceeded), "got %v", err)

	f.start(t, "shop_1", models.OwnerTestRun)
}

func TestCompleteCall_TerminalOnce(t *testing.T) {
	f := newTrackerFixture(t)
	rec := f.start(t, "shop_1", models.OwnerCompositeRun)
	f.clock.Advance(1500 * time.Millisecond)

	done, err := f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{
		OutputSummary: "ok",
		TokensIn:      1000,
		TokensOut:     2000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.CallSucceeded, done.Status)
	assert.InDelta(t, 0.005+0.03, done.Cost, 1e-9, "nil cost is estimated from the pricing table")
	assert.Equal(t, int64(1500), done.LatencyMs, "nil latency is measured from start")
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, f.clock.Now(), *done.CompletedAt)

	_, err = f.tracker.CompleteCallFailure(f.ctx, rec.ID, "PROVIDER_ERROR", "late")
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)
	_, err = f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{})
	assert.True(t, apperr.Is(err, apperr.KindConflict), "got %v", err)

	got, err := f.tracker.GetCall(f.ctx, "shop_1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallSucceeded, got.Status)
	assert.Equal(t, "ok", got.OutputSummary)
}

func TestCompleteCallSuccess_ExplicitValues(t *testing.T) {
	f := newTrackerFixture(t)
	rec, err := f.tracker.StartCall(f.ctx, startRequest("shop_1", models.OwnerAssetOperation, "dall-e-3"))
	require.NoError(t, err)

	estimated, err := f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{})
	require.NoError(t, err)
	assert.InDelta(t, 0.04, estimated.Cost, 1e-9, "image models are priced per image")

	rec = f.start(t, "shop_1", models.OwnerCompositeRun)
	cost, latency := 1.25, int64(42)
	done, err := f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{
		OutputSummary: strings.Repeat("x", maxSummaryLen+10),
		Cost:          &cost,
		LatencyMs:     &latency,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.25, done.Cost)
	assert.Equal(t, int64(42), done.LatencyMs)
	assert.Len(t, done.OutputSummary, maxSummaryLen)

	negative := -1.0
	_, err = f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{Cost: &negative})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
}

func TestCompleteCall_TruncatesOnRuneBoundary(t *testing.T) {
	f := newTrackerFixture(t)
	long := "a" + strings.Repeat("é", 1500)

	rec := f.start(t, "shop_1", models.OwnerCompositeRun)
	done, err := f.tracker.CompleteCallSuccess(f.ctx, rec.ID, Success{OutputSummary: long})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(done.OutputSummary))
	assert.Len(t, done.OutputSummary, maxSummaryLen-1)

	rec = f.start(t, "shop_1", models.OwnerCompositeRun)
	failed, err := f.tracker.CompleteCallFailure(f.ctx, rec.ID, "PROVIDER_ERROR", long)
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(failed.ErrorMessage))
	assert.True(t, strings.HasPrefix(long, failed.ErrorMessage))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本語", 4, "日"},
		{"日本語", 6, "日本"},
		{"é", 1, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.n), "Truncate(%q, %d)", tt.in, tt.n)
	}
}

func TestCompleteCall_NotFound(t *testing.T) {
	f := newTrackerFixture(t)

	_, err := f.tracker.CompleteCallSuccess(f.ctx, uuid.New(), Success{})
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)
	_, err = f.tracker.CompleteCallFailure(f.ctx, uuid.New(), "PROVIDER_ERROR", "x")
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "got %v", err)

	rec := f.start(t, "shop_1", models.OwnerCompositeRun)
	_, err = f.tracker.CompleteCallFailure(f.ctx, rec.ID, "", "x")
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)

	_, err = f.tracker.GetCall(f.ctx, "shop_2", rec.ID)
	assert.True(t, apperr.Is(err, apperr.KindNotFound), "calls are invisible across tenants")
}

func TestSweepTimeouts(t *testing.T) {
	f := newTrackerFixture(t)
	stale := f.start(t, "shop_1", models.OwnerCompositeRun)
	done := f.start(t, "shop_1", models.OwnerAssetOperation)
	_, err := f.tracker.CompleteCallFailure(f.ctx, done.ID, "PROVIDER_ERROR", "x")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	fresh := f.start(t, "shop_2", models.OwnerCompositeRun)
	f.clock.Advance(time.Minute)

	n, err := f.tracker.SweepTimeouts(f.ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.tracker.GetCall(f.ctx, "shop_1", stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallTimeout, got.Status)
	assert.Equal(t, "TIMEOUT", got.ErrorType)
	require.NotNil(t, got.CompletedAt)

	got, err = f.tracker.GetCall(f.ctx, "shop_2", fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CallStarted, got.Status)

	_, err = f.tracker.CompleteCallSuccess(f.ctx, stale.ID, Success{})
	assert.True(t, apperr.Is(err, apperr.KindConflict), "a timed-out call accepts no late write")

	_, err = f.tracker.SweepTimeouts(f.ctx, 0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestStartCall_DuplicateDedupeHashAllowed(t *testing.T) {
	f := newTrackerFixture(t)
	req := startRequest("shop_1", models.OwnerCompositeRun, "gpt-4o")
	req.DedupeHash = "same"

	a, err := f.tracker.StartCall(f.ctx, req)
	require.NoError(t, err)
	b, err := f.tracker.StartCall(f.ctx, req)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.DedupeHash, b.DedupeHash)
}

func TestListCalls(t *testing.T) {
	f := newTrackerFixture(t)
	first := f.start(t, "shop_1", models.OwnerCompositeRun)
	f.clock.Advance(time.Second)
	second := f.start(t, "shop_1", models.OwnerCompositeRun)
	f.start(t, "shop_2", models.OwnerCompositeRun)
	_, err := f.tracker.CompleteCallFailure(f.ctx, first.ID, "PROVIDER_ERROR", "x")
	require.NoError(t, err)

	all, err := f.tracker.ListCalls(f.ctx, "shop_1", "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID, "newest first")

	failed, err := f.tracker.ListCalls(f.ctx, "shop_1", models.CallFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, first.ID, failed[0].ID)

	none, err := f.tracker.ListCalls(f.ctx, "shop_3", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = f.tracker.ListCalls(f.ctx, "shop_1", "PENDING", 10)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	f := newTrackerFixture(t)
	f.start(t, "shop_1", models.OwnerCompositeRun)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(f.ctx)
	done := make(chan struct{})
	go func() {
		NewSweeper(f.tracker, 10*time.Millisecond, time.Minute).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		recs, err := f.tracker.ListCalls(f.ctx, "shop_1", models.CallTimeout, 10)
		return err == nil && len(recs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
