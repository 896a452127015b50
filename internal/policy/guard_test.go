package policy

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/cache"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
	"github.com/nikhilbhutani/promptplane/internal/store/sqlite"
	"github.com/nikhilbhutani/promptplane/internal/testkit"
)

type memCache struct {
	mu      sync.Mutex
	items   map[string][]byte
	deletes int
	sets    int
	// beforeAdd runs before an Add takes effect, outside the lock.
	beforeAdd func()
}

func newMemCache() *memCache {
	return &memCache{items: make(map[string][]byte)}
}

func (c *memCache) Get(_ context.Context, key string, dest any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.items[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, dest)
}

func (c *memCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = data
	c.sets++
	return nil
}

func (c *memCache) Add(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if hook := c.beforeAdd; hook != nil {
		c.beforeAdd = nil
		hook()
	}
	data, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		return false, nil
	}
	c.items[key] = data
	return true, nil
}

func (c *memCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.items, k)
	}
	c.deletes++
	return nil
}

type guardFixture struct {
	ctx   context.Context
	store *sqlite.Store
	clock *testkit.Clock
	audit *audit.Service
	guard *Guard
}

func newGuardFixture(t *testing.T, opts ...Option) *guardFixture {
	t.Helper()
	st := testkit.NewStore(t)
	clock := testkit.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	a := audit.NewService(st, audit.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &guardFixture{
		ctx:   context.Background(),
		store: st,
		clock: clock,
		audit: a,
		guard: NewGuard(st, a, opts...),
	}
}

// insertCall writes a call record directly, bypassing admission.
func (f *guardFixture) insertCall(t *testing.T, tenantID string, owner models.OwnerType, status models.CallStatus, cost float64, completedAt time.Time) {
	t.Helper()
	rec := &models.CallRecord{
		ID:             uuid.New(),
		TenantID:       tenantID,
		OwnerType:      owner,
		OwnerID:        "owner-1",
		PromptName:     "extractor",
		PromptTenantID: tenantID,
		VersionID:      uuid.New(),
		Model:          "gpt-4o",
		IdentityHash:   "hash",
		Status:         status,
		StartedAt:      completedAt.Add(-time.Second),
	}
	if status.Terminal() {
		rec.CompletedAt = &completedAt
		rec.Cost = cost
	}
	require.NoError(t, f.store.InsertCallRecord(f.ctx, rec))
}

func (f *guardFixture) update(t *testing.T, tenantID string, patch models.RuntimeConfigPatch) *models.RuntimeConfig {
	t.Helper()
	cfg, err := f.guard.UpdateConfig(f.ctx, tenantID, patch, "ops@example.com")
	require.NoError(t, err)
	return cfg
}

func intPtr(v int) *int             { return &v }
func floatPtr(v float64) *float64   { return &v }
func strPtr(v string) *string       { return &v }
func listPtr(v ...string) *[]string { return &v }

func TestGetOrCreate_MaterializesDefaults(t *testing.T) {
	f := newGuardFixture(t)

	cfg, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, "shop_1", cfg.TenantID)
	assert.Equal(t, models.DefaultMaxConcurrency, cfg.MaxConcurrency)
	assert.Equal(t, models.DefaultDailyCostCap, cfg.DailyCostCap)
	assert.Equal(t, models.DefaultMaxTokensOutputCap, cfg.MaxTokensOutputCap)
	assert.Equal(t, int64(models.DefaultMaxImageBytesCap), cfg.MaxImageBytesCap)
	assert.Nil(t, cfg.ForceFallbackModel)
	assert.Empty(t, cfg.ModelAllowList)
	assert.Empty(t, cfg.DisabledPromptNames)

	again, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, cfg.CreatedAt, again.CreatedAt)

	page, err := f.audit.List(f.ctx, "shop_1", audit.Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries, "materializing defaults is not an audited mutation")

	_, err = f.guard.GetOrCreate(f.ctx, " ")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestCheckConcurrency(t *testing.T) {
	f := newGuardFixture(t)
	f.update(t, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: intPtr(2)})
	now := f.clock.Now()

	f.insertCall(t, "shop_1", models.OwnerCompositeRun, models.CallStarted, 0, now)
	f.insertCall(t, "shop_1", models.OwnerTestRun, models.CallStarted, 0, now)
	f.insertCall(t, "shop_1", models.OwnerAssetOperation, models.CallSucceeded, 0.1, now)
	f.insertCall(t, "shop_2", models.OwnerCompositeRun, models.CallStarted, 0, now)
	require.NoError(t, f.guard.CheckConcurrency(f.ctx, "shop_1"))

	f.insertCall(t, "shop_1", models.OwnerAssetOperation, models.CallStarted, 0, now)
	err := f.guard.CheckConcurrency(f.ctx, "shop_1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBackpressure), "got %v", err)
	retry, ok := apperr.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, BackpressureRetryAfter, retry)
}

func TestCheckDailyCost(t *testing.T) {
	f := newGuardFixture(t, WithLocation(time.FixedZone("EST", -5*60*60)))
	f.update(t, "shop_1", models.RuntimeConfigPatch{DailyCostCap: floatPtr(1.0)})

	// 09:00 UTC is 04:00 EST; local midnight was 05:00 UTC.
	now := f.clock.Now()
	f.insertCall(t, "shop_1", models.OwnerCompositeRun, models.CallSucceeded, 0.6, now.Add(-5*time.Hour))
	f.insertCall(t, "shop_1", models.OwnerCompositeRun, models.CallSucceeded, 0.3, now.Add(-time.Hour))
	f.insertCall(t, "shop_1", models.OwnerCompositeRun, models.CallFailed, 5, now.Add(-time.Hour))
	f.insertCall(t, "shop_1", models.OwnerTestRun, models.CallSucceeded, 5, now.Add(-time.Hour))
	require.NoError(t, f.guard.CheckDailyCost(f.ctx, "shop_1"))

	f.insertCall(t, "shop_1", models.OwnerAssetOperation, models.CallSucceeded, 0.7, now.Add(-time.Minute))
	err := f.guard.CheckDailyCost(f.ctx, "shop_1")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBudgetExceeded), "got %v", err)
	assert.True(t, apperr.IsPolicy(err))
	retry, ok := apperr.RetryAfterOf(err)
	require.True(t, ok)
	assert.Equal(t, 20*time.Hour, retry)

	f.clock.Advance(20 * time.Hour)
	assert.NoError(t, f.guard.CheckDailyCost(f.ctx, "shop_1"), "the window resets at local midnight")
}

func TestCheckDailyCost_ZeroCapBlocks(t *testing.T) {
	f := newGuardFixture(t)
	f.update(t, "shop_1", models.RuntimeConfigPatch{DailyCostCap: floatPtr(0)})

	err := f.guard.CheckDailyCost(f.ctx, "shop_1")
	assert.True(t, apperr.Is(err, apperr.KindBudgetExceeded), "got %v", err)
}

func TestCheckImages(t *testing.T) {
	cfg := &models.RuntimeConfig{MaxImageBytesCap: 100}

	assert.NoError(t, CheckImages(cfg, nil))
	assert.NoError(t, CheckImages(cfg, []models.ImageDescriptor{{SizeBytes: 60}, {SizeBytes: 40}}))

	err := CheckImages(cfg, []models.ImageDescriptor{{SizeBytes: 101}})
	assert.True(t, apperr.Is(err, apperr.KindPolicyViolation), "got %v", err)

	err = CheckImages(cfg, []models.ImageDescriptor{{SizeBytes: 60}, {SizeBytes: 41, Index: 1}})
	assert.True(t, apperr.Is(err, apperr.KindPolicyViolation), "got %v", err)

	err = CheckImages(cfg, []models.ImageDescriptor{{SizeBytes: -1}})
	assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
}

func TestEffectiveModel(t *testing.T) {
	tests := []struct {
		name     string
		cfg      models.RuntimeConfig
		override string
		version  string
		def      string
		want     string
		warnings int
		kind     apperr.Kind
	}{
		{name: "version model", version: "gpt-4o", want: "gpt-4o"},
		{name: "definition default", def: "gpt-4o-mini", want: "gpt-4o-mini"},
		{name: "override allowed by empty list", override: "o1", version: "gpt-4o", want: "o1"},
		{
			name:     "override outside allow-list",
			cfg:      models.RuntimeConfig{ModelAllowList: []string{"gpt-4o"}},
			override: "o1", version: "gpt-4o", want: "gpt-4o", warnings: 1,
		},
		{
			name:     "force wins",
			cfg:      models.RuntimeConfig{ForceFallbackModel: strPtr("safe")},
			override: "o1", version: "gpt-4o", want: "safe", warnings: 1,
		},
		{
			name:     "force equal to override",
			cfg:      models.RuntimeConfig{ForceFallbackModel: strPtr("safe")},
			override: "safe", version: "gpt-4o", want: "safe",
		},
		{
			name:    "force outside allow-list",
			cfg:     models.RuntimeConfig{ForceFallbackModel: strPtr("safe"), ModelAllowList: []string{"gpt-4o"}},
			version: "gpt-4o", kind: apperr.KindPolicyViolation,
		},
		{
			name:    "version model outside allow-list",
			cfg:     models.RuntimeConfig{ModelAllowList: []string{"model-pro"}},
			version: "model-fast", kind: apperr.KindPolicyViolation,
		},
		{name: "no model", kind: apperr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, warnings, err := EffectiveModel(&tt.cfg, tt.override, tt.version, tt.def)
			if tt.kind != "" {
				assert.True(t, apperr.Is(err, tt.kind), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, warnings, tt.warnings)
		})
	}
}

func TestClampParams(t *testing.T) {
	cfg := &models.RuntimeConfig{MaxTokensOutputCap: 1000}

	p, warnings := ClampParams(cfg, models.Params{})
	assert.Nil(t, p.MaxOutputTokens)
	assert.Empty(t, warnings)

	p, warnings = ClampParams(cfg, models.Params{MaxOutputTokens: intPtr(1000)})
	assert.Equal(t, 1000, *p.MaxOutputTokens)
	assert.Empty(t, warnings)

	original := intPtr(4000)
	p, warnings = ClampParams(cfg, models.Params{MaxOutputTokens: original})
	assert.Equal(t, 1000, *p.MaxOutputTokens)
	assert.Equal(t, 4000, *original, "the caller's params are not mutated")
	assert.Equal(t, []string{"max_output_tokens 4000 clamped to 1000"}, warnings)
}

func TestUpdateConfig_AuditsBeforeAndAfter(t *testing.T) {
	f := newGuardFixture(t)

	cfg := f.update(t, "shop_1", models.RuntimeConfigPatch{
		ForceFallbackModel:  strPtr("model-safe"),
		DisabledPromptNames: listPtr("composite_instruction"),
	})
	assert.Equal(t, "model-safe", *cfg.ForceFallbackModel)
	assert.Equal(t, []string{"composite_instruction"}, cfg.DisabledPromptNames)
	assert.Equal(t, "ops@example.com", cfg.UpdatedBy)
	assert.Equal(t, models.DefaultMaxConcurrency, cfg.MaxConcurrency, "unpatched fields keep their values")

	f.clock.Advance(time.Minute)
	cfg = f.update(t, "shop_1", models.RuntimeConfigPatch{ForceFallbackModel: strPtr("")})
	assert.Nil(t, cfg.ForceFallbackModel)

	stored, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Nil(t, stored.ForceFallbackModel)
	assert.Equal(t, []string{"composite_instruction"}, stored.DisabledPromptNames)

	page, err := f.audit.List(f.ctx, "shop_1", audit.Query{})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)

	latest := page.Entries[0]
	assert.Equal(t, models.AuditRuntimeUpdate, latest.Action)
	assert.Equal(t, "shop_1", latest.TargetID)
	var before, after models.RuntimeConfig
	require.NoError(t, json.Unmarshal(latest.Before, &before))
	require.NoError(t, json.Unmarshal(latest.After, &after))
	require.NotNil(t, before.ForceFallbackModel)
	assert.Equal(t, "model-safe", *before.ForceFallbackModel)
	assert.Nil(t, after.ForceFallbackModel)
}

func TestUpdateConfig_RejectsInvalidPatches(t *testing.T) {
	f := newGuardFixture(t)

	patches := map[string]models.RuntimeConfigPatch{
		"empty":              {},
		"zero concurrency":   {MaxConcurrency: intPtr(0)},
		"huge concurrency":   {MaxConcurrency: intPtr(MaxConcurrency + 1)},
		"negative cost cap":  {DailyCostCap: floatPtr(-1)},
		"zero token cap":     {MaxTokensOutputCap: intPtr(0)},
		"blank allow entry":  {ModelAllowList: listPtr("gpt-4o", " ")},
		"duplicate disabled": {DisabledPromptNames: listPtr("a", "a")},
	}
	for name, patch := range patches {
		t.Run(name, func(t *testing.T) {
			_, err := f.guard.UpdateConfig(f.ctx, "shop_1", patch, "ops")
			assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
		})
	}

	_, err := f.guard.UpdateConfig(f.ctx, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: intPtr(3)}, "")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	page, err := f.audit.List(f.ctx, "shop_1", audit.Query{})
	require.NoError(t, err)
	assert.Empty(t, page.Entries, "rejected patches leave no trail")
}

func TestGuard_CacheIsRefreshedOnUpdate(t *testing.T) {
	c := newMemCache()
	f := newGuardFixture(t, WithCache(c, time.Minute))

	cfg, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultMaxConcurrency, cfg.MaxConcurrency)
	assert.Contains(t, c.items, cacheKey("shop_1"))

	f.update(t, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: intPtr(9)})
	assert.Equal(t, 1, c.sets)
	assert.Zero(t, c.deletes)

	cfg, err = f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrency)
}

func TestGuard_StaleReadDoesNotOverwriteUpdate(t *testing.T) {
	c := newMemCache()
	f := newGuardFixture(t, WithCache(c, time.Minute))
	_, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	require.NoError(t, c.Delete(f.ctx, cacheKey("shop_1")))

	// The reader has loaded the pre-update row when the update commits.
	c.beforeAdd = func() {
		f.update(t, "shop_1", models.RuntimeConfigPatch{ModelAllowList: listPtr("model-pro")})
	}
	stale, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Empty(t, stale.ModelAllowList)

	cfg, err := f.guard.GetOrCreate(f.ctx, "shop_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"model-pro"}, cfg.ModelAllowList)
}

func TestAdmit(t *testing.T) {
	f := newGuardFixture(t)
	f.update(t, "shop_1", models.RuntimeConfigPatch{MaxConcurrency: intPtr(1)})

	err := f.store.WithTx(f.ctx, func(tx store.Tx) error {
		_, err := f.guard.Admit(f.ctx, tx, "shop_1")
		return err
	})
	require.NoError(t, err)

	f.insertCall(t, "shop_1", models.OwnerCompositeRun, models.CallStarted, 0, f.clock.Now())
	err = f.store.WithTx(f.ctx, func(tx store.Tx) error {
		_, err := f.guard.Admit(f.ctx, tx, "shop_1")
		return err
	})
	assert.True(t, apperr.Is(err, apperr.KindBackpressure), "got %v", err)
}
