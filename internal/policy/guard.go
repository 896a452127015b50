// Package policy holds the per-tenant runtime configuration and the admission
// checks derived from it.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/cache"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

// Bounds accepted by UpdateConfig.
const (
	MinConcurrency     = 1
	MaxConcurrency     = 100
	MaxDailyCostCap    = 100_000.0
	MaxTokensOutputCap = 200_000
	MaxImageBytesCap   = 100_000_000
)

// BackpressureRetryAfter is the back-off hint attached to concurrency rejections.
const BackpressureRetryAfter = 2 * time.Second

// Cache is the optional read-through cache for runtime configs. Readers
// only Add, so a reader holding a pre-update row can never overwrite the
// config that UpdateConfig Sets after commit.
type Cache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Add(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
}

type Guard struct {
	store    store.Store
	audit    *audit.Service
	cache    Cache
	cacheTTL time.Duration
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Guard)

func WithCache(c Cache, ttl time.Duration) Option {
	return func(g *Guard) {
		g.cache = c
		g.cacheTTL = ttl
	}
}

// WithLocation sets the time zone whose midnight resets the daily cost window.
func WithLocation(loc *time.Location) Option {
	return func(g *Guard) { g.loc = loc }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

func NewGuard(s store.Store, a *audit.Service, opts ...Option) *Guard {
	g := &Guard{
		store:  s,
		audit:  a,
		loc:    time.UTC,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func cacheKey(tenantID string) string {
	return "runtime_config:" + tenantID
}

// GetOrCreate returns the tenant's config, materializing defaults on first access.
func (g *Guard) GetOrCreate(ctx context.Context, tenantID string) (*models.RuntimeConfig, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Validation("policy.GetOrCreate", "tenant is required")
	}

	if g.cache != nil {
		var cached models.RuntimeConfig
		err := g.cache.Get(ctx, cacheKey(tenantID), &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			g.logger.Warn("runtime config cache read failed", "tenant_id", tenantID, "error", err)
		}
	}

	cfg, err := g.loadOrInit(ctx, g.store, tenantID)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if _, err := g.cache.Add(ctx, cacheKey(tenantID), cfg, g.cacheTTL); err != nil {
			g.logger.Warn("runtime config cache write failed", "tenant_id", tenantID, "error", err)
		}
	}
	return cfg, nil
}

func (g *Guard) loadOrInit(ctx context.Context, q store.RuntimeConfigStore, tenantID string) (*models.RuntimeConfig, error) {
	cfg, err := q.GetRuntimeConfig(ctx, tenantID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("get runtime config: %w", err)
	}

	defaults := models.DefaultRuntimeConfig(tenantID, g.timestamp())
	if err := q.InsertRuntimeConfig(ctx, &defaults); err != nil {
		return nil, fmt.Errorf("init runtime config: %w", err)
	}
	// Re-read: a concurrent initializer may have won the insert.
	cfg, err = q.GetRuntimeConfig(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get runtime config: %w", err)
	}
	g.logger.Info("runtime config initialized", "tenant_id", tenantID)
	return cfg, nil
}

func (g *Guard) timestamp() time.Time {
	return g.now().UTC().Truncate(time.Microsecond)
}

// CheckConcurrency rejects when the tenant already has MaxConcurrency calls in flight.
func (g *Guard) CheckConcurrency(ctx context.Context, tenantID string) error {
	cfg, err := g.GetOrCreate(ctx, tenantID)
	if err != nil {
		return err
	}
	return g.checkConcurrency(ctx, g.store, cfg)
}

func (g *Guard) checkConcurrency(ctx context.Context, q store.CallStore, cfg *models.RuntimeConfig) error {
	started, err := q.CountStartedCalls(ctx, cfg.TenantID)
	if err != nil {
		return err
	}
	if started >= cfg.MaxConcurrency {
		return &apperr.Error{
			Kind:       apperr.KindBackpressure,
			Op:         "policy.CheckConcurrency",
			Message:    fmt.Sprintf("tenant %s has %d calls in flight (max %d)", cfg.TenantID, started, cfg.MaxConcurrency),
			RetryAfter: BackpressureRetryAfter,
		}
	}
	return nil
}

// CheckDailyCost rejects when today's spend has reached DailyCostCap.
func (g *Guard) CheckDailyCost(ctx context.Context, tenantID string) error {
	cfg, err := g.GetOrCreate(ctx, tenantID)
	if err != nil {
		return err
	}
	return g.checkDailyCost(ctx, g.store, cfg)
}

func (g *Guard) checkDailyCost(ctx context.Context, q store.CallStore, cfg *models.RuntimeConfig) error {
	now := g.now().In(g.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.loc)

	spent, err := q.SumSucceededCost(ctx, cfg.TenantID, midnight)
	if err != nil {
		return err
	}
	if spent >= cfg.DailyCostCap {
		return &apperr.Error{
			Kind:       apperr.KindBudgetExceeded,
			Op:         "policy.CheckDailyCost",
			Message:    fmt.Sprintf("tenant %s spent %.4f of daily cap %.4f", cfg.TenantID, spent, cfg.DailyCostCap),
			RetryAfter: midnight.AddDate(0, 0, 1).Sub(now),
		}
	}
	return nil
}

// CheckImages enforces MaxImageBytesCap on each image and on the total.
func CheckImages(cfg *models.RuntimeConfig, images []models.ImageDescriptor) error {
	var total int64
	for _, img := range images {
		if img.SizeBytes < 0 {
			return apperr.Validation("policy.CheckImages", "image %d has negative size", img.Index)
		}
		if img.SizeBytes > cfg.MaxImageBytesCap {
			return apperr.PolicyViolation("policy.CheckImages",
				"image %d is %d bytes, cap is %d", img.Index, img.SizeBytes, cfg.MaxImageBytesCap)
		}
		total += img.SizeBytes
	}
	if total > cfg.MaxImageBytesCap {
		return apperr.PolicyViolation("policy.CheckImages",
			"images total %d bytes, cap is %d", total, cfg.MaxImageBytesCap)
	}
	return nil
}

// Admit runs the admission checks inside tx after taking the tenant's
// admission lock, so concurrent admissions observe each other's inserts.
func (g *Guard) Admit(ctx context.Context, tx store.Tx, tenantID string) (*models.RuntimeConfig, error) {
	if err := tx.LockAdmission(ctx, tenantID); err != nil {
		return nil, err
	}
	cfg, err := g.loadOrInit(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := g.checkConcurrency(ctx, tx, cfg); err != nil {
		return nil, err
	}
	if err := g.checkDailyCost(ctx, tx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EffectiveModel picks the model a call will use. The force model always
// wins; an override the allow-list rejects is dropped with a warning.
func EffectiveModel(cfg *models.RuntimeConfig, override, versionModel, defaultModel string) (string, []string, error) {
	var warnings []string
	var model string

	switch {
	case cfg.ForceFallbackModel != nil && *cfg.ForceFallbackModel != "":
		model = *cfg.ForceFallbackModel
		if override != "" && override != model {
			warnings = append(warnings, fmt.Sprintf("model override %q ignored: tenant forces %q", override, model))
		}
	case override != "" && cfg.Allows(override):
		model = override
	default:
		if override != "" {
			warnings = append(warnings, fmt.Sprintf("model override %q is not in the allow-list", override))
		}
		model = versionModel
		if model == "" {
			model = defaultModel
		}
	}

	if model == "" {
		return "", warnings, apperr.Validation("policy.EffectiveModel", "no model configured")
	}
	if !cfg.Allows(model) {
		return "", warnings, apperr.PolicyViolation("policy.EffectiveModel",
			"model %q is not allowed for tenant %s", model, cfg.TenantID)
	}
	return model, warnings, nil
}

// ClampParams caps max_output_tokens at MaxTokensOutputCap.
func ClampParams(cfg *models.RuntimeConfig, p models.Params) (models.Params, []string) {
	if p.MaxOutputTokens == nil || *p.MaxOutputTokens <= cfg.MaxTokensOutputCap {
		return p, nil
	}
	requested := *p.MaxOutputTokens
	capped := cfg.MaxTokensOutputCap
	p.MaxOutputTokens = &capped
	return p, []string{fmt.Sprintf("max_output_tokens %d clamped to %d", requested, capped)}
}

// UpdateConfig validates and applies patch, writing a RUNTIME_UPDATE entry in
// the same transaction.
func (g *Guard) UpdateConfig(ctx context.Context, tenantID string, patch models.RuntimeConfigPatch, actor string) (*models.RuntimeConfig, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, apperr.Validation("policy.UpdateConfig", "tenant is required")
	}
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Validation("policy.UpdateConfig", "actor is required")
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	var updated *models.RuntimeConfig
	err := g.store.WithTx(ctx, func(tx store.Tx) error {
		current, err := g.loadOrInit(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		before := cloneConfig(current)
		next := applyPatch(cloneConfig(current), patch)
		next.UpdatedBy = actor
		next.UpdatedAt = g.timestamp()

		if err := tx.UpdateRuntimeConfig(ctx, next); err != nil {
			return fmt.Errorf("update runtime config: %w", err)
		}
		if _, err := g.audit.Append(ctx, tx, audit.Entry{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     models.AuditRuntimeUpdate,
			TargetType: models.TargetRuntimeConfig,
			TargetID:   tenantID,
			Before:     before,
			After:      next,
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		g.refreshCache(ctx, updated)
	}
	g.logger.Info("runtime config updated", "tenant_id", tenantID, "actor", actor)
	return updated, nil
}

// refreshCache replaces the cached config with the committed one, dropping
// the entry when the write fails.
func (g *Guard) refreshCache(ctx context.Context, cfg *models.RuntimeConfig) {
	key := cacheKey(cfg.TenantID)
	err := g.cache.Set(ctx, key, cfg, g.cacheTTL)
	if err == nil {
		return
	}
	g.logger.Warn("runtime config cache write failed", "tenant_id", cfg.TenantID, "error", err)
	if err := g.cache.Delete(ctx, key); err != nil {
		g.logger.Warn("runtime config cache invalidation failed", "tenant_id", cfg.TenantID, "error", err)
	}
}

func validatePatch(p models.RuntimeConfigPatch) error {
	const op = "policy.UpdateConfig"
	empty := p.MaxConcurrency == nil && p.ForceFallbackModel == nil && p.ModelAllowList == nil &&
		p.MaxTokensOutputCap == nil && p.MaxImageBytesCap == nil && p.DailyCostCap == nil &&
		p.DisabledPromptNames == nil
	if empty {
		return apperr.Validation(op, "patch has no fields")
	}
	if p.MaxConcurrency != nil && (*p.MaxConcurrency < MinConcurrency || *p.MaxConcurrency > MaxConcurrency) {
		return apperr.Validation(op, "max_concurrency must be within [%d, %d]", MinConcurrency, MaxConcurrency)
	}
	if p.DailyCostCap != nil && (*p.DailyCostCap < 0 || *p.DailyCostCap > MaxDailyCostCap) {
		return apperr.Validation(op, "daily_cost_cap must be within [0, %.0f]", MaxDailyCostCap)
	}
	if p.MaxTokensOutputCap != nil && (*p.MaxTokensOutputCap < 1 || *p.MaxTokensOutputCap > MaxTokensOutputCap) {
		return apperr.Validation(op, "max_tokens_output_cap must be within [1, %d]", MaxTokensOutputCap)
	}
	if p.MaxImageBytesCap != nil && (*p.MaxImageBytesCap < 1 || *p.MaxImageBytesCap > MaxImageBytesCap) {
		return apperr.Validation(op, "max_image_bytes_cap must be within [1, %d]", MaxImageBytesCap)
	}
	if p.ModelAllowList != nil {
		if err := validateList("model_allow_list", *p.ModelAllowList); err != nil {
			return err
		}
	}
	if p.DisabledPromptNames != nil {
		if err := validateList("disabled_prompt_names", *p.DisabledPromptNames); err != nil {
			return err
		}
	}
	return nil
}

func validateList(field string, values []string) error {
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return apperr.Validation("policy.UpdateConfig", "%s contains a blank entry", field)
		}
		if seen[v] {
			return apperr.Validation("policy.UpdateConfig", "%s contains %q twice", field, v)
		}
		seen[v] = true
	}
	return nil
}

func applyPatch(c *models.RuntimeConfig, p models.RuntimeConfigPatch) *models.RuntimeConfig {
	if p.MaxConcurrency != nil {
		c.MaxConcurrency = *p.MaxConcurrency
	}
	if p.ForceFallbackModel != nil {
		if m := strings.TrimSpace(*p.ForceFallbackModel); m == "" {
			c.ForceFallbackModel = nil
		} else {
			c.ForceFallbackModel = &m
		}
	}
	if p.ModelAllowList != nil {
		c.ModelAllowList = slices.Clone(*p.ModelAllowList)
	}
	if p.MaxTokensOutputCap != nil {
		c.MaxTokensOutputCap = *p.MaxTokensOutputCap
	}
	if p.MaxImageBytesCap != nil {
		c.MaxImageBytesCap = *p.MaxImageBytesCap
	}
	if p.DailyCostCap != nil {
		c.DailyCostCap = *p.DailyCostCap
	}
	if p.DisabledPromptNames != nil {
		c.DisabledPromptNames = slices.Clone(*p.DisabledPromptNames)
	}
	return c
}

func cloneConfig(c *models.RuntimeConfig) *models.RuntimeConfig {
	cp := *c
	if c.ForceFallbackModel != nil {
		m := *c.ForceFallbackModel
		cp.ForceFallbackModel = &m
	}
	cp.ModelAllowList = append([]string{}, c.ModelAllowList...)
	cp.DisabledPromptNames = append([]string{}, c.DisabledPromptNames...)
	return &cp
}
