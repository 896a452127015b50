package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

type Resolver struct {
	store store.Store
	guard *policy.Guard
	settings
}

func NewResolver(s store.Store, g *policy.Guard, opts ...Option) *Resolver {
	return &Resolver{store: s, guard: g, settings: newSettings(opts)}
}

type ResolveOptions struct {
	Overrides *models.Overrides
	Images    []models.ImageDescriptor

	// AllowDisabled and PinnedVersionID are reserved for isolated test runs.
	AllowDisabled   bool
	PinnedVersionID *uuid.UUID
}

// ResolvePrompt turns (tenant, name, variables) into a rendered snapshot. The
// tenant's ACTIVE version wins; otherwise the SYSTEM tenant's ACTIVE version
// of the same name is used.
func (r *Resolver) ResolvePrompt(ctx context.Context, tenantID, name string, variables any, opts ResolveOptions) (*models.ResolvedPromptConfig, error) {
	const op = "prompt.ResolvePrompt"
	if strings.TrimSpace(tenantID) == "" || strings.TrimSpace(name) == "" {
		return nil, apperr.Validation(op, "tenant and prompt name are required")
	}

	overrides := models.Overrides{}
	if opts.Overrides != nil {
		overrides = *opts.Overrides
	}
	if overrides.Params != nil {
		if err := overrides.Params.Validate(); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, op, err)
		}
	}

	cfg, err := r.guard.GetOrCreate(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !opts.AllowDisabled && cfg.IsDisabled(name) {
		return nil, apperr.E(apperr.KindDisabled, op, "prompt %q is disabled for tenant %s", name, tenantID)
	}
	if err := policy.CheckImages(cfg, opts.Images); err != nil {
		return nil, err
	}

	var def *models.PromptDefinition
	var version *models.PromptVersion
	if opts.PinnedVersionID != nil {
		def, version, err = r.loadPinned(ctx, tenantID, name, *opts.PinnedVersionID)
	} else {
		def, version, err = r.loadActive(ctx, tenantID, name)
	}
	if err != nil {
		return nil, err
	}

	model, warnings, err := policy.EffectiveModel(cfg, overrides.Model, version.Model, def.DefaultModel)
	if err != nil {
		return nil, err
	}

	params := def.DefaultParams.Merge(version.Params)
	if overrides.Params != nil {
		params = params.Merge(*overrides.Params)
	}
	params, clampWarnings := policy.ClampParams(cfg, params)
	warnings = append(warnings, clampWarnings...)

	rendered, unresolved := renderAll(version.Templates, variables)
	for _, path := range unresolved {
		warnings = append(warnings, fmt.Sprintf("unresolved variable {{%s}}", path))
	}

	resolved := &models.ResolvedPromptConfig{
		TenantID:            tenantID,
		SourceTenantID:      version.TenantID,
		PromptName:          name,
		DefinitionID:        def.ID,
		VersionID:           version.ID,
		Version:             version.Version,
		VersionStatus:       version.Status,
		Model:               model,
		Params:              params,
		Rendered:            rendered,
		TemplateHash:        version.TemplateHash,
		UnresolvedVariables: unresolved,
		Warnings:            warnings,
		ResolvedAt:          r.timestamp(),
	}
	resolved.IdentityHash = ComputeRequestHash(model, rendered, params)
	if len(opts.Images) > 0 {
		resolved.DedupeHash = ComputeDedupeHash(resolved.IdentityHash, opts.Images)
	}

	if len(unresolved) > 0 {
		r.logger.Warn("prompt resolved with unresolved variables",
			"tenant_id", tenantID, "prompt", name, "version_id", version.ID, "unresolved", unresolved)
	}
	r.logger.Debug("prompt resolved",
		"tenant_id", tenantID, "prompt", name, "source_tenant_id", version.TenantID,
		"version_id", version.ID, "model", model)
	return resolved, nil
}

func (r *Resolver) loadActive(ctx context.Context, tenantID, name string) (*models.PromptDefinition, *models.PromptVersion, error) {
	def, version, err := r.activeFor(ctx, tenantID, name)
	if err == nil {
		return def, version, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	if tenantID != models.SystemTenant {
		def, version, err = r.activeFor(ctx, models.SystemTenant, name)
		if err == nil {
			return def, version, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
	}
	return nil, nil, apperr.NotFound("prompt.ResolvePrompt", "no active version of %q for tenant %s", name, tenantID)
}

func (r *Resolver) activeFor(ctx context.Context, tenantID, name string) (*models.PromptDefinition, *models.PromptVersion, error) {
	def, err := r.store.GetDefinition(ctx, tenantID, name)
	if err != nil {
		return nil, nil, err
	}
	version, err := r.store.GetActiveVersion(ctx, def.ID)
	if err != nil {
		return nil, nil, err
	}
	return def, version, nil
}

// loadPinned accepts a version of any status as long as it belongs to the
// tenant's or the SYSTEM tenant's definition of name.
func (r *Resolver) loadPinned(ctx context.Context, tenantID, name string, versionID uuid.UUID) (*models.PromptDefinition, *models.PromptVersion, error) {
	version, err := r.store.GetVersion(ctx, versionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotFound("prompt.ResolvePrompt", "version %s not found", versionID)
	}
	if err != nil {
		return nil, nil, err
	}
	if version.Name != name || (version.TenantID != tenantID && version.TenantID != models.SystemTenant) {
		return nil, nil, apperr.NotFound("prompt.ResolvePrompt", "version %s does not belong to %q", versionID, name)
	}
	def, err := r.store.GetDefinition(ctx, version.TenantID, name)
	if err != nil {
		return nil, nil, fmt.Errorf("load pinned definition: %w", err)
	}
	if def.ID != version.DefinitionID {
		return nil, nil, apperr.NotFound("prompt.ResolvePrompt", "version %s does not belong to %q", versionID, name)
	}
	return def, version, nil
}

func renderAll(t models.Templates, variables any) (models.RenderedTemplates, []string) {
	var unresolved []string
	seen := make(map[string]bool)
	collect := func(paths []string) {
		for _, p := range paths {
			if !seen[p] {
				seen[p] = true
				unresolved = append(unresolved, p)
			}
		}
	}

	var out models.RenderedTemplates
	var missing []string
	out.System, missing = Render(t.System, variables)
	collect(missing)
	out.Developer, missing = Render(t.Developer, variables)
	collect(missing)
	out.User, missing = Render(t.User, variables)
	collect(missing)
	return out, unresolved
}
