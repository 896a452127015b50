// Package prompt manages prompt versions and resolves them into rendered,
// policy-checked snapshots.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/store"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,127}$`)

// VersionManager owns the DRAFT -> ACTIVE -> ARCHIVED lifecycle. All
// coordination happens in the store: unique keys and a compare-and-swap on
// the definition revision.
type VersionManager struct {
	store store.Store
	audit *audit.Service
	settings
}

func NewVersionManager(s store.Store, a *audit.Service, opts ...Option) *VersionManager {
	return &VersionManager{store: s, audit: a, settings: newSettings(opts)}
}

type DefinitionInput struct {
	Name          string        `json:"name"`
	Description   string        `json:"description"`
	DefaultModel  string        `json:"default_model"`
	DefaultParams models.Params `json:"default_params"`
}

type VersionInput struct {
	Templates   models.Templates `json:"templates"`
	Model       string           `json:"model"`
	Params      models.Params    `json:"params"`
	ChangeNotes string           `json:"change_notes"`
}

func validateIdentity(op, tenantID, name, actor string) error {
	if strings.TrimSpace(tenantID) == "" {
		return apperr.Validation(op, "tenant is required")
	}
	if !namePattern.MatchString(name) {
		return apperr.Validation(op, "invalid prompt name %q", name)
	}
	if strings.TrimSpace(actor) == "" {
		return apperr.Validation(op, "actor is required")
	}
	return nil
}

func (m *VersionManager) CreateDefinition(ctx context.Context, tenantID string, in DefinitionInput, actor string) (*models.PromptDefinition, error) {
	const op = "prompt.CreateDefinition"
	if err := validateIdentity(op, tenantID, in.Name, actor); err != nil {
		return nil, err
	}
	if err := in.DefaultParams.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}

	var def *models.PromptDefinition
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		d, err := m.insertDefinition(ctx, tx, tenantID, in, actor)
		if err != nil {
			return err
		}
		if _, err := m.audit.Append(ctx, tx, audit.Entry{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     models.AuditPromptDefinitionCreate,
			TargetType: models.TargetPromptDefinition,
			TargetID:   d.ID.String(),
			TargetName: d.Name,
			After:      d,
		}); err != nil {
			return err
		}
		def = d
		return nil
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, apperr.Conflict(op, "prompt %q already exists for tenant %s", in.Name, tenantID)
	}
	if err != nil {
		return nil, err
	}

	m.logger.Info("prompt definition created", "tenant_id", tenantID, "prompt", def.Name, "actor", actor)
	return def, nil
}

func (m *VersionManager) insertDefinition(ctx context.Context, tx store.Tx, tenantID string, in DefinitionInput, actor string) (*models.PromptDefinition, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate definition id: %w", err)
	}
	now := m.timestamp()
	d := &models.PromptDefinition{
		ID:            id,
		TenantID:      tenantID,
		Name:          in.Name,
		Description:   in.Description,
		DefaultModel:  in.DefaultModel,
		DefaultParams: in.DefaultParams,
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.InsertDefinition(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateVersion appends a DRAFT version numbered one past the current
// maximum. The definition is created on first use with the version's model
// and params as its defaults. Losing a numbering race recomputes and
// resubmits, up to the configured attempt bound.
func (m *VersionManager) CreateVersion(ctx context.Context, tenantID, name string, in VersionInput, actor string) (*models.PromptVersion, error) {
	const op = "prompt.CreateVersion"
	if err := validateIdentity(op, tenantID, name, actor); err != nil {
		return nil, err
	}
	if err := validateVersionInput(in); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, op, err)
	}

	for attempt := 1; attempt <= m.createAttempts; attempt++ {
		v, err := m.createVersionOnce(ctx, tenantID, name, in, actor)
		if err == nil {
			m.logger.Info("prompt version created",
				"tenant_id", tenantID, "prompt", name, "version_id", v.ID, "version", v.Version, "attempt", attempt)
			return v, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		m.logger.Debug("version number conflict, retrying", "tenant_id", tenantID, "prompt", name, "attempt", attempt)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, apperr.Conflict(op, "could not allocate a version number for %q after %d attempts", name, m.createAttempts)
}

func validateVersionInput(in VersionInput) error {
	if in.Templates.Empty() {
		return errors.New("at least one template is required")
	}
	parts := []struct{ name, text string }{
		{"system", in.Templates.System},
		{"developer", in.Templates.Developer},
		{"user", in.Templates.User},
	}
	for _, p := range parts {
		if err := ValidateTemplate(p.text); err != nil {
			return fmt.Errorf("%s template: %w", p.name, err)
		}
	}
	return in.Params.Validate()
}

func (m *VersionManager) createVersionOnce(ctx context.Context, tenantID, name string, in VersionInput, actor string) (*models.PromptVersion, error) {
	var created *models.PromptVersion
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		def, err := tx.GetDefinition(ctx, tenantID, name)
		if errors.Is(err, store.ErrNotFound) {
			def, err = m.insertDefinition(ctx, tx, tenantID, DefinitionInput{
				Name:          name,
				DefaultModel:  in.Model,
				DefaultParams: in.Params,
			}, actor)
		}
		if err != nil {
			return err
		}
		if in.Model == "" && def.DefaultModel == "" {
			return apperr.Validation("prompt.CreateVersion", "a model is required: %q has no default model", name)
		}

		latest, err := tx.MaxVersion(ctx, def.ID)
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate version id: %w", err)
		}
		v := &models.PromptVersion{
			ID:           id,
			DefinitionID: def.ID,
			TenantID:     tenantID,
			Name:         name,
			Version:      latest + 1,
			Status:       models.VersionDraft,
			Templates:    in.Templates,
			Model:        in.Model,
			Params:       in.Params,
			TemplateHash: TemplateHash(in.Templates),
			ChangeNotes:  in.ChangeNotes,
			CreatedBy:    actor,
			CreatedAt:    m.timestamp(),
		}
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}
		if _, err := m.audit.Append(ctx, tx, audit.Entry{
			TenantID:   tenantID,
			Actor:      actor,
			Action:     models.AuditPromptVersionCreate,
			TargetType: models.TargetPromptVersion,
			TargetID:   v.ID.String(),
			TargetName: name,
			After:      v,
		}); err != nil {
			return err
		}
		created = v
		return nil
	})
	return created, err
}

// ActivateVersion makes versionID the single ACTIVE version of the prompt,
// archiving the current one. Activating the ACTIVE version is a no-op.
func (m *VersionManager) ActivateVersion(ctx context.Context, tenantID, name string, versionID uuid.UUID, actor string) (*models.PromptVersion, error) {
	const op = "prompt.ActivateVersion"
	if err := validateIdentity(op, tenantID, name, actor); err != nil {
		return nil, err
	}
	return m.withConflictRetry(ctx, op, tenantID, name, func() (*models.PromptVersion, error) {
		def, err := m.store.GetDefinition(ctx, tenantID, name)
		if err != nil {
			return nil, notFound(op, err, "prompt %q not found for tenant %s", name, tenantID)
		}
		target, err := m.store.GetVersion(ctx, versionID)
		if err != nil || target.DefinitionID != def.ID {
			return nil, notFound(op, err, "version %s not found for prompt %q", versionID, name)
		}
		if target.Status == models.VersionActive {
			return target, nil
		}
		return m.swap(ctx, op, def, target, models.AuditPromptActivate, actor)
	})
}

// RollbackToPreviousVersion restores the most recently activated ARCHIVED
// version. The archived row itself becomes ACTIVE again; no version number is
// minted.
func (m *VersionManager) RollbackToPreviousVersion(ctx context.Context, tenantID, name, actor string) (*models.PromptVersion, error) {
	const op = "prompt.RollbackToPreviousVersion"
	if err := validateIdentity(op, tenantID, name, actor); err != nil {
		return nil, err
	}
	return m.withConflictRetry(ctx, op, tenantID, name, func() (*models.PromptVersion, error) {
		def, err := m.store.GetDefinition(ctx, tenantID, name)
		if err != nil {
			return nil, notFound(op, err, "prompt %q not found for tenant %s", name, tenantID)
		}
		target, err := m.store.LatestArchivedVersion(ctx, def.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.Validation(op, "prompt %q has no archived version to roll back to", name)
		}
		if err != nil {
			return nil, err
		}
		return m.swap(ctx, op, def, target, models.AuditPromptRollback, actor)
	})
}

func (m *VersionManager) withConflictRetry(ctx context.Context, op, tenantID, name string, fn func() (*models.PromptVersion, error)) (*models.PromptVersion, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !apperr.Is(err, apperr.KindConflict) || attempt >= m.activationRetries {
			return v, err
		}
		m.logger.Info("activation conflict, retrying against reloaded state",
			"op", op, "tenant_id", tenantID, "prompt", name, "attempt", attempt+1)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

// swap demotes the current ACTIVE version and promotes target in one
// transaction. The revision observed on def is the CAS token: a concurrent
// swap that committed first makes this one fail with Conflict.
func (m *VersionManager) swap(ctx context.Context, op string, def *models.PromptDefinition, target *models.PromptVersion, action models.AuditAction, actor string) (*models.PromptVersion, error) {
	var promoted *models.PromptVersion
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		now := m.timestamp()
		if err := tx.CompareAndBumpRevision(ctx, def.ID, def.Revision, now); err != nil {
			return err
		}

		current, err := tx.GetActiveVersion(ctx, def.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		var previousID *uuid.UUID
		if current != nil {
			if err := m.archive(ctx, tx, current); err != nil {
				return err
			}
			previousID = &current.ID
		}

		if err := tx.TransitionVersion(ctx, target.ID, target.Status, models.VersionActive, &models.Activation{
			At:                      now,
			By:                      actor,
			PreviousActiveVersionID: previousID,
		}); err != nil {
			return err
		}

		if _, err := m.audit.Append(ctx, tx, audit.Entry{
			TenantID:   def.TenantID,
			Actor:      actor,
			Action:     action,
			TargetType: models.TargetPromptVersion,
			TargetID:   target.ID.String(),
			TargetName: def.Name,
			Before:     activationState{Status: target.Status, ActiveVersionID: previousID, Version: target.Version},
			After:      activationState{Status: models.VersionActive, ActiveVersionID: &target.ID, Version: target.Version},
		}); err != nil {
			return err
		}

		promoted, err = tx.GetVersion(ctx, target.ID)
		return err
	})
	if err != nil {
		return nil, store.Translate(op, err)
	}

	m.logger.Info("prompt version promoted",
		"action", action, "tenant_id", def.TenantID, "prompt", def.Name,
		"version_id", promoted.ID, "version", promoted.Version, "actor", actor)
	return promoted, nil
}

type activationState struct {
	Status          models.VersionStatus `json:"status"`
	ActiveVersionID *uuid.UUID           `json:"active_version_id"`
	Version         int                  `json:"version"`
}

// archive is the ACTIVE -> ARCHIVED primitive behind swap.
func (m *VersionManager) archive(ctx context.Context, tx store.Tx, v *models.PromptVersion) error {
	return tx.TransitionVersion(ctx, v.ID, models.VersionActive, models.VersionArchived, nil)
}

func (m *VersionManager) GetDefinition(ctx context.Context, tenantID, name string) (*models.PromptDefinition, error) {
	def, err := m.store.GetDefinition(ctx, tenantID, name)
	if err != nil {
		return nil, notFound("prompt.GetDefinition", err, "prompt %q not found for tenant %s", name, tenantID)
	}
	return def, nil
}

func (m *VersionManager) ListDefinitions(ctx context.Context, tenantID string) ([]models.PromptDefinition, error) {
	defs, err := m.store.ListDefinitions(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if defs == nil {
		defs = []models.PromptDefinition{}
	}
	return defs, nil
}

func (m *VersionManager) ListVersions(ctx context.Context, tenantID, name string) ([]models.PromptVersion, error) {
	def, err := m.GetDefinition(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	versions, err := m.store.ListVersions(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if versions == nil {
		versions = []models.PromptVersion{}
	}
	return versions, nil
}

func (m *VersionManager) GetVersion(ctx context.Context, tenantID, name string, versionID uuid.UUID) (*models.PromptVersion, error) {
	def, err := m.GetDefinition(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil || v.DefinitionID != def.ID {
		return nil, notFound("prompt.GetVersion", err, "version %s not found for prompt %q", versionID, name)
	}
	return v, nil
}

// notFound converts a store miss into a NotFound with a readable message.
// A nil err means the row exists but belongs elsewhere.
func notFound(op string, err error, format string, args ...any) error {
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(op, format, args...)
	}
	return err
}
