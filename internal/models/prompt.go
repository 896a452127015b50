package models

import (
	"time"

	"github.com/google/uuid"
)

// SystemTenant owns the global fallback prompts consulted when a tenant has no
// active version of its own.
const SystemTenant = "SYSTEM"

type VersionStatus string

const (
	VersionDraft    VersionStatus = "DRAFT"
	VersionActive   VersionStatus = "ACTIVE"
	VersionArchived VersionStatus = "ARCHIVED"
)

type PromptDefinition struct {
	ID            uuid.UUID `json:"id" db:"id"`
	TenantID      string    `json:"tenant_id" db:"tenant_id"`
	Name          string    `json:"name" db:"name"`
	Description   string    `json:"description,omitempty" db:"description"`
	DefaultModel  string    `json:"default_model,omitempty" db:"default_model"`
	DefaultParams Params    `json:"default_params" db:"default_params"`
	Revision      int64     `json:"revision" db:"revision"`
	CreatedBy     string    `json:"created_by" db:"created_by"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Templates holds the raw template texts of a version. Any subset may be empty.
type Templates struct {
	System    string `json:"system,omitempty"`
	Developer string `json:"developer,omitempty"`
	User      string `json:"user,omitempty"`
}

func (t Templates) Empty() bool {
	return t.System == "" && t.Developer == "" && t.User == ""
}

type PromptVersion struct {
	ID                      uuid.UUID     `json:"id" db:"id"`
	DefinitionID            uuid.UUID     `json:"definition_id" db:"definition_id"`
	TenantID                string        `json:"tenant_id" db:"tenant_id"`
	Name                    string        `json:"name" db:"name"`
	Version                 int           `json:"version" db:"version"`
	Status                  VersionStatus `json:"status" db:"status"`
	Templates               Templates     `json:"templates" db:"templates"`
	Model                   string        `json:"model,omitempty" db:"model"`
	Params                  Params        `json:"params" db:"params"`
	TemplateHash            string        `json:"template_hash" db:"template_hash"`
	ChangeNotes             string        `json:"change_notes,omitempty" db:"change_notes"`
	CreatedBy               string        `json:"created_by" db:"created_by"`
	CreatedAt               time.Time     `json:"created_at" db:"created_at"`
	ActivatedAt             *time.Time    `json:"activated_at,omitempty" db:"activated_at"`
	ActivatedBy             string        `json:"activated_by,omitempty" db:"activated_by"`
	PreviousActiveVersionID *uuid.UUID    `json:"previous_active_version_id,omitempty" db:"previous_active_version_id"`
}

// Activation carries the stamp written onto a version when it becomes ACTIVE.
type Activation struct {
	At                      time.Time
	By                      string
	PreviousActiveVersionID *uuid.UUID
}

// RenderedTemplates are the templates after variable substitution.
type RenderedTemplates struct {
	System    string `json:"system,omitempty"`
	Developer string `json:"developer,omitempty"`
	User      string `json:"user,omitempty"`
}

// ImageDescriptor references an input image handed to the model call.
// SizeBytes feeds the image size cap and is not part of any hash.
type ImageDescriptor struct {
	Role        string `json:"role"`
	Reference   string `json:"reference"`
	ContentHash string `json:"content_hash"`
	MimeType    string `json:"mime_type"`
	Index       int    `json:"index"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// Overrides are per-invocation adjustments requested by the caller.
type Overrides struct {
	Model  string  `json:"model,omitempty"`
	Params *Params `json:"params,omitempty"`
}

// ResolvedPromptConfig is the immutable snapshot produced by resolution. It is
// what downstream components persist, never a live reference to a version row.
type ResolvedPromptConfig struct {
	TenantID            string            `json:"tenant_id"`
	SourceTenantID      string            `json:"source_tenant_id"`
	PromptName          string            `json:"prompt_name"`
	DefinitionID        uuid.UUID         `json:"definition_id"`
	VersionID           uuid.UUID         `json:"version_id"`
	Version             int               `json:"version"`
	VersionStatus       VersionStatus     `json:"version_status"`
	Model               string            `json:"model"`
	Params              Params            `json:"params"`
	Rendered            RenderedTemplates `json:"rendered"`
	TemplateHash        string            `json:"template_hash"`
	IdentityHash        string            `json:"identity_hash"`
	DedupeHash          string            `json:"dedupe_hash,omitempty"`
	UnresolvedVariables []string          `json:"unresolved_variables,omitempty"`
	Warnings            []string          `json:"warnings,omitempty"`
	ResolvedAt          time.Time         `json:"resolved_at"`
}

// UsedFallback reports whether the SYSTEM tenant's version served the request.
func (r *ResolvedPromptConfig) UsedFallback() bool {
	return r.SourceTenantID != r.TenantID
}
