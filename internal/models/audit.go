package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditPromptDefinitionCreate AuditAction = "PROMPT_DEFINITION_CREATE"
	AuditPromptVersionCreate    AuditAction = "PROMPT_VERSION_CREATE"
	AuditPromptActivate         AuditAction = "PROMPT_ACTIVATE"
	AuditPromptRollback         AuditAction = "PROMPT_ROLLBACK"
	AuditRuntimeUpdate          AuditAction = "RUNTIME_UPDATE"
	AuditPromptTest             AuditAction = "PROMPT_TEST"
)

const (
	TargetPromptDefinition = "PROMPT_DEFINITION"
	TargetPromptVersion    = "PROMPT_VERSION"
	TargetRuntimeConfig    = "RUNTIME_CONFIG"
	TargetTestRun          = "TEST_RUN"
)

// AuditLogEntry is immutable once written.
type AuditLogEntry struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	TenantID   string          `json:"tenant_id" db:"tenant_id"`
	Actor      string          `json:"actor" db:"actor"`
	Action     AuditAction     `json:"action" db:"action"`
	TargetType string          `json:"target_type" db:"target_type"`
	TargetID   string          `json:"target_id" db:"target_id"`
	TargetName string          `json:"target_name,omitempty" db:"target_name"`
	Before     json.RawMessage `json:"before,omitempty" db:"before"`
	After      json.RawMessage `json:"after,omitempty" db:"after"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
