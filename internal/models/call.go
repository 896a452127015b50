package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CallStatus string

const (
	CallStarted   CallStatus = "STARTED"
	CallSucceeded CallStatus = "SUCCEEDED"
	CallFailed    CallStatus = "FAILED"
	CallTimeout   CallStatus = "TIMEOUT"
)

func (s CallStatus) Terminal() bool {
	return s == CallSucceeded || s == CallFailed || s == CallTimeout
}

type OwnerType string

const (
	OwnerCompositeRun   OwnerType = "COMPOSITE_RUN"
	OwnerAssetOperation OwnerType = "ASSET_OPERATION"
	OwnerTestRun        OwnerType = "TEST_RUN"
)

func (o OwnerType) Valid() bool {
	switch o {
	case OwnerCompositeRun, OwnerAssetOperation, OwnerTestRun:
		return true
	}
	return false
}

// Owner identifies the entity that triggered a model call.
type Owner struct {
	Type OwnerType `json:"type"`
	ID   string    `json:"id"`
}

// CallRecord tracks one external model invocation attempt. It is telemetry:
// dedupe hashes repeat across rows by design of the callers.
type CallRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	TenantID       string          `json:"tenant_id" db:"tenant_id"`
	OwnerType      OwnerType       `json:"owner_type" db:"owner_type"`
	OwnerID        string          `json:"owner_id" db:"owner_id"`
	PromptName     string          `json:"prompt_name" db:"prompt_name"`
	PromptTenantID string          `json:"prompt_tenant_id" db:"prompt_tenant_id"`
	VersionID      uuid.UUID       `json:"version_id" db:"version_id"`
	Model          string          `json:"model" db:"model"`
	IdentityHash   string          `json:"identity_hash" db:"identity_hash"`
	DedupeHash     string          `json:"dedupe_hash" db:"dedupe_hash"`
	Status         CallStatus      `json:"status" db:"status"`
	StartedAt      time.Time       `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	TokensIn       int             `json:"tokens_in" db:"tokens_in"`
	TokensOut      int             `json:"tokens_out" db:"tokens_out"`
	Cost           float64         `json:"cost" db:"cost"`
	LatencyMs      int64           `json:"latency_ms" db:"latency_ms"`
	OutputSummary  string          `json:"output_summary,omitempty" db:"output_summary"`
	ErrorType      string          `json:"error_type,omitempty" db:"error_type"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	DebugPayload   json.RawMessage `json:"debug_payload,omitempty" db:"debug_payload"`
}

// CallCompletion is the terminal write applied to a STARTED call.
type CallCompletion struct {
	Status        CallStatus
	CompletedAt   time.Time
	TokensIn      int
	TokensOut     int
	Cost          float64
	LatencyMs     int64
	OutputSummary string
	ErrorType     string
	ErrorMessage  string
}

type TestRunStatus string

const (
	TestRunResolved  TestRunStatus = "RESOLVED"
	TestRunSucceeded TestRunStatus = "SUCCEEDED"
	TestRunFailed    TestRunStatus = "FAILED"
)

// TestRun records one isolated prompt test.
type TestRun struct {
	ID           uuid.UUID       `json:"id" db:"id"`
	TenantID     string          `json:"tenant_id" db:"tenant_id"`
	PromptName   string          `json:"prompt_name" db:"prompt_name"`
	VersionID    uuid.UUID       `json:"version_id" db:"version_id"`
	Pinned       bool            `json:"pinned" db:"pinned"`
	Request      json.RawMessage `json:"request" db:"request"`
	Resolved     json.RawMessage `json:"resolved" db:"resolved"`
	IdentityHash string          `json:"identity_hash" db:"identity_hash"`
	DedupeHash   string          `json:"dedupe_hash" db:"dedupe_hash"`
	Status       TestRunStatus   `json:"status" db:"status"`
	CallRecordID *uuid.UUID      `json:"call_record_id,omitempty" db:"call_record_id"`
	Output       string          `json:"output,omitempty" db:"output"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	CreatedBy    string          `json:"created_by" db:"created_by"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}
