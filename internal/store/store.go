// Package store defines the persistence boundary of the governance plane.
//
// Implementations must enforce, inside the database:
//   - unique (tenant_id, name) on prompt definitions
//   - unique (definition_id, version) on prompt versions
//   - at most one ACTIVE version per definition (partial unique index)
//
// and must run WithTx callbacks in a single transaction that is rolled back
// when the callback returns an error.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/promptplane/internal/apperr"
	"github.com/nikhilbhutani/promptplane/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a uniqueness constraint or a
	// compare-and-swap precondition rejects a write.
	ErrConflict = errors.New("conflict")
)

// Store is the top-level handle. Methods of the embedded Tx run outside any
// explicit transaction.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx groups the operations available inside and outside a transaction.
type Tx interface {
	DefinitionStore
	VersionStore
	RuntimeConfigStore
	AuditStore
	CallStore
	TestRunStore
}

type DefinitionStore interface {
	GetDefinition(ctx context.Context, tenantID, name string) (*models.PromptDefinition, error)
	ListDefinitions(ctx context.Context, tenantID string) ([]models.PromptDefinition, error)
	InsertDefinition(ctx context.Context, d *models.PromptDefinition) error
	// CompareAndBumpRevision increments the definition revision only when it
	// still equals expected. ErrConflict otherwise.
	CompareAndBumpRevision(ctx context.Context, definitionID uuid.UUID, expected int64, now time.Time) error
}

type VersionStore interface {
	GetVersion(ctx context.Context, id uuid.UUID) (*models.PromptVersion, error)
	GetActiveVersion(ctx context.Context, definitionID uuid.UUID) (*models.PromptVersion, error)
	// LatestArchivedVersion returns the ARCHIVED version with the most recent activation.
	LatestArchivedVersion(ctx context.Context, definitionID uuid.UUID) (*models.PromptVersion, error)
	ListVersions(ctx context.Context, definitionID uuid.UUID) ([]models.PromptVersion, error)
	MaxVersion(ctx context.Context, definitionID uuid.UUID) (int, error)
	InsertVersion(ctx context.Context, v *models.PromptVersion) error
	// TransitionVersion moves a version from one status to another. It fails
	// with ErrConflict when the stored status is not from. A non-nil activation
	// stamps activation metadata.
	TransitionVersion(ctx context.Context, id uuid.UUID, from, to models.VersionStatus, activation *models.Activation) error
}

type RuntimeConfigStore interface {
	GetRuntimeConfig(ctx context.Context, tenantID string) (*models.RuntimeConfig, error)
	// InsertRuntimeConfig is a no-op when a row for the tenant already exists.
	InsertRuntimeConfig(ctx context.Context, cfg *models.RuntimeConfig) error
	UpdateRuntimeConfig(ctx context.Context, cfg *models.RuntimeConfig) error
}

// AuditFilter selects a page of audit entries, newest first. When
// BeforeTime is set only entries strictly before (BeforeTime, BeforeID) are returned.
type AuditFilter struct {
	TenantID   string
	Action     string
	TargetType string
	BeforeTime *time.Time
	BeforeID   uuid.UUID
	Limit      int
}

type AuditStore interface {
	InsertAuditEntry(ctx context.Context, e *models.AuditLogEntry) error
	ListAuditEntries(ctx context.Context, f AuditFilter) ([]models.AuditLogEntry, error)
}

// CallFilter selects call records, newest first.
type CallFilter struct {
	TenantID string
	Status   models.CallStatus
	Limit    int
}

type CallStore interface {
	// LockAdmission serializes admission decisions for a tenant until the
	// surrounding transaction ends. Only meaningful inside WithTx.
	LockAdmission(ctx context.Context, tenantID string) error
	InsertCallRecord(ctx context.Context, c *models.CallRecord) error
	GetCallRecord(ctx context.Context, id uuid.UUID) (*models.CallRecord, error)
	ListCallRecords(ctx context.Context, f CallFilter) ([]models.CallRecord, error)
	// CompleteCallRecord applies a terminal write to a STARTED call. ErrConflict
	// when the call is no longer STARTED, ErrNotFound when it does not exist.
	CompleteCallRecord(ctx context.Context, id uuid.UUID, c models.CallCompletion) error
	// CountStartedCalls counts STARTED calls of production owners.
	CountStartedCalls(ctx context.Context, tenantID string) (int, error)
	// SumSucceededCost sums cost of SUCCEEDED production calls completed at or after since.
	SumSucceededCost(ctx context.Context, tenantID string, since time.Time) (float64, error)
	// TimeoutStaleCalls marks STARTED calls started before cutoff as TIMEOUT.
	TimeoutStaleCalls(ctx context.Context, cutoff, now time.Time, message string) (int64, error)
}

type TestRunStore interface {
	InsertTestRun(ctx context.Context, r *models.TestRun) error
	GetTestRun(ctx context.Context, id uuid.UUID) (*models.TestRun, error)
	UpdateTestRunResult(ctx context.Context, r *models.TestRun) error
}

// Translate maps store sentinels onto apperr kinds at a service boundary.
// Other errors pass through unchanged.
func Translate(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, op, err)
	case errors.Is(err, ErrConflict):
		return apperr.Wrap(apperr.KindConflict, op, err)
	}
	return err
}
