package prompt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/promptplane/internal/audit"
	"github.com/nikhilbhutani/promptplane/internal/models"
	"github.com/nikhilbhutani/promptplane/internal/policy"
	"github.com/nikhilbhutani/promptplane/internal/store/sqlite"
	"github.com/nikhilbhutani/promptplane/internal/testkit"
)

type fixture struct {
	ctx      context.Context
	store    *sqlite.Store
	clock    *testkit.Clock
	audit    *audit.Service
	guard    *policy.Guard
	versions *VersionManager
	resolver *Resolver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	st := testkit.NewStore(t)
	clock := testkit.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	a := audit.NewService(st, audit.WithClock(clock.Now))
	g := policy.NewGuard(st, a, policy.WithClock(clock.Now))
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{
		ctx:      context.Background(),
		store:    st,
		clock:    clock,
		audit:    a,
		guard:    g,
		versions: NewVersionManager(st, a, opts...),
		resolver: NewResolver(st, g, opts...),
	}
}

func (f *fixture) createVersion(t *testing.T, tenantID, name, user, model string) *models.PromptVersion {
	t.Helper()
	v, err := f.versions.CreateVersion(f.ctx, tenantID, name, VersionInput{
		Templates: models.Templates{System: "You are helpful.", User: user},
		Model:     model,
	}, "author@"+tenantID)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return v
}

func (f *fixture) activate(t *testing.T, v *models.PromptVersion) *models.PromptVersion {
	t.Helper()
	active, err := f.versions.ActivateVersion(f.ctx, v.TenantID, v.Name, v.ID, "releaser@"+v.TenantID)
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return active
}

func (f *fixture) auditActions(t *testing.T, tenantID string) []models.AuditAction {
	t.Helper()
	page, err := f.audit.List(f.ctx, tenantID, audit.Query{Limit: audit.MaxLimit})
	require.NoError(t, err)
	actions := make([]models.AuditAction, len(page.Entries))
	for i, e := range page.Entries {
		actions[len(page.Entries)-1-i] = e.Action
	}
	return actions
}
