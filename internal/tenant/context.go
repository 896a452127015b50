package tenant

import (
	"context"
	"slices"
)

type contextKey string

const (
	tenantKey      contextKey = "tenant"
	actorKey       contextKey = "actor"
	permissionsKey contextKey = "permissions"
)

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func IDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey).(string)
	return id
}

func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func ActorFromContext(ctx context.Context) string {
	a, _ := ctx.Value(actorKey).(string)
	return a
}

func WithPermissions(ctx context.Context, perms []string) context.Context {
	return context.WithValue(ctx, permissionsKey, perms)
}

func PermissionsFromContext(ctx context.Context) []string {
	p, _ := ctx.Value(permissionsKey).([]string)
	return p
}

// HasPermission reports whether perm, or the wildcard, was granted to the caller.
func HasPermission(ctx context.Context, perm string) bool {
	perms := PermissionsFromContext(ctx)
	return slices.Contains(perms, "*") || slices.Contains(perms, perm)
}
