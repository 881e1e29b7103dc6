package shared

import "context"

type tenantContextKey struct{}

type actorContextKey struct{}

// ContextWithTenant stores the tenant scope in context.
func ContextWithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext extracts the tenant scope from context. The second
// return value is false when no tenant has been bound.
func TenantFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(tenantContextKey{}).(int64)
	return id, ok
}

// ContextWithActor stores the acting subject in context.
func ContextWithActor(ctx context.Context, subjectID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, subjectID)
}

// ActorFromContext extracts the acting subject from context.
func ActorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(actorContextKey{}).(int64)
	return id, ok
}
