package shared

import "context"

type actorContextKey struct{}

type tenantContextKey struct{}

type correlationContextKey struct{}

// ContextWithActor stores the authenticated actor id in context.
func ContextWithActor(ctx context.Context, actorID int64) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actorID)
}

// ActorFromContext extracts the actor id from context. Zero means no actor.
func ActorFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(actorContextKey{}).(int64)
	return id
}

// ContextWithTenant stores the organization id in context.
func ContextWithTenant(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, orgID)
}

// TenantFromContext extracts the organization id from context. Zero means no tenant.
func TenantFromContext(ctx context.Context) int64 {
	id, _ := ctx.Value(tenantContextKey{}).(int64)
	return id
}

// ContextWithCorrelationID stores the request correlation id in context.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationContextKey{}, id)
}

// CorrelationIDFromContext extracts the correlation id from context.
func CorrelationIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}
