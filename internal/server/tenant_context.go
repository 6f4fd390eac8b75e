package server

import "context"

type tenantContextKey struct{}

// withTenant attaches the resolved tenant to the request context. Handlers
// read it back through currentTenant and fail closed when it is absent.
func withTenant(ctx context.Context, tenant Tenant) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenant)
}

func currentTenant(ctx context.Context) (Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey{}).(Tenant)
	return tenant, ok
}
