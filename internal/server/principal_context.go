package server

import "context"

// Principal is the authenticated user acting on a tenant. RoleSlug drives
// authorization; IdentityID ties the principal back to its kratos identity.
type Principal struct {
	ID         string
	TenantID   string
	RoleSlug   string
	Status     string
	Email      string
	IdentityID string
}

type principalContextKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

func currentPrincipal(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
