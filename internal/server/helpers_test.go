package server

import (
	"context"
)

const (
	testTenantID    = "00000000-0000-0000-0000-000000000001"
	testPrincipalID = "00000000-0000-0000-0000-000000000010"
)

func ctxWithTenant(ctx context.Context) context.Context {
	return withTenant(ctx, Tenant{ID: testTenantID, Domain: "acme.example.com", Name: "Acme"})
}

func ctxWithTenantAndPrincipal(ctx context.Context) context.Context {
	ctx = ctxWithTenant(ctx)
	return withPrincipal(ctx, Principal{ID: testPrincipalID, TenantID: testTenantID, RoleSlug: "tenant-admin", Status: "active"})
}
