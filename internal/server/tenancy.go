package server

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Tenant is the workspace a request operates in. Every store call and every
// authorization decision is scoped to exactly one tenant.
type Tenant struct {
	ID     string
	Domain string
	Name   string
}

type TenancyResolver interface {
	ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error)
}

type staticTenancyResolver struct {
	byHost map[string]Tenant
}

// newStaticTenancyResolver serves a fixed hostname -> tenant table. Used in
// tests and single-tenant deployments that run without postgres.
func newStaticTenancyResolver(tenants map[string]Tenant) TenancyResolver {
	byHost := make(map[string]Tenant, len(tenants))
	for host, tenant := range tenants {
		byHost[strings.ToLower(strings.TrimSpace(host))] = tenant
	}
	return &staticTenancyResolver{byHost: byHost}
}

func (s *staticTenancyResolver) ResolveTenant(_ context.Context, hostname string) (Tenant, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return Tenant{}, false, nil
	}
	tenant, ok := s.byHost[hostname]
	return tenant, ok, nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgTenancyResolver struct {
	db rowQuerier
}

func newTenancyDBResolver(pool *pgxpool.Pool) TenancyResolver {
	return &pgTenancyResolver{db: pool}
}

// ResolveTenant looks the hostname up in iam.tenant_domains. Disabled tenants
// resolve as not found so their hosts return 404 rather than a login page.
func (p *pgTenancyResolver) ResolveTenant(ctx context.Context, hostname string) (Tenant, bool, error) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return Tenant{}, false, nil
	}

	var (
		tenantID   string
		tenantName string
	)
	row := p.db.QueryRow(ctx, `
SELECT tenants.id::text, tenants.name
FROM iam.tenant_domains AS domains
JOIN iam.tenants AS tenants ON tenants.id = domains.tenant_id
WHERE domains.hostname = $1 AND tenants.is_active = true
LIMIT 1
`, hostname)
	if err := row.Scan(&tenantID, &tenantName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Tenant{}, false, nil
		}
		return Tenant{}, false, err
	}
	return Tenant{ID: tenantID, Domain: hostname, Name: tenantName}, true, nil
}
