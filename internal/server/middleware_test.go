package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fortresshq/fortress/internal/routing"
	"github.com/fortresshq/fortress/pkg/authz"
)

func testClassifier(t *testing.T) *routing.Classifier {
	t.Helper()
	a := routing.Allowlist{
		Version: 1,
		Entrypoints: map[string]routing.Entrypoint{
			"server": {Routes: []routing.Route{
				{Path: "/", Methods: []string{"GET"}, RouteClass: "ui"},
				{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"},
				{Path: "/iam/api/sessions", Methods: []string{"POST"}, RouteClass: "authn"},
				{Path: "/inventory/api/items", Methods: []string{"GET", "POST"}, RouteClass: "internal_api"},
				{Path: "/inventory/api/items/{item_id}", Methods: []string{"GET"}, RouteClass: "internal_api"},
				{Path: "/automation/api/events", Methods: []string{"POST"}, RouteClass: "webhook"},
				{Path: "/webhooks/pos/stock-sync", Methods: []string{"POST"}, RouteClass: "webhook"},
			}},
		},
	}
	c, err := routing.NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func testSessionFixture(t *testing.T) (TenancyResolver, *memoryPrincipalStore, *memorySessionStore, string, Principal) {
	t.Helper()
	tenants := newStaticTenancyResolver(map[string]Tenant{
		"acme.example.com": {ID: testTenantID, Domain: "acme.example.com", Name: "Acme"},
	})
	principals := newMemoryPrincipalStore()
	sessions := newMemorySessionStore()

	p, err := principals.UpsertFromIdentity(context.Background(), testTenantID, "admin@acme.example.com", "tenant-admin", "identity-1")
	if err != nil {
		t.Fatal(err)
	}
	sid, err := sessions.Create(context.Background(), testTenantID, p.ID, time.Now().Add(time.Hour), "", "")
	if err != nil {
		t.Fatal(err)
	}
	return tenants, principals, sessions, sid, p
}

func TestWithTenantAndSession(t *testing.T) {
	classifier := testClassifier(t)
	tenants, principals, sessions, sid, p := testSessionFixture(t)

	var sawTenant Tenant
	var sawPrincipal Principal
	var sawPrincipalOK bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawTenant, _ = currentTenant(r.Context())
		sawPrincipal, sawPrincipalOK = currentPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	guarded := withTenantAndSession(classifier, tenants, principals, sessions, next)

	do := func(method, path, host, cookie string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Host = host
		if cookie != "" {
			req.AddCookie(&http.Cookie{Name: sidCookieName, Value: cookie})
		}
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		return rec
	}

	t.Run("health bypasses tenancy", func(t *testing.T) {
		rec := do(http.MethodGet, "/health", "nowhere.example.com", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("automation events bypass tenancy and session", func(t *testing.T) {
		rec := do(http.MethodPost, "/automation/api/events", "nowhere.example.com", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("unknown host", func(t *testing.T) {
		rec := do(http.MethodGet, "/inventory/api/items", "nowhere.example.com", sid)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("webhook gets tenant but no session check", func(t *testing.T) {
		sawTenant = Tenant{}
		rec := do(http.MethodPost, "/webhooks/pos/stock-sync", "acme.example.com", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		if sawTenant.ID != testTenantID {
			t.Fatalf("tenant=%+v", sawTenant)
		}
	})

	t.Run("api without cookie is 401", func(t *testing.T) {
		rec := do(http.MethodGet, "/inventory/api/items", "acme.example.com", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("ui without cookie redirects to login", func(t *testing.T) {
		rec := do(http.MethodGet, "/app/items", "acme.example.com", "")
		if rec.Code != http.StatusFound {
			t.Fatalf("status=%d", rec.Code)
		}
		if loc := rec.Header().Get("Location"); loc != "/app/login" {
			t.Fatalf("location=%q", loc)
		}
	})

	t.Run("login endpoints pass through", func(t *testing.T) {
		if rec := do(http.MethodGet, "/app/login", "acme.example.com", ""); rec.Code != http.StatusOK {
			t.Fatalf("login page status=%d", rec.Code)
		}
		if rec := do(http.MethodPost, "/iam/api/sessions", "acme.example.com", ""); rec.Code != http.StatusOK {
			t.Fatalf("sessions status=%d", rec.Code)
		}
	})

	t.Run("valid session attaches principal", func(t *testing.T) {
		sawPrincipalOK = false
		rec := do(http.MethodGet, "/inventory/api/items", "acme.example.com", sid)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if !sawPrincipalOK || sawPrincipal.ID != p.ID {
			t.Fatalf("principal=%+v ok=%v", sawPrincipal, sawPrincipalOK)
		}
		if sawTenant.ID != testTenantID {
			t.Fatalf("tenant=%+v", sawTenant)
		}
	})

	t.Run("bogus sid is 401 on api", func(t *testing.T) {
		rec := do(http.MethodGet, "/inventory/api/items", "acme.example.com", "not-a-session")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("revoked session is rejected", func(t *testing.T) {
		if err := sessions.Revoke(context.Background(), sid); err != nil {
			t.Fatal(err)
		}
		rec := do(http.MethodGet, "/inventory/api/items", "acme.example.com", sid)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d", rec.Code)
		}
	})
}

type fakeAuthorizer struct {
	allowed  bool
	enforced bool
	err      error
	calls    []string
}

func (a *fakeAuthorizer) Authorize(subject, domain, object, action string) (bool, bool, error) {
	a.calls = append(a.calls, subject+" "+domain+" "+object+" "+action)
	return a.allowed, a.enforced, a.err
}

func TestWithAuthz(t *testing.T) {
	classifier := testClassifier(t)

	run := func(a *fakeAuthorizer, ctx context.Context, method, path string) *httptest.ResponseRecorder {
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		guarded := withAuthz(classifier, a, next)
		req := httptest.NewRequest(method, path, nil)
		req = req.WithContext(ctx)
		rec := httptest.NewRecorder()
		guarded.ServeHTTP(rec, req)
		return rec
	}

	t.Run("enforced deny is 403", func(t *testing.T) {
		a := &fakeAuthorizer{allowed: false, enforced: true}
		rec := run(a, ctxWithTenantAndPrincipal(context.Background()), http.MethodGet, "/inventory/api/items")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status=%d", rec.Code)
		}
		if len(a.calls) != 1 || a.calls[0] != "role:tenant-admin "+testTenantID+" "+authz.ObjectInventoryItems+" "+authz.ActionRead {
			t.Fatalf("calls=%v", a.calls)
		}
	})

	t.Run("shadow deny passes through", func(t *testing.T) {
		a := &fakeAuthorizer{allowed: false, enforced: false}
		rec := run(a, ctxWithTenantAndPrincipal(context.Background()), http.MethodGet, "/inventory/api/items")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("allow passes", func(t *testing.T) {
		a := &fakeAuthorizer{allowed: true, enforced: true}
		rec := run(a, ctxWithTenantAndPrincipal(context.Background()), http.MethodPost, "/inventory/api/items")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		if len(a.calls) != 1 || a.calls[0] != "role:tenant-admin "+testTenantID+" "+authz.ObjectInventoryItems+" "+authz.ActionAdmin {
			t.Fatalf("calls=%v", a.calls)
		}
	})

	t.Run("no principal checks as anonymous", func(t *testing.T) {
		a := &fakeAuthorizer{allowed: false, enforced: true}
		rec := run(a, ctxWithTenant(context.Background()), http.MethodGet, "/inventory/api/items")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("status=%d", rec.Code)
		}
		if len(a.calls) != 1 || a.calls[0] != "role:anonymous "+testTenantID+" "+authz.ObjectInventoryItems+" "+authz.ActionRead {
			t.Fatalf("calls=%v", a.calls)
		}
	})

	t.Run("skip paths never consult the authorizer", func(t *testing.T) {
		a := &fakeAuthorizer{allowed: false, enforced: true}
		for _, tc := range []struct{ method, path string }{
			{http.MethodGet, "/health"},
			{http.MethodGet, "/"},
			{http.MethodGet, "/app/items"},
			{http.MethodGet, "/assets/app.css"},
			{http.MethodPost, "/webhooks/pos/stock-sync"},
		} {
			rec := run(a, context.Background(), tc.method, tc.path)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s %s status=%d", tc.method, tc.path, rec.Code)
			}
		}
		if len(a.calls) != 0 {
			t.Fatalf("calls=%v", a.calls)
		}
	})
}

func TestAuthzRequirementForRoute(t *testing.T) {
	cases := []struct {
		method string
		path   string
		object string
		action string
		check  bool
	}{
		{http.MethodGet, "/inventory/api/items", authz.ObjectInventoryItems, authz.ActionRead, true},
		{http.MethodPost, "/inventory/api/items", authz.ObjectInventoryItems, authz.ActionAdmin, true},
		{http.MethodGet, "/inventory/api/items/item-1", authz.ObjectInventoryItems, authz.ActionRead, true},
		{http.MethodPost, "/inventory/api/items/item-1/adjust", authz.ObjectInventoryItems, authz.ActionWrite, true},
		{http.MethodPost, "/inventory/api/items/item-1/delete", authz.ObjectInventoryItems, authz.ActionAdmin, true},
		{http.MethodGet, "/inventory/api/cycle-counts", authz.ObjectInventoryCycleCounts, authz.ActionRead, true},
		{http.MethodPost, "/inventory/api/cycle-counts", authz.ObjectInventoryCycleCounts, authz.ActionWrite, true},
		{http.MethodPost, "/orders/api/orders/order-1/fulfill", authz.ObjectOrdersOrders, authz.ActionWrite, true},
		{http.MethodPost, "/orders/api/picking-waves:build", authz.ObjectOrdersPickingWaves, authz.ActionWrite, true},
		{http.MethodPost, "/purchasing/api/purchase-orders/po-1/receive", authz.ObjectPurchasingOrders, authz.ActionWrite, true},
		{http.MethodPost, "/parties/api/customers/customer-1/delete", authz.ObjectPartiesCustomers, authz.ActionAdmin, true},
		{http.MethodPost, "/automation/api/rules", authz.ObjectAutomationRules, authz.ActionAdmin, true},
		{http.MethodPost, "/automation/api/rules/rule-1/disable", authz.ObjectAutomationRules, authz.ActionAdmin, true},
		{http.MethodGet, "/activity/api/log", authz.ObjectActivityLog, authz.ActionRead, true},
		{http.MethodPost, "/outbox/api/emails/email-1/mark-sent", authz.ObjectOutboxEmails, authz.ActionWrite, true},
		{http.MethodGet, "/dashboard/api/summary", authz.ObjectDashboardSummary, authz.ActionRead, true},
		{http.MethodGet, "/reports/api/inventory.pdf", authz.ObjectReportsInventory, authz.ActionRead, true},
		{http.MethodGet, "/nonexistent", "", "", false},
	}
	for _, tc := range cases {
		object, action, check := authzRequirementForRoute(tc.method, tc.path)
		if object != tc.object || action != tc.action || check != tc.check {
			t.Fatalf("%s %s = %q, %q, %v", tc.method, tc.path, object, action, check)
		}
	}
}
