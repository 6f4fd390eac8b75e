package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fortresshq/fortress/internal/commerceintegrations"
)

type fakeIdentityProvider struct {
	identities map[string]authenticatedIdentity // email -> identity, password is "secret"
}

func (p *fakeIdentityProvider) AuthenticatePassword(_ context.Context, _ Tenant, email string, password string) (authenticatedIdentity, error) {
	ident, ok := p.identities[email]
	if !ok || password != "secret" {
		return authenticatedIdentity{}, errInvalidCredentials
	}
	return ident, nil
}

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()
	h, err := NewHandlerWithOptions(HandlerOptions{
		TenancyResolver: newStaticTenancyResolver(map[string]Tenant{
			"acme.example.com": {ID: testTenantID, Domain: "acme.example.com", Name: "Acme"},
		}),
		IdentityProvider: &fakeIdentityProvider{identities: map[string]authenticatedIdentity{
			"admin@acme.example.com":  {IdentityID: "identity-1", Email: "admin@acme.example.com", RoleSlug: "tenant-admin"},
			"viewer@acme.example.com": {IdentityID: "identity-2", Email: "viewer@acme.example.com", RoleSlug: "tenant-viewer"},
		}},
		InventoryStore:     newInventoryMemoryStore(),
		CycleCountStore:    newCycleCountMemoryStore(),
		OrderStore:         newOrderMemoryStore(),
		PurchaseOrderStore: newPurchaseOrderMemoryStore(),
		PartyStore:         newPartyMemoryStore(),
		ActivityStore:      newActivityMemoryStore(),
		OutboxStore:        newOutboxMemoryStore(),
		RuleStore:          newRuleMemoryStore(),
		CommerceStore:      commerceintegrations.NewMemoryStore(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return h
}

func login(t *testing.T, h http.Handler, email string) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/iam/api/sessions", strings.NewReader(`{"email": "`+email+`", "password": "secret"}`))
	req.Host = "acme.example.com"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("login status=%d body=%s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == sidCookieName && c.Value != "" {
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func TestHandlerEndToEnd(t *testing.T) {
	h := newTestHandler(t)

	do := func(method, path string, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Host = "acme.example.com"
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("health needs no tenant", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Host = "nowhere.example.com"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("unknown host is 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/inventory/api/items", nil)
		req.Host = "nowhere.example.com"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("api without session is 401", func(t *testing.T) {
		rec := do(http.MethodGet, "/inventory/api/items", "", nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("wrong password is 422", func(t *testing.T) {
		rec := do(http.MethodPost, "/iam/api/sessions", `{"email": "admin@acme.example.com", "password": "nope"}`, nil)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	admin := login(t, h, "admin@acme.example.com")

	t.Run("admin can create and list items", func(t *testing.T) {
		rec := do(http.MethodPost, "/inventory/api/items", `{"sku": "wid-1", "name": "Widget", "quantity": 10, "reorder_point": 5}`, admin)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create status=%d body=%s", rec.Code, rec.Body.String())
		}
		rec = do(http.MethodGet, "/inventory/api/items", "", admin)
		if rec.Code != http.StatusOK {
			t.Fatalf("list status=%d body=%s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "WID-1") {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("app shell is served with a session", func(t *testing.T) {
		rec := do(http.MethodGet, "/app", "", admin)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "<html") {
			t.Fatalf("body does not look like the app shell")
		}
	})

	t.Run("viewer can read but not write", func(t *testing.T) {
		viewer := login(t, h, "viewer@acme.example.com")
		rec := do(http.MethodGet, "/inventory/api/items", "", viewer)
		if rec.Code != http.StatusOK {
			t.Fatalf("read status=%d body=%s", rec.Code, rec.Body.String())
		}
		rec = do(http.MethodPost, "/inventory/api/items", `{"sku": "gad-1", "name": "Gadget", "quantity": 1}`, viewer)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("write status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("logout revokes the session", func(t *testing.T) {
		rec := do(http.MethodPost, "/logout", "", admin)
		if rec.Code != http.StatusFound {
			t.Fatalf("logout status=%d", rec.Code)
		}
		rec = do(http.MethodGet, "/inventory/api/items", "", admin)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("after logout status=%d", rec.Code)
		}
	})
}
