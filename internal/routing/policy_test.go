package routing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestModuleAPIPathShape(t *testing.T) {
	t.Parallel()

	for path, want := range map[string]bool{
		"/inventory/api":         true,
		"/inventory/api/items":   true,
		"/orders/api/orders/o-1": true,
		"/inventory/apix":        false,
		"/api":                   false,
		"/api/items":             false,
		"inventory/api":          false,
		"/":                      false,
	} {
		if got := isModuleAPIPath(path); got != want {
			t.Fatalf("path=%s got=%v want=%v", path, got, want)
		}
	}
}

func TestClassifierRequiresRoutes(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(Allowlist{Version: 1, Entrypoints: map[string]Entrypoint{}}, "server")
	if err == nil {
		t.Fatal("expected missing entrypoint error")
	}

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"}}},
		},
	}
	if _, err := NewClassifier(a, "server"); err != nil {
		t.Fatal(err)
	}
}

func TestAPIAndWebhookErrorsAreJSONOnly(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"}}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(c)

	for _, path := range []string{
		"/inventory/api/unknown",
		"/automation/api/unknown",
		"/webhooks/pos/unknown",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("path=%s status=%d", path, rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Fatalf("path=%s content-type=%q", path, ct)
		}
	}

	uiRec := httptest.NewRecorder()
	r.ServeHTTP(uiRec, httptest.NewRequest(http.MethodGet, "/app/unknown", nil))
	if uiRec.Code != http.StatusNotFound {
		t.Fatalf("ui status=%d", uiRec.Code)
	}
	if !strings.HasPrefix(uiRec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("ui content-type=%q", uiRec.Header().Get("Content-Type"))
	}

	jsonReq := httptest.NewRequest(http.MethodGet, "/app/unknown", nil)
	jsonReq.Header.Set("Accept", "application/json")
	jsonRec := httptest.NewRecorder()
	r.ServeHTTP(jsonRec, jsonReq)
	if !strings.HasPrefix(jsonRec.Header().Get("Content-Type"), "application/json") {
		t.Fatalf("ui json content-type=%q", jsonRec.Header().Get("Content-Type"))
	}
}

func TestOpsRouteMethodNotAllowedIsHTML(t *testing.T) {
	t.Parallel()

	a := Allowlist{
		Version: 1,
		Entrypoints: map[string]Entrypoint{
			"server": {Routes: []Route{{Path: "/health", Methods: []string{"GET"}, RouteClass: "ops"}}},
		},
	}
	c, err := NewClassifier(a, "server")
	if err != nil {
		t.Fatal(err)
	}
	r := NewRouter(c)
	r.Handle(RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("content-type=%q", rec.Header().Get("Content-Type"))
	}
}
