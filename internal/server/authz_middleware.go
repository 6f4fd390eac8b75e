package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortresshq/fortress/internal/routing"
	"github.com/fortresshq/fortress/pkg/authz"
)

func loadAuthorizer() (*authz.Authorizer, error) {
	modelPath := os.Getenv("AUTHZ_MODEL_PATH")
	if modelPath == "" {
		p, err := defaultAuthzModelPath()
		if err != nil {
			return nil, err
		}
		modelPath = p
	}

	policyPath := os.Getenv("AUTHZ_POLICY_PATH")
	if policyPath == "" {
		p, err := defaultAuthzPolicyPath()
		if err != nil {
			return nil, err
		}
		policyPath = p
	}

	mode, err := authz.ModeFromEnv()
	if err != nil {
		return nil, err
	}

	return authz.NewAuthorizer(modelPath, policyPath, mode)
}

func defaultAuthzModelPath() (string, error) {
	path := "config/access/model.conf"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz model not found")
}

func defaultAuthzPolicyPath() (string, error) {
	path := "config/access/policy.csv"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: authz policy not found")
}

type authorizer interface {
	Authorize(subject string, domain string, object string, action string) (allowed bool, enforced bool, err error)
}

func withAuthz(classifier *routing.Classifier, a authorizer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		switch path {
		case "/health", "/healthz":
			next.ServeHTTP(w, r)
			return
		default:
			if pathHasPrefixSegment(path, "/assets") || path == "/" || pathHasPrefixSegment(path, "/app") {
				next.ServeHTTP(w, r)
				return
			}
		}

		// Webhook routes authenticate with provider secrets, not sessions.
		if rc == routing.RouteClassWebhook {
			next.ServeHTTP(w, r)
			return
		}

		tenant, ok := currentTenant(r.Context())
		if !ok {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_missing", "tenant missing")
			return
		}

		roleSlug := authz.RoleAnonymous
		if p, ok := currentPrincipal(r.Context()); ok {
			roleSlug = p.RoleSlug
		}

		subject := authz.SubjectFromRoleSlug(roleSlug)
		domain := authz.DomainFromTenantID(tenant.ID)

		object, action, shouldCheck := authzRequirementForRoute(r.Method, path)
		if !shouldCheck {
			next.ServeHTTP(w, r)
			return
		}

		allowed, enforced, err := a.Authorize(subject, domain, object, action)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "authz_error", "authz error")
			return
		}
		if enforced && !allowed {
			routing.WriteError(w, r, rc, http.StatusForbidden, "forbidden", "forbidden")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func authzRequirementForRoute(method string, path string) (object string, action string, ok bool) {
	if pathMatchRouteTemplate(path, "/inventory/api/items/{item_id}") {
		if method == http.MethodGet {
			return authz.ObjectInventoryItems, authz.ActionRead, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/inventory/api/items/{item_id}/update") ||
		pathMatchRouteTemplate(path, "/inventory/api/items/{item_id}/delete") {
		if method == http.MethodPost {
			return authz.ObjectInventoryItems, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/inventory/api/items/{item_id}/adjust") {
		if method == http.MethodPost {
			return authz.ObjectInventoryItems, authz.ActionWrite, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/orders/api/orders/{order_id}") {
		if method == http.MethodGet {
			return authz.ObjectOrdersOrders, authz.ActionRead, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/orders/api/orders/{order_id}/open") ||
		pathMatchRouteTemplate(path, "/orders/api/orders/{order_id}/pick") ||
		pathMatchRouteTemplate(path, "/orders/api/orders/{order_id}/cancel") ||
		pathMatchRouteTemplate(path, "/orders/api/orders/{order_id}/fulfill") {
		if method == http.MethodPost {
			return authz.ObjectOrdersOrders, authz.ActionWrite, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/purchasing/api/purchase-orders/{po_id}") {
		if method == http.MethodGet {
			return authz.ObjectPurchasingOrders, authz.ActionRead, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/purchasing/api/purchase-orders/{po_id}/open") ||
		pathMatchRouteTemplate(path, "/purchasing/api/purchase-orders/{po_id}/cancel") ||
		pathMatchRouteTemplate(path, "/purchasing/api/purchase-orders/{po_id}/receive") {
		if method == http.MethodPost {
			return authz.ObjectPurchasingOrders, authz.ActionWrite, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/parties/api/customers/{party_id}/update") ||
		pathMatchRouteTemplate(path, "/parties/api/customers/{party_id}/delete") {
		if method == http.MethodPost {
			return authz.ObjectPartiesCustomers, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/parties/api/vendors/{party_id}/update") ||
		pathMatchRouteTemplate(path, "/parties/api/vendors/{party_id}/delete") {
		if method == http.MethodPost {
			return authz.ObjectPartiesVendors, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/automation/api/rules/{rule_id}") {
		if method == http.MethodGet {
			return authz.ObjectAutomationRules, authz.ActionRead, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/automation/api/rules/{rule_id}/update") ||
		pathMatchRouteTemplate(path, "/automation/api/rules/{rule_id}/delete") ||
		pathMatchRouteTemplate(path, "/automation/api/rules/{rule_id}/enable") ||
		pathMatchRouteTemplate(path, "/automation/api/rules/{rule_id}/disable") {
		if method == http.MethodPost {
			return authz.ObjectAutomationRules, authz.ActionAdmin, true
		}
		return "", "", false
	}
	if pathMatchRouteTemplate(path, "/outbox/api/emails/{email_id}/mark-sent") {
		if method == http.MethodPost {
			return authz.ObjectOutboxEmails, authz.ActionWrite, true
		}
		return "", "", false
	}

	switch path {
	case "/iam/api/sessions":
		if method == http.MethodPost {
			return authz.ObjectIAMSession, authz.ActionAdmin, true
		}
		return "", "", false
	case "/logout":
		if method == http.MethodPost {
			return authz.ObjectIAMSession, authz.ActionAdmin, true
		}
		return "", "", false
	case "/inventory/api/items":
		if method == http.MethodGet {
			return authz.ObjectInventoryItems, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectInventoryItems, authz.ActionAdmin, true
		}
		return "", "", false
	case "/inventory/api/items:by-sku", "/inventory/api/items:low-stock":
		if method == http.MethodGet {
			return authz.ObjectInventoryItems, authz.ActionRead, true
		}
		return "", "", false
	case "/inventory/api/cycle-counts":
		if method == http.MethodGet {
			return authz.ObjectInventoryCycleCounts, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectInventoryCycleCounts, authz.ActionWrite, true
		}
		return "", "", false
	case "/orders/api/orders":
		if method == http.MethodGet {
			return authz.ObjectOrdersOrders, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectOrdersOrders, authz.ActionWrite, true
		}
		return "", "", false
	case "/orders/api/picking-waves:build":
		if method == http.MethodPost {
			return authz.ObjectOrdersPickingWaves, authz.ActionWrite, true
		}
		return "", "", false
	case "/purchasing/api/purchase-orders":
		if method == http.MethodGet {
			return authz.ObjectPurchasingOrders, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectPurchasingOrders, authz.ActionWrite, true
		}
		return "", "", false
	case "/parties/api/customers":
		if method == http.MethodGet {
			return authz.ObjectPartiesCustomers, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectPartiesCustomers, authz.ActionAdmin, true
		}
		return "", "", false
	case "/parties/api/vendors":
		if method == http.MethodGet {
			return authz.ObjectPartiesVendors, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectPartiesVendors, authz.ActionAdmin, true
		}
		return "", "", false
	case "/automation/api/rules":
		if method == http.MethodGet {
			return authz.ObjectAutomationRules, authz.ActionRead, true
		}
		if method == http.MethodPost {
			return authz.ObjectAutomationRules, authz.ActionAdmin, true
		}
		return "", "", false
	case "/activity/api/log":
		if method == http.MethodGet {
			return authz.ObjectActivityLog, authz.ActionRead, true
		}
		return "", "", false
	case "/outbox/api/emails":
		if method == http.MethodGet {
			return authz.ObjectOutboxEmails, authz.ActionRead, true
		}
		return "", "", false
	case "/dashboard/api/summary":
		if method == http.MethodGet {
			return authz.ObjectDashboardSummary, authz.ActionRead, true
		}
		return "", "", false
	case "/reports/api/inventory.pdf", "/reports/api/low-stock.pdf":
		if method == http.MethodGet {
			return authz.ObjectReportsInventory, authz.ActionRead, true
		}
		return "", "", false
	default:
		return "", "", false
	}
}

func pathMatchRouteTemplate(path string, template string) bool {
	in := splitRouteSegments(path)
	want := splitRouteSegments(template)
	if len(in) != len(want) {
		return false
	}
	for i := range want {
		w := want[i]
		g := in[i]
		if g == "" {
			return false
		}
		if routeTemplateIsParamSegment(w) {
			continue
		}
		if g != w {
			return false
		}
	}
	return true
}

func splitRouteSegments(path string) []string {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

func routeTemplateIsParamSegment(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && len(s) > 2
}
