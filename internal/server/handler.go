package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortresshq/fortress/internal/commerceintegrations"
	"github.com/fortresshq/fortress/internal/routing"
	"github.com/fortresshq/fortress/modules/automation/domain/ports"
	automationpersistence "github.com/fortresshq/fortress/modules/automation/infrastructure/persistence"
	automationservices "github.com/fortresshq/fortress/modules/automation/services"
	"github.com/fortresshq/fortress/pkg/authz"
)

//go:embed assets/*
var embeddedAssets embed.FS

func NewHandler() (http.Handler, error) {
	return NewHandlerWithOptions(HandlerOptions{})
}

type HandlerOptions struct {
	TenancyResolver    TenancyResolver
	IdentityProvider   identityProvider
	InventoryStore     InventoryStore
	CycleCountStore    CycleCountStore
	OrderStore         OrderStore
	PurchaseOrderStore PurchaseOrderStore
	PartyStore         PartyStore
	ActivityStore      ActivityStore
	OutboxStore        OutboxStore
	RuleStore          ports.RuleStore
	WebhookSecrets     ports.WebhookSecretStore
	CommerceStore      commerceintegrations.Store
	DashboardCache     *redis.Client
}

func NewHandlerWithOptions(opts HandlerOptions) (http.Handler, error) {
	allowlistPath := os.Getenv("ALLOWLIST_PATH")
	if allowlistPath == "" {
		p, err := defaultAllowlistPath()
		if err != nil {
			return nil, err
		}
		allowlistPath = p
	}

	a, err := routing.LoadAllowlist(allowlistPath)
	if err != nil {
		return nil, err
	}

	classifier, err := routing.NewClassifier(a, "server")
	if err != nil {
		return nil, err
	}

	inventoryStore := opts.InventoryStore
	cycleCountStore := opts.CycleCountStore
	orderStore := opts.OrderStore
	purchaseOrderStore := opts.PurchaseOrderStore
	partyStore := opts.PartyStore
	activityStore := opts.ActivityStore
	outboxStore := opts.OutboxStore
	ruleStore := opts.RuleStore
	webhookSecrets := opts.WebhookSecrets
	commerceStore := opts.CommerceStore
	tenancyResolver := opts.TenancyResolver
	identityProvider := opts.IdentityProvider

	var pgPool *pgxpool.Pool
	if inventoryStore == nil {
		dsn := dbDSNFromEnv()
		pool, err := pgxpool.New(context.Background(), dsn)
		if err != nil {
			return nil, err
		}
		pgPool = pool
		inventoryStore = newInventoryPGStore(pgPool)
	}

	if cycleCountStore == nil {
		if pgPool != nil {
			cycleCountStore = newCycleCountPGStore(pgPool)
		} else {
			cycleCountStore = newCycleCountMemoryStore()
		}
	}
	if orderStore == nil {
		if pgPool != nil {
			orderStore = newOrderPGStore(pgPool)
		} else {
			orderStore = newOrderMemoryStore()
		}
	}
	if purchaseOrderStore == nil {
		if pgPool != nil {
			purchaseOrderStore = newPurchaseOrderPGStore(pgPool)
		} else {
			purchaseOrderStore = newPurchaseOrderMemoryStore()
		}
	}
	if partyStore == nil {
		if pgPool != nil {
			partyStore = newPartyPGStore(pgPool)
		} else {
			partyStore = newPartyMemoryStore()
		}
	}
	if activityStore == nil {
		if pgPool != nil {
			activityStore = newActivityPGStore(pgPool)
		} else {
			activityStore = newActivityMemoryStore()
		}
	}
	if outboxStore == nil {
		if pgPool != nil {
			outboxStore = newOutboxPGStore(pgPool)
		} else {
			outboxStore = newOutboxMemoryStore()
		}
	}
	if ruleStore == nil {
		if pgPool != nil {
			pgRules := automationpersistence.NewRulePGStore(pgPool)
			ruleStore = pgRules
			if webhookSecrets == nil {
				webhookSecrets = pgRules
			}
		} else {
			memRules := newRuleMemoryStore()
			ruleStore = memRules
			if webhookSecrets == nil {
				webhookSecrets = memRules
			}
		}
	}
	if webhookSecrets == nil {
		if s, ok := ruleStore.(ports.WebhookSecretStore); ok {
			webhookSecrets = s
		}
	}
	webhookSecrets = envFallbackWebhookSecrets{inner: webhookSecrets}
	if commerceStore == nil {
		if pgPool != nil {
			commerceStore = commerceintegrations.NewPGStore(pgPool)
		} else {
			commerceStore = commerceintegrations.NewMemoryStore()
		}
	}

	executor := automationservices.NewExecutor(
		activityNotificationSink{store: activityStore},
		outboxEmailSink{store: outboxStore},
		purchaseOrderDraftSink{store: purchaseOrderStore},
	)
	engine := newAutomationEngine(ruleStore, executor)

	dashboardCache := opts.DashboardCache
	if dashboardCache == nil {
		dashboardCache = newDashboardCacheFromEnv()
	}
	dashboards := newDashboardService(inventoryStore, orderStore, activityStore, dashboardCache)
	stockSink := invalidatingStockSink{inner: engine, dashboards: dashboards}

	stockApplier := commerceStockApplier{
		inventory: inventoryStore,
		activity:  activityStore,
		sink:      stockSink,
	}
	webhookSecretsEnv := commerceSecretsFromEnv()

	router := routing.NewRouter(classifier)

	authorizer, err := loadAuthorizer()
	if err != nil {
		return nil, err
	}

	if tenancyResolver == nil {
		if pgPool == nil {
			return nil, errors.New("server: missing tenancy resolver (set HandlerOptions.TenancyResolver or use default PG stores)")
		}
		tenancyResolver = newTenancyDBResolver(pgPool)
	}

	principals := newPrincipalStore(pgPool)
	sessions := newSessionStore(pgPool)

	router.Handle(routing.RouteClassUI, http.MethodGet, "/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/app", http.StatusFound)
	}))

	router.Handle(routing.RouteClassOps, http.MethodGet, "/health", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	router.Handle(routing.RouteClassOps, http.MethodGet, "/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/iam/api/sessions", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant, _ := currentTenant(r.Context())

		var req struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_json", "invalid json")
			return
		}
		email := strings.TrimSpace(req.Email)
		password := req.Password
		if email == "" || strings.TrimSpace(password) == "" {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_form", "email and password required")
			return
		}

		provider := identityProvider
		if provider == nil {
			p, err := newKratosIdentityProviderFromEnv()
			if err != nil {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_provider_error", "identity provider error")
				return
			}
			provider = p
		}

		ident, err := provider.AuthenticatePassword(r.Context(), tenant, email, password)
		if err != nil {
			if errors.Is(err, errInvalidCredentials) {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_credentials", "invalid credentials")
				return
			}
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "identity_error", "identity error")
			return
		}

		roleSlug := strings.TrimSpace(strings.ToLower(ident.RoleSlug))
		if roleSlug == "" {
			roleSlug = authz.RoleTenantAdmin
		}
		if roleSlug != authz.RoleTenantAdmin && roleSlug != authz.RoleTenantViewer {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "invalid_identity_role", "invalid identity role")
			return
		}

		p, err := principals.UpsertFromIdentity(r.Context(), tenant.ID, ident.Email, roleSlug, ident.IdentityID)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "principal_error", "principal error")
			return
		}

		expiresAt := time.Now().Add(sidTTLFromEnv())
		sid, err := sessions.Create(r.Context(), tenant.ID, p.ID, expiresAt, r.RemoteAddr, r.UserAgent())
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "session_error", "session error")
			return
		}
		setSIDCookie(w, sid)
		w.WriteHeader(http.StatusNoContent)
	}))

	router.Handle(routing.RouteClassAuthn, http.MethodPost, "/logout", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sid, ok := readSID(r); ok {
			_ = sessions.Revoke(r.Context(), sid)
		}
		clearSIDCookie(w)
		http.Redirect(w, r, "/app/login", http.StatusFound)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/inventory/api/items", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemsAPI(w, r, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/inventory/api/items", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemsAPI(w, r, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/inventory/api/items:by-sku", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemBySKUAPI(w, r, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/inventory/api/items:low-stock", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLowStockItemsAPI(w, r, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/inventory/api/items/{item_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemAPI(w, r, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/inventory/api/items/{item_id}/update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemUpdateAPI(w, r, inventoryStore, activityStore, stockSink)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/inventory/api/items/{item_id}/delete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemDeleteAPI(w, r, inventoryStore, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/inventory/api/items/{item_id}/adjust", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleItemAdjustAPI(w, r, inventoryStore, activityStore, stockSink)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/inventory/api/cycle-counts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCycleCountsAPI(w, r, cycleCountStore, inventoryStore, activityStore, stockSink)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/inventory/api/cycle-counts", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCycleCountsAPI(w, r, cycleCountStore, inventoryStore, activityStore, stockSink)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/orders/api/orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrdersAPI(w, r, orderStore, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orders/api/orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrdersAPI(w, r, orderStore, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/orders/api/orders/{order_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderAPI(w, r, orderStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orders/api/orders/{order_id}/open", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderOpenAPI(w, r, orderStore, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orders/api/orders/{order_id}/pick", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderPickAPI(w, r, orderStore, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orders/api/orders/{order_id}/cancel", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderCancelAPI(w, r, orderStore, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orders/api/orders/{order_id}/fulfill", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderFulfillAPI(w, r, orderStore, inventoryStore, activityStore, stockSink)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/orders/api/picking-waves:build", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePickingWaveBuildAPI(w, r, orderStore)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/purchasing/api/purchase-orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrdersAPI(w, r, purchaseOrderStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/purchasing/api/purchase-orders", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrdersAPI(w, r, purchaseOrderStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/purchasing/api/purchase-orders/{po_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrderAPI(w, r, purchaseOrderStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/purchasing/api/purchase-orders/{po_id}/open", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrderOpenAPI(w, r, purchaseOrderStore, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/purchasing/api/purchase-orders/{po_id}/cancel", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrderCancelAPI(w, r, purchaseOrderStore, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/purchasing/api/purchase-orders/{po_id}/receive", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePurchaseOrderReceiveAPI(w, r, purchaseOrderStore, inventoryStore, activityStore, stockSink)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/parties/api/customers", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartiesAPI(w, r, partyStore, partyKindCustomer)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/parties/api/customers", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartiesAPI(w, r, partyStore, partyKindCustomer)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/parties/api/customers/{party_id}/update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartyUpdateAPI(w, r, partyStore, partyKindCustomer)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/parties/api/customers/{party_id}/delete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartyDeleteAPI(w, r, partyStore, partyKindCustomer)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/parties/api/vendors", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartiesAPI(w, r, partyStore, partyKindVendor)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/parties/api/vendors", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartiesAPI(w, r, partyStore, partyKindVendor)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/parties/api/vendors/{party_id}/update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartyUpdateAPI(w, r, partyStore, partyKindVendor)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/parties/api/vendors/{party_id}/delete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePartyDeleteAPI(w, r, partyStore, partyKindVendor)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/automation/api/rules", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRulesAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/automation/api/rules", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRulesAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/automation/api/rules/{rule_id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRuleAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/automation/api/rules/{rule_id}/update", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRuleUpdateAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/automation/api/rules/{rule_id}/delete", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRuleDeleteAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/automation/api/rules/{rule_id}/enable", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRuleEnableAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/automation/api/rules/{rule_id}/disable", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationRuleDisableAPI(w, r, ruleStore)
	}))
	router.Handle(routing.RouteClassWebhook, http.MethodPost, "/automation/api/events", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleAutomationEventsAPI(w, r, webhookSecrets, engine)
	}))

	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/activity/api/log", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleActivityLogAPI(w, r, activityStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/outbox/api/emails", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOutboxAPI(w, r, outboxStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodPost, "/outbox/api/emails/{email_id}/mark-sent", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOutboxMarkSentAPI(w, r, outboxStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/dashboard/api/summary", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleDashboardSummaryAPI(w, r, dashboards)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/reports/api/inventory.pdf", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleInventoryReportPDF(w, r, inventoryStore)
	}))
	router.Handle(routing.RouteClassInternalAPI, http.MethodGet, "/reports/api/low-stock.pdf", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleLowStockReportPDF(w, r, inventoryStore)
	}))

	router.Handle(routing.RouteClassWebhook, http.MethodPost, "/webhooks/pos/stock-sync", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlePOSStockWebhook(w, r, commerceStore, stockApplier, webhookSecretsEnv.POS)
	}))
	router.Handle(routing.RouteClassWebhook, http.MethodPost, "/webhooks/shopify/inventory-levels", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleShopifyStockWebhook(w, r, commerceStore, stockApplier, webhookSecretsEnv.Shopify)
	}))

	assetsSub, _ := fs.Sub(embeddedAssets, "assets")

	entrypoint := http.NewServeMux()
	entrypoint.Handle("/app", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveWebUIIndex(w, r, embeddedAssets)
	}))
	entrypoint.Handle("/app/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serveWebUIIndex(w, r, embeddedAssets)
	}))
	entrypoint.Handle("/", router)

	guarded := withTenantAndSession(classifier, tenancyResolver, principals, sessions, withAuthz(classifier, authorizer, entrypoint))

	mux := http.NewServeMux()
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assetsSub))))
	mux.Handle("/", guarded)

	return mux, nil
}

const webUIIndexPath = "assets/web/index.html"

func serveWebUIIndex(w http.ResponseWriter, r *http.Request, assets fs.FS) {
	b, err := fs.ReadFile(assets, webUIIndexPath)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassUI, http.StatusInternalServerError, "web_index_missing", "web ui missing")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func MustNewHandler() http.Handler {
	h, err := NewHandler()
	if err != nil {
		panic(errors.New("server: failed to build handler: " + err.Error()))
	}
	return h
}

func defaultAllowlistPath() (string, error) {
	path := "config/routing/allowlist.yaml"
	for range 8 {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		path = filepath.Join("..", path)
	}
	return "", errors.New("server: allowlist not found")
}

func withTenantAndSession(classifier *routing.Classifier, tenants TenancyResolver, principals principalStore, sessions sessionStore, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		rc := routing.RouteClassUI
		if classifier != nil {
			rc = classifier.Classify(path)
		}

		if path == "/health" || path == "/healthz" || path == "/assets" || pathHasPrefixSegment(path, "/assets") {
			next.ServeHTTP(w, r)
			return
		}

		// The automation events webhook resolves its tenant from the event
		// record and authenticates with a bearer secret, not a session.
		if path == "/automation/api/events" {
			next.ServeHTTP(w, r)
			return
		}

		tenantDomain := effectiveHost(r)
		t, ok, err := tenants.ResolveTenant(r.Context(), tenantDomain)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "tenant_resolve_error", "tenant resolve error")
			return
		}
		if !ok {
			routing.WriteError(w, r, rc, http.StatusNotFound, "tenant_not_found", "tenant not found")
			return
		}
		r = r.WithContext(withTenant(r.Context(), t))

		// Provider webhooks carry their own HMAC auth.
		if rc == routing.RouteClassWebhook {
			next.ServeHTTP(w, r)
			return
		}

		// Tenant app UI is served under /app/** only; other UI paths 404 in
		// the router rather than bouncing to login.
		if rc == routing.RouteClassUI && path != "/" && !pathHasPrefixSegment(path, "/app") {
			next.ServeHTTP(w, r)
			return
		}

		if path == "/app/login" || (path == "/iam/api/sessions" && r.Method == http.MethodPost) {
			next.ServeHTTP(w, r)
			return
		}

		sid, ok := readSID(r)
		if !ok {
			if rc == routing.RouteClassInternalAPI {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			http.Redirect(w, r, "/app/login", http.StatusFound)
			return
		}

		sess, ok, err := sessions.Lookup(r.Context(), sid)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "session_lookup_error", "session lookup error")
			return
		}
		if !ok || sess.TenantID != t.ID {
			clearSIDCookie(w)
			if rc == routing.RouteClassInternalAPI {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			http.Redirect(w, r, "/app/login", http.StatusFound)
			return
		}

		p, ok, err := principals.GetByID(r.Context(), t.ID, sess.PrincipalID)
		if err != nil {
			routing.WriteError(w, r, rc, http.StatusInternalServerError, "principal_lookup_error", "principal lookup error")
			return
		}
		if !ok || p.Status != "active" {
			clearSIDCookie(w)
			if rc == routing.RouteClassInternalAPI {
				routing.WriteError(w, r, rc, http.StatusUnauthorized, "unauthorized", "unauthorized")
				return
			}
			http.Redirect(w, r, "/app/login", http.StatusFound)
			return
		}
		r = r.WithContext(withPrincipal(r.Context(), p))

		next.ServeHTTP(w, r)
	})
}

func pathHasPrefixSegment(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return len(path) > len(prefix) && path[:len(prefix)+1] == prefix+"/"
}
