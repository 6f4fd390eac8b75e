package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fortresshq/fortress/internal/routing"
	"github.com/fortresshq/fortress/modules/automation/domain/ports"
	automationtypes "github.com/fortresshq/fortress/modules/automation/domain/types"
	automationservices "github.com/fortresshq/fortress/modules/automation/services"
)

// automationEngine binds the rule store to the evaluator and adapts
// inventory writes into change events.
type automationEngine struct {
	rules     ports.RuleStore
	evaluator *automationservices.Evaluator
}

func newAutomationEngine(rules ports.RuleStore, executor automationservices.ActionExecutor) *automationEngine {
	return &automationEngine{
		rules:     rules,
		evaluator: automationservices.NewEvaluator(executor),
	}
}

func (e *automationEngine) Run(ctx context.Context, tenantID string, event automationtypes.ChangeEvent) ([]automationtypes.Outcome, error) {
	rules, err := e.rules.ListActiveRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return e.evaluator.Evaluate(ctx, event, rules), nil
}

func (e *automationEngine) ItemQuantityChanged(ctx context.Context, tenantID string, before Item, after Item) ([]automationtypes.Outcome, error) {
	old := itemSnapshot(tenantID, before)
	return e.Run(ctx, tenantID, automationtypes.ChangeEvent{
		Op:        automationtypes.ChangeOpUpdate,
		Record:    itemSnapshot(tenantID, after),
		OldRecord: &old,
	})
}

// activityNotificationSink lands notify actions in the activity log under
// the fixed "Automation Notification" type.
type activityNotificationSink struct {
	store ActivityStore
}

func (s activityNotificationSink) RecordNotification(ctx context.Context, tenantID string, message string, details map[string]any) error {
	_, err := s.store.AppendActivity(ctx, tenantID, "Automation Notification", message, details, "")
	return err
}

type outboxEmailSink struct {
	store OutboxStore
}

func (s outboxEmailSink) EnqueueEmail(ctx context.Context, tenantID string, recipient string, subject string, body string, details map[string]any) error {
	_, err := s.store.EnqueueEmail(ctx, tenantID, recipient, subject, body, details)
	return err
}

type purchaseOrderDraftSink struct {
	store PurchaseOrderStore
}

func (s purchaseOrderDraftSink) CreateDraftPurchaseOrder(ctx context.Context, tenantID string, vendorID string, itemID string, sku string, quantity int64, reason string) (string, error) {
	po, err := s.store.CreatePurchaseOrder(ctx, tenantID, PurchaseOrderInput{
		VendorUUID: vendorID,
		Lines:      []PurchaseOrderLine{{ItemUUID: itemID, SKU: sku, Quantity: quantity}},
		Reason:     reason,
	})
	if err != nil {
		return "", err
	}
	return po.Number, nil
}

type ruleMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]automationtypes.Rule
	secrets  map[string]string
	seq      int
}

func newRuleMemoryStore() *ruleMemoryStore {
	return &ruleMemoryStore{
		byTenant: make(map[string][]automationtypes.Rule),
		secrets:  make(map[string]string),
	}
}

func (s *ruleMemoryStore) ListRules(_ context.Context, tenantID string) ([]automationtypes.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]automationtypes.Rule(nil), s.byTenant[tenantID]...), nil
}

func (s *ruleMemoryStore) ListActiveRules(_ context.Context, tenantID string) ([]automationtypes.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []automationtypes.Rule
	for _, r := range s.byTenant[tenantID] {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ruleMemoryStore) GetRule(_ context.Context, tenantID string, ruleID string) (automationtypes.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.byTenant[tenantID] {
		if r.ID == ruleID {
			return r, nil
		}
	}
	return automationtypes.Rule{}, ports.ErrRuleNotFound
}

func (s *ruleMemoryStore) CreateRule(_ context.Context, tenantID string, rule automationtypes.Rule) (automationtypes.Rule, error) {
	if err := rule.Validate(); err != nil {
		return automationtypes.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.byTenant[tenantID] {
		if r.Name == rule.Name {
			return automationtypes.Rule{}, errors.New("rule name already exists")
		}
	}
	s.seq++
	rule.ID = "rule-" + strconv.Itoa(s.seq)
	rule.TenantID = tenantID
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt
	s.byTenant[tenantID] = append(s.byTenant[tenantID], rule)
	return rule, nil
}

func (s *ruleMemoryStore) UpdateRule(_ context.Context, tenantID string, ruleID string, rule automationtypes.Rule) (automationtypes.Rule, error) {
	if err := rule.Validate(); err != nil {
		return automationtypes.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.byTenant[tenantID]
	for i, r := range rules {
		if r.ID != ruleID {
			continue
		}
		rule.ID = r.ID
		rule.TenantID = tenantID
		rule.CreatedAt = r.CreatedAt
		rule.UpdatedAt = time.Now().UTC()
		rules[i] = rule
		return rule, nil
	}
	return automationtypes.Rule{}, ports.ErrRuleNotFound
}

func (s *ruleMemoryStore) SetRuleActive(_ context.Context, tenantID string, ruleID string, active bool) (automationtypes.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.byTenant[tenantID]
	for i, r := range rules {
		if r.ID != ruleID {
			continue
		}
		r.IsActive = active
		r.UpdatedAt = time.Now().UTC()
		rules[i] = r
		return r, nil
	}
	return automationtypes.Rule{}, ports.ErrRuleNotFound
}

func (s *ruleMemoryStore) DeleteRule(_ context.Context, tenantID string, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := s.byTenant[tenantID]
	for i, r := range rules {
		if r.ID == ruleID {
			s.byTenant[tenantID] = append(rules[:i], rules[i+1:]...)
			return nil
		}
	}
	return ports.ErrRuleNotFound
}

func (s *ruleMemoryStore) SetWebhookSecret(tenantID string, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[tenantID] = secret
}

func (s *ruleMemoryStore) GetWebhookSecret(_ context.Context, tenantID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, ok := s.secrets[tenantID]
	return secret, ok, nil
}

// envFallbackWebhookSecrets lets a deployment run with a single shared
// webhook secret (AUTOMATION_WEBHOOK_SECRET) before per-tenant secrets are
// provisioned.
type envFallbackWebhookSecrets struct {
	inner ports.WebhookSecretStore
}

func (s envFallbackWebhookSecrets) GetWebhookSecret(ctx context.Context, tenantID string) (string, bool, error) {
	if s.inner != nil {
		secret, ok, err := s.inner.GetWebhookSecret(ctx, tenantID)
		if err != nil || ok {
			return secret, ok, err
		}
	}
	if secret := strings.TrimSpace(os.Getenv("AUTOMATION_WEBHOOK_SECRET")); secret != "" {
		return secret, true, nil
	}
	return "", false, nil
}

type ruleAPICondition struct {
	Field    string  `json:"field"`
	Operator string  `json:"operator"`
	Value    float64 `json:"value"`
}

type ruleAPIAction struct {
	Kind          string `json:"kind"`
	Message       string `json:"message,omitempty"`
	Recipient     string `json:"recipient,omitempty"`
	Subject       string `json:"subject,omitempty"`
	VendorID      string `json:"vendor_id,omitempty"`
	OrderQuantity int64  `json:"order_quantity,omitempty"`
}

type ruleAPIItem struct {
	RuleUUID  string            `json:"rule_uuid"`
	Name      string            `json:"name"`
	IsActive  bool              `json:"is_active"`
	Trigger   string            `json:"trigger"`
	Condition *ruleAPICondition `json:"condition"`
	Action    ruleAPIAction     `json:"action"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

func ruleToAPI(r automationtypes.Rule) ruleAPIItem {
	out := ruleAPIItem{
		RuleUUID: r.ID,
		Name:     r.Name,
		IsActive: r.IsActive,
		Trigger:  string(r.Trigger),
		Action: ruleAPIAction{
			Kind:          string(r.Action.Kind),
			Message:       r.Action.Message,
			Recipient:     r.Action.Recipient,
			Subject:       r.Action.Subject,
			VendorID:      r.Action.VendorID,
			OrderQuantity: r.Action.OrderQuantity,
		},
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if r.Condition != nil {
		out.Condition = &ruleAPICondition{
			Field:    r.Condition.Field,
			Operator: string(r.Condition.Operator),
			Value:    r.Condition.Value,
		}
	}
	return out
}

type ruleAPIRequest struct {
	Name      string            `json:"name"`
	IsActive  *bool             `json:"is_active"`
	Trigger   string            `json:"trigger"`
	Condition *ruleAPICondition `json:"condition"`
	Action    ruleAPIAction     `json:"action"`
}

func (req ruleAPIRequest) toRule() automationtypes.Rule {
	rule := automationtypes.Rule{
		Name:     strings.TrimSpace(req.Name),
		IsActive: true,
		Trigger:  automationtypes.TriggerType(strings.TrimSpace(req.Trigger)),
		Action: automationtypes.Action{
			Kind:          automationtypes.ActionKind(strings.TrimSpace(req.Action.Kind)),
			Message:       req.Action.Message,
			Recipient:     strings.TrimSpace(req.Action.Recipient),
			Subject:       req.Action.Subject,
			VendorID:      strings.TrimSpace(req.Action.VendorID),
			OrderQuantity: req.Action.OrderQuantity,
		},
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.Condition != nil {
		rule.Condition = &automationtypes.Condition{
			Field:    strings.TrimSpace(req.Condition.Field),
			Operator: automationtypes.ConditionOperator(strings.TrimSpace(req.Condition.Operator)),
			Value:    req.Condition.Value,
		}
	}
	return rule
}

func writeRuleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ports.ErrRuleNotFound):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "AUTOMATION_RULE_NOT_FOUND", "rule not found")
	case isPgUniqueViolation(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, stablePgMessage(err), "rule name already exists")
	case isPgInvalidInput(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "AUTOMATION_RULE_INVALID", pgErrorMessage(err))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "AUTOMATION_INTERNAL", "automation internal")
	}
}

func handleAutomationRulesAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rules, err := store.ListRules(r.Context(), tenant.ID)
		if err != nil {
			writeRuleError(w, r, err)
			return
		}
		out := make([]ruleAPIItem, 0, len(rules))
		for _, rule := range rules {
			out = append(out, ruleToAPI(rule))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id": tenant.ID,
			"rules":     out,
		})
		return

	case http.MethodPost:
		var req ruleAPIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		rule := req.toRule()
		if err := rule.Validate(); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "AUTOMATION_RULE_INVALID", err.Error())
			return
		}
		created, err := store.CreateRule(r.Context(), tenant.ID, rule)
		if err != nil {
			writeRuleError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ruleToAPI(created))
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func parseRulePath(path string) (ruleID string, verb string) {
	const prefix = "/automation/api/rules/"
	if !strings.HasPrefix(path, prefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 3)
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[0], parts[1]
	default:
		return "", ""
	}
}

func handleAutomationRuleAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	ruleID, _ := parseRulePath(r.URL.Path)
	if ruleID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "rule_id required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rule, err := store.GetRule(r.Context(), tenant.ID, ruleID)
		if err != nil {
			writeRuleError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(ruleToAPI(rule))
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func handleAutomationRuleUpdateAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	ruleID, _ := parseRulePath(r.URL.Path)
	if ruleID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "rule_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req ruleAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	rule := req.toRule()
	if err := rule.Validate(); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "AUTOMATION_RULE_INVALID", err.Error())
		return
	}
	updated, err := store.UpdateRule(r.Context(), tenant.ID, ruleID, rule)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ruleToAPI(updated))
}

func handleAutomationRuleDeleteAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	ruleID, _ := parseRulePath(r.URL.Path)
	if ruleID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "rule_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := store.DeleteRule(r.Context(), tenant.ID, ruleID); err != nil {
		writeRuleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"deleted": true})
}

func handleAutomationRuleEnableAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore) {
	handleAutomationRuleActiveAPI(w, r, store, true)
}

func handleAutomationRuleDisableAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore) {
	handleAutomationRuleActiveAPI(w, r, store, false)
}

func handleAutomationRuleActiveAPI(w http.ResponseWriter, r *http.Request, store ports.RuleStore, active bool) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	ruleID, _ := parseRulePath(r.URL.Path)
	if ruleID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "rule_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	rule, err := store.SetRuleActive(r.Context(), tenant.ID, ruleID, active)
	if err != nil {
		writeRuleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(ruleToAPI(rule))
}

type automationEventRequest struct {
	Type      string                        `json:"type"`
	Record    *automationtypes.ItemSnapshot `json:"record"`
	OldRecord *automationtypes.ItemSnapshot `json:"old_record"`
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(h, prefix))
}

// handleAutomationEventsAPI is the inbound change-event webhook. The tenant
// comes from the event record itself, not from the request host, and the
// caller authenticates with the tenant's webhook secret.
func handleAutomationEventsAPI(w http.ResponseWriter, r *http.Request, secrets ports.WebhookSecretStore, engine *automationEngine) {
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req automationEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	if req.Record == nil || strings.TrimSpace(req.Record.TenantID) == "" {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "AUTOMATION_TENANT_MISSING", "record tenant_id required")
		return
	}
	tenantID := strings.TrimSpace(req.Record.TenantID)

	secret, ok, err := secrets.GetWebhookSecret(r.Context(), tenantID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "AUTOMATION_INTERNAL", "automation internal")
		return
	}
	token := bearerToken(r)
	if !ok || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	op, err := automationtypes.ParseChangeOp(req.Type)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "AUTOMATION_EVENT_INVALID", err.Error())
		return
	}

	event := automationtypes.ChangeEvent{
		Op:        op,
		Record:    *req.Record,
		OldRecord: req.OldRecord,
	}
	results, err := engine.Run(r.Context(), tenantID, event)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "AUTOMATION_RULES_UNAVAILABLE", "rules unavailable")
		return
	}
	if results == nil {
		results = []automationtypes.Outcome{}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": "event processed",
		"results": results,
	})
}
