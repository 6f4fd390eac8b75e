package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/fortresshq/fortress/internal/routing"
	automationtypes "github.com/fortresshq/fortress/modules/automation/domain/types"
)

type itemAPIItem struct {
	ItemUUID       string `json:"item_uuid"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Quantity       int64  `json:"quantity"`
	Location       string `json:"location,omitempty"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	VendorUUID     string `json:"vendor_uuid,omitempty"`
	ReorderPoint   int64  `json:"reorder_point"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

func itemToAPI(it Item) itemAPIItem {
	return itemAPIItem{
		ItemUUID:       it.UUID,
		SKU:            it.SKU,
		Name:           it.Name,
		Description:    it.Description,
		Quantity:       it.Quantity,
		Location:       it.Location,
		UnitPriceCents: it.UnitPriceCents,
		VendorUUID:     it.VendorUUID,
		ReorderPoint:   it.ReorderPoint,
		Status:         it.Status,
		CreatedAt:      it.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:      it.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type itemAPIRequest struct {
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Description    string `json:"description"`
	Quantity       int64  `json:"quantity"`
	Location       string `json:"location"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	VendorUUID     string `json:"vendor_uuid"`
	ReorderPoint   int64  `json:"reorder_point"`
}

func (req itemAPIRequest) toInput() ItemInput {
	return ItemInput{
		SKU:            req.SKU,
		Name:           req.Name,
		Description:    req.Description,
		Quantity:       req.Quantity,
		Location:       req.Location,
		UnitPriceCents: req.UnitPriceCents,
		VendorUUID:     req.VendorUUID,
		ReorderPoint:   req.ReorderPoint,
	}
}

func writeItemError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "INVENTORY_ITEM_NOT_FOUND", "item not found")
	case isBadRequestError(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "INVENTORY_ITEM_INVALID", err.Error())
	case isPgUniqueViolation(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, stablePgMessage(err), "sku already exists")
	case isPgInvalidInput(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "INVENTORY_ITEM_INVALID", pgErrorMessage(err))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "INVENTORY_INTERNAL", "inventory internal")
	}
}

func handleItemsAPI(w http.ResponseWriter, r *http.Request, store InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 100
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		items, err := store.ListItems(r.Context(), tenant.ID, q, limit)
		if err != nil {
			writeItemError(w, r, err)
			return
		}
		out := make([]itemAPIItem, 0, len(items))
		for _, it := range items {
			out = append(out, itemToAPI(it))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id": tenant.ID,
			"items":     out,
		})
		return

	case http.MethodPost:
		var req itemAPIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		it, err := store.CreateItem(r.Context(), tenant.ID, req.toInput())
		if err != nil {
			writeItemError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(itemToAPI(it))
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func handleItemBySKUAPI(w http.ResponseWriter, r *http.Request, store InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	raw := strings.TrimSpace(r.URL.Query().Get("sku"))
	if raw == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "INVENTORY_SKU_INVALID", "sku required")
		return
	}
	it, err := store.FindItemBySKU(r.Context(), tenant.ID, raw)
	if err != nil {
		if isBadRequestError(err) {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "INVENTORY_SKU_INVALID", err.Error())
			return
		}
		writeItemError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(itemToAPI(it))
}

func handleLowStockItemsAPI(w http.ResponseWriter, r *http.Request, store InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	items, err := store.ListLowStockItems(r.Context(), tenant.ID)
	if err != nil {
		writeItemError(w, r, err)
		return
	}
	out := make([]itemAPIItem, 0, len(items))
	for _, it := range items {
		out = append(out, itemToAPI(it))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenant.ID,
		"items":     out,
	})
}

// parseItemPath splits "/inventory/api/items/{item_id}[/verb]" into id and
// trailing verb. Empty strings mean the segment was absent.
func parseItemPath(path string) (itemID string, verb string) {
	const prefix = "/inventory/api/items/"
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

func handleItemAPI(w http.ResponseWriter, r *http.Request, store InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	itemID, _ := parseItemPath(r.URL.Path)
	if itemID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "item_id required")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	it, err := store.GetItem(r.Context(), tenant.ID, itemID)
	if err != nil {
		writeItemError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(itemToAPI(it))
}

func handleItemUpdateAPI(w http.ResponseWriter, r *http.Request, store InventoryStore, activity ActivityStore, sink stockChangeSink) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	itemID, _ := parseItemPath(r.URL.Path)
	if itemID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "item_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req itemAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	before, after, err := store.UpdateItem(r.Context(), tenant.ID, itemID, req.toInput())
	if err != nil {
		writeItemError(w, r, err)
		return
	}

	recordActivity(r.Context(), activity, tenant.ID, "Inventory", "item updated: "+after.SKU, map[string]any{
		"item_id":      after.UUID,
		"sku":          after.SKU,
		"old_quantity": before.Quantity,
		"new_quantity": after.Quantity,
	})
	results := fireStockChange(r.Context(), tenant.ID, before, after, sink)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"item":    itemToAPI(after),
		"results": results,
	})
}

func handleItemDeleteAPI(w http.ResponseWriter, r *http.Request, store InventoryStore, activity ActivityStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	itemID, _ := parseItemPath(r.URL.Path)
	if itemID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "item_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := store.DeleteItem(r.Context(), tenant.ID, itemID); err != nil {
		writeItemError(w, r, err)
		return
	}
	recordActivity(r.Context(), activity, tenant.ID, "Inventory", "item deleted", map[string]any{"item_id": itemID})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"deleted": true})
}

type itemAdjustAPIRequest struct {
	Quantity *int64 `json:"quantity"`
	Delta    *int64 `json:"delta"`
	Reason   string `json:"reason"`
}

func handleItemAdjustAPI(w http.ResponseWriter, r *http.Request, store InventoryStore, activity ActivityStore, sink stockChangeSink) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	itemID, _ := parseItemPath(r.URL.Path)
	if itemID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "item_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req itemAdjustAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	if (req.Quantity == nil) == (req.Delta == nil) {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "exactly one of quantity or delta required")
		return
	}

	var before, after Item
	var err error
	if req.Quantity != nil {
		before, after, err = store.SetItemQuantity(r.Context(), tenant.ID, itemID, *req.Quantity)
	} else {
		before, after, err = store.AdjustItemQuantity(r.Context(), tenant.ID, itemID, *req.Delta)
	}
	if err != nil {
		writeItemError(w, r, err)
		return
	}

	recordActivity(r.Context(), activity, tenant.ID, "Inventory", "quantity adjusted for "+after.SKU, map[string]any{
		"item_id":      after.UUID,
		"sku":          after.SKU,
		"old_quantity": before.Quantity,
		"new_quantity": after.Quantity,
		"reason":       strings.TrimSpace(req.Reason),
	})
	results := fireStockChange(r.Context(), tenant.ID, before, after, sink)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"item":    itemToAPI(after),
		"results": results,
	})
}

// fireStockChange feeds the rule engine when a write changed an item's
// quantity. Engine failures are logged, never surfaced to the caller: the
// inventory write already committed.
func fireStockChange(ctx context.Context, tenantID string, before Item, after Item, sink stockChangeSink) []automationtypes.Outcome {
	if sink == nil || before.Quantity == after.Quantity {
		return []automationtypes.Outcome{}
	}
	results, err := sink.ItemQuantityChanged(ctx, tenantID, before, after)
	if err != nil {
		zap.L().Warn("automation run failed",
			zap.String("tenant_id", tenantID),
			zap.String("item_id", after.UUID),
			zap.Error(err))
		return []automationtypes.Outcome{}
	}
	if results == nil {
		results = []automationtypes.Outcome{}
	}
	return results
}

func recordActivity(ctx context.Context, store ActivityStore, tenantID string, kind string, message string, details map[string]any) {
	if store == nil {
		return
	}
	actorID := ""
	if p, ok := currentPrincipal(ctx); ok {
		actorID = p.ID
	}
	if _, err := store.AppendActivity(ctx, tenantID, kind, message, details, actorID); err != nil {
		zap.L().Warn("activity append failed",
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.Error(err))
	}
}
