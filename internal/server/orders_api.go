package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fortresshq/fortress/internal/routing"
)

type orderAPIItem struct {
	OrderUUID    string      `json:"order_uuid"`
	Number       string      `json:"number"`
	CustomerUUID string      `json:"customer_uuid"`
	Status       string      `json:"status"`
	Lines        []OrderLine `json:"lines"`
	CreatedAt    string      `json:"created_at"`
}

func orderToAPI(o Order) orderAPIItem {
	lines := o.Lines
	if lines == nil {
		lines = []OrderLine{}
	}
	return orderAPIItem{
		OrderUUID:    o.UUID,
		Number:       o.Number,
		CustomerUUID: o.CustomerUUID,
		Status:       o.Status,
		Lines:        lines,
		CreatedAt:    o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writeOrderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "ORDERS_ORDER_NOT_FOUND", "order not found")
	case isBadRequestError(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "ORDERS_ORDER_INVALID", err.Error())
	case isPgInvalidInput(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "ORDERS_ORDER_INVALID", pgErrorMessage(err))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "ORDERS_INTERNAL", "orders internal")
	}
}

func handleOrdersAPI(w http.ResponseWriter, r *http.Request, store OrderStore, inventory InventoryStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		status := strings.TrimSpace(r.URL.Query().Get("status"))
		limit := 100
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		orders, err := store.ListOrders(r.Context(), tenant.ID, status, limit)
		if err != nil {
			writeOrderError(w, r, err)
			return
		}
		out := make([]orderAPIItem, 0, len(orders))
		for _, o := range orders {
			out = append(out, orderToAPI(o))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id": tenant.ID,
			"orders":    out,
		})
		return

	case http.MethodPost:
		var req struct {
			CustomerUUID string `json:"customer_uuid"`
			Lines        []struct {
				ItemUUID string `json:"item_uuid"`
				Quantity int64  `json:"quantity"`
			} `json:"lines"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
			return
		}

		// Lines snapshot the item's sku/name/location at order time so
		// pick lists stay stable when items move later.
		lines := make([]OrderLine, 0, len(req.Lines))
		for _, l := range req.Lines {
			it, err := inventory.GetItem(r.Context(), tenant.ID, strings.TrimSpace(l.ItemUUID))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "ORDERS_ORDER_INVALID", "unknown item "+l.ItemUUID)
					return
				}
				writeOrderError(w, r, err)
				return
			}
			lines = append(lines, OrderLine{
				ItemUUID: it.UUID,
				SKU:      it.SKU,
				Name:     it.Name,
				Location: it.Location,
				Quantity: l.Quantity,
			})
		}

		o, err := store.CreateOrder(r.Context(), tenant.ID, OrderInput{
			CustomerUUID: req.CustomerUUID,
			Lines:        lines,
		})
		if err != nil {
			writeOrderError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(orderToAPI(o))
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func parseOrderPath(path string) (orderID string, verb string) {
	const prefix = "/orders/api/orders/"
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

func handleOrderAPI(w http.ResponseWriter, r *http.Request, store OrderStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	orderID, _ := parseOrderPath(r.URL.Path)
	if orderID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "order_id required")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	o, err := store.GetOrder(r.Context(), tenant.ID, orderID)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(orderToAPI(o))
}

func handleOrderOpenAPI(w http.ResponseWriter, r *http.Request, store OrderStore, activity ActivityStore) {
	handleOrderTransition(w, r, store, activity, orderStatusOpen)
}

func handleOrderPickAPI(w http.ResponseWriter, r *http.Request, store OrderStore, activity ActivityStore) {
	handleOrderTransition(w, r, store, activity, orderStatusPicking)
}

func handleOrderCancelAPI(w http.ResponseWriter, r *http.Request, store OrderStore, activity ActivityStore) {
	handleOrderTransition(w, r, store, activity, orderStatusCancelled)
}

func handleOrderTransition(w http.ResponseWriter, r *http.Request, store OrderStore, activity ActivityStore, status string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	orderID, _ := parseOrderPath(r.URL.Path)
	if orderID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "order_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	o, err := store.SetOrderStatus(r.Context(), tenant.ID, orderID, status)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}
	recordActivity(r.Context(), activity, tenant.ID, "Orders", "order "+o.Number+" "+status, map[string]any{
		"order_id": o.UUID,
		"number":   o.Number,
		"status":   o.Status,
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(orderToAPI(o))
}

// handleOrderFulfillAPI marks an order fulfilled and decrements inventory
// per line, firing the rule engine for every quantity that changed. Line
// failures (e.g. insufficient stock) are reported per line; the order status
// write is not rolled back.
func handleOrderFulfillAPI(w http.ResponseWriter, r *http.Request, store OrderStore, inventory InventoryStore, activity ActivityStore, sink stockChangeSink) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	orderID, _ := parseOrderPath(r.URL.Path)
	if orderID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "order_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	o, err := store.SetOrderStatus(r.Context(), tenant.ID, orderID, orderStatusFulfilled)
	if err != nil {
		writeOrderError(w, r, err)
		return
	}

	type lineResult struct {
		ItemUUID string `json:"item_uuid"`
		SKU      string `json:"sku"`
		Quantity int64  `json:"quantity"`
		Error    string `json:"error,omitempty"`
	}
	lineResults := make([]lineResult, 0, len(o.Lines))
	for _, line := range o.Lines {
		res := lineResult{ItemUUID: line.ItemUUID, SKU: line.SKU, Quantity: line.Quantity}
		before, after, err := inventory.AdjustItemQuantity(r.Context(), tenant.ID, line.ItemUUID, -line.Quantity)
		if err != nil {
			res.Error = err.Error()
			lineResults = append(lineResults, res)
			continue
		}
		fireStockChange(r.Context(), tenant.ID, before, after, sink)
		lineResults = append(lineResults, res)
	}

	recordActivity(r.Context(), activity, tenant.ID, "Orders", "order "+o.Number+" fulfilled", map[string]any{
		"order_id": o.UUID,
		"number":   o.Number,
		"lines":    len(o.Lines),
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"order": orderToAPI(o),
		"lines": lineResults,
	})
}

func handlePickingWaveBuildAPI(w http.ResponseWriter, r *http.Request, store OrderStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		OrderIDs []string `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	if len(req.OrderIDs) == 0 {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "order_ids required")
		return
	}

	orders := make([]Order, 0, len(req.OrderIDs))
	for _, id := range req.OrderIDs {
		o, err := store.GetOrder(r.Context(), tenant.ID, strings.TrimSpace(id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "ORDERS_ORDER_NOT_FOUND", "order not found: "+id)
				return
			}
			writeOrderError(w, r, err)
			return
		}
		if o.Status != orderStatusOpen && o.Status != orderStatusPicking {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "ORDERS_ORDER_INVALID", "order "+o.Number+" is not open")
			return
		}
		orders = append(orders, o)
	}

	wave := buildPickingWave(orders)

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenant.ID,
		"orders":    len(orders),
		"groups":    wave,
	})
}
