package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fortresshq/fortress/internal/routing"
)

const (
	poStatusDraft     = "draft"
	poStatusOpen      = "open"
	poStatusReceived  = "received"
	poStatusCancelled = "cancelled"
)

type PurchaseOrderLine struct {
	ItemUUID       string `json:"item_uuid"`
	SKU            string `json:"sku"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type PurchaseOrder struct {
	UUID       string
	Number     string
	VendorUUID string
	Status     string
	Lines      []PurchaseOrderLine
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type PurchaseOrderInput struct {
	VendorUUID string
	Lines      []PurchaseOrderLine
	Reason     string
}

type PurchaseOrderStore interface {
	ListPurchaseOrders(ctx context.Context, tenantID string, status string, limit int) ([]PurchaseOrder, error)
	CreatePurchaseOrder(ctx context.Context, tenantID string, input PurchaseOrderInput) (PurchaseOrder, error)
	GetPurchaseOrder(ctx context.Context, tenantID string, poID string) (PurchaseOrder, error)
	SetPurchaseOrderStatus(ctx context.Context, tenantID string, poID string, status string) (PurchaseOrder, error)
}

func normalizePurchaseOrderInput(input PurchaseOrderInput) (PurchaseOrderInput, error) {
	input.VendorUUID = strings.TrimSpace(input.VendorUUID)
	if input.VendorUUID == "" {
		return PurchaseOrderInput{}, errors.New("vendor_uuid is required")
	}
	if len(input.Lines) == 0 {
		return PurchaseOrderInput{}, errors.New("at least one line is required")
	}
	for i, line := range input.Lines {
		if strings.TrimSpace(line.ItemUUID) == "" {
			return PurchaseOrderInput{}, fmt.Errorf("line %d: item_uuid is required", i+1)
		}
		if line.Quantity <= 0 {
			return PurchaseOrderInput{}, fmt.Errorf("line %d: quantity must be positive", i+1)
		}
		if line.UnitPriceCents < 0 {
			return PurchaseOrderInput{}, fmt.Errorf("line %d: unit_price_cents must not be negative", i+1)
		}
	}
	input.Reason = strings.TrimSpace(input.Reason)
	return input, nil
}

func validPOTransition(from, to string) bool {
	switch from {
	case poStatusDraft:
		return to == poStatusOpen || to == poStatusCancelled
	case poStatusOpen:
		return to == poStatusReceived || to == poStatusCancelled
	default:
		return false
	}
}

type purchaseOrderPGStore struct {
	pool pgBeginner
}

func newPurchaseOrderPGStore(pool pgBeginner) PurchaseOrderStore {
	return &purchaseOrderPGStore{pool: pool}
}

const poColumns = `po_uuid::text, number, vendor_uuid::text, status, lines, COALESCE(reason, ''), created_at, updated_at`

func scanPurchaseOrder(row interface{ Scan(dest ...any) error }) (PurchaseOrder, error) {
	var po PurchaseOrder
	var linesJSON []byte
	if err := row.Scan(&po.UUID, &po.Number, &po.VendorUUID, &po.Status, &linesJSON, &po.Reason, &po.CreatedAt, &po.UpdatedAt); err != nil {
		return PurchaseOrder{}, err
	}
	if len(linesJSON) > 0 {
		if err := json.Unmarshal(linesJSON, &po.Lines); err != nil {
			return PurchaseOrder{}, err
		}
	}
	return po, nil
}

func (s *purchaseOrderPGStore) ListPurchaseOrders(ctx context.Context, tenantID string, status string, limit int) ([]PurchaseOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	status = strings.TrimSpace(strings.ToLower(status))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := tx.Query(ctx, `
SELECT `+poColumns+`
FROM purchasing.purchase_orders
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR status = $2::text)
ORDER BY created_at DESC, po_uuid DESC
LIMIT $3::int
`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PurchaseOrder
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *purchaseOrderPGStore) CreatePurchaseOrder(ctx context.Context, tenantID string, input PurchaseOrderInput) (PurchaseOrder, error) {
	input, err := normalizePurchaseOrderInput(input)
	if err != nil {
		return PurchaseOrder{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return PurchaseOrder{}, err
	}

	linesJSON, err := json.Marshal(input.Lines)
	if err != nil {
		return PurchaseOrder{}, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO purchasing.purchase_orders (tenant_uuid, number, vendor_uuid, status, lines, reason)
VALUES ($1::uuid, 'PO-' || to_char(nextval('purchasing.po_number_seq'), 'FM000000'), $2::uuid, 'draft', $3::jsonb, NULLIF($4::text, ''))
RETURNING `+poColumns+`
`, tenantID, input.VendorUUID, linesJSON, input.Reason)
	po, err := scanPurchaseOrder(row)
	if err != nil {
		return PurchaseOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (s *purchaseOrderPGStore) GetPurchaseOrder(ctx context.Context, tenantID string, poID string) (PurchaseOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return PurchaseOrder{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT `+poColumns+`
FROM purchasing.purchase_orders
WHERE tenant_uuid = $1::uuid AND po_uuid = $2::uuid
`, tenantID, poID)
	po, err := scanPurchaseOrder(row)
	if err != nil {
		return PurchaseOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (s *purchaseOrderPGStore) SetPurchaseOrderStatus(ctx context.Context, tenantID string, poID string, status string) (PurchaseOrder, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PurchaseOrder{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return PurchaseOrder{}, err
	}

	current, err := func() (PurchaseOrder, error) {
		row := tx.QueryRow(ctx, `
SELECT `+poColumns+`
FROM purchasing.purchase_orders
WHERE tenant_uuid = $1::uuid AND po_uuid = $2::uuid
FOR UPDATE
`, tenantID, poID)
		return scanPurchaseOrder(row)
	}()
	if err != nil {
		return PurchaseOrder{}, err
	}
	if !validPOTransition(current.Status, status) {
		return PurchaseOrder{}, newBadRequestError(fmt.Sprintf("cannot move purchase order from %s to %s", current.Status, status))
	}

	row := tx.QueryRow(ctx, `
UPDATE purchasing.purchase_orders
SET status = $3::text, updated_at = now()
WHERE tenant_uuid = $1::uuid AND po_uuid = $2::uuid
RETURNING `+poColumns+`
`, tenantID, poID, status)
	po, err := scanPurchaseOrder(row)
	if err != nil {
		return PurchaseOrder{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return PurchaseOrder{}, err
	}
	return po, nil
}

type purchaseOrderMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]PurchaseOrder
	seq      int
}

func newPurchaseOrderMemoryStore() *purchaseOrderMemoryStore {
	return &purchaseOrderMemoryStore{byTenant: make(map[string][]PurchaseOrder)}
}

func (s *purchaseOrderMemoryStore) ListPurchaseOrders(_ context.Context, tenantID string, status string, limit int) ([]PurchaseOrder, error) {
	status = strings.TrimSpace(strings.ToLower(status))
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orders := s.byTenant[tenantID]
	var out []PurchaseOrder
	for i := len(orders) - 1; i >= 0; i-- {
		if status != "" && orders[i].Status != status {
			continue
		}
		out = append(out, orders[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *purchaseOrderMemoryStore) CreatePurchaseOrder(_ context.Context, tenantID string, input PurchaseOrderInput) (PurchaseOrder, error) {
	input, err := normalizePurchaseOrderInput(input)
	if err != nil {
		return PurchaseOrder{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := time.Now().UTC()
	po := PurchaseOrder{
		UUID:       "po-" + strconv.Itoa(s.seq),
		Number:     fmt.Sprintf("PO-%06d", s.seq),
		VendorUUID: input.VendorUUID,
		Status:     poStatusDraft,
		Lines:      append([]PurchaseOrderLine(nil), input.Lines...),
		Reason:     input.Reason,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], po)
	return po, nil
}

func (s *purchaseOrderMemoryStore) GetPurchaseOrder(_ context.Context, tenantID string, poID string) (PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, po := range s.byTenant[tenantID] {
		if po.UUID == poID {
			return po, nil
		}
	}
	return PurchaseOrder{}, pgx.ErrNoRows
}

func (s *purchaseOrderMemoryStore) SetPurchaseOrderStatus(_ context.Context, tenantID string, poID string, status string) (PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := s.byTenant[tenantID]
	for i, po := range orders {
		if po.UUID != poID {
			continue
		}
		if !validPOTransition(po.Status, status) {
			return PurchaseOrder{}, newBadRequestError(fmt.Sprintf("cannot move purchase order from %s to %s", po.Status, status))
		}
		po.Status = status
		po.UpdatedAt = time.Now().UTC()
		orders[i] = po
		return po, nil
	}
	return PurchaseOrder{}, pgx.ErrNoRows
}

type poAPIItem struct {
	POUUID     string              `json:"po_uuid"`
	Number     string              `json:"number"`
	VendorUUID string              `json:"vendor_uuid"`
	Status     string              `json:"status"`
	Lines      []PurchaseOrderLine `json:"lines"`
	Reason     string              `json:"reason,omitempty"`
	CreatedAt  string              `json:"created_at"`
}

func purchaseOrderToAPI(po PurchaseOrder) poAPIItem {
	lines := po.Lines
	if lines == nil {
		lines = []PurchaseOrderLine{}
	}
	return poAPIItem{
		POUUID:     po.UUID,
		Number:     po.Number,
		VendorUUID: po.VendorUUID,
		Status:     po.Status,
		Lines:      lines,
		Reason:     po.Reason,
		CreatedAt:  po.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writePurchaseOrderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "PURCHASING_PO_NOT_FOUND", "purchase order not found")
	case isBadRequestError(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "PURCHASING_PO_INVALID", err.Error())
	case isPgInvalidInput(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "PURCHASING_PO_INVALID", pgErrorMessage(err))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "PURCHASING_INTERNAL", "purchasing internal")
	}
}

func handlePurchaseOrdersAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore) {
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
		orders, err := store.ListPurchaseOrders(r.Context(), tenant.ID, status, limit)
		if err != nil {
			writePurchaseOrderError(w, r, err)
			return
		}
		out := make([]poAPIItem, 0, len(orders))
		for _, po := range orders {
			out = append(out, purchaseOrderToAPI(po))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id":       tenant.ID,
			"purchase_orders": out,
		})
		return

	case http.MethodPost:
		var req struct {
			VendorUUID string              `json:"vendor_uuid"`
			Lines      []PurchaseOrderLine `json:"lines"`
			Reason     string              `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		po, err := store.CreatePurchaseOrder(r.Context(), tenant.ID, PurchaseOrderInput{
			VendorUUID: req.VendorUUID,
			Lines:      req.Lines,
			Reason:     req.Reason,
		})
		if err != nil {
			writePurchaseOrderError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(purchaseOrderToAPI(po))
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func parsePurchaseOrderPath(path string) (poID string, verb string) {
	const prefix = "/purchasing/api/purchase-orders/"
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

func handlePurchaseOrderAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	poID, _ := parsePurchaseOrderPath(r.URL.Path)
	if poID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "po_id required")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	po, err := store.GetPurchaseOrder(r.Context(), tenant.ID, poID)
	if err != nil {
		writePurchaseOrderError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(purchaseOrderToAPI(po))
}

func handlePurchaseOrderOpenAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore, activity ActivityStore) {
	handlePurchaseOrderTransition(w, r, store, activity, poStatusOpen)
}

func handlePurchaseOrderCancelAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore, activity ActivityStore) {
	handlePurchaseOrderTransition(w, r, store, activity, poStatusCancelled)
}

func handlePurchaseOrderTransition(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore, activity ActivityStore, status string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	poID, _ := parsePurchaseOrderPath(r.URL.Path)
	if poID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "po_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	po, err := store.SetPurchaseOrderStatus(r.Context(), tenant.ID, poID, status)
	if err != nil {
		writePurchaseOrderError(w, r, err)
		return
	}
	recordActivity(r.Context(), activity, tenant.ID, "Purchasing", "purchase order "+po.Number+" "+status, map[string]any{
		"po_id":  po.UUID,
		"number": po.Number,
		"status": po.Status,
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(purchaseOrderToAPI(po))
}

// handlePurchaseOrderReceiveAPI marks an open purchase order received and
// books each line into inventory. Increments run after the status write;
// a failing line is reported but does not undo the receive.
func handlePurchaseOrderReceiveAPI(w http.ResponseWriter, r *http.Request, store PurchaseOrderStore, inventory InventoryStore, activity ActivityStore, sink stockChangeSink) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	poID, _ := parsePurchaseOrderPath(r.URL.Path)
	if poID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "po_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	po, err := store.SetPurchaseOrderStatus(r.Context(), tenant.ID, poID, poStatusReceived)
	if err != nil {
		writePurchaseOrderError(w, r, err)
		return
	}

	type lineResult struct {
		ItemUUID string `json:"item_uuid"`
		SKU      string `json:"sku"`
		Quantity int64  `json:"quantity"`
		Error    string `json:"error,omitempty"`
	}
	lineResults := make([]lineResult, 0, len(po.Lines))
	for _, line := range po.Lines {
		res := lineResult{ItemUUID: line.ItemUUID, SKU: line.SKU, Quantity: line.Quantity}
		before, after, err := inventory.AdjustItemQuantity(r.Context(), tenant.ID, line.ItemUUID, line.Quantity)
		if err != nil {
			res.Error = err.Error()
			lineResults = append(lineResults, res)
			continue
		}
		fireStockChange(r.Context(), tenant.ID, before, after, sink)
		lineResults = append(lineResults, res)
	}

	recordActivity(r.Context(), activity, tenant.ID, "Purchasing", "purchase order "+po.Number+" received", map[string]any{
		"po_id":  po.UUID,
		"number": po.Number,
		"lines":  len(po.Lines),
	})

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"purchase_order": purchaseOrderToAPI(po),
		"lines":          lineResults,
	})
}
