package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fortresshq/fortress/internal/routing"
)

// CycleCount is one recorded physical count of an item, with the stock
// discrepancy observed at count time.
type CycleCount struct {
	UUID      string
	ItemUUID  string
	SKU       string
	Expected  int64
	Counted   int64
	Delta     int64
	Note      string
	CountedBy string
	CreatedAt time.Time
}

type CycleCountStore interface {
	RecordCycleCount(ctx context.Context, tenantID string, count CycleCount) (CycleCount, error)
	ListCycleCounts(ctx context.Context, tenantID string, itemID string, limit int) ([]CycleCount, error)
}

type cycleCountPGStore struct {
	pool pgBeginner
}

func newCycleCountPGStore(pool pgBeginner) CycleCountStore {
	return &cycleCountPGStore{pool: pool}
}

func (s *cycleCountPGStore) RecordCycleCount(ctx context.Context, tenantID string, count CycleCount) (CycleCount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return CycleCount{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return CycleCount{}, err
	}

	out := count
	if err := tx.QueryRow(ctx, `
INSERT INTO inventory.cycle_counts (tenant_uuid, item_uuid, sku, expected, counted, delta, note, counted_by)
VALUES ($1::uuid, $2::uuid, $3::text, $4::bigint, $5::bigint, $6::bigint, NULLIF($7::text, ''), NULLIF($8::text, '')::uuid)
RETURNING count_uuid::text, created_at
`, tenantID, count.ItemUUID, count.SKU, count.Expected, count.Counted, count.Delta, count.Note, count.CountedBy).Scan(&out.UUID, &out.CreatedAt); err != nil {
		return CycleCount{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CycleCount{}, err
	}
	return out, nil
}

func (s *cycleCountPGStore) ListCycleCounts(ctx context.Context, tenantID string, itemID string, limit int) ([]CycleCount, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	itemID = strings.TrimSpace(itemID)
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := tx.Query(ctx, `
SELECT count_uuid::text, item_uuid::text, sku, expected, counted, delta, COALESCE(note, ''), COALESCE(counted_by::text, ''), created_at
FROM inventory.cycle_counts
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR item_uuid = $2::uuid)
ORDER BY created_at DESC, count_uuid DESC
LIMIT $3::int
`, tenantID, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CycleCount
	for rows.Next() {
		var c CycleCount
		if err := rows.Scan(&c.UUID, &c.ItemUUID, &c.SKU, &c.Expected, &c.Counted, &c.Delta, &c.Note, &c.CountedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type cycleCountMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]CycleCount
	seq      int
}

func newCycleCountMemoryStore() *cycleCountMemoryStore {
	return &cycleCountMemoryStore{byTenant: make(map[string][]CycleCount)}
}

func (s *cycleCountMemoryStore) RecordCycleCount(_ context.Context, tenantID string, count CycleCount) (CycleCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	count.UUID = "count-" + strconv.Itoa(s.seq)
	count.CreatedAt = time.Now().UTC()
	s.byTenant[tenantID] = append(s.byTenant[tenantID], count)
	return count, nil
}

func (s *cycleCountMemoryStore) ListCycleCounts(_ context.Context, tenantID string, itemID string, limit int) ([]CycleCount, error) {
	itemID = strings.TrimSpace(itemID)
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := s.byTenant[tenantID]
	var out []CycleCount
	for i := len(counts) - 1; i >= 0; i-- {
		if itemID != "" && counts[i].ItemUUID != itemID {
			continue
		}
		out = append(out, counts[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type cycleCountAPIItem struct {
	CountUUID string `json:"count_uuid"`
	ItemUUID  string `json:"item_uuid"`
	SKU       string `json:"sku"`
	Expected  int64  `json:"expected"`
	Counted   int64  `json:"counted"`
	Delta     int64  `json:"delta"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

func cycleCountToAPI(c CycleCount) cycleCountAPIItem {
	return cycleCountAPIItem{
		CountUUID: c.UUID,
		ItemUUID:  c.ItemUUID,
		SKU:       c.SKU,
		Expected:  c.Expected,
		Counted:   c.Counted,
		Delta:     c.Delta,
		Note:      c.Note,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// handleCycleCountsAPI records a physical count: it loads the item, stores
// the discrepancy row, adjusts stock to the counted value, and feeds the
// rule engine. The read and the write are separate transactions; a count
// racing another write records the expected value it saw.
func handleCycleCountsAPI(w http.ResponseWriter, r *http.Request, store CycleCountStore, inventory InventoryStore, activity ActivityStore, sink stockChangeSink) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		itemID := strings.TrimSpace(r.URL.Query().Get("item_id"))
		limit := 50
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		counts, err := store.ListCycleCounts(r.Context(), tenant.ID, itemID, limit)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "INVENTORY_INTERNAL", "inventory internal")
			return
		}
		out := make([]cycleCountAPIItem, 0, len(counts))
		for _, c := range counts {
			out = append(out, cycleCountToAPI(c))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id": tenant.ID,
			"counts":    out,
		})
		return

	case http.MethodPost:
		var req struct {
			ItemUUID string `json:"item_uuid"`
			Counted  *int64 `json:"counted"`
			Note     string `json:"note"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		req.ItemUUID = strings.TrimSpace(req.ItemUUID)
		if req.ItemUUID == "" || req.Counted == nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "item_uuid and counted required")
			return
		}
		if *req.Counted < 0 {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "INVENTORY_COUNT_INVALID", "counted must not be negative")
			return
		}

		item, err := inventory.GetItem(r.Context(), tenant.ID, req.ItemUUID)
		if err != nil {
			writeItemError(w, r, err)
			return
		}

		countedBy := ""
		if p, ok := currentPrincipal(r.Context()); ok {
			countedBy = p.ID
		}
		count := CycleCount{
			ItemUUID:  item.UUID,
			SKU:       item.SKU,
			Expected:  item.Quantity,
			Counted:   *req.Counted,
			Delta:     *req.Counted - item.Quantity,
			Note:      strings.TrimSpace(req.Note),
			CountedBy: countedBy,
		}
		count, err = store.RecordCycleCount(r.Context(), tenant.ID, count)
		if err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "INVENTORY_INTERNAL", "inventory internal")
			return
		}

		var results any = []any{}
		if count.Delta != 0 {
			before, after, err := inventory.SetItemQuantity(r.Context(), tenant.ID, item.UUID, count.Counted)
			if err != nil {
				writeItemError(w, r, err)
				return
			}
			recordActivity(r.Context(), activity, tenant.ID, "Inventory", "cycle count adjusted "+item.SKU, map[string]any{
				"item_id":  item.UUID,
				"sku":      item.SKU,
				"expected": count.Expected,
				"counted":  count.Counted,
				"delta":    count.Delta,
			})
			results = fireStockChange(r.Context(), tenant.ID, before, after, sink)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count":   cycleCountToAPI(count),
			"results": results,
		})
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}
