package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func createTestOrder(t *testing.T, store OrderStore, items ...Item) orderAPIItem {
	t.Helper()
	lines := make([]OrderLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, OrderLine{
			ItemUUID: it.UUID,
			SKU:      it.SKU,
			Name:     it.Name,
			Location: it.Location,
			Quantity: 2,
		})
	}
	o, err := store.CreateOrder(context.Background(), testTenantID, OrderInput{
		CustomerUUID: "customer-1",
		Lines:        lines,
	})
	if err != nil {
		t.Fatal(err)
	}
	return orderToAPI(o)
}

func postOrderVerb(t *testing.T, path string, handler func(http.ResponseWriter, *http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req = req.WithContext(ctxWithTenant(req.Context()))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleOrdersAPI(t *testing.T) {
	t.Run("tenant missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/orders/api/orders", nil)
		rec := httptest.NewRecorder()
		handleOrdersAPI(rec, req, newOrderMemoryStore(), newInventoryMemoryStore())
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("create snapshots item fields into lines", func(t *testing.T) {
		inventory := newInventoryMemoryStore()
		item := createTestItem(t, inventory, "WID-1", 10)
		store := newOrderMemoryStore()

		body := fmt.Sprintf(`{"customer_uuid": "customer-1", "lines": [{"item_uuid": %q, "quantity": 2}]}`, item.UUID)
		req := httptest.NewRequest(http.MethodPost, "/orders/api/orders", strings.NewReader(body))
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handleOrdersAPI(rec, req, store, inventory)
		if rec.Code != http.StatusCreated {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var o orderAPIItem
		if err := json.NewDecoder(rec.Body).Decode(&o); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if o.Status != "draft" || o.Number != "SO-000001" {
			t.Fatalf("order=%+v", o)
		}
		if len(o.Lines) != 1 || o.Lines[0].SKU != "WID-1" || o.Lines[0].Location != "A-01" {
			t.Fatalf("lines=%+v", o.Lines)
		}
	})

	t.Run("create rejects unknown item", func(t *testing.T) {
		store := newOrderMemoryStore()
		body := `{"customer_uuid": "customer-1", "lines": [{"item_uuid": "item-999", "quantity": 2}]}`
		req := httptest.NewRequest(http.MethodPost, "/orders/api/orders", strings.NewReader(body))
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handleOrdersAPI(rec, req, store, newInventoryMemoryStore())
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("create requires customer and lines", func(t *testing.T) {
		store := newOrderMemoryStore()
		req := httptest.NewRequest(http.MethodPost, "/orders/api/orders", strings.NewReader(`{"customer_uuid": "", "lines": []}`))
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handleOrdersAPI(rec, req, store, newInventoryMemoryStore())
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "ORDERS_ORDER_INVALID") {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("list filters by status", func(t *testing.T) {
		inventory := newInventoryMemoryStore()
		item := createTestItem(t, inventory, "WID-1", 10)
		store := newOrderMemoryStore()
		first := createTestOrder(t, store, item)
		createTestOrder(t, store, item)
		if _, err := store.SetOrderStatus(context.Background(), testTenantID, first.OrderUUID, orderStatusOpen); err != nil {
			t.Fatal(err)
		}

		req := httptest.NewRequest(http.MethodGet, "/orders/api/orders?status=open", nil)
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handleOrdersAPI(rec, req, store, inventory)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d", rec.Code)
		}
		var body struct {
			TenantID string         `json:"tenant_id"`
			Orders   []orderAPIItem `json:"orders"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(body.Orders) != 1 || body.Orders[0].OrderUUID != first.OrderUUID {
			t.Fatalf("orders=%+v", body.Orders)
		}
	})
}

func TestHandleOrderTransitions(t *testing.T) {
	inventory := newInventoryMemoryStore()
	item := createTestItem(t, inventory, "WID-1", 10)
	store := newOrderMemoryStore()
	activity := newActivityMemoryStore()
	o := createTestOrder(t, store, item)

	t.Run("open from draft", func(t *testing.T) {
		rec := postOrderVerb(t, "/orders/api/orders/"+o.OrderUUID+"/open", func(w http.ResponseWriter, r *http.Request) {
			handleOrderOpenAPI(w, r, store, activity)
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var got orderAPIItem
		_ = json.NewDecoder(rec.Body).Decode(&got)
		if got.Status != orderStatusOpen {
			t.Fatalf("status=%q", got.Status)
		}
	})

	t.Run("pick from open", func(t *testing.T) {
		rec := postOrderVerb(t, "/orders/api/orders/"+o.OrderUUID+"/pick", func(w http.ResponseWriter, r *http.Request) {
			handleOrderPickAPI(w, r, store, activity)
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("invalid transition", func(t *testing.T) {
		rec := postOrderVerb(t, "/orders/api/orders/"+o.OrderUUID+"/open", func(w http.ResponseWriter, r *http.Request) {
			handleOrderOpenAPI(w, r, store, activity)
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		rec := postOrderVerb(t, "/orders/api/orders/order-999/cancel", func(w http.ResponseWriter, r *http.Request) {
			handleOrderCancelAPI(w, r, store, activity)
		})
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("transition records activity", func(t *testing.T) {
		entries, err := activity.ListActivity(context.Background(), testTenantID, "Orders", 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != 2 {
			t.Fatalf("entries=%+v", entries)
		}
	})
}

func TestHandleOrderFulfillAPI(t *testing.T) {
	inventory := newInventoryMemoryStore()
	item := createTestItem(t, inventory, "WID-1", 10)
	store := newOrderMemoryStore()
	activity := newActivityMemoryStore()
	sink := &fakeStockSink{}
	o := createTestOrder(t, store, item)
	if _, err := store.SetOrderStatus(context.Background(), testTenantID, o.OrderUUID, orderStatusOpen); err != nil {
		t.Fatal(err)
	}

	rec := postOrderVerb(t, "/orders/api/orders/"+o.OrderUUID+"/fulfill", func(w http.ResponseWriter, r *http.Request) {
		handleOrderFulfillAPI(w, r, store, inventory, activity, sink)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}

	var body struct {
		Order orderAPIItem `json:"order"`
		Lines []struct {
			ItemUUID string `json:"item_uuid"`
			Quantity int64  `json:"quantity"`
			Error    string `json:"error"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Order.Status != orderStatusFulfilled {
		t.Fatalf("status=%q", body.Order.Status)
	}
	if len(body.Lines) != 1 || body.Lines[0].Error != "" {
		t.Fatalf("lines=%+v", body.Lines)
	}

	got, err := inventory.GetItem(context.Background(), testTenantID, item.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Quantity != 8 {
		t.Fatalf("quantity=%d", got.Quantity)
	}
	if len(sink.calls) != 1 || sink.calls[0].before.Quantity != 10 || sink.calls[0].after.Quantity != 8 {
		t.Fatalf("sink calls=%+v", sink.calls)
	}
}

func TestHandleOrderFulfillReportsLineFailures(t *testing.T) {
	inventory := newInventoryMemoryStore()
	item := createTestItem(t, inventory, "WID-1", 1)
	store := newOrderMemoryStore()
	o := createTestOrder(t, store, item) // wants 2, only 1 on hand
	if _, err := store.SetOrderStatus(context.Background(), testTenantID, o.OrderUUID, orderStatusOpen); err != nil {
		t.Fatal(err)
	}

	rec := postOrderVerb(t, "/orders/api/orders/"+o.OrderUUID+"/fulfill", func(w http.ResponseWriter, r *http.Request) {
		handleOrderFulfillAPI(w, r, store, inventory, newActivityMemoryStore(), nil)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Lines []struct {
			Error string `json:"error"`
		} `json:"lines"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Lines) != 1 || body.Lines[0].Error == "" {
		t.Fatalf("lines=%+v", body.Lines)
	}
}

func TestParseOrderPath(t *testing.T) {
	cases := []struct {
		path string
		id   string
		verb string
	}{
		{"/orders/api/orders/order-1", "order-1", ""},
		{"/orders/api/orders/order-1/fulfill", "order-1", "fulfill"},
		{"/orders/api/orders/order-1/a/b", "", ""},
		{"/orders/api/orders", "", ""},
	}
	for _, tc := range cases {
		id, verb := parseOrderPath(tc.path)
		if id != tc.id || verb != tc.verb {
			t.Fatalf("parseOrderPath(%q) = %q, %q", tc.path, id, verb)
		}
	}
}

func TestHandlePickingWaveBuildAPI(t *testing.T) {
	inventory := newInventoryMemoryStore()
	widgets := createTestItem(t, inventory, "WID-1", 10)
	gadgets := createTestItem(t, inventory, "GAD-1", 10)
	store := newOrderMemoryStore()

	o1 := createTestOrder(t, store, widgets, gadgets)
	o2 := createTestOrder(t, store, widgets)
	for _, id := range []string{o1.OrderUUID, o2.OrderUUID} {
		if _, err := store.SetOrderStatus(context.Background(), testTenantID, id, orderStatusOpen); err != nil {
			t.Fatal(err)
		}
	}

	build := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders/api/picking-waves:build", strings.NewReader(body))
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handlePickingWaveBuildAPI(rec, req, store)
		return rec
	}

	t.Run("consolidates lines per location and sku", func(t *testing.T) {
		rec := build(fmt.Sprintf(`{"order_ids": [%q, %q]}`, o1.OrderUUID, o2.OrderUUID))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var body struct {
			Orders int                `json:"orders"`
			Groups []PickingWaveGroup `json:"groups"`
		}
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Orders != 2 {
			t.Fatalf("orders=%d", body.Orders)
		}
		if len(body.Groups) != 1 || body.Groups[0].Location != "A-01" {
			t.Fatalf("groups=%+v", body.Groups)
		}
		picks := body.Groups[0].Picks
		if len(picks) != 2 || picks[0].SKU != "GAD-1" || picks[0].Total != 2 || picks[1].SKU != "WID-1" || picks[1].Total != 4 {
			t.Fatalf("picks=%+v", picks)
		}
	})

	t.Run("empty order list", func(t *testing.T) {
		rec := build(`{"order_ids": []}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		rec := build(`{"order_ids": ["order-999"]}`)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("draft order rejected", func(t *testing.T) {
		draft := createTestOrder(t, store, widgets)
		rec := build(fmt.Sprintf(`{"order_ids": [%q]}`, draft.OrderUUID))
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})
}
