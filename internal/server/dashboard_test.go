package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newDashboardFixture(t *testing.T) (*dashboardService, InventoryStore, OrderStore, ActivityStore) {
	t.Helper()
	inventory := newInventoryMemoryStore()
	orders := newOrderMemoryStore()
	activity := newActivityMemoryStore()
	svc := newDashboardService(inventory, orders, activity, nil)
	return svc, inventory, orders, activity
}

func TestDashboardSummary(t *testing.T) {
	svc, inventory, orders, activity := newDashboardFixture(t)

	if _, err := inventory.CreateItem(context.Background(), testTenantID, ItemInput{
		SKU: "WID-1", Name: "Widget", Quantity: 10, UnitPriceCents: 250, ReorderPoint: 5, Location: "A-01",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := inventory.CreateItem(context.Background(), testTenantID, ItemInput{
		SKU: "GAD-1", Name: "Gadget", Quantity: 2, UnitPriceCents: 100, ReorderPoint: 5, Location: "B-02",
	}); err != nil {
		t.Fatal(err)
	}

	o, err := orders.CreateOrder(context.Background(), testTenantID, OrderInput{
		CustomerUUID: "customer-1",
		Lines:        []OrderLine{{ItemUUID: "item-1", SKU: "WID-1", Quantity: 1}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := orders.SetOrderStatus(context.Background(), testTenantID, o.UUID, orderStatusOpen); err != nil {
		t.Fatal(err)
	}

	if _, err := activity.AppendActivity(context.Background(), testTenantID, "Inventory", "stock adjusted", nil, ""); err != nil {
		t.Fatal(err)
	}

	summary, err := svc.Summary(context.Background(), testTenantID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ItemCount != 2 {
		t.Fatalf("item_count=%d", summary.ItemCount)
	}
	if summary.TotalValueCents != 10*250+2*100 {
		t.Fatalf("total_value_cents=%d", summary.TotalValueCents)
	}
	if summary.LowStockCount != 1 || len(summary.LowStockItems) != 1 || summary.LowStockItems[0].SKU != "GAD-1" {
		t.Fatalf("low stock=%d items=%+v", summary.LowStockCount, summary.LowStockItems)
	}
	if summary.OpenOrderCount != 1 {
		t.Fatalf("open_order_count=%d", summary.OpenOrderCount)
	}
	if len(summary.RecentActivity) != 1 || summary.RecentActivity[0].Message != "stock adjusted" {
		t.Fatalf("recent_activity=%+v", summary.RecentActivity)
	}
	if summary.GeneratedAt == "" {
		t.Fatalf("generated_at empty")
	}
}

func TestDashboardSummaryEmptyTenant(t *testing.T) {
	svc, _, _, _ := newDashboardFixture(t)
	summary, err := svc.Summary(context.Background(), testTenantID)
	if err != nil {
		t.Fatal(err)
	}
	if summary.ItemCount != 0 || summary.LowStockCount != 0 || summary.OpenOrderCount != 0 {
		t.Fatalf("summary=%+v", summary)
	}
	if summary.LowStockItems == nil || summary.RecentActivity == nil {
		t.Fatalf("slices should be non-nil: %+v", summary)
	}
}

func TestHandleDashboardSummaryAPI(t *testing.T) {
	t.Run("tenant missing", func(t *testing.T) {
		svc, _, _, _ := newDashboardFixture(t)
		req := httptest.NewRequest(http.MethodGet, "/dashboard/api/summary", nil)
		rec := httptest.NewRecorder()
		handleDashboardSummaryAPI(rec, req, svc)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("returns summary json", func(t *testing.T) {
		svc, inventory, _, _ := newDashboardFixture(t)
		createTestItem(t, inventory, "WID-1", 10)

		req := httptest.NewRequest(http.MethodGet, "/dashboard/api/summary", nil)
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handleDashboardSummaryAPI(rec, req, svc)
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		var summary dashboardSummary
		if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if summary.TenantID != testTenantID || summary.ItemCount != 1 {
			t.Fatalf("summary=%+v", summary)
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		svc, _, _, _ := newDashboardFixture(t)
		req := httptest.NewRequest(http.MethodPost, "/dashboard/api/summary", nil)
		req = req.WithContext(ctxWithTenant(req.Context()))
		rec := httptest.NewRecorder()
		handleDashboardSummaryAPI(rec, req, svc)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("status=%d", rec.Code)
		}
	})
}

type fakeDashboardInvalidator struct {
	tenants []string
}

func (f *fakeDashboardInvalidator) Invalidate(_ context.Context, tenantID string) {
	f.tenants = append(f.tenants, tenantID)
}

func TestInvalidatingStockSink(t *testing.T) {
	t.Run("quantity change drops the cached summary", func(t *testing.T) {
		inner := &fakeStockSink{}
		invalidator := &fakeDashboardInvalidator{}
		sink := invalidatingStockSink{inner: inner, dashboards: invalidator}

		before := Item{UUID: "item-1", SKU: "WID-1", Quantity: 10}
		after := before
		after.Quantity = 7
		fireStockChange(context.Background(), testTenantID, before, after, sink)

		if len(inner.calls) != 1 {
			t.Fatalf("sink calls=%d", len(inner.calls))
		}
		if len(invalidator.tenants) != 1 || invalidator.tenants[0] != testTenantID {
			t.Fatalf("invalidated=%v", invalidator.tenants)
		}
	})

	t.Run("unchanged quantity leaves the cache alone", func(t *testing.T) {
		inner := &fakeStockSink{}
		invalidator := &fakeDashboardInvalidator{}
		sink := invalidatingStockSink{inner: inner, dashboards: invalidator}

		item := Item{UUID: "item-1", SKU: "WID-1", Quantity: 10}
		fireStockChange(context.Background(), testTenantID, item, item, sink)

		if len(inner.calls) != 0 || len(invalidator.tenants) != 0 {
			t.Fatalf("calls=%d invalidated=%v", len(inner.calls), invalidator.tenants)
		}
	})

	t.Run("engine failure still invalidates", func(t *testing.T) {
		inner := &fakeStockSink{err: errors.New("rules unavailable")}
		invalidator := &fakeDashboardInvalidator{}
		sink := invalidatingStockSink{inner: inner, dashboards: invalidator}

		before := Item{UUID: "item-1", SKU: "WID-1", Quantity: 10}
		after := before
		after.Quantity = 12
		fireStockChange(context.Background(), testTenantID, before, after, sink)

		if len(invalidator.tenants) != 1 {
			t.Fatalf("invalidated=%v", invalidator.tenants)
		}
	})
}
