package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/fortresshq/fortress/internal/routing"
	automationtypes "github.com/fortresshq/fortress/modules/automation/domain/types"
)

type dashboardSummary struct {
	TenantID        string               `json:"tenant_id"`
	ItemCount       int                  `json:"item_count"`
	TotalValueCents int64                `json:"total_value_cents"`
	LowStockCount   int                  `json:"low_stock_count"`
	LowStockItems   []dashboardStockLine `json:"low_stock_items"`
	OpenOrderCount  int                  `json:"open_order_count"`
	RecentActivity  []dashboardActivity  `json:"recent_activity"`
	GeneratedAt     string               `json:"generated_at"`
}

type dashboardStockLine struct {
	SKU          string `json:"sku"`
	Name         string `json:"name"`
	Quantity     int64  `json:"quantity"`
	ReorderPoint int64  `json:"reorder_point"`
	Location     string `json:"location,omitempty"`
}

type dashboardActivity struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// dashboardService aggregates the per-tenant summary and optionally caches
// it in redis. A nil cache client disables caching entirely.
type dashboardService struct {
	inventory InventoryStore
	orders    OrderStore
	activity  ActivityStore
	cache     *redis.Client
	cacheTTL  time.Duration
}

func newDashboardService(inventory InventoryStore, orders OrderStore, activity ActivityStore, cache *redis.Client) *dashboardService {
	return &dashboardService{
		inventory: inventory,
		orders:    orders,
		activity:  activity,
		cache:     cache,
		cacheTTL:  dashboardCacheTTLFromEnv(),
	}
}

func newDashboardCacheFromEnv() *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
}

func dashboardCacheTTLFromEnv() time.Duration {
	raw := os.Getenv("DASHBOARD_CACHE_TTL_SECONDS")
	if raw == "" {
		return 30 * time.Second
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(secs) * time.Second
}

func dashboardCacheKey(tenantID string) string {
	return "fortress:dashboard:" + tenantID
}

func (s *dashboardService) Summary(ctx context.Context, tenantID string) (dashboardSummary, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, dashboardCacheKey(tenantID)).Bytes()
		if err == nil {
			var cached dashboardSummary
			if err := json.Unmarshal(raw, &cached); err == nil {
				return cached, nil
			}
		} else if err != redis.Nil {
			zap.L().Warn("dashboard cache read failed", zap.Error(err))
		}
	}

	summary, err := s.build(ctx, tenantID)
	if err != nil {
		return dashboardSummary{}, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(summary); err == nil {
			if err := s.cache.Set(ctx, dashboardCacheKey(tenantID), raw, s.cacheTTL).Err(); err != nil {
				zap.L().Warn("dashboard cache write failed", zap.Error(err))
			}
		}
	}
	return summary, nil
}

func (s *dashboardService) Invalidate(ctx context.Context, tenantID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, dashboardCacheKey(tenantID)).Err(); err != nil {
		zap.L().Warn("dashboard cache invalidate failed", zap.Error(err))
	}
}

type dashboardInvalidator interface {
	Invalidate(ctx context.Context, tenantID string)
}

// invalidatingStockSink forwards quantity changes to the rule engine and then
// drops the tenant's cached dashboard summary so the next read rebuilds it.
type invalidatingStockSink struct {
	inner      stockChangeSink
	dashboards dashboardInvalidator
}

func (s invalidatingStockSink) ItemQuantityChanged(ctx context.Context, tenantID string, before Item, after Item) ([]automationtypes.Outcome, error) {
	outcomes, err := s.inner.ItemQuantityChanged(ctx, tenantID, before, after)
	s.dashboards.Invalidate(ctx, tenantID)
	return outcomes, err
}

func (s *dashboardService) build(ctx context.Context, tenantID string) (dashboardSummary, error) {
	inv, err := s.inventory.SummarizeInventory(ctx, tenantID)
	if err != nil {
		return dashboardSummary{}, err
	}

	lowStock, err := s.inventory.ListLowStockItems(ctx, tenantID)
	if err != nil {
		return dashboardSummary{}, err
	}
	lowLines := make([]dashboardStockLine, 0, len(lowStock))
	for _, item := range lowStock {
		lowLines = append(lowLines, dashboardStockLine{
			SKU:          item.SKU,
			Name:         item.Name,
			Quantity:     item.Quantity,
			ReorderPoint: item.ReorderPoint,
			Location:     item.Location,
		})
	}

	openOrders, err := s.orders.ListOrders(ctx, tenantID, orderStatusOpen, 0)
	if err != nil {
		return dashboardSummary{}, err
	}

	entries, err := s.activity.ListActivity(ctx, tenantID, "", 10)
	if err != nil {
		return dashboardSummary{}, err
	}
	recent := make([]dashboardActivity, 0, len(entries))
	for _, e := range entries {
		recent = append(recent, dashboardActivity{
			Kind:      e.Kind,
			Message:   e.Message,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	return dashboardSummary{
		TenantID:        tenantID,
		ItemCount:       inv.ItemCount,
		TotalValueCents: inv.TotalValueCents,
		LowStockCount:   inv.LowStockCount,
		LowStockItems:   lowLines,
		OpenOrderCount:  len(openOrders),
		RecentActivity:  recent,
		GeneratedAt:     time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

func handleDashboardSummaryAPI(w http.ResponseWriter, r *http.Request, svc *dashboardService) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	summary, err := svc.Summary(r.Context(), tenant.ID)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "DASHBOARD_INTERNAL", "dashboard internal")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}
