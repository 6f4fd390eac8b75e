package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fortresshq/fortress/internal/commerceintegrations"
	"github.com/fortresshq/fortress/internal/routing"
)

type commerceSecrets struct {
	POS     string
	Shopify string
}

func commerceSecretsFromEnv() commerceSecrets {
	return commerceSecrets{
		POS:     os.Getenv("POS_WEBHOOK_SECRET"),
		Shopify: os.Getenv("SHOPIFY_WEBHOOK_SECRET"),
	}
}

// commerceStockApplier routes externally observed quantities through the
// inventory store so the activity log and automation rules see them like
// any other stock write.
type commerceStockApplier struct {
	inventory InventoryStore
	activity  ActivityStore
	sink      stockChangeSink
}

func (a commerceStockApplier) ApplyStockLevel(ctx context.Context, tenantID string, itemUUID string, quantity int64) error {
	before, after, err := a.inventory.SetItemQuantity(ctx, tenantID, itemUUID, quantity)
	if err != nil {
		return err
	}
	recordActivity(ctx, a.activity, tenantID, "Commerce", "stock level synced: "+after.SKU, map[string]any{
		"sku":          after.SKU,
		"quantity":     after.Quantity,
		"old_quantity": before.Quantity,
	})
	fireStockChange(ctx, tenantID, before, after, a.sink)
	return nil
}

type commerceIngestResponse struct {
	ExternalProductID string `json:"external_product_id"`
	Outcome           string `json:"outcome"`
	LinkStatus        string `json:"link_status"`
}

func runCommerceIngest(w http.ResponseWriter, r *http.Request, store commerceintegrations.Store, applier commerceintegrations.StockApplier, tenantID string, events []commerceintegrations.ExternalStockEvent) {
	results := make([]commerceIngestResponse, 0, len(events))
	for _, event := range events {
		res, err := commerceintegrations.IngestExternalStockEvent(r.Context(), store, applier, tenantID, event)
		if err != nil {
			zap.L().Warn("commerce ingest failed",
				zap.String("provider", string(event.Provider)),
				zap.String("external_product_id", event.ExternalProductID),
				zap.Error(err))
			routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "COMMERCE_INGEST_FAILED", "ingest failed")
			return
		}
		results = append(results, commerceIngestResponse{
			ExternalProductID: event.ExternalProductID,
			Outcome:           string(res.Outcome),
			LinkStatus:        string(res.LinkStatus),
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"message": "events processed",
		"results": results,
	})
}

func handlePOSStockWebhook(w http.ResponseWriter, r *http.Request, store commerceintegrations.Store, applier commerceintegrations.StockApplier, secret string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "bad_body", "bad body")
		return
	}
	if !commerceintegrations.VerifyPOSWebhookSignature(secret, r.Header.Get("X-Pos-Timestamp"), body, r.Header.Get("X-Pos-Signature"), time.Now()) {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	events, err := commerceintegrations.BuildPOSStockSyncEvents(body)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "COMMERCE_PAYLOAD_INVALID", err.Error())
		return
	}
	runCommerceIngest(w, r, store, applier, tenant.ID, events)
}

func handleShopifyStockWebhook(w http.ResponseWriter, r *http.Request, store commerceintegrations.Store, applier commerceintegrations.StockApplier, secret string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "bad_body", "bad body")
		return
	}
	if !commerceintegrations.VerifyShopifyWebhookSignature(secret, body, r.Header.Get("X-Shopify-Hmac-Sha256")) {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusUnauthorized, "unauthorized", "unauthorized")
		return
	}

	events, err := commerceintegrations.BuildShopifyInventoryLevelEvents(r.Header.Get("X-Shopify-Webhook-Id"), body)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassWebhook, http.StatusBadRequest, "COMMERCE_PAYLOAD_INVALID", err.Error())
		return
	}
	runCommerceIngest(w, r, store, applier, tenant.ID, events)
}
