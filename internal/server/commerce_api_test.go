package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fortresshq/fortress/internal/commerceintegrations"
)

func posSignature(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "." + string(body)))
	return hex.EncodeToString(mac.Sum(nil))
}

func shopifySignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func decodeCommerceResults(t *testing.T, rec *httptest.ResponseRecorder) []commerceIngestResponse {
	t.Helper()
	var body struct {
		Message string                   `json:"message"`
		Results []commerceIngestResponse `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Message != "events processed" {
		t.Fatalf("message=%q", body.Message)
	}
	return body.Results
}

func TestHandlePOSStockWebhook(t *testing.T) {
	const secret = "pos-secret"

	posBody := func(productID string, qty int64) []byte {
		return []byte(fmt.Sprintf(`{
			"device_id": "reg-7",
			"events": [{"product_id": %q, "quantity": %d, "observed_at_ms": 1700000000000, "sync_id": "s1"}]
		}`, productID, qty))
	}

	send := func(t *testing.T, store commerceintegrations.Store, applier commerceintegrations.StockApplier, body []byte, ts string, sig string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/pos/stock-sync", strings.NewReader(string(body)))
		req = req.WithContext(ctxWithTenant(req.Context()))
		req.Header.Set("X-Pos-Timestamp", ts)
		req.Header.Set("X-Pos-Signature", sig)
		rec := httptest.NewRecorder()
		handlePOSStockWebhook(rec, req, store, applier, secret)
		return rec
	}

	t.Run("tenant missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/pos/stock-sync", nil)
		rec := httptest.NewRecorder()
		handlePOSStockWebhook(rec, req, commerceintegrations.NewMemoryStore(), nil, secret)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		body := posBody("ext-1", 4)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		rec := send(t, commerceintegrations.NewMemoryStore(), nil, body, ts, "deadbeef")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("invalid payload", func(t *testing.T) {
		body := []byte(`{"device_id": "", "events": []}`)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		rec := send(t, commerceintegrations.NewMemoryStore(), nil, body, ts, posSignature(secret, ts, body))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), "COMMERCE_PAYLOAD_INVALID") {
			t.Fatalf("body=%s", rec.Body.String())
		}
	})

	t.Run("unmapped product stays pending", func(t *testing.T) {
		store := commerceintegrations.NewMemoryStore()
		body := posBody("ext-new", 4)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		rec := send(t, store, nil, body, ts, posSignature(secret, ts, body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		results := decodeCommerceResults(t, rec)
		if len(results) != 1 || results[0].Outcome != "unmapped" || results[0].LinkStatus != "pending" {
			t.Fatalf("results=%+v", results)
		}
	})

	t.Run("active link applies stock and fires rules", func(t *testing.T) {
		inventory := newInventoryMemoryStore()
		item := createTestItem(t, inventory, "WID-1", 10)
		activity := newActivityMemoryStore()
		sink := &fakeStockSink{}

		store := commerceintegrations.NewMemoryStore()
		store.LinkProduct(testTenantID, commerceintegrations.ProviderPOS, "ext-1", item.UUID)

		applier := commerceStockApplier{inventory: inventory, activity: activity, sink: sink}
		body := posBody("ext-1", 3)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		rec := send(t, store, applier, body, ts, posSignature(secret, ts, body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		results := decodeCommerceResults(t, rec)
		if len(results) != 1 || results[0].Outcome != "applied" {
			t.Fatalf("results=%+v", results)
		}

		got, err := inventory.GetItem(context.Background(), testTenantID, item.UUID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if got.Quantity != 3 {
			t.Fatalf("quantity=%d", got.Quantity)
		}
		if len(sink.calls) != 1 || sink.calls[0].before.Quantity != 10 || sink.calls[0].after.Quantity != 3 {
			t.Fatalf("sink calls=%+v", sink.calls)
		}
		entries, err := activity.ListActivity(context.Background(), testTenantID, "Commerce", 10)
		if err != nil {
			t.Fatalf("list activity: %v", err)
		}
		if len(entries) != 1 || !strings.Contains(entries[0].Message, "WID-1") {
			t.Fatalf("entries=%+v", entries)
		}
	})

	t.Run("replayed sync id is a duplicate", func(t *testing.T) {
		inventory := newInventoryMemoryStore()
		item := createTestItem(t, inventory, "WID-1", 10)
		store := commerceintegrations.NewMemoryStore()
		store.LinkProduct(testTenantID, commerceintegrations.ProviderPOS, "ext-1", item.UUID)
		applier := commerceStockApplier{inventory: inventory, activity: newActivityMemoryStore(), sink: nil}

		body := posBody("ext-1", 3)
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		sig := posSignature(secret, ts, body)
		if rec := send(t, store, applier, body, ts, sig); rec.Code != http.StatusOK {
			t.Fatalf("first status=%d", rec.Code)
		}
		rec := send(t, store, applier, body, ts, sig)
		if rec.Code != http.StatusOK {
			t.Fatalf("second status=%d", rec.Code)
		}
		results := decodeCommerceResults(t, rec)
		if results[0].Outcome != "duplicate" {
			t.Fatalf("results=%+v", results)
		}
	})
}

func TestHandleShopifyStockWebhook(t *testing.T) {
	const secret = "shopify-secret"

	body := []byte(`{"inventory_item_id": 99, "available": 7, "updated_at": "2026-08-30T10:00:00Z"}`)

	send := func(t *testing.T, store commerceintegrations.Store, applier commerceintegrations.StockApplier, payload []byte, sig string, webhookID string) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/webhooks/shopify/inventory-levels", strings.NewReader(string(payload)))
		req = req.WithContext(ctxWithTenant(req.Context()))
		req.Header.Set("X-Shopify-Hmac-Sha256", sig)
		req.Header.Set("X-Shopify-Webhook-Id", webhookID)
		rec := httptest.NewRecorder()
		handleShopifyStockWebhook(rec, req, store, applier, secret)
		return rec
	}

	t.Run("bad signature", func(t *testing.T) {
		rec := send(t, commerceintegrations.NewMemoryStore(), nil, body, "bm9wZQ==", "wh-1")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status=%d", rec.Code)
		}
	})

	t.Run("missing webhook id", func(t *testing.T) {
		rec := send(t, commerceintegrations.NewMemoryStore(), nil, body, shopifySignature(secret, body), "")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
	})

	t.Run("active link applies stock", func(t *testing.T) {
		inventory := newInventoryMemoryStore()
		item := createTestItem(t, inventory, "WID-1", 10)
		store := commerceintegrations.NewMemoryStore()
		store.LinkProduct(testTenantID, commerceintegrations.ProviderShopify, "99", item.UUID)
		applier := commerceStockApplier{inventory: inventory, activity: newActivityMemoryStore(), sink: nil}

		rec := send(t, store, applier, body, shopifySignature(secret, body), "wh-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
		}
		results := decodeCommerceResults(t, rec)
		if len(results) != 1 || results[0].Outcome != "applied" || results[0].ExternalProductID != "99" {
			t.Fatalf("results=%+v", results)
		}
		got, err := inventory.GetItem(context.Background(), testTenantID, item.UUID)
		if err != nil {
			t.Fatalf("get item: %v", err)
		}
		if got.Quantity != 7 {
			t.Fatalf("quantity=%d", got.Quantity)
		}
	})
}
