package commerceintegrations

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// VerifyShopifyWebhookSignature checks the X-Shopify-Hmac-Sha256 header:
// base64 of an HMAC-SHA256 over the raw request body.
func VerifyShopifyWebhookSignature(secret string, body []byte, headerSignature string) bool {
	secret = strings.TrimSpace(secret)
	headerSignature = strings.TrimSpace(headerSignature)
	if secret == "" || headerSignature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(headerSignature)) == 1
}

type shopifyInventoryLevelPayload struct {
	InventoryItemID int64  `json:"inventory_item_id"`
	Available       int64  `json:"available"`
	UpdatedAt       string `json:"updated_at"`
}

func BuildShopifyInventoryLevelEvents(webhookID string, rawPayload []byte) ([]ExternalStockEvent, error) {
	webhookID = strings.TrimSpace(webhookID)
	if webhookID == "" {
		return nil, errors.New("webhook_id is required")
	}

	var p shopifyInventoryLevelPayload
	if err := json.Unmarshal(rawPayload, &p); err != nil {
		return nil, err
	}
	if p.InventoryItemID <= 0 {
		return nil, errors.New("inventory_item_id is required")
	}
	if p.Available < 0 {
		return nil, errors.New("available must be >= 0")
	}

	observedAt := time.Now().UTC()
	if p.UpdatedAt != "" {
		parsed, err := time.Parse(time.RFC3339, p.UpdatedAt)
		if err != nil {
			return nil, errors.New("updated_at must be RFC3339")
		}
		observedAt = parsed.UTC()
	}

	productID := strconv.FormatInt(p.InventoryItemID, 10)
	requestID := "shopify:inventory_level:" + webhookID + ":" + productID

	payload := map[string]any{
		"source_provider":     string(ProviderShopify),
		"source_event_type":   "inventory_level_update",
		"source_webhook_id":   webhookID,
		"external_product_id": productID,
	}
	payloadJSON, _ := json.Marshal(payload)

	raw := map[string]any{
		"webhook_id":        webhookID,
		"inventory_item_id": p.InventoryItemID,
		"available":         p.Available,
		"updated_at":        p.UpdatedAt,
	}
	rawJSON, _ := json.Marshal(raw)

	return []ExternalStockEvent{{
		Provider:          ProviderShopify,
		ExternalProductID: productID,
		Quantity:          p.Available,
		ObservedAt:        observedAt,
		RequestID:         requestID,
		Payload:           payloadJSON,
		SourceRawPayload:  rawJSON,
		LastSeenPayload:   rawJSON,
	}}, nil
}
