package commerceintegrations

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

const posSignatureMaxSkew = 5 * time.Minute

// VerifyPOSWebhookSignature checks the X-Pos-Signature header: hex of an
// HMAC-SHA256 over "<timestamp>.<body>". The timestamp header must be a
// unix-seconds value within posSignatureMaxSkew of now, which bounds replay.
func VerifyPOSWebhookSignature(secret string, timestampHeader string, body []byte, headerSignature string, now time.Time) bool {
	secret = strings.TrimSpace(secret)
	timestampHeader = strings.TrimSpace(timestampHeader)
	headerSignature = strings.TrimSpace(strings.ToLower(headerSignature))
	if secret == "" || timestampHeader == "" || headerSignature == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil || ts <= 0 {
		return false
	}
	sent := time.Unix(ts, 0)
	skew := now.Sub(sent)
	if skew < 0 {
		skew = -skew
	}
	if skew > posSignatureMaxSkew {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestampHeader))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(headerSignature)) == 1
}

type posStockSyncPayload struct {
	DeviceID string              `json:"device_id"`
	Events   []posStockSyncEvent `json:"events"`
}

type posStockSyncEvent struct {
	ProductID    string `json:"product_id"`
	Quantity     int64  `json:"quantity"`
	ObservedAtMs int64  `json:"observed_at_ms"`
	SyncID       string `json:"sync_id"`
}

func BuildPOSStockSyncEvents(rawPayload []byte) ([]ExternalStockEvent, error) {
	var p posStockSyncPayload
	if err := json.Unmarshal(rawPayload, &p); err != nil {
		return nil, err
	}
	deviceID := strings.TrimSpace(p.DeviceID)
	if deviceID == "" {
		return nil, errors.New("device_id is required")
	}
	if len(p.Events) == 0 {
		return nil, errors.New("events is required")
	}

	out := make([]ExternalStockEvent, 0, len(p.Events))
	for _, e := range p.Events {
		productID := strings.TrimSpace(e.ProductID)
		if productID == "" {
			return nil, errors.New("product_id is required")
		}
		if e.Quantity < 0 {
			return nil, errors.New("quantity must be >= 0")
		}
		if e.ObservedAtMs <= 0 {
			return nil, errors.New("observed_at_ms must be > 0")
		}
		syncID := strings.TrimSpace(e.SyncID)
		if syncID == "" {
			return nil, errors.New("sync_id is required")
		}

		requestID := "pos:stock_sync:" + deviceID + ":" + syncID

		payload := map[string]any{
			"source_provider":     string(ProviderPOS),
			"source_event_type":   "stock_sync",
			"source_device_id":    deviceID,
			"external_product_id": productID,
		}
		payloadJSON, _ := json.Marshal(payload)

		raw := map[string]any{
			"device_id":      deviceID,
			"product_id":     productID,
			"quantity":       e.Quantity,
			"observed_at_ms": e.ObservedAtMs,
			"sync_id":        syncID,
		}
		rawJSON, _ := json.Marshal(raw)

		out = append(out, ExternalStockEvent{
			Provider:          ProviderPOS,
			ExternalProductID: productID,
			Quantity:          e.Quantity,
			ObservedAt:        time.UnixMilli(e.ObservedAtMs).UTC(),
			RequestID:         requestID,
			Payload:           payloadJSON,
			SourceRawPayload:  rawJSON,
			LastSeenPayload:   rawJSON,
		})
	}
	return out, nil
}
