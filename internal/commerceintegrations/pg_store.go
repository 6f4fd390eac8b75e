package commerceintegrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PGStore struct {
	pool pgBeginner
}

func NewPGStore(pool pgBeginner) *PGStore {
	return &PGStore{pool: pool}
}

// stockEventNamespace seeds deterministic event ids so a provider retry of
// the same request never lands twice.
var stockEventNamespace = uuid.MustParse("8f1a2b6e-5d43-4c1f-9f0a-7b2e4d6c8a01")

func stockEventUUID(tenantID string, requestID string) string {
	return uuid.NewSHA1(stockEventNamespace, []byte(tenantID+":"+requestID)).String()
}

func normalizeProvider(p Provider) (Provider, error) {
	v := strings.ToUpper(strings.TrimSpace(string(p)))
	switch v {
	case string(ProviderPOS):
		return ProviderPOS, nil
	case string(ProviderShopify):
		return ProviderShopify, nil
	default:
		return "", errors.New("provider must be POS|SHOPIFY")
	}
}

func normalizeExternalProductID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("external_product_id is required")
	}
	return raw, nil
}

func normalizeJSONObj(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("json must be valid")
	}
	trimmed := bytes.TrimSpace(raw)
	if trimmed[0] != '{' {
		return nil, errors.New("json must be an object")
	}
	return raw, nil
}

func (s *PGStore) TouchExternalProductLink(ctx context.Context, tenantID string, provider Provider, externalProductID string, lastSeenPayload []byte) (ProductResolution, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ProductResolution{}, errors.New("tenant_id is required")
	}
	var err error
	provider, err = normalizeProvider(provider)
	if err != nil {
		return ProductResolution{}, err
	}
	externalProductID, err = normalizeExternalProductID(externalProductID)
	if err != nil {
		return ProductResolution{}, err
	}

	payload, err := normalizeJSONObj(json.RawMessage(lastSeenPayload))
	if err != nil {
		return ProductResolution{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ProductResolution{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return ProductResolution{}, err
	}

	var status string
	var itemUUID string
	if err := tx.QueryRow(ctx, `
INSERT INTO commerce.external_product_links (
  tenant_id,
  provider,
  external_product_id,
  status,
  item_uuid,
  first_seen_at,
  last_seen_at,
  seen_count,
  last_seen_payload,
  created_at,
  updated_at
)
VALUES (
  $1::uuid,
  $2::text,
  $3::text,
  'pending',
  NULL,
  now(),
  now(),
  1,
  $4::jsonb,
  now(),
  now()
)
ON CONFLICT (tenant_id, provider, external_product_id)
DO UPDATE SET
  last_seen_at = now(),
  seen_count = commerce.external_product_links.seen_count + 1,
  last_seen_payload = EXCLUDED.last_seen_payload,
  updated_at = now()
RETURNING status, COALESCE(item_uuid::text, '')
`, tenantID, provider, externalProductID, []byte(payload)).Scan(&status, &itemUUID); err != nil {
		return ProductResolution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ProductResolution{}, err
	}

	out := ProductResolution{Status: LinkStatus(status)}
	if strings.TrimSpace(itemUUID) != "" {
		out.ItemUUID = &itemUUID
	}
	return out, nil
}

func (s *PGStore) RecordStockEvent(ctx context.Context, params RecordStockEventParams) (string, bool, error) {
	params.TenantID = strings.TrimSpace(params.TenantID)
	if params.TenantID == "" {
		return "", false, errors.New("tenant_id is required")
	}
	params.ItemUUID = strings.TrimSpace(params.ItemUUID)
	if params.ItemUUID == "" {
		return "", false, errors.New("item_uuid is required")
	}
	params.RequestID = strings.TrimSpace(params.RequestID)
	if params.RequestID == "" {
		return "", false, errors.New("request_id is required")
	}
	provider, err := normalizeProvider(params.Provider)
	if err != nil {
		return "", false, err
	}
	externalProductID, err := normalizeExternalProductID(params.ExternalProductID)
	if err != nil {
		return "", false, err
	}
	if params.Quantity < 0 {
		return "", false, errors.New("quantity must be >= 0")
	}
	if params.ObservedAt.IsZero() {
		return "", false, errors.New("observed_at is required")
	}

	payload, err := normalizeJSONObj(params.Payload)
	if err != nil {
		return "", false, err
	}
	sourceRaw, err := normalizeJSONObj(params.SourceRawPayload)
	if err != nil {
		return "", false, err
	}

	eventUUID := stockEventUUID(params.TenantID, params.RequestID)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, params.TenantID); err != nil {
		return "", false, err
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO commerce.stock_events (
  event_uuid,
  tenant_id,
  item_uuid,
  provider,
  external_product_id,
  quantity,
  observed_at,
  request_id,
  payload,
  source_raw_payload,
  created_at
)
VALUES ($1::uuid, $2::uuid, $3::uuid, $4::text, $5::text, $6::bigint, $7::timestamptz, $8::text, $9::jsonb, $10::jsonb, now())
ON CONFLICT (tenant_id, event_uuid) DO NOTHING
`, eventUUID, params.TenantID, params.ItemUUID, provider, externalProductID, params.Quantity, params.ObservedAt.UTC(), params.RequestID, []byte(payload), []byte(sourceRaw))
	if err != nil {
		return "", false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", false, err
	}
	return eventUUID, tag.RowsAffected() == 0, nil
}
