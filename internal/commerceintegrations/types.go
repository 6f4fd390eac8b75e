package commerceintegrations

import (
	"encoding/json"
	"time"
)

type Provider string

const (
	ProviderPOS     Provider = "POS"
	ProviderShopify Provider = "SHOPIFY"
)

type LinkStatus string

const (
	LinkStatusPending  LinkStatus = "pending"
	LinkStatusActive   LinkStatus = "active"
	LinkStatusDisabled LinkStatus = "disabled"
	LinkStatusIgnored  LinkStatus = "ignored"
)

type ProductResolution struct {
	Status   LinkStatus
	ItemUUID *string
}

// ExternalStockEvent is one observed stock level for an external product,
// normalized from a provider payload.
type ExternalStockEvent struct {
	Provider          Provider
	ExternalProductID string
	Quantity          int64
	ObservedAt        time.Time
	RequestID         string
	Payload           json.RawMessage
	SourceRawPayload  json.RawMessage

	LastSeenPayload json.RawMessage
}

type IngestOutcome string

const (
	IngestOutcomeApplied   IngestOutcome = "applied"
	IngestOutcomeUnmapped  IngestOutcome = "unmapped"
	IngestOutcomeIgnored   IngestOutcome = "ignored"
	IngestOutcomeDisabled  IngestOutcome = "disabled"
	IngestOutcomeDuplicate IngestOutcome = "duplicate"
)

type IngestResult struct {
	Outcome    IngestOutcome
	LinkStatus LinkStatus
	ItemUUID   *string
	EventUUID  string
}

type RecordStockEventParams struct {
	TenantID          string
	ItemUUID          string
	Provider          Provider
	ExternalProductID string
	Quantity          int64
	ObservedAt        time.Time
	RequestID         string
	Payload           json.RawMessage
	SourceRawPayload  json.RawMessage
}
