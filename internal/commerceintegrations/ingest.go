package commerceintegrations

import (
	"context"
	"errors"
	"strings"
)

var (
	errTenantRequired    = errors.New("tenant_id is required")
	errRequestIDRequired = errors.New("request_id is required")
)

type Store interface {
	TouchExternalProductLink(ctx context.Context, tenantID string, provider Provider, externalProductID string, lastSeenPayload []byte) (ProductResolution, error)
	RecordStockEvent(ctx context.Context, params RecordStockEventParams) (eventUUID string, duplicate bool, err error)
}

// StockApplier writes the observed quantity through the inventory layer so
// downstream hooks (activity log, automation rules) see the change.
type StockApplier interface {
	ApplyStockLevel(ctx context.Context, tenantID string, itemUUID string, quantity int64) error
}

func IngestExternalStockEvent(ctx context.Context, store Store, applier StockApplier, tenantID string, event ExternalStockEvent) (IngestResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return IngestResult{}, errTenantRequired
	}
	if event.Quantity < 0 {
		return IngestResult{}, errors.New("quantity must be >= 0")
	}

	res, err := store.TouchExternalProductLink(ctx, tenantID, event.Provider, event.ExternalProductID, event.LastSeenPayload)
	if err != nil {
		return IngestResult{}, err
	}

	out := IngestResult{
		LinkStatus: res.Status,
		ItemUUID:   res.ItemUUID,
	}

	switch res.Status {
	case LinkStatusActive:
		if res.ItemUUID == nil || strings.TrimSpace(*res.ItemUUID) == "" {
			return IngestResult{}, errors.New("active link missing item_uuid")
		}

		eventUUID, duplicate, err := store.RecordStockEvent(ctx, RecordStockEventParams{
			TenantID:          tenantID,
			ItemUUID:          *res.ItemUUID,
			Provider:          event.Provider,
			ExternalProductID: event.ExternalProductID,
			Quantity:          event.Quantity,
			ObservedAt:        event.ObservedAt,
			RequestID:         event.RequestID,
			Payload:           event.Payload,
			SourceRawPayload:  event.SourceRawPayload,
		})
		if err != nil {
			return IngestResult{}, err
		}
		out.EventUUID = eventUUID
		if duplicate {
			out.Outcome = IngestOutcomeDuplicate
			return out, nil
		}

		if err := applier.ApplyStockLevel(ctx, tenantID, *res.ItemUUID, event.Quantity); err != nil {
			return IngestResult{}, err
		}
		out.Outcome = IngestOutcomeApplied
		return out, nil
	case LinkStatusPending:
		out.Outcome = IngestOutcomeUnmapped
		return out, nil
	case LinkStatusIgnored:
		out.Outcome = IngestOutcomeIgnored
		return out, nil
	case LinkStatusDisabled:
		out.Outcome = IngestOutcomeDisabled
		return out, nil
	default:
		return IngestResult{}, errors.New("unknown link status")
	}
}
