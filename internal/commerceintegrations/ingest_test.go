package commerceintegrations

import (
	"context"
	"errors"
	"testing"
)

type fakeStockApplier struct {
	calls []appliedStock
	err   error
}

type appliedStock struct {
	tenantID string
	itemUUID string
	quantity int64
}

func (a *fakeStockApplier) ApplyStockLevel(_ context.Context, tenantID string, itemUUID string, quantity int64) error {
	a.calls = append(a.calls, appliedStock{tenantID: tenantID, itemUUID: itemUUID, quantity: quantity})
	return a.err
}

func posEvent(productID, syncID string, quantity int64) ExternalStockEvent {
	return ExternalStockEvent{
		Provider:          ProviderPOS,
		ExternalProductID: productID,
		Quantity:          quantity,
		RequestID:         "pos:stock_sync:device-1:" + syncID,
	}
}

func TestIngest_FirstSightCreatesPendingLink(t *testing.T) {
	store := NewMemoryStore()
	applier := &fakeStockApplier{}

	res, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != IngestOutcomeUnmapped {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	if res.LinkStatus != LinkStatusPending {
		t.Fatalf("link status=%s", res.LinkStatus)
	}
	if len(applier.calls) != 0 {
		t.Fatalf("applier calls=%d", len(applier.calls))
	}
}

func TestIngest_ActiveLinkAppliesQuantity(t *testing.T) {
	store := NewMemoryStore()
	store.LinkProduct("t1", ProviderPOS, "p1", "item-uuid-1")
	applier := &fakeStockApplier{}

	res, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 7))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != IngestOutcomeApplied {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	if res.EventUUID == "" {
		t.Fatal("expected event uuid")
	}
	if len(applier.calls) != 1 {
		t.Fatalf("applier calls=%d", len(applier.calls))
	}
	got := applier.calls[0]
	if got.tenantID != "t1" || got.itemUUID != "item-uuid-1" || got.quantity != 7 {
		t.Fatalf("applied=%+v", got)
	}
}

func TestIngest_DuplicateRequestSkipsApply(t *testing.T) {
	store := NewMemoryStore()
	store.LinkProduct("t1", ProviderPOS, "p1", "item-uuid-1")
	applier := &fakeStockApplier{}

	first, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 7))
	if err != nil {
		t.Fatal(err)
	}
	second, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 7))
	if err != nil {
		t.Fatal(err)
	}
	if second.Outcome != IngestOutcomeDuplicate {
		t.Fatalf("outcome=%s", second.Outcome)
	}
	if second.EventUUID != first.EventUUID {
		t.Fatalf("event uuid changed: %s vs %s", first.EventUUID, second.EventUUID)
	}
	if len(applier.calls) != 1 {
		t.Fatalf("applier calls=%d", len(applier.calls))
	}
}

func TestIngest_SameSyncIDDifferentTenantIsNotDuplicate(t *testing.T) {
	store := NewMemoryStore()
	store.LinkProduct("t1", ProviderPOS, "p1", "item-a")
	store.LinkProduct("t2", ProviderPOS, "p1", "item-b")
	applier := &fakeStockApplier{}

	r1, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 3))
	if err != nil {
		t.Fatal(err)
	}
	r2, err := IngestExternalStockEvent(context.Background(), store, applier, "t2", posEvent("p1", "s1", 3))
	if err != nil {
		t.Fatal(err)
	}
	if r1.Outcome != IngestOutcomeApplied || r2.Outcome != IngestOutcomeApplied {
		t.Fatalf("outcomes=%s,%s", r1.Outcome, r2.Outcome)
	}
	if r1.EventUUID == r2.EventUUID {
		t.Fatal("event uuids should differ per tenant")
	}
}

func TestIngest_IgnoredAndDisabledLinks(t *testing.T) {
	store := NewMemoryStore()
	applier := &fakeStockApplier{}

	if _, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 5)); err != nil {
		t.Fatal(err)
	}

	store.SetLinkStatus("t1", ProviderPOS, "p1", LinkStatusIgnored)
	res, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s2", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != IngestOutcomeIgnored {
		t.Fatalf("outcome=%s", res.Outcome)
	}

	store.SetLinkStatus("t1", ProviderPOS, "p1", LinkStatusDisabled)
	res, err = IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s3", 5))
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != IngestOutcomeDisabled {
		t.Fatalf("outcome=%s", res.Outcome)
	}
	if len(applier.calls) != 0 {
		t.Fatalf("applier calls=%d", len(applier.calls))
	}
}

func TestIngest_Validation(t *testing.T) {
	store := NewMemoryStore()
	applier := &fakeStockApplier{}

	if _, err := IngestExternalStockEvent(context.Background(), store, applier, "  ", posEvent("p1", "s1", 5)); err == nil {
		t.Fatal("expected error for missing tenant")
	}
	if _, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", -1)); err == nil {
		t.Fatal("expected error for negative quantity")
	}

	ev := posEvent("p1", "s1", 5)
	ev.Provider = "EBAY"
	if _, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", ev); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestIngest_ApplierErrorPropagates(t *testing.T) {
	store := NewMemoryStore()
	store.LinkProduct("t1", ProviderPOS, "p1", "item-uuid-1")
	applier := &fakeStockApplier{err: errors.New("inventory down")}

	if _, err := IngestExternalStockEvent(context.Background(), store, applier, "t1", posEvent("p1", "s1", 5)); err == nil {
		t.Fatal("expected applier error")
	}
}
