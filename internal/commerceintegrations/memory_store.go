package commerceintegrations

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore backs the ingest path in tests and pg-less deployments.
type MemoryStore struct {
	mu     sync.Mutex
	links  map[string]ProductResolution
	events map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		links:  make(map[string]ProductResolution),
		events: make(map[string]struct{}),
	}
}

func linkKey(tenantID string, provider Provider, externalProductID string) string {
	return tenantID + "|" + string(provider) + "|" + externalProductID
}

// LinkProduct activates the mapping from an external product to an item.
func (s *MemoryStore) LinkProduct(tenantID string, provider Provider, externalProductID string, itemUUID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(tenantID, provider, externalProductID)] = ProductResolution{
		Status:   LinkStatusActive,
		ItemUUID: &itemUUID,
	}
}

func (s *MemoryStore) SetLinkStatus(tenantID string, provider Provider, externalProductID string, status LinkStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := s.links[linkKey(tenantID, provider, externalProductID)]
	res.Status = status
	s.links[linkKey(tenantID, provider, externalProductID)] = res
}

func (s *MemoryStore) TouchExternalProductLink(_ context.Context, tenantID string, provider Provider, externalProductID string, _ []byte) (ProductResolution, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return ProductResolution{}, errTenantRequired
	}
	provider, err := normalizeProvider(provider)
	if err != nil {
		return ProductResolution{}, err
	}
	externalProductID, err = normalizeExternalProductID(externalProductID)
	if err != nil {
		return ProductResolution{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := linkKey(tenantID, provider, externalProductID)
	res, ok := s.links[key]
	if !ok {
		res = ProductResolution{Status: LinkStatusPending}
		s.links[key] = res
	}
	return res, nil
}

func (s *MemoryStore) RecordStockEvent(_ context.Context, params RecordStockEventParams) (string, bool, error) {
	params.TenantID = strings.TrimSpace(params.TenantID)
	if params.TenantID == "" {
		return "", false, errTenantRequired
	}
	params.RequestID = strings.TrimSpace(params.RequestID)
	if params.RequestID == "" {
		return "", false, errRequestIDRequired
	}

	eventUUID := stockEventUUID(params.TenantID, params.RequestID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.events[eventUUID]; seen {
		return eventUUID, true, nil
	}
	s.events[eventUUID] = struct{}{}
	return eventUUID, false, nil
}
