package server

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	automationtypes "github.com/fortresshq/fortress/modules/automation/domain/types"
)

type pgBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Item struct {
	UUID           string
	SKU            string
	Name           string
	Description    string
	Quantity       int64
	Location       string
	UnitPriceCents int64
	VendorUUID     string
	ReorderPoint   int64
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type ItemInput struct {
	SKU            string
	Name           string
	Description    string
	Quantity       int64
	Location       string
	UnitPriceCents int64
	VendorUUID     string
	ReorderPoint   int64
}

type InventorySummary struct {
	ItemCount       int
	TotalValueCents int64
	LowStockCount   int
}

type InventoryStore interface {
	ListItems(ctx context.Context, tenantID string, q string, limit int) ([]Item, error)
	CreateItem(ctx context.Context, tenantID string, input ItemInput) (Item, error)
	GetItem(ctx context.Context, tenantID string, itemID string) (Item, error)
	FindItemBySKU(ctx context.Context, tenantID string, sku string) (Item, error)
	UpdateItem(ctx context.Context, tenantID string, itemID string, input ItemInput) (before Item, after Item, err error)
	DeleteItem(ctx context.Context, tenantID string, itemID string) error
	SetItemQuantity(ctx context.Context, tenantID string, itemID string, quantity int64) (before Item, after Item, err error)
	AdjustItemQuantity(ctx context.Context, tenantID string, itemID string, delta int64) (before Item, after Item, err error)
	ListLowStockItems(ctx context.Context, tenantID string) ([]Item, error)
	SummarizeInventory(ctx context.Context, tenantID string) (InventorySummary, error)
}

// stockChangeSink receives inventory quantity changes and runs the
// automation rules for the tenant.
type stockChangeSink interface {
	ItemQuantityChanged(ctx context.Context, tenantID string, before Item, after Item) ([]automationtypes.Outcome, error)
}

var skuPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9._-]{0,63}$`)

func normalizeSKU(raw string) (string, error) {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	if raw == "" {
		return "", errors.New("sku is required")
	}
	if !skuPattern.MatchString(raw) {
		return "", errors.New("sku must be 1-64 characters: letters, digits, dot, dash, underscore")
	}
	return raw, nil
}

func normalizeItemInput(input ItemInput) (ItemInput, error) {
	sku, err := normalizeSKU(input.SKU)
	if err != nil {
		return ItemInput{}, err
	}
	input.SKU = sku
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return ItemInput{}, errors.New("name is required")
	}
	input.Description = strings.TrimSpace(input.Description)
	input.Location = strings.TrimSpace(input.Location)
	input.VendorUUID = strings.TrimSpace(input.VendorUUID)
	if input.Quantity < 0 {
		return ItemInput{}, errors.New("quantity must not be negative")
	}
	if input.UnitPriceCents < 0 {
		return ItemInput{}, errors.New("unit_price_cents must not be negative")
	}
	if input.ReorderPoint < 0 {
		return ItemInput{}, errors.New("reorder_point must not be negative")
	}
	return input, nil
}

func itemSnapshot(tenantID string, it Item) automationtypes.ItemSnapshot {
	return automationtypes.ItemSnapshot{
		ItemID:   it.UUID,
		TenantID: tenantID,
		Name:     it.Name,
		SKU:      it.SKU,
		Quantity: it.Quantity,
		Location: it.Location,
	}
}

type inventoryPGStore struct {
	pool pgBeginner
}

func newInventoryPGStore(pool pgBeginner) InventoryStore {
	return &inventoryPGStore{pool: pool}
}

const itemColumns = `item_uuid::text, sku, name, COALESCE(description, ''), quantity, COALESCE(location, ''), unit_price_cents, COALESCE(vendor_uuid::text, ''), reorder_point, status, created_at, updated_at`

func scanItem(row interface{ Scan(dest ...any) error }) (Item, error) {
	var it Item
	err := row.Scan(&it.UUID, &it.SKU, &it.Name, &it.Description, &it.Quantity, &it.Location, &it.UnitPriceCents, &it.VendorUUID, &it.ReorderPoint, &it.Status, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

func (s *inventoryPGStore) ListItems(ctx context.Context, tenantID string, q string, limit int) ([]Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	q = strings.TrimSpace(q)
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := tx.Query(ctx, `
SELECT `+itemColumns+`
FROM inventory.items
WHERE tenant_uuid = $1::uuid
  AND status <> 'deleted'
  AND ($2::text = '' OR sku LIKE (upper($2::text) || '%') OR name ILIKE ('%' || $2::text || '%'))
ORDER BY name ASC, sku ASC
LIMIT $3::int
`, tenantID, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *inventoryPGStore) CreateItem(ctx context.Context, tenantID string, input ItemInput) (Item, error) {
	input, err := normalizeItemInput(input)
	if err != nil {
		return Item{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Item{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Item{}, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO inventory.items (tenant_uuid, sku, name, description, quantity, location, unit_price_cents, vendor_uuid, reorder_point, status)
VALUES ($1::uuid, $2::text, $3::text, NULLIF($4::text, ''), $5::bigint, NULLIF($6::text, ''), $7::bigint, NULLIF($8::text, '')::uuid, $9::bigint, 'active')
RETURNING `+itemColumns+`
`, tenantID, input.SKU, input.Name, input.Description, input.Quantity, input.Location, input.UnitPriceCents, input.VendorUUID, input.ReorderPoint)
	it, err := scanItem(row)
	if err != nil {
		return Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (s *inventoryPGStore) GetItem(ctx context.Context, tenantID string, itemID string) (Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Item{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Item{}, err
	}

	it, err := getItemTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, err
	}
	return it, nil
}

func getItemTx(ctx context.Context, tx pgx.Tx, tenantID string, itemID string) (Item, error) {
	row := tx.QueryRow(ctx, `
SELECT `+itemColumns+`
FROM inventory.items
WHERE tenant_uuid = $1::uuid AND item_uuid = $2::uuid AND status <> 'deleted'
`, tenantID, itemID)
	return scanItem(row)
}

func (s *inventoryPGStore) FindItemBySKU(ctx context.Context, tenantID string, sku string) (Item, error) {
	canonical, err := normalizeSKU(sku)
	if err != nil {
		return Item{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Item{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Item{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT `+itemColumns+`
FROM inventory.items
WHERE tenant_uuid = $1::uuid AND sku = $2::text AND status <> 'deleted'
`, tenantID, canonical)
	it, err := scanItem(row)
	if err != nil {
		return Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, err
	}
	return it, nil
}

func (s *inventoryPGStore) UpdateItem(ctx context.Context, tenantID string, itemID string, input ItemInput) (Item, Item, error) {
	input, err := normalizeItemInput(input)
	if err != nil {
		return Item{}, Item{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Item{}, Item{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Item{}, Item{}, err
	}

	before, err := getItemTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return Item{}, Item{}, err
	}

	row := tx.QueryRow(ctx, `
UPDATE inventory.items
SET sku = $3::text,
    name = $4::text,
    description = NULLIF($5::text, ''),
    quantity = $6::bigint,
    location = NULLIF($7::text, ''),
    unit_price_cents = $8::bigint,
    vendor_uuid = NULLIF($9::text, '')::uuid,
    reorder_point = $10::bigint,
    updated_at = now()
WHERE tenant_uuid = $1::uuid AND item_uuid = $2::uuid AND status <> 'deleted'
RETURNING `+itemColumns+`
`, tenantID, itemID, input.SKU, input.Name, input.Description, input.Quantity, input.Location, input.UnitPriceCents, input.VendorUUID, input.ReorderPoint)
	after, err := scanItem(row)
	if err != nil {
		return Item{}, Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, Item{}, err
	}
	return before, after, nil
}

func (s *inventoryPGStore) DeleteItem(ctx context.Context, tenantID string, itemID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
UPDATE inventory.items
SET status = 'deleted', updated_at = now()
WHERE tenant_uuid = $1::uuid AND item_uuid = $2::uuid AND status <> 'deleted'
`, tenantID, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return tx.Commit(ctx)
}

func (s *inventoryPGStore) SetItemQuantity(ctx context.Context, tenantID string, itemID string, quantity int64) (Item, Item, error) {
	if quantity < 0 {
		return Item{}, Item{}, newBadRequestError("quantity must not be negative")
	}
	return s.writeQuantity(ctx, tenantID, itemID, quantity, false)
}

func (s *inventoryPGStore) AdjustItemQuantity(ctx context.Context, tenantID string, itemID string, delta int64) (Item, Item, error) {
	return s.writeQuantity(ctx, tenantID, itemID, delta, true)
}

func (s *inventoryPGStore) writeQuantity(ctx context.Context, tenantID string, itemID string, value int64, relative bool) (Item, Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Item{}, Item{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Item{}, Item{}, err
	}

	before, err := getItemTx(ctx, tx, tenantID, itemID)
	if err != nil {
		return Item{}, Item{}, err
	}

	next := value
	if relative {
		next = before.Quantity + value
	}
	if next < 0 {
		return Item{}, Item{}, newBadRequestError("insufficient stock")
	}

	row := tx.QueryRow(ctx, `
UPDATE inventory.items
SET quantity = $3::bigint, updated_at = now()
WHERE tenant_uuid = $1::uuid AND item_uuid = $2::uuid AND status <> 'deleted'
RETURNING `+itemColumns+`
`, tenantID, itemID, next)
	after, err := scanItem(row)
	if err != nil {
		return Item{}, Item{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Item{}, Item{}, err
	}
	return before, after, nil
}

func (s *inventoryPGStore) ListLowStockItems(ctx context.Context, tenantID string) ([]Item, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `
SELECT `+itemColumns+`
FROM inventory.items
WHERE tenant_uuid = $1::uuid
  AND status <> 'deleted'
  AND quantity <= reorder_point
ORDER BY quantity ASC, sku ASC
LIMIT 200
`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *inventoryPGStore) SummarizeInventory(ctx context.Context, tenantID string) (InventorySummary, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return InventorySummary{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return InventorySummary{}, err
	}

	var sum InventorySummary
	if err := tx.QueryRow(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(quantity * unit_price_cents), 0),
       COUNT(*) FILTER (WHERE quantity <= reorder_point)
FROM inventory.items
WHERE tenant_uuid = $1::uuid AND status <> 'deleted'
`, tenantID).Scan(&sum.ItemCount, &sum.TotalValueCents, &sum.LowStockCount); err != nil {
		return InventorySummary{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return InventorySummary{}, err
	}
	return sum, nil
}

type inventoryMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Item
	seq      int
}

func newInventoryMemoryStore() *inventoryMemoryStore {
	return &inventoryMemoryStore{byTenant: make(map[string][]Item)}
}

func (s *inventoryMemoryStore) ListItems(_ context.Context, tenantID string, q string, limit int) ([]Item, error) {
	q = strings.TrimSpace(q)
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Item
	for _, it := range s.byTenant[tenantID] {
		if it.Status == "deleted" {
			continue
		}
		if q != "" && !strings.HasPrefix(it.SKU, strings.ToUpper(q)) && !strings.Contains(strings.ToLower(it.Name), strings.ToLower(q)) {
			continue
		}
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *inventoryMemoryStore) CreateItem(_ context.Context, tenantID string, input ItemInput) (Item, error) {
	input, err := normalizeItemInput(input)
	if err != nil {
		return Item{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.byTenant[tenantID] {
		if it.Status != "deleted" && it.SKU == input.SKU {
			return Item{}, errors.New("sku already exists")
		}
	}
	s.seq++
	now := time.Now().UTC()
	it := Item{
		UUID:           "item-" + strconv.Itoa(s.seq),
		SKU:            input.SKU,
		Name:           input.Name,
		Description:    input.Description,
		Quantity:       input.Quantity,
		Location:       input.Location,
		UnitPriceCents: input.UnitPriceCents,
		VendorUUID:     input.VendorUUID,
		ReorderPoint:   input.ReorderPoint,
		Status:         "active",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], it)
	return it, nil
}

func (s *inventoryMemoryStore) GetItem(_ context.Context, tenantID string, itemID string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(tenantID, itemID)
}

func (s *inventoryMemoryStore) getLocked(tenantID string, itemID string) (Item, error) {
	for _, it := range s.byTenant[tenantID] {
		if it.UUID == itemID && it.Status != "deleted" {
			return it, nil
		}
	}
	return Item{}, pgx.ErrNoRows
}

func (s *inventoryMemoryStore) FindItemBySKU(_ context.Context, tenantID string, sku string) (Item, error) {
	canonical, err := normalizeSKU(sku)
	if err != nil {
		return Item{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.byTenant[tenantID] {
		if it.SKU == canonical && it.Status != "deleted" {
			return it, nil
		}
	}
	return Item{}, pgx.ErrNoRows
}

func (s *inventoryMemoryStore) UpdateItem(_ context.Context, tenantID string, itemID string, input ItemInput) (Item, Item, error) {
	input, err := normalizeItemInput(input)
	if err != nil {
		return Item{}, Item{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.byTenant[tenantID]
	for i, it := range items {
		if it.UUID != itemID || it.Status == "deleted" {
			continue
		}
		before := it
		it.SKU = input.SKU
		it.Name = input.Name
		it.Description = input.Description
		it.Quantity = input.Quantity
		it.Location = input.Location
		it.UnitPriceCents = input.UnitPriceCents
		it.VendorUUID = input.VendorUUID
		it.ReorderPoint = input.ReorderPoint
		it.UpdatedAt = time.Now().UTC()
		items[i] = it
		return before, it, nil
	}
	return Item{}, Item{}, pgx.ErrNoRows
}

func (s *inventoryMemoryStore) DeleteItem(_ context.Context, tenantID string, itemID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.byTenant[tenantID]
	for i, it := range items {
		if it.UUID == itemID && it.Status != "deleted" {
			items[i].Status = "deleted"
			items[i].UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return pgx.ErrNoRows
}

func (s *inventoryMemoryStore) SetItemQuantity(_ context.Context, tenantID string, itemID string, quantity int64) (Item, Item, error) {
	if quantity < 0 {
		return Item{}, Item{}, newBadRequestError("quantity must not be negative")
	}
	return s.writeQuantityLocked(tenantID, itemID, quantity, false)
}

func (s *inventoryMemoryStore) AdjustItemQuantity(_ context.Context, tenantID string, itemID string, delta int64) (Item, Item, error) {
	return s.writeQuantityLocked(tenantID, itemID, delta, true)
}

func (s *inventoryMemoryStore) writeQuantityLocked(tenantID string, itemID string, value int64, relative bool) (Item, Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.byTenant[tenantID]
	for i, it := range items {
		if it.UUID != itemID || it.Status == "deleted" {
			continue
		}
		before := it
		next := value
		if relative {
			next = it.Quantity + value
		}
		if next < 0 {
			return Item{}, Item{}, newBadRequestError("insufficient stock")
		}
		it.Quantity = next
		it.UpdatedAt = time.Now().UTC()
		items[i] = it
		return before, it, nil
	}
	return Item{}, Item{}, pgx.ErrNoRows
}

func (s *inventoryMemoryStore) ListLowStockItems(_ context.Context, tenantID string) ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Item
	for _, it := range s.byTenant[tenantID] {
		if it.Status != "deleted" && it.Quantity <= it.ReorderPoint {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *inventoryMemoryStore) SummarizeInventory(_ context.Context, tenantID string) (InventorySummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum InventorySummary
	for _, it := range s.byTenant[tenantID] {
		if it.Status == "deleted" {
			continue
		}
		sum.ItemCount++
		sum.TotalValueCents += it.Quantity * it.UnitPriceCents
		if it.Quantity <= it.ReorderPoint {
			sum.LowStockCount++
		}
	}
	return sum, nil
}
