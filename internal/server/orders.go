package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	orderStatusDraft     = "draft"
	orderStatusOpen      = "open"
	orderStatusPicking   = "picking"
	orderStatusFulfilled = "fulfilled"
	orderStatusCancelled = "cancelled"
)

type OrderLine struct {
	ItemUUID string `json:"item_uuid"`
	SKU      string `json:"sku"`
	Name     string `json:"name"`
	Location string `json:"location"`
	Quantity int64  `json:"quantity"`
}

type Order struct {
	UUID         string
	Number       string
	CustomerUUID string
	Status       string
	Lines        []OrderLine
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type OrderInput struct {
	CustomerUUID string
	Lines        []OrderLine
}

type OrderStore interface {
	ListOrders(ctx context.Context, tenantID string, status string, limit int) ([]Order, error)
	CreateOrder(ctx context.Context, tenantID string, input OrderInput) (Order, error)
	GetOrder(ctx context.Context, tenantID string, orderID string) (Order, error)
	SetOrderStatus(ctx context.Context, tenantID string, orderID string, status string) (Order, error)
}

func normalizeOrderInput(input OrderInput) (OrderInput, error) {
	input.CustomerUUID = strings.TrimSpace(input.CustomerUUID)
	if input.CustomerUUID == "" {
		return OrderInput{}, errors.New("customer_uuid is required")
	}
	if len(input.Lines) == 0 {
		return OrderInput{}, errors.New("at least one line is required")
	}
	for i, line := range input.Lines {
		if strings.TrimSpace(line.ItemUUID) == "" {
			return OrderInput{}, fmt.Errorf("line %d: item_uuid is required", i+1)
		}
		if line.Quantity <= 0 {
			return OrderInput{}, fmt.Errorf("line %d: quantity must be positive", i+1)
		}
	}
	return input, nil
}

func validOrderTransition(from, to string) bool {
	switch from {
	case orderStatusDraft:
		return to == orderStatusOpen || to == orderStatusCancelled
	case orderStatusOpen:
		return to == orderStatusPicking || to == orderStatusFulfilled || to == orderStatusCancelled
	case orderStatusPicking:
		return to == orderStatusFulfilled || to == orderStatusCancelled
	default:
		return false
	}
}

type orderPGStore struct {
	pool pgBeginner
}

func newOrderPGStore(pool pgBeginner) OrderStore {
	return &orderPGStore{pool: pool}
}

const orderColumns = `order_uuid::text, number, customer_uuid::text, status, lines, created_at, updated_at`

func scanOrder(row interface{ Scan(dest ...any) error }) (Order, error) {
	var o Order
	var linesJSON []byte
	if err := row.Scan(&o.UUID, &o.Number, &o.CustomerUUID, &o.Status, &linesJSON, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return Order{}, err
	}
	if len(linesJSON) > 0 {
		if err := json.Unmarshal(linesJSON, &o.Lines); err != nil {
			return Order{}, err
		}
	}
	return o, nil
}

func (s *orderPGStore) ListOrders(ctx context.Context, tenantID string, status string, limit int) ([]Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	status = strings.TrimSpace(strings.ToLower(status))
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := tx.Query(ctx, `
SELECT `+orderColumns+`
FROM orders.orders
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR status = $2::text)
ORDER BY created_at DESC, order_uuid DESC
LIMIT $3::int
`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *orderPGStore) CreateOrder(ctx context.Context, tenantID string, input OrderInput) (Order, error) {
	input, err := normalizeOrderInput(input)
	if err != nil {
		return Order{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Order{}, err
	}

	linesJSON, err := json.Marshal(input.Lines)
	if err != nil {
		return Order{}, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO orders.orders (tenant_uuid, number, customer_uuid, status, lines)
VALUES ($1::uuid, 'SO-' || to_char(nextval('orders.order_number_seq'), 'FM000000'), $2::uuid, 'draft', $3::jsonb)
RETURNING `+orderColumns+`
`, tenantID, input.CustomerUUID, linesJSON)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *orderPGStore) GetOrder(ctx context.Context, tenantID string, orderID string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Order{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT `+orderColumns+`
FROM orders.orders
WHERE tenant_uuid = $1::uuid AND order_uuid = $2::uuid
`, tenantID, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

func (s *orderPGStore) SetOrderStatus(ctx context.Context, tenantID string, orderID string, status string) (Order, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Order{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Order{}, err
	}

	current, err := func() (Order, error) {
		row := tx.QueryRow(ctx, `
SELECT `+orderColumns+`
FROM orders.orders
WHERE tenant_uuid = $1::uuid AND order_uuid = $2::uuid
FOR UPDATE
`, tenantID, orderID)
		return scanOrder(row)
	}()
	if err != nil {
		return Order{}, err
	}
	if !validOrderTransition(current.Status, status) {
		return Order{}, newBadRequestError(fmt.Sprintf("cannot move order from %s to %s", current.Status, status))
	}

	row := tx.QueryRow(ctx, `
UPDATE orders.orders
SET status = $3::text, updated_at = now()
WHERE tenant_uuid = $1::uuid AND order_uuid = $2::uuid
RETURNING `+orderColumns+`
`, tenantID, orderID, status)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, err
	}
	return o, nil
}

type orderMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Order
	seq      int
}

func newOrderMemoryStore() *orderMemoryStore {
	return &orderMemoryStore{byTenant: make(map[string][]Order)}
}

func (s *orderMemoryStore) ListOrders(_ context.Context, tenantID string, status string, limit int) ([]Order, error) {
	status = strings.TrimSpace(strings.ToLower(status))
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orders := s.byTenant[tenantID]
	var out []Order
	for i := len(orders) - 1; i >= 0; i-- {
		if status != "" && orders[i].Status != status {
			continue
		}
		out = append(out, orders[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *orderMemoryStore) CreateOrder(_ context.Context, tenantID string, input OrderInput) (Order, error) {
	input, err := normalizeOrderInput(input)
	if err != nil {
		return Order{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := time.Now().UTC()
	o := Order{
		UUID:         "order-" + strconv.Itoa(s.seq),
		Number:       fmt.Sprintf("SO-%06d", s.seq),
		CustomerUUID: input.CustomerUUID,
		Status:       orderStatusDraft,
		Lines:        append([]OrderLine(nil), input.Lines...),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], o)
	return o, nil
}

func (s *orderMemoryStore) GetOrder(_ context.Context, tenantID string, orderID string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.byTenant[tenantID] {
		if o.UUID == orderID {
			return o, nil
		}
	}
	return Order{}, pgx.ErrNoRows
}

func (s *orderMemoryStore) SetOrderStatus(_ context.Context, tenantID string, orderID string, status string) (Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders := s.byTenant[tenantID]
	for i, o := range orders {
		if o.UUID != orderID {
			continue
		}
		if !validOrderTransition(o.Status, status) {
			return Order{}, newBadRequestError(fmt.Sprintf("cannot move order from %s to %s", o.Status, status))
		}
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
		orders[i] = o
		return o, nil
	}
	return Order{}, pgx.ErrNoRows
}

// PickingWaveGroup is one storage folder's worth of consolidated picks.
type PickingWaveGroup struct {
	Location string        `json:"location"`
	Picks    []PickingPick `json:"picks"`
}

type PickingPick struct {
	SKU   string `json:"sku"`
	Name  string `json:"name"`
	Total int64  `json:"total"`
}

// buildPickingWave consolidates the lines of the given orders into per-
// location pick lists, totals summed per SKU, groups sorted by location and
// picks sorted by SKU. Lines without a location group under "".
func buildPickingWave(orders []Order) []PickingWaveGroup {
	type key struct {
		location string
		sku      string
	}
	totals := make(map[key]*PickingPick)
	for _, o := range orders {
		for _, line := range o.Lines {
			k := key{location: line.Location, sku: line.SKU}
			if p, ok := totals[k]; ok {
				p.Total += line.Quantity
				continue
			}
			totals[k] = &PickingPick{SKU: line.SKU, Name: line.Name, Total: line.Quantity}
		}
	}

	byLocation := make(map[string][]PickingPick)
	for k, p := range totals {
		byLocation[k.location] = append(byLocation[k.location], *p)
	}

	locations := make([]string, 0, len(byLocation))
	for loc := range byLocation {
		locations = append(locations, loc)
	}
	sort.Strings(locations)

	out := make([]PickingWaveGroup, 0, len(locations))
	for _, loc := range locations {
		picks := byLocation[loc]
		sort.Slice(picks, func(i, j int) bool { return picks[i].SKU < picks[j].SKU })
		out = append(out, PickingWaveGroup{Location: loc, Picks: picks})
	}
	return out
}
