package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fortresshq/fortress/internal/routing"
)

const (
	partyKindCustomer = "customer"
	partyKindVendor   = "vendor"
)

type Party struct {
	UUID      string
	Kind      string
	Name      string
	Email     string
	Phone     string
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PartyInput struct {
	Name  string
	Email string
	Phone string
	Notes string
}

type PartyStore interface {
	ListParties(ctx context.Context, tenantID string, kind string, q string, limit int) ([]Party, error)
	CreateParty(ctx context.Context, tenantID string, kind string, input PartyInput) (Party, error)
	GetParty(ctx context.Context, tenantID string, kind string, partyID string) (Party, error)
	UpdateParty(ctx context.Context, tenantID string, kind string, partyID string, input PartyInput) (Party, error)
	DeleteParty(ctx context.Context, tenantID string, kind string, partyID string) error
}

func normalizePartyInput(input PartyInput) (PartyInput, error) {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return PartyInput{}, errors.New("name is required")
	}
	input.Email = strings.TrimSpace(input.Email)
	if input.Email != "" && !strings.Contains(input.Email, "@") {
		return PartyInput{}, errors.New("email must be an email address")
	}
	input.Phone = strings.TrimSpace(input.Phone)
	input.Notes = strings.TrimSpace(input.Notes)
	return input, nil
}

func validPartyKind(kind string) bool {
	return kind == partyKindCustomer || kind == partyKindVendor
}

type partyPGStore struct {
	pool pgBeginner
}

func newPartyPGStore(pool pgBeginner) PartyStore {
	return &partyPGStore{pool: pool}
}

const partyColumns = `party_uuid::text, kind, name, COALESCE(email, ''), COALESCE(phone, ''), COALESCE(notes, ''), created_at, updated_at`

func scanParty(row interface{ Scan(dest ...any) error }) (Party, error) {
	var p Party
	err := row.Scan(&p.UUID, &p.Kind, &p.Name, &p.Email, &p.Phone, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *partyPGStore) ListParties(ctx context.Context, tenantID string, kind string, q string, limit int) ([]Party, error) {
	if !validPartyKind(kind) {
		return nil, newBadRequestError("invalid party kind")
	}

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
SELECT `+partyColumns+`
FROM parties.parties
WHERE tenant_uuid = $1::uuid
  AND kind = $2::text
  AND ($3::text = '' OR name ILIKE ('%' || $3::text || '%'))
ORDER BY name ASC, party_uuid ASC
LIMIT $4::int
`, tenantID, kind, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Party
	for rows.Next() {
		p, err := scanParty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *partyPGStore) CreateParty(ctx context.Context, tenantID string, kind string, input PartyInput) (Party, error) {
	if !validPartyKind(kind) {
		return Party{}, newBadRequestError("invalid party kind")
	}
	input, err := normalizePartyInput(input)
	if err != nil {
		return Party{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Party{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Party{}, err
	}

	row := tx.QueryRow(ctx, `
INSERT INTO parties.parties (tenant_uuid, kind, name, email, phone, notes)
VALUES ($1::uuid, $2::text, $3::text, NULLIF($4::text, ''), NULLIF($5::text, ''), NULLIF($6::text, ''))
RETURNING `+partyColumns+`
`, tenantID, kind, input.Name, input.Email, input.Phone, input.Notes)
	p, err := scanParty(row)
	if err != nil {
		return Party{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Party{}, err
	}
	return p, nil
}

func (s *partyPGStore) GetParty(ctx context.Context, tenantID string, kind string, partyID string) (Party, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Party{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Party{}, err
	}

	row := tx.QueryRow(ctx, `
SELECT `+partyColumns+`
FROM parties.parties
WHERE tenant_uuid = $1::uuid AND kind = $2::text AND party_uuid = $3::uuid
`, tenantID, kind, partyID)
	p, err := scanParty(row)
	if err != nil {
		return Party{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Party{}, err
	}
	return p, nil
}

func (s *partyPGStore) UpdateParty(ctx context.Context, tenantID string, kind string, partyID string, input PartyInput) (Party, error) {
	input, err := normalizePartyInput(input)
	if err != nil {
		return Party{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Party{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return Party{}, err
	}

	row := tx.QueryRow(ctx, `
UPDATE parties.parties
SET name = $4::text,
    email = NULLIF($5::text, ''),
    phone = NULLIF($6::text, ''),
    notes = NULLIF($7::text, ''),
    updated_at = now()
WHERE tenant_uuid = $1::uuid AND kind = $2::text AND party_uuid = $3::uuid
RETURNING `+partyColumns+`
`, tenantID, kind, partyID, input.Name, input.Email, input.Phone, input.Notes)
	p, err := scanParty(row)
	if err != nil {
		return Party{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Party{}, err
	}
	return p, nil
}

func (s *partyPGStore) DeleteParty(ctx context.Context, tenantID string, kind string, partyID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
DELETE FROM parties.parties
WHERE tenant_uuid = $1::uuid AND kind = $2::text AND party_uuid = $3::uuid
`, tenantID, kind, partyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}

	return tx.Commit(ctx)
}

type partyMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]Party
	seq      int
}

func newPartyMemoryStore() *partyMemoryStore {
	return &partyMemoryStore{byTenant: make(map[string][]Party)}
}

func (s *partyMemoryStore) ListParties(_ context.Context, tenantID string, kind string, q string, limit int) ([]Party, error) {
	if !validPartyKind(kind) {
		return nil, newBadRequestError("invalid party kind")
	}
	q = strings.ToLower(strings.TrimSpace(q))
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Party
	for _, p := range s.byTenant[tenantID] {
		if p.Kind != kind {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(p.Name), q) {
			continue
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *partyMemoryStore) CreateParty(_ context.Context, tenantID string, kind string, input PartyInput) (Party, error) {
	if !validPartyKind(kind) {
		return Party{}, newBadRequestError("invalid party kind")
	}
	input, err := normalizePartyInput(input)
	if err != nil {
		return Party{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	now := time.Now().UTC()
	p := Party{
		UUID:      kind + "-" + strconv.Itoa(s.seq),
		Kind:      kind,
		Name:      input.Name,
		Email:     input.Email,
		Phone:     input.Phone,
		Notes:     input.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], p)
	return p, nil
}

func (s *partyMemoryStore) GetParty(_ context.Context, tenantID string, kind string, partyID string) (Party, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.byTenant[tenantID] {
		if p.Kind == kind && p.UUID == partyID {
			return p, nil
		}
	}
	return Party{}, pgx.ErrNoRows
}

func (s *partyMemoryStore) UpdateParty(_ context.Context, tenantID string, kind string, partyID string, input PartyInput) (Party, error) {
	input, err := normalizePartyInput(input)
	if err != nil {
		return Party{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parties := s.byTenant[tenantID]
	for i, p := range parties {
		if p.Kind != kind || p.UUID != partyID {
			continue
		}
		p.Name = input.Name
		p.Email = input.Email
		p.Phone = input.Phone
		p.Notes = input.Notes
		p.UpdatedAt = time.Now().UTC()
		parties[i] = p
		return p, nil
	}
	return Party{}, pgx.ErrNoRows
}

func (s *partyMemoryStore) DeleteParty(_ context.Context, tenantID string, kind string, partyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	parties := s.byTenant[tenantID]
	for i, p := range parties {
		if p.Kind == kind && p.UUID == partyID {
			s.byTenant[tenantID] = append(parties[:i], parties[i+1:]...)
			return nil
		}
	}
	return pgx.ErrNoRows
}

type partyAPIItem struct {
	PartyUUID string `json:"party_uuid"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Notes     string `json:"notes,omitempty"`
	CreatedAt string `json:"created_at"`
}

func partyToAPI(p Party) partyAPIItem {
	return partyAPIItem{
		PartyUUID: p.UUID,
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		Notes:     p.Notes,
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func writePartyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusNotFound, "PARTY_NOT_FOUND", "party not found")
	case isBadRequestError(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusUnprocessableEntity, "PARTY_INVALID", err.Error())
	case isPgInvalidInput(err):
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "PARTY_INVALID", pgErrorMessage(err))
	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "PARTY_INTERNAL", "party internal")
	}
}

func handlePartiesAPI(w http.ResponseWriter, r *http.Request, store PartyStore, kind string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}

	switch r.Method {
	case http.MethodGet:
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		limit := 100
		if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil {
				limit = n
			}
		}
		parties, err := store.ListParties(r.Context(), tenant.ID, kind, q, limit)
		if err != nil {
			writePartyError(w, r, err)
			return
		}
		out := make([]partyAPIItem, 0, len(parties))
		for _, p := range parties {
			out = append(out, partyToAPI(p))
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tenant_id": tenant.ID,
			kind + "s":  out,
		})
		return

	case http.MethodPost:
		var req struct {
			Name  string `json:"name"`
			Email string `json:"email"`
			Phone string `json:"phone"`
			Notes string `json:"notes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
			return
		}
		p, err := store.CreateParty(r.Context(), tenant.ID, kind, PartyInput{
			Name:  req.Name,
			Email: req.Email,
			Phone: req.Phone,
			Notes: req.Notes,
		})
		if err != nil {
			writePartyError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(partyToAPI(p))
		return

	default:
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
}

func parsePartyPath(path string, kind string) (partyID string, verb string) {
	prefix := "/parties/api/" + kind + "s/"
	if !strings.HasPrefix(path, prefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 3)
	switch len(parts) {
	case 1:
		return parts[0], ""
	case 2:
		return parts[0], parts[1]
	default:
		return "", ""
	}
}

func handlePartyUpdateAPI(w http.ResponseWriter, r *http.Request, store PartyStore, kind string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	partyID, _ := parsePartyPath(r.URL.Path, kind)
	if partyID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "party_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Phone string `json:"phone"`
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "bad_json", "bad json")
		return
	}
	p, err := store.UpdateParty(r.Context(), tenant.ID, kind, partyID, PartyInput{
		Name:  req.Name,
		Email: req.Email,
		Phone: req.Phone,
		Notes: req.Notes,
	})
	if err != nil {
		writePartyError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(partyToAPI(p))
}

func handlePartyDeleteAPI(w http.ResponseWriter, r *http.Request, store PartyStore, kind string) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	partyID, _ := parsePartyPath(r.URL.Path, kind)
	if partyID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "party_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := store.DeleteParty(r.Context(), tenant.ID, kind, partyID); err != nil {
		writePartyError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"deleted": true})
}
