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

	"github.com/fortresshq/fortress/internal/routing"
)

type ActivityEntry struct {
	UUID      string
	Kind      string
	Message   string
	Details   map[string]any
	ActorID   string
	CreatedAt time.Time
}

type ActivityStore interface {
	AppendActivity(ctx context.Context, tenantID string, kind string, message string, details map[string]any, actorID string) (ActivityEntry, error)
	ListActivity(ctx context.Context, tenantID string, kind string, limit int) ([]ActivityEntry, error)
}

type activityPGStore struct {
	pool pgBeginner
}

func newActivityPGStore(pool pgBeginner) ActivityStore {
	return &activityPGStore{pool: pool}
}

func normalizeActivityKind(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("kind is required")
	}
	if len(raw) > 64 {
		return "", errors.New("kind too long")
	}
	return raw, nil
}

func (s *activityPGStore) AppendActivity(ctx context.Context, tenantID string, kind string, message string, details map[string]any, actorID string) (ActivityEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ActivityEntry{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return ActivityEntry{}, err
	}

	canonical, err := normalizeActivityKind(kind)
	if err != nil {
		return ActivityEntry{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ActivityEntry{}, errors.New("message is required")
	}

	var detailsJSON []byte
	if details != nil {
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return ActivityEntry{}, err
		}
	}

	e := ActivityEntry{Kind: canonical, Message: message, Details: details, ActorID: actorID}
	if err := tx.QueryRow(ctx, `
INSERT INTO activity.entries (tenant_uuid, kind, message, details, actor_id)
VALUES ($1::uuid, $2::text, $3::text, COALESCE($4::jsonb, '{}'::jsonb), NULLIF($5::text, ''))
RETURNING entry_uuid::text, created_at
`, tenantID, canonical, message, detailsJSON, actorID).Scan(&e.UUID, &e.CreatedAt); err != nil {
		return ActivityEntry{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ActivityEntry{}, err
	}
	return e, nil
}

func (s *activityPGStore) ListActivity(ctx context.Context, tenantID string, kind string, limit int) ([]ActivityEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return nil, err
	}

	kind = strings.TrimSpace(kind)
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := tx.Query(ctx, `
SELECT entry_uuid::text, kind, message, details, COALESCE(actor_id::text, ''), created_at
FROM activity.entries
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR kind = $2::text)
ORDER BY created_at DESC, entry_uuid DESC
LIMIT $3::int
`, tenantID, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var e ActivityEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.UUID, &e.Kind, &e.Message, &detailsJSON, &e.ActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

type activityMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]ActivityEntry
}

func newActivityMemoryStore() *activityMemoryStore {
	return &activityMemoryStore{byTenant: make(map[string][]ActivityEntry)}
}

func (s *activityMemoryStore) AppendActivity(_ context.Context, tenantID string, kind string, message string, details map[string]any, actorID string) (ActivityEntry, error) {
	canonical, err := normalizeActivityKind(kind)
	if err != nil {
		return ActivityEntry{}, err
	}
	message = strings.TrimSpace(message)
	if message == "" {
		return ActivityEntry{}, errors.New("message is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e := ActivityEntry{
		UUID:      "activity-" + strconv.Itoa(len(s.byTenant[tenantID])+1),
		Kind:      canonical,
		Message:   message,
		Details:   details,
		ActorID:   actorID,
		CreatedAt: time.Now().UTC(),
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], e)
	return e, nil
}

func (s *activityMemoryStore) ListActivity(_ context.Context, tenantID string, kind string, limit int) ([]ActivityEntry, error) {
	kind = strings.TrimSpace(kind)
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byTenant[tenantID]
	var out []ActivityEntry
	for i := len(entries) - 1; i >= 0; i-- {
		if kind != "" && entries[i].Kind != kind {
			continue
		}
		out = append(out, entries[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func handleActivityLogAPI(w http.ResponseWriter, r *http.Request, store ActivityStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	kind := strings.TrimSpace(r.URL.Query().Get("kind"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	entries, err := store.ListActivity(r.Context(), tenant.ID, kind, limit)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "ACTIVITY_INTERNAL", "activity internal")
		return
	}

	type item struct {
		EntryUUID string         `json:"entry_uuid"`
		Kind      string         `json:"kind"`
		Message   string         `json:"message"`
		Details   map[string]any `json:"details,omitempty"`
		ActorID   string         `json:"actor_id,omitempty"`
		CreatedAt string         `json:"created_at"`
	}
	out := make([]item, 0, len(entries))
	for _, e := range entries {
		out = append(out, item{
			EntryUUID: e.UUID,
			Kind:      e.Kind,
			Message:   e.Message,
			Details:   e.Details,
			ActorID:   e.ActorID,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenant.ID,
		"entries":   out,
	})
}
