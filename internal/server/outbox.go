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

// OutboxEmail is a queued message for an external mailer. Nothing in this
// process sends mail; rows stay pending until a drainer marks them sent.
type OutboxEmail struct {
	UUID      string
	Recipient string
	Subject   string
	Body      string
	Status    string
	Details   map[string]any
	CreatedAt time.Time
}

type OutboxStore interface {
	EnqueueEmail(ctx context.Context, tenantID string, recipient string, subject string, body string, details map[string]any) (OutboxEmail, error)
	ListOutbox(ctx context.Context, tenantID string, status string, limit int) ([]OutboxEmail, error)
	MarkOutboxSent(ctx context.Context, tenantID string, emailID string) error
}

type outboxPGStore struct {
	pool pgBeginner
}

func newOutboxPGStore(pool pgBeginner) OutboxStore {
	return &outboxPGStore{pool: pool}
}

func validateOutboxEmail(recipient, subject, body string) error {
	if strings.TrimSpace(recipient) == "" {
		return errors.New("recipient is required")
	}
	if !strings.Contains(recipient, "@") {
		return errors.New("recipient must be an email address")
	}
	if strings.TrimSpace(subject) == "" {
		return errors.New("subject is required")
	}
	if strings.TrimSpace(body) == "" {
		return errors.New("body is required")
	}
	return nil
}

func (s *outboxPGStore) EnqueueEmail(ctx context.Context, tenantID string, recipient string, subject string, body string, details map[string]any) (OutboxEmail, error) {
	if err := validateOutboxEmail(recipient, subject, body); err != nil {
		return OutboxEmail{}, newBadRequestError(err.Error())
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return OutboxEmail{}, err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return OutboxEmail{}, err
	}

	var detailsJSON []byte
	if details != nil {
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return OutboxEmail{}, err
		}
	}

	e := OutboxEmail{Recipient: recipient, Subject: subject, Body: body, Status: "pending", Details: details}
	if err := tx.QueryRow(ctx, `
INSERT INTO activity.email_outbox (tenant_uuid, recipient, subject, body, status, details)
VALUES ($1::uuid, $2::text, $3::text, $4::text, 'pending', COALESCE($5::jsonb, '{}'::jsonb))
RETURNING email_uuid::text, created_at
`, tenantID, recipient, subject, body, detailsJSON).Scan(&e.UUID, &e.CreatedAt); err != nil {
		return OutboxEmail{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return OutboxEmail{}, err
	}
	return e, nil
}

func (s *outboxPGStore) ListOutbox(ctx context.Context, tenantID string, status string, limit int) ([]OutboxEmail, error) {
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
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	rows, err := tx.Query(ctx, `
SELECT email_uuid::text, recipient, subject, body, status, details, created_at
FROM activity.email_outbox
WHERE tenant_uuid = $1::uuid
  AND ($2::text = '' OR status = $2::text)
ORDER BY created_at DESC, email_uuid DESC
LIMIT $3::int
`, tenantID, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OutboxEmail
	for rows.Next() {
		var e OutboxEmail
		var detailsJSON []byte
		if err := rows.Scan(&e.UUID, &e.Recipient, &e.Subject, &e.Body, &e.Status, &detailsJSON, &e.CreatedAt); err != nil {
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

func (s *outboxPGStore) MarkOutboxSent(ctx context.Context, tenantID string, emailID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_tenant', $1, true);`, tenantID); err != nil {
		return err
	}

	tag, err := tx.Exec(ctx, `
UPDATE activity.email_outbox
SET status = 'sent', sent_at = now()
WHERE tenant_uuid = $1::uuid AND email_uuid = $2::uuid AND status = 'pending'
`, tenantID, emailID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("outbox email not found or already sent")
	}

	return tx.Commit(ctx)
}

type outboxMemoryStore struct {
	mu       sync.Mutex
	byTenant map[string][]OutboxEmail
	seq      int
}

func newOutboxMemoryStore() *outboxMemoryStore {
	return &outboxMemoryStore{byTenant: make(map[string][]OutboxEmail)}
}

func (s *outboxMemoryStore) EnqueueEmail(_ context.Context, tenantID string, recipient string, subject string, body string, details map[string]any) (OutboxEmail, error) {
	if err := validateOutboxEmail(recipient, subject, body); err != nil {
		return OutboxEmail{}, newBadRequestError(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := OutboxEmail{
		UUID:      "email-" + strconv.Itoa(s.seq),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		Status:    "pending",
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
	s.byTenant[tenantID] = append(s.byTenant[tenantID], e)
	return e, nil
}

func (s *outboxMemoryStore) ListOutbox(_ context.Context, tenantID string, status string, limit int) ([]OutboxEmail, error) {
	status = strings.TrimSpace(strings.ToLower(status))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	emails := s.byTenant[tenantID]
	var out []OutboxEmail
	for i := len(emails) - 1; i >= 0; i-- {
		if status != "" && emails[i].Status != status {
			continue
		}
		out = append(out, emails[i])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *outboxMemoryStore) MarkOutboxSent(_ context.Context, tenantID string, emailID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	emails := s.byTenant[tenantID]
	for i := range emails {
		if emails[i].UUID == emailID && emails[i].Status == "pending" {
			emails[i].Status = "sent"
			return nil
		}
	}
	return errors.New("outbox email not found or already sent")
}

func handleOutboxAPI(w http.ResponseWriter, r *http.Request, store OutboxStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	if r.Method != http.MethodGet {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	emails, err := store.ListOutbox(r.Context(), tenant.ID, status, limit)
	if err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "OUTBOX_INTERNAL", "outbox internal")
		return
	}

	type item struct {
		EmailUUID string `json:"email_uuid"`
		Recipient string `json:"recipient"`
		Subject   string `json:"subject"`
		Status    string `json:"status"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]item, 0, len(emails))
	for _, e := range emails {
		out = append(out, item{
			EmailUUID: e.UUID,
			Recipient: e.Recipient,
			Subject:   e.Subject,
			Status:    e.Status,
			CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tenant_id": tenant.ID,
		"emails":    out,
	})
}

func parseOutboxPath(path string) (emailID string, verb string) {
	const prefix = "/outbox/api/emails/"
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

func handleOutboxMarkSentAPI(w http.ResponseWriter, r *http.Request, store OutboxStore) {
	tenant, ok := currentTenant(r.Context())
	if !ok {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusInternalServerError, "tenant_missing", "tenant missing")
		return
	}
	emailID, _ := parseOutboxPath(r.URL.Path)
	if emailID == "" {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusBadRequest, "invalid_request", "email_id required")
		return
	}
	if r.Method != http.MethodPost {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	if err := store.MarkOutboxSent(r.Context(), tenant.ID, emailID); err != nil {
		routing.WriteError(w, r, routing.RouteClassInternalAPI, http.StatusConflict, "OUTBOX_EMAIL_NOT_PENDING", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"sent": true})
}
