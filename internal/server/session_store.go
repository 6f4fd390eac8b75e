package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fortresshq/fortress/pkg/uuidv7"
)

const sidCookieName = "sid"

var sidRandReader io.Reader = rand.Reader

type Session struct {
	TenantID    string
	PrincipalID string
	ExpiresAt   time.Time
	RevokedAt   *time.Time
}

type sessionStore interface {
	Create(ctx context.Context, tenantID string, principalID string, expiresAt time.Time, ip string, userAgent string) (sid string, err error)
	Lookup(ctx context.Context, sid string) (Session, bool, error)
	Revoke(ctx context.Context, sid string) error
}

type principalStore interface {
	UpsertFromIdentity(ctx context.Context, tenantID string, email string, roleSlug string, identityID string) (Principal, error)
	GetByID(ctx context.Context, tenantID string, principalID string) (Principal, bool, error)
}

func sidTTLFromEnv() time.Duration {
	const defaultTTL = 14 * 24 * time.Hour

	raw := os.Getenv("SID_TTL_HOURS")
	if raw == "" {
		return defaultTTL
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return defaultTTL
	}
	return time.Duration(hours) * time.Hour
}

// mintSID produces an opaque session id plus the sha256 digest that is the
// only form ever persisted.
func mintSID() (sid string, tokenHash []byte, err error) {
	var raw [32]byte
	if _, err := sidRandReader.Read(raw[:]); err != nil {
		return "", nil, err
	}
	sid = base64.RawURLEncoding.EncodeToString(raw[:])
	sum := sha256.Sum256([]byte(sid))
	return sid, sum[:], nil
}

func readSID(r *http.Request) (string, bool) {
	c, err := r.Cookie(sidCookieName)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func setSIDCookie(w http.ResponseWriter, sid string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSIDCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sidCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

type principalKey struct {
	tenantID string
	email    string
}

type memoryPrincipalStore struct {
	mu      sync.Mutex
	byEmail map[principalKey]Principal
	byID    map[string]Principal
}

func newMemoryPrincipalStore() *memoryPrincipalStore {
	return &memoryPrincipalStore{
		byEmail: map[principalKey]Principal{},
		byID:    map[string]Principal{},
	}
}

func (s *memoryPrincipalStore) UpsertFromIdentity(_ context.Context, tenantID string, email string, roleSlug string, identityID string) (Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := principalKey{tenantID: tenantID, email: email}
	if p, ok := s.byEmail[key]; ok {
		if p.Status != "active" {
			return Principal{}, errors.New("server: principal is not active")
		}
		if p.IdentityID != "" && p.IdentityID != identityID {
			return Principal{}, errors.New("server: principal identity mismatch")
		}
		if p.IdentityID == "" {
			p.IdentityID = identityID
			s.byEmail[key] = p
			s.byID[p.ID] = p
		}
		return p, nil
	}

	id, err := uuidv7.NewString()
	if err != nil {
		return Principal{}, err
	}
	p := Principal{
		ID:         id,
		TenantID:   tenantID,
		RoleSlug:   roleSlug,
		Status:     "active",
		Email:      email,
		IdentityID: identityID,
	}
	s.byEmail[key] = p
	s.byID[id] = p
	return p, nil
}

func (s *memoryPrincipalStore) GetByID(_ context.Context, tenantID string, principalID string) (Principal, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.byID[principalID]
	if !ok || p.TenantID != tenantID {
		return Principal{}, false, nil
	}
	return p, true, nil
}

type memorySessionStore struct {
	mu    sync.Mutex
	bySID map[string]Session
}

func newMemorySessionStore() *memorySessionStore {
	return &memorySessionStore{bySID: map[string]Session{}}
}

func (s *memorySessionStore) Create(_ context.Context, tenantID string, principalID string, expiresAt time.Time, _ string, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sid, _, err := mintSID()
	if err != nil {
		return "", err
	}
	s.bySID[sid] = Session{
		TenantID:    tenantID,
		PrincipalID: principalID,
		ExpiresAt:   expiresAt,
	}
	return sid, nil
}

func (s *memorySessionStore) Lookup(_ context.Context, sid string) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.bySID[sid]
	if !ok || sess.RevokedAt != nil || time.Now().After(sess.ExpiresAt) {
		return Session{}, false, nil
	}
	return sess, true, nil
}

func (s *memorySessionStore) Revoke(_ context.Context, sid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.bySID, sid)
	return nil
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type pgPrincipalStore struct {
	db pgQuerier
}

func newPrincipalStore(pool *pgxpool.Pool) principalStore {
	if pool == nil {
		return newMemoryPrincipalStore()
	}
	return &pgPrincipalStore{db: pool}
}

func (s *pgPrincipalStore) UpsertFromIdentity(ctx context.Context, tenantID string, email string, roleSlug string, identityID string) (Principal, error) {
	p := Principal{
		TenantID: tenantID,
		Email:    email,
		RoleSlug: roleSlug,
		Status:   "active",
	}
	err := s.db.QueryRow(ctx, `
INSERT INTO iam.principals (tenant_id, email, role_slug, status, identity_id)
VALUES ($1, $2, $3, 'active', $4::uuid)
ON CONFLICT (tenant_id, email) DO UPDATE SET
  identity_id = COALESCE(iam.principals.identity_id, EXCLUDED.identity_id),
  updated_at = now()
RETURNING id::text, role_slug, status, COALESCE(identity_id::text, '');
`, tenantID, email, roleSlug, identityID).Scan(&p.ID, &p.RoleSlug, &p.Status, &p.IdentityID)
	if err != nil {
		return Principal{}, err
	}
	if p.Status != "active" {
		return Principal{}, errors.New("server: principal is not active")
	}
	if p.IdentityID == "" {
		return Principal{}, errors.New("server: principal missing identity")
	}
	if p.IdentityID != identityID {
		return Principal{}, errors.New("server: principal identity mismatch")
	}
	return p, nil
}

func (s *pgPrincipalStore) GetByID(ctx context.Context, tenantID string, principalID string) (Principal, bool, error) {
	var p Principal
	err := s.db.QueryRow(ctx, `
SELECT id::text, tenant_id::text, email, role_slug, status
FROM iam.principals
WHERE tenant_id = $1 AND id = $2;
`, tenantID, principalID).Scan(&p.ID, &p.TenantID, &p.Email, &p.RoleSlug, &p.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Principal{}, false, nil
		}
		return Principal{}, false, err
	}
	return p, true, nil
}

type pgSessionStore struct {
	db pgQuerier
}

func newSessionStore(pool *pgxpool.Pool) sessionStore {
	if pool == nil {
		return newMemorySessionStore()
	}
	return &pgSessionStore{db: pool}
}

func (s *pgSessionStore) Create(ctx context.Context, tenantID string, principalID string, expiresAt time.Time, ip string, userAgent string) (string, error) {
	sid, tokenHash, err := mintSID()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO iam.sessions (token_sha256, tenant_id, principal_id, expires_at, ip, user_agent)
VALUES ($1, $2, $3, $4, $5, $6);
`, tokenHash, tenantID, principalID, expiresAt, ip, userAgent)
	if err != nil {
		return "", err
	}
	return sid, nil
}

func (s *pgSessionStore) Lookup(ctx context.Context, sid string) (Session, bool, error) {
	sum := sha256.Sum256([]byte(sid))
	var (
		sess      Session
		revokedAt *time.Time
	)
	err := s.db.QueryRow(ctx, `
SELECT tenant_id::text, principal_id::text, expires_at, revoked_at
FROM iam.sessions
WHERE token_sha256 = $1;
`, sum[:]).Scan(&sess.TenantID, &sess.PrincipalID, &sess.ExpiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}
	sess.RevokedAt = revokedAt
	if sess.RevokedAt != nil || time.Now().After(sess.ExpiresAt) {
		return Session{}, false, nil
	}
	return sess, true, nil
}

func (s *pgSessionStore) Revoke(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	sum := sha256.Sum256([]byte(sid))
	_, err := s.db.Exec(ctx, `DELETE FROM iam.sessions WHERE token_sha256 = $1;`, sum[:])
	return err
}
