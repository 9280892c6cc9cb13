package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	. "github.com/loopline/agentd/internal/logging"
)

// Auth types supported for saved authentications.
const (
	AuthTypeAPIKey         = "api_key"
	AuthTypeOAuth          = "oauth"
	AuthTypeServiceAccount = "service_account"
)

// SavedAuthentication is one credential record, keyed by
// (provider, auth_type, name).
type SavedAuthentication struct {
	ID          string
	Provider    string
	AuthType    string
	Name        string
	Credentials map[string]string
	ExpiresAt   *time.Time
	InsertedAt  time.Time
	UpdatedAt   time.Time
}

// AccessToken returns the stored access token, if any.
func (a *SavedAuthentication) AccessToken() string { return a.Credentials["access_token"] }

// RefreshToken returns the stored refresh token, if any.
func (a *SavedAuthentication) RefreshToken() string { return a.Credentials["refresh_token"] }

// APIKey returns the stored api key, if any.
func (a *SavedAuthentication) APIKey() string { return a.Credentials["api_key"] }

// keyedLocks serializes work per credential key. Used to keep token refresh
// at-most-once per credential within this process; the database row update
// is the cross-process source of truth.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedLocks) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	if _, ok := k.locks[key]; !ok {
		k.locks[key] = &sync.Mutex{}
	}
	return k.locks[key]
}

func credKey(provider, authType, name string) string {
	return provider + "/" + authType + "/" + name
}

// CreateNamed inserts a new credential record. Fails with
// ErrUniquenessViolation if the (provider, auth_type, name) key exists.
// OAuth records require expiresAt; api_key records must not carry one.
func (s *Store) CreateNamed(ctx context.Context, provider, authType, name string, credentials map[string]string, expiresAt *time.Time) (*SavedAuthentication, error) {
	if authType == AuthTypeOAuth {
		if expiresAt == nil {
			return nil, fmt.Errorf("oauth credential requires expires_at")
		}
		if credentials["access_token"] == "" && credentials["refresh_token"] == "" {
			return nil, fmt.Errorf("oauth credential requires access_token or refresh_token")
		}
	} else if expiresAt != nil {
		return nil, fmt.Errorf("%s credential must not carry expires_at", authType)
	}
	if authType == AuthTypeAPIKey && strings.TrimSpace(credentials["api_key"]) == "" {
		return nil, fmt.Errorf("api_key credential requires a non-blank api_key")
	}

	credJSON, err := json.Marshal(credentials)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}

	now := time.Now()
	rec := &SavedAuthentication{
		ID:          uuid.New().String(),
		Provider:    provider,
		AuthType:    authType,
		Name:        name,
		Credentials: credentials,
		ExpiresAt:   expiresAt,
		InsertedAt:  now,
		UpdatedAt:   now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saved_authentications (id, provider, auth_type, name, credentials, expires_at, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, provider, authType, name, string(credJSON), nullTime(expiresAt), now.Unix(), now.Unix())

	if isUniqueViolation(err) {
		return nil, ErrUniquenessViolation
	}
	if err != nil {
		return nil, storageErr("create credential", err)
	}

	L_debug("credentials: created", "provider", provider, "authType", authType, "name", name)
	return rec, nil
}

// GetCredential fetches one credential by its composite key.
func (s *Store) GetCredential(ctx context.Context, provider, authType, name string) (*SavedAuthentication, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, auth_type, name, credentials, expires_at, inserted_at, updated_at
		FROM saved_authentications
		WHERE provider = ? AND auth_type = ? AND name = ?
	`, provider, authType, name)
	return scanCredential(row)
}

// GetCredentialByID fetches one credential by row id. Sessions reference
// credentials this way.
func (s *Store) GetCredentialByID(ctx context.Context, id string) (*SavedAuthentication, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, provider, auth_type, name, credentials, expires_at, inserted_at, updated_at
		FROM saved_authentications
		WHERE id = ?
	`, id)
	return scanCredential(row)
}

// ListCredentials returns all credential records ordered by key.
func (s *Store) ListCredentials(ctx context.Context) ([]*SavedAuthentication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, auth_type, name, credentials, expires_at, inserted_at, updated_at
		FROM saved_authentications
		ORDER BY provider, auth_type, name
	`)
	if err != nil {
		return nil, storageErr("list credentials", err)
	}
	defer rows.Close()

	var out []*SavedAuthentication
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateCredential patches a record's credentials map and expiry. Keys in
// patch overwrite existing entries; other entries are preserved.
func (s *Store) UpdateCredential(ctx context.Context, rec *SavedAuthentication, patch map[string]string, expiresAt *time.Time) (*SavedAuthentication, error) {
	merged := make(map[string]string, len(rec.Credentials)+len(patch))
	for k, v := range rec.Credentials {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}

	credJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	if expiresAt == nil {
		expiresAt = rec.ExpiresAt
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE saved_authentications
		SET credentials = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`, string(credJSON), nullTime(expiresAt), now.Unix(), rec.ID)
	if err != nil {
		return nil, storageErr("update credential", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	updated := *rec
	updated.Credentials = merged
	updated.ExpiresAt = expiresAt
	updated.UpdatedAt = now
	L_debug("credentials: updated", "provider", rec.Provider, "name", rec.Name)
	return &updated, nil
}

// DeleteCredential removes a record. Idempotent: deleting a missing record
// is not an error.
func (s *Store) DeleteCredential(ctx context.Context, provider, authType, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM saved_authentications WHERE provider = ? AND auth_type = ? AND name = ?
	`, provider, authType, name)
	if err != nil {
		return storageErr("delete credential", err)
	}
	L_debug("credentials: deleted", "provider", provider, "authType", authType, "name", name)
	return nil
}

// ListOAuthExpiringWithin returns oauth credentials whose expiry falls inside
// the window from now. Used by the refresh worker's periodic scan.
func (s *Store) ListOAuthExpiringWithin(ctx context.Context, window time.Duration) ([]*SavedAuthentication, error) {
	cutoff := time.Now().Add(window).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, auth_type, name, credentials, expires_at, inserted_at, updated_at
		FROM saved_authentications
		WHERE auth_type = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC
	`, AuthTypeOAuth, cutoff)
	if err != nil {
		return nil, storageErr("list expiring", err)
	}
	defer rows.Close()

	var out []*SavedAuthentication
	for rows.Next() {
		rec, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// WithCredentialLock runs fn while holding the per-credential lock, keeping
// concurrent refreshes of the same record from racing each other.
func (s *Store) WithCredentialLock(provider, authType, name string, fn func() error) error {
	mu := s.credLocks.get(credKey(provider, authType, name))
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*SavedAuthentication, error) {
	var rec SavedAuthentication
	var credJSON string
	var expiresAt sql.NullInt64
	var insertedAt, updatedAt int64

	err := row.Scan(&rec.ID, &rec.Provider, &rec.AuthType, &rec.Name, &credJSON, &expiresAt, &insertedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("scan credential", err)
	}

	if err := json.Unmarshal([]byte(credJSON), &rec.Credentials); err != nil {
		L_warn("credentials: failed to unmarshal credentials json", "id", rec.ID, "error", err)
		rec.Credentials = map[string]string{}
	}
	if expiresAt.Valid {
		t := time.Unix(expiresAt.Int64, 0)
		rec.ExpiresAt = &t
	}
	rec.InsertedAt = time.Unix(insertedAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return &rec, nil
}
