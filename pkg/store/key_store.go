package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/faxbot/faxbot/pkg/fax"
)

// KeyStore persists API keys. Only derived hashes are ever written.
type KeyStore struct {
	db *DB
}

// NewKeyStore creates a KeyStore over the given database.
func NewKeyStore(db *DB) *KeyStore {
	return &KeyStore{db: db}
}

const keyColumns = `key_id, key_hash, name, owner, scopes, note,
	created_at, last_used_at, expires_at, revoked_at`

func (s *KeyStore) Create(ctx context.Context, k *fax.APIKey) error {
	query := s.db.rebind(`INSERT INTO api_keys (` + keyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		k.KeyID, k.KeyHash, nullStr(k.Name), nullStr(k.Owner),
		strings.Join(k.Scopes, " "), nullStr(k.Note),
		formatTime(k.CreatedAt),
		formatNullableTime(k.LastUsedAt), formatNullableTime(k.ExpiresAt), formatNullableTime(k.RevokedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	return nil
}

// GetKey implements auth.KeySource.
func (s *KeyStore) GetKey(ctx context.Context, keyID string) (*fax.APIKey, error) {
	query := s.db.rebind(`SELECT ` + keyColumns + ` FROM api_keys WHERE key_id = ?`)
	return scanKey(s.db.QueryRowContext(ctx, query, keyID))
}

// List returns key metadata for the admin surface. Hashes come along but the
// handler never serializes them.
func (s *KeyStore) List(ctx context.Context) ([]*fax.APIKey, error) {
	query := `SELECT ` + keyColumns + ` FROM api_keys ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []*fax.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Revoke sets revoked_at. Revoking an already revoked key is a no-op.
func (s *KeyStore) Revoke(ctx context.Context, keyID string, at time.Time) error {
	query := s.db.rebind(`UPDATE api_keys SET revoked_at = ? WHERE key_id = ? AND revoked_at IS NULL`)
	res, err := s.db.ExecContext(ctx, query, formatTime(at), keyID)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Distinguish unknown key from already-revoked.
		if _, err := s.GetKey(ctx, keyID); err != nil {
			return err
		}
	}
	return nil
}

// RotateHash replaces the stored hash with one derived from a new secret.
func (s *KeyStore) RotateHash(ctx context.Context, keyID, newHash string) error {
	query := s.db.rebind(`UPDATE api_keys SET key_hash = ? WHERE key_id = ?`)
	res, err := s.db.ExecContext(ctx, query, newHash, keyID)
	if err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed implements auth.KeySource.
func (s *KeyStore) TouchLastUsed(ctx context.Context, keyID string, t time.Time) error {
	query := s.db.rebind(`UPDATE api_keys SET last_used_at = ? WHERE key_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, formatTime(t), keyID); err != nil {
		return fmt.Errorf("touching api key: %w", err)
	}
	return nil
}

func scanKey(row rowScanner) (*fax.APIKey, error) {
	var (
		k        fax.APIKey
		name     sql.NullString
		owner    sql.NullString
		scopes   string
		note     sql.NullString
		created  string
		lastUsed sql.NullString
		expires  sql.NullString
		revoked  sql.NullString
	)
	err := row.Scan(&k.KeyID, &k.KeyHash, &name, &owner, &scopes, &note,
		&created, &lastUsed, &expires, &revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning api key: %w", err)
	}
	k.Name = name.String
	k.Owner = owner.String
	if scopes != "" {
		k.Scopes = strings.Fields(scopes)
	}
	k.Note = note.String
	k.CreatedAt = parseTime(created)
	k.LastUsedAt = parseNullableTime(lastUsed)
	k.ExpiresAt = parseNullableTime(expires)
	k.RevokedAt = parseNullableTime(revoked)
	return &k, nil
}
