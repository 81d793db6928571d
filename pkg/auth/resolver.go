package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/faxbot/faxbot/pkg/fax"
)

// ErrUnauthorized is returned for every authentication failure. Callers map
// it to a bare 401; the reason stays in the audit log.
var ErrUnauthorized = errors.New("unauthorized")

// KeySource is the persistence surface the resolver needs.
type KeySource interface {
	GetKey(ctx context.Context, keyID string) (*fax.APIKey, error)
	TouchLastUsed(ctx context.Context, keyID string, t time.Time) error
}

// Resolver turns an X-API-Key header value into a Principal.
type Resolver struct {
	Keys      KeySource
	Bootstrap string // configuration token; grants all scopes
	Require   bool   // when false and no bootstrap key is set, auth is open (dev mode)
	Now       func() time.Time
}

// NewResolver creates a resolver over the given key source.
func NewResolver(keys KeySource, bootstrap string, require bool) *Resolver {
	return &Resolver{Keys: keys, Bootstrap: bootstrap, Require: require, Now: time.Now}
}

// Resolve authenticates a bearer token. The returned reason is for the audit
// trail only and must never reach the client.
func (r *Resolver) Resolve(ctx context.Context, token string) (*Principal, string, error) {
	if token == "" {
		if !r.Require && r.Bootstrap == "" {
			// Open dev mode: everything is implicitly admin.
			return &Principal{KeyID: "anonymous", Scopes: AllScopes}, "", nil
		}
		return nil, "missing_api_key", ErrUnauthorized
	}

	if keyID, secret, ok := ParseToken(token); ok {
		key, err := r.Keys.GetKey(ctx, keyID)
		if err != nil {
			// Unknown key ids and lookup errors are indistinguishable to
			// the caller.
			return nil, "unknown_key", ErrUnauthorized
		}
		if !VerifySecret(secret, key.KeyHash) {
			return nil, "bad_secret", ErrUnauthorized
		}
		if !key.Valid(r.Now()) {
			return nil, "revoked_or_expired", ErrUnauthorized
		}
		r.touch(key.KeyID)
		return &Principal{
			KeyID:  key.KeyID,
			Name:   key.Name,
			Owner:  key.Owner,
			Scopes: key.Scopes,
		}, "", nil
	}

	// Opaque token: bootstrap comparison, constant time.
	if r.Bootstrap != "" && ConstantTimeEquals(token, r.Bootstrap) {
		return &Principal{KeyID: "bootstrap", Scopes: AllScopes}, "", nil
	}
	return nil, "invalid_token", ErrUnauthorized
}

// touch records last_used_at best-effort, off the request critical path.
func (r *Resolver) touch(keyID string) {
	now := r.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Keys.TouchLastUsed(ctx, keyID, now); err != nil {
			slog.Debug("last_used_at update failed", "key_id", keyID, "error", err)
		}
	}()
}
