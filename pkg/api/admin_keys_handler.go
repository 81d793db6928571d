package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/faxbot/faxbot/pkg/audit"
	"github.com/faxbot/faxbot/pkg/auth"
	"github.com/faxbot/faxbot/pkg/fax"
)

// createKeyRequest is the admin issuance payload.
type createKeyRequest struct {
	Name      string     `json:"name,omitempty"`
	Owner     string     `json:"owner,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	Note      string     `json:"note,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// issuedKey carries the one-time token alongside the stored metadata.
type issuedKey struct {
	Token string `json:"token"`
	*fax.APIKey
}

func validScopes(scopes []string) bool {
	for _, s := range scopes {
		found := false
		for _, known := range auth.AllScopes {
			if s == known {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// handleCreateKey issues a new credential. The token appears exactly once in
// this response; only the scrypt hash is stored.
func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())

	var req createKeyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, "Malformed JSON body")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{auth.ScopeFaxSend, auth.ScopeFaxRead}
	}
	if !validScopes(req.Scopes) {
		WriteBadRequest(w, "Unknown scope")
		return
	}

	token, keyID, secret, err := auth.MintToken()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	key := &fax.APIKey{
		KeyID:     keyID,
		KeyHash:   hash,
		Name:      req.Name,
		Owner:     req.Owner,
		Scopes:    req.Scopes,
		Note:      req.Note,
		CreatedAt: time.Now(),
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.keys.Create(r.Context(), key); err != nil {
		if errors.Is(err, fax.ErrDuplicateEvent) {
			WriteConflict(w, "Key id collision, retry")
			return
		}
		WriteInternal(w, err)
		return
	}

	s.audit.Record(r.Context(), audit.EventAdmin, principal.KeyID, "key_created", keyID,
		map[string]any{"scopes": req.Scopes})
	WriteJSON(w, http.StatusOK, issuedKey{Token: token, APIKey: key})
}

// handleListKeys returns key metadata. Secrets and hashes never appear.
func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.List(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if keys == nil {
		keys = []*fax.APIKey{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": keys, "count": len(keys)})
}

// handleRevokeKey sets revoked_at; revoking twice is a no-op.
func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	keyID := r.PathValue("id")
	if err := s.keys.Revoke(r.Context(), keyID, time.Now()); err != nil {
		if errors.Is(err, fax.ErrNotFound) {
			WriteNotFound(w, "No such key")
			return
		}
		WriteInternal(w, err)
		return
	}
	s.audit.Record(r.Context(), audit.EventAdmin, principal.KeyID, "key_revoked", keyID, nil)
	WriteJSON(w, http.StatusOK, map[string]string{"status": "revoked", "key_id": keyID})
}

// handleRotateKey replaces the secret; the new token appears exactly once.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.GetPrincipal(r.Context())
	keyID := r.PathValue("id")

	key, err := s.keys.GetKey(r.Context(), keyID)
	if err != nil {
		if errors.Is(err, fax.ErrNotFound) {
			WriteNotFound(w, "No such key")
			return
		}
		WriteInternal(w, err)
		return
	}

	secret, err := auth.NewSecret()
	if err != nil {
		WriteInternal(w, err)
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if err := s.keys.RotateHash(r.Context(), keyID, hash); err != nil {
		WriteInternal(w, err)
		return
	}
	key.KeyHash = hash

	s.audit.Record(r.Context(), audit.EventAdmin, principal.KeyID, "key_rotated", keyID, nil)
	WriteJSON(w, http.StatusOK, issuedKey{Token: auth.ComposeToken(keyID, secret), APIKey: key})
}
