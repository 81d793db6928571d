// Package auth implements API-key authentication, scope enforcement, and
// per-key rate limiting for the faxbot HTTP surface.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// TokenPrefix marks a structured API token: fbk_live_<keyId>_<secret>.
const TokenPrefix = "fbk_live_"

// Scopes recognized by the gateway.
const (
	ScopeFaxSend      = "fax:send"
	ScopeFaxRead      = "fax:read"
	ScopeInboundList  = "inbound:list"
	ScopeInboundRead  = "inbound:read"
	ScopeKeysManage   = "keys:manage"
	ScopePluginsRead  = "admin:plugins:read"
	ScopePluginsWrite = "admin:plugins:write"
)

// AllScopes is the implicit grant of the bootstrap key.
var AllScopes = []string{
	ScopeFaxSend, ScopeFaxRead,
	ScopeInboundList, ScopeInboundRead,
	ScopeKeysManage, ScopePluginsRead, ScopePluginsWrite,
}

// scrypt parameters. Interactive-login class; key verification is not in a
// hot loop because resolved keys are cheap to re-check and last_used_at
// updates happen off the critical path.
const (
	scryptN      = 1 << 14
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// MintToken generates a fresh key id and secret and returns the composed
// bearer token together with the parts. The secret exists only in the return
// value; callers must hash it immediately and show the token exactly once.
func MintToken() (token, keyID, secret string, err error) {
	idBytes := make([]byte, 4)
	if _, err = rand.Read(idBytes); err != nil {
		return "", "", "", fmt.Errorf("minting key id: %w", err)
	}
	secretBytes := make([]byte, 24)
	if _, err = rand.Read(secretBytes); err != nil {
		return "", "", "", fmt.Errorf("minting secret: %w", err)
	}
	keyID = hex.EncodeToString(idBytes)
	secret = base64.RawURLEncoding.EncodeToString(secretBytes)
	return TokenPrefix + keyID + "_" + secret, keyID, secret, nil
}

// NewSecret generates a fresh secret for key rotation.
func NewSecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("minting secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ComposeToken assembles the bearer token from its parts.
func ComposeToken(keyID, secret string) string {
	return TokenPrefix + keyID + "_" + secret
}

// ParseToken splits a structured token into key id and secret.
// Returns ok=false for anything that does not match the fbk_live_ shape.
func ParseToken(token string) (keyID, secret string, ok bool) {
	if !strings.HasPrefix(token, TokenPrefix) {
		return "", "", false
	}
	rest := token[len(TokenPrefix):]
	i := strings.IndexByte(rest, '_')
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

// HashSecret derives a salted scrypt hash of the secret, encoded as
// scrypt$<salt-b64>$<hash-b64>. Plaintext secrets are never stored.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	dk, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", fmt.Errorf("deriving key hash: %w", err)
	}
	return "scrypt$" + base64.RawStdEncoding.EncodeToString(salt) + "$" +
		base64.RawStdEncoding.EncodeToString(dk), nil
}

// VerifySecret checks a candidate secret against a stored hash in constant
// time with respect to the derived key bytes.
func VerifySecret(secret, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != "scrypt" {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// ConstantTimeEquals compares two opaque tokens without leaking a timing
// signal on the match length.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewOpaqueToken returns a random URL-safe token with at least 32 characters,
// used for tokenized artifact URLs.
func NewOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
