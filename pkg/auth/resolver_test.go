package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/faxbot/faxbot/pkg/fax"
)

// fakeKeySource serves a fixed set of keys from memory.
type fakeKeySource struct {
	keys map[string]*fax.APIKey
}

func (f *fakeKeySource) GetKey(_ context.Context, keyID string) (*fax.APIKey, error) {
	k, ok := f.keys[keyID]
	if !ok {
		return nil, fax.ErrNotFound
	}
	return k, nil
}

func (f *fakeKeySource) TouchLastUsed(context.Context, string, time.Time) error { return nil }

func issueKey(t *testing.T, src *fakeKeySource, scopes []string) (token string, keyID string) {
	t.Helper()
	token, keyID, secret, err := MintToken()
	require.NoError(t, err)
	hash, err := HashSecret(secret)
	require.NoError(t, err)
	src.keys[keyID] = &fax.APIKey{
		KeyID:     keyID,
		KeyHash:   hash,
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	return token, keyID
}

func TestResolve_StructuredToken(t *testing.T) {
	src := &fakeKeySource{keys: map[string]*fax.APIKey{}}
	token, keyID := issueKey(t, src, []string{ScopeFaxSend})
	r := NewResolver(src, "", true)

	p, _, err := r.Resolve(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, keyID, p.KeyID)
	assert.True(t, p.HasScope(ScopeFaxSend))
	assert.False(t, p.HasScope(ScopeKeysManage))
}

func TestResolve_BadSecret(t *testing.T) {
	src := &fakeKeySource{keys: map[string]*fax.APIKey{}}
	_, keyID := issueKey(t, src, []string{ScopeFaxSend})
	r := NewResolver(src, "", true)

	_, reason, err := r.Resolve(context.Background(), ComposeToken(keyID, "wrong-secret"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "bad_secret", reason)
}

func TestResolve_UnknownKey(t *testing.T) {
	r := NewResolver(&fakeKeySource{keys: map[string]*fax.APIKey{}}, "", true)

	_, reason, err := r.Resolve(context.Background(), ComposeToken("deadbeef", "secret"))
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "unknown_key", reason)
}

func TestResolve_RevokedKey(t *testing.T) {
	src := &fakeKeySource{keys: map[string]*fax.APIKey{}}
	token, keyID := issueKey(t, src, []string{ScopeFaxSend})
	now := time.Now()
	src.keys[keyID].RevokedAt = &now
	r := NewResolver(src, "", true)

	_, reason, err := r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "revoked_or_expired", reason)
}

func TestResolve_ExpiredKey(t *testing.T) {
	src := &fakeKeySource{keys: map[string]*fax.APIKey{}}
	token, keyID := issueKey(t, src, []string{ScopeFaxSend})
	past := time.Now().Add(-time.Hour)
	src.keys[keyID].ExpiresAt = &past
	r := NewResolver(src, "", true)

	_, _, err := r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolve_ExpiryBoundary(t *testing.T) {
	src := &fakeKeySource{keys: map[string]*fax.APIKey{}}
	token, keyID := issueKey(t, src, []string{ScopeFaxSend})
	expiry := time.Now().Add(time.Hour)
	src.keys[keyID].ExpiresAt = &expiry
	r := NewResolver(src, "", true)

	// Valid strictly before the expiry instant.
	r.Now = func() time.Time { return expiry.Add(-time.Nanosecond) }
	_, _, err := r.Resolve(context.Background(), token)
	assert.NoError(t, err)

	// Invalid at the expiry instant itself.
	r.Now = func() time.Time { return expiry }
	_, _, err = r.Resolve(context.Background(), token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolve_BootstrapToken(t *testing.T) {
	r := NewResolver(&fakeKeySource{keys: map[string]*fax.APIKey{}}, "bootstrap-secret", true)

	p, _, err := r.Resolve(context.Background(), "bootstrap-secret")
	require.NoError(t, err)
	assert.Equal(t, "bootstrap", p.KeyID)
	assert.True(t, p.HasScope(ScopeKeysManage))

	_, _, err = r.Resolve(context.Background(), "not-the-bootstrap")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolve_OpenDevMode(t *testing.T) {
	r := NewResolver(&fakeKeySource{keys: map[string]*fax.APIKey{}}, "", false)

	p, _, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "anonymous", p.KeyID)
	assert.True(t, p.HasScope(ScopeFaxSend))
}

func TestResolve_MissingToken(t *testing.T) {
	r := NewResolver(&fakeKeySource{keys: map[string]*fax.APIKey{}}, "", true)

	_, reason, err := r.Resolve(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "missing_api_key", reason)
}
