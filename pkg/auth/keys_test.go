package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintToken_RoundTrip(t *testing.T) {
	token, keyID, secret, err := MintToken()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, TokenPrefix))
	assert.Len(t, keyID, 8) // 4 random bytes, hex

	gotID, gotSecret, ok := ParseToken(token)
	require.True(t, ok)
	assert.Equal(t, keyID, gotID)
	assert.Equal(t, secret, gotSecret)
}

func TestMintToken_Unique(t *testing.T) {
	t1, _, _, err := MintToken()
	require.NoError(t, err)
	t2, _, _, err := MintToken()
	require.NoError(t, err)
	assert.NotEqual(t, t1, t2)
}

func TestParseToken_Rejects(t *testing.T) {
	cases := []string{
		"",
		"not-a-token",
		"fbk_live_",
		"fbk_live_abcd1234",  // no secret separator
		"fbk_live_abcd1234_", // empty secret
		"fbk_live__secret",   // empty key id
		"Bearer fbk_live_abcd1234_secret",
	}
	for _, tok := range cases {
		_, _, ok := ParseToken(tok)
		assert.False(t, ok, "token %q should not parse", tok)
	}
}

func TestComposeToken(t *testing.T) {
	tok := ComposeToken("abcd1234", "s3cret")
	id, secret, ok := ParseToken(tok)
	require.True(t, ok)
	assert.Equal(t, "abcd1234", id)
	assert.Equal(t, "s3cret", secret)
}

func TestHashSecret_VerifyRoundTrip(t *testing.T) {
	hash, err := HashSecret("my-secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "scrypt$"))
	assert.NotContains(t, hash, "my-secret")

	assert.True(t, VerifySecret("my-secret", hash))
	assert.False(t, VerifySecret("wrong", hash))
}

func TestHashSecret_SaltVaries(t *testing.T) {
	h1, err := HashSecret("same")
	require.NoError(t, err)
	h2, err := HashSecret("same")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.True(t, VerifySecret("same", h1))
	assert.True(t, VerifySecret("same", h2))
}

func TestVerifySecret_MalformedStored(t *testing.T) {
	assert.False(t, VerifySecret("x", ""))
	assert.False(t, VerifySecret("x", "plaintext"))
	assert.False(t, VerifySecret("x", "bcrypt$abc$def"))
	assert.False(t, VerifySecret("x", "scrypt$!!!$!!!"))
}

func TestNewOpaqueToken(t *testing.T) {
	tok, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(tok), 32)

	other, err := NewOpaqueToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestConstantTimeEquals(t *testing.T) {
	assert.True(t, ConstantTimeEquals("abc", "abc"))
	assert.False(t, ConstantTimeEquals("abc", "abd"))
	assert.False(t, ConstantTimeEquals("abc", "abcd"))
	assert.True(t, ConstantTimeEquals("", ""))
}
