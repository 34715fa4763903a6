package secrets

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := New("a passphrase of any length works")
	require.NoError(t, err)

	sealed, err := box.Encrypt("smtp-app-password")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "smtp-app-password")

	plain, err := box.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "smtp-app-password", plain)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	box, err := New("key")
	require.NoError(t, err)

	a, err := box.Encrypt("same plaintext")
	require.NoError(t, err)
	b, err := box.Encrypt("same plaintext")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptRejectsTampering(t *testing.T) {
	box, err := New("key")
	require.NoError(t, err)

	sealed, err := box.Encrypt("secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = box.Decrypt(base64.StdEncoding.EncodeToString(raw))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	box, err := New("key")
	require.NoError(t, err)

	for _, input := range []string{"", "not base64 !!!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := box.Decrypt(input)
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "input %q", input)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	boxA, err := New("key-a")
	require.NoError(t, err)
	boxB, err := New("key-b")
	require.NoError(t, err)

	sealed, err := boxA.Encrypt("secret")
	require.NoError(t, err)

	_, err = boxB.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestNewEmptyKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
