package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	svc, err := NewService("unit-test-key")
	require.NoError(t, err)

	ciphertext, err := svc.Encrypt("EAAGm0PX4ZCpsBA-token")
	require.NoError(t, err)
	assert.NotEqual(t, "EAAGm0PX4ZCpsBA-token", ciphertext)

	plain, err := svc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "EAAGm0PX4ZCpsBA-token", plain)
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	svc, err := NewService("unit-test-key")
	require.NoError(t, err)

	a, err := svc.Encrypt("token")
	require.NoError(t, err)
	b, err := svc.Encrypt("token")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "a fresh nonce per encryption")
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	one, err := NewService("key-one")
	require.NoError(t, err)
	two, err := NewService("key-two")
	require.NoError(t, err)

	ciphertext, err := one.Encrypt("token")
	require.NoError(t, err)

	_, err = two.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestDecryptRejectsGarbage(t *testing.T) {
	svc, err := NewService("unit-test-key")
	require.NoError(t, err)

	_, err = svc.Decrypt("not base64 at all!!")
	assert.Error(t, err)

	_, err = svc.Decrypt("dG9vc2hvcnQ=")
	assert.Error(t, err)
}

func TestEmptyKeyRefused(t *testing.T) {
	_, err := NewService("")
	assert.Error(t, err)
}
