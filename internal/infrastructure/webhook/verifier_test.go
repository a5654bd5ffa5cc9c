package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmis-platform-sync/internal/domain"
)

func TestVerifyHexSignature(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{"entry":[{"id":"1"}]}`)

	require.NoError(t, v.Verify(body, v.Sign(body)))
	require.NoError(t, v.Verify(body, "sha256="+v.Sign(body)), "prefixed header form")
}

func TestVerifyBase64Signature(t *testing.T) {
	v := NewVerifier("secret")
	body := []byte(`{"id":123}`)

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	require.NoError(t, v.Verify(body, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	v := NewVerifier("secret")
	sig := v.Sign([]byte("original"))

	assert.ErrorIs(t, v.Verify([]byte("modified"), sig), domain.ErrSignatureInvalid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte("payload")
	sig := NewVerifier("other-secret").Sign(body)

	assert.ErrorIs(t, NewVerifier("secret").Verify(body, sig), domain.ErrSignatureInvalid)
}

func TestVerifyRejectsEmptyInputs(t *testing.T) {
	v := NewVerifier("secret")
	assert.ErrorIs(t, v.Verify([]byte("body"), ""), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, NewVerifier("").Verify([]byte("body"), "anything"), domain.ErrSignatureInvalid)
}
