package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"cmis-platform-sync/internal/domain"
)

// Verifier checks webhook authenticity for one platform: an HMAC-SHA256
// signature over the raw request body, compared in constant time against the
// configured shared secret. Verification happens before any parsing; a
// mismatch rejects the delivery with nothing persisted.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the platform's webhook secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks the signature header against the raw body. Platforms encode
// the digest differently: Meta sends "sha256=<hex>", Shopify sends base64.
// Any "sha256=" prefix is stripped and both encodings are accepted.
func (v *Verifier) Verify(body []byte, signature string) error {
	if len(v.secret) == 0 || signature == "" {
		return domain.ErrSignatureInvalid
	}
	signature = strings.TrimPrefix(signature, "sha256=")

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	digest := mac.Sum(nil)

	if hmac.Equal([]byte(hex.EncodeToString(digest)), []byte(strings.ToLower(signature))) {
		return nil
	}
	if hmac.Equal([]byte(base64.StdEncoding.EncodeToString(digest)), []byte(signature)) {
		return nil
	}
	return domain.ErrSignatureInvalid
}

// Sign computes the signature for a body, used by tests and by the outbound
// replay tooling.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
