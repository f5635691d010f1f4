package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureVerifier authenticates webhook request bodies.
type SignatureVerifier interface {
	Verify(body []byte, signature string) bool
}

// HMACVerifier checks hex HMAC-SHA256 signatures computed over the raw
// request body with the secret shared with the gateway.
type HMACVerifier struct {
	key []byte
}

// NewHMACVerifier creates a verifier using the shared webhook secret
func NewHMACVerifier(key string) *HMACVerifier {
	return &HMACVerifier{key: []byte(key)}
}

// Sign computes the signature for a body
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the signature matches the body
func (v *HMACVerifier) Verify(body []byte, signature string) bool {
	return hmac.Equal([]byte(v.Sign(body)), []byte(signature))
}
