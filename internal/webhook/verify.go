// Package webhook holds the pieces shared by every vendor's inbound push
// handling: HMAC signature verification and the re-sync queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// SignHMACSHA256 computes the HMAC-SHA256 of body under secret.
func SignHMACSHA256(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}

// VerifyBase64 checks a base64-encoded signature header against the computed
// HMAC of the raw body. Comparison is constant-time; a syntactically invalid
// header simply fails.
func VerifyBase64(secret, body []byte, signature string) bool {
	provided, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(provided, SignHMACSHA256(secret, body))
}

// VerifyHex checks a hex-encoded signature header against the computed HMAC
// of the raw body. An optional "sha256=" prefix is tolerated.
func VerifyHex(secret, body []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimPrefix(sig, "sha256=")
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(provided, SignHMACSHA256(secret, body))
}
