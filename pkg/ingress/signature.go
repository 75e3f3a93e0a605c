package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// SignatureHeader carries the HMAC signature of the request body.
const SignatureHeader = "X-Bridge-Signature"

// verifySignature verifies a request signature using HMAC-SHA256.
func verifySignature(body []byte, signature, secret string) bool {
	expected := ComputeSignature(body, secret)

	// Timing-safe comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(signature), []byte(expected)) == 1
}

// ComputeSignature computes the HMAC-SHA256 signature clients must send.
func ComputeSignature(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}
