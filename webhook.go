package invsync

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader is the webhook header carrying the HMAC.
const SignatureHeader = "x-marketplace-signature"

// ComputeSignature returns the lowercase hex HMAC-SHA256 of body under secret.
// The signed bytes are the exact body as received: callers must never
// re-serialize the JSON before verification, since round-trip whitespace
// changes would break the signature.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the signature header against the raw request body.
// Comparison is constant-time: the result depends only on equality, not on
// the position of the first differing byte.
func VerifySignature(secret string, body []byte, signature string) error {
	if signature == "" {
		return WithContext(ErrBadSignature, map[string]interface{}{"reason": "missing signature header"})
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return WithContext(ErrBadSignature, map[string]interface{}{"reason": "signature is not hex"})
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return ErrBadSignature
	}
	return nil
}
