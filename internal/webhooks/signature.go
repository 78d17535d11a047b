package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// Ingress authentication headers set by the Supabase database webhook.
const (
	HeaderWebhookSecret = "x-webhook-secret"
	HeaderSignature     = "x-supabase-signature"
)

var (
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrMissingAuth         = errors.New("missing webhook authentication header")
	ErrBadSignature        = errors.New("invalid webhook signature")
)

// SignPayload creates HMAC-SHA256 signature for webhook verification
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify accepts a request carrying either the shared secret or an HMAC of the
// body. The signature may carry a "sha256=" prefix. Both comparisons are
// constant time.
func Verify(secret string, body []byte, secretHeader, signatureHeader string) error {
	if secret == "" {
		return ErrSecretNotConfigured
	}
	if secretHeader == "" && signatureHeader == "" {
		return ErrMissingAuth
	}

	if secretHeader != "" && subtle.ConstantTimeCompare([]byte(secretHeader), []byte(secret)) == 1 {
		return nil
	}
	if signatureHeader != "" {
		sig := strings.TrimPrefix(strings.TrimSpace(signatureHeader), "sha256=")
		if hmac.Equal([]byte(strings.ToLower(sig)), []byte(SignPayload(body, secret))) {
			return nil
		}
	}
	return ErrBadSignature
}
