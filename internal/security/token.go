package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// tokenPrefix marks MiniRAG API tokens so they are recognizable in logs
// and secret scanners.
const tokenPrefix = "mrag_"

// PrefixLen is how many characters of a raw token are stored in clear for
// display in token listings.
const PrefixLen = 8

// GenerateAPIToken returns a new opaque API token. The raw value is shown
// to the caller exactly once; only its digest is persisted.
func GenerateAPIToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashAPIToken computes the hex SHA-256 digest of a raw token. A
// deterministic digest keeps lookup a single indexed query; the token's
// input entropy makes offline guessing infeasible.
func HashAPIToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// TokenPrefix returns the display prefix of a raw token.
func TokenPrefix(raw string) string {
	if len(raw) <= PrefixLen {
		return raw
	}
	return raw[:PrefixLen]
}

// SignHMAC computes the hex HMAC-SHA256 of body under secret. Used for
// webhook payload signatures.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC reports whether signature matches the HMAC of body.
func VerifyHMAC(secret string, body []byte, signature string) bool {
	expected := SignHMAC(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// GenerateWebhookSecret returns a random secret for webhook signing.
func GenerateWebhookSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
