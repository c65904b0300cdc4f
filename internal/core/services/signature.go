package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"omnigate/internal/core/domain"
)

// SignatureHeader carries the HMAC of the envelope on every delivery
const SignatureHeader = "X-Webhook-Signature-256"

const signaturePrefix = "sha256="

// Sign returns hex(HMAC-SHA256(secret, payload))
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue formats a signature for the delivery header
func SignatureHeaderValue(signature string) string {
	return signaturePrefix + signature
}

// VerifySignature checks a "sha256=<hex>" header against the payload.
// Comparison is constant-time.
func VerifySignature(secret string, payload []byte, header string) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	expected := strings.TrimPrefix(header, signaturePrefix)
	computed := Sign(secret, payload)
	return hmac.Equal([]byte(computed), []byte(expected))
}

// CanonicalEnvelope is the byte sequence that gets signed: the envelope
// without its signature field
func CanonicalEnvelope(env domain.Envelope) ([]byte, error) {
	env.Signature = ""
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return b, nil
}

// VerifyEnvelope checks the embedded signature of a delivered body.
// Subscribers can use it instead of the header.
func VerifyEnvelope(secret string, body []byte) (bool, error) {
	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return false, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Signature == "" {
		return false, nil
	}
	canonical, err := CanonicalEnvelope(env)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(Sign(secret, canonical)), []byte(env.Signature)), nil
}

// NewWebhookSecret generates "whsec_" + 48 hex characters
func NewWebhookSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
