package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The version suffix allows the
// algorithm to change without colliding with keys already on disk.
const (
	DomainPayload     = "tillsync/payload/v1"
	DomainIdempotency = "tillsync/idempotency/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadDigest hashes the canonical form of a JSON payload.
// Payloads differing only in key order or whitespace share a digest.
func PayloadDigest(payload []byte) (string, error) {
	c, err := FromJSON(payload)
	if err != nil {
		return "", fmt.Errorf("PayloadDigest: %w", err)
	}
	return hashWithDomain(DomainPayload, c), nil
}

// IdempotencyKey is the deterministic fingerprint of one logical mutation:
// the same (entity type, local id, action, payload) always yields the same key.
func IdempotencyKey(entityType, localID, action string, payload []byte) (string, error) {
	digest, err := PayloadDigest(payload)
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: %w", err)
	}
	c, err := Marshal(map[string]any{
		"entity_type":     entityType,
		"entity_local_id": localID,
		"action":          action,
		"payload_digest":  digest,
	})
	if err != nil {
		return "", fmt.Errorf("IdempotencyKey: %w", err)
	}
	return hashWithDomain(DomainIdempotency, c), nil
}

// MustIdempotencyKey panics on error. Intended for tests with literal payloads.
func MustIdempotencyKey(entityType, localID, action string, payload []byte) string {
	key, err := IdempotencyKey(entityType, localID, action, payload)
	if err != nil {
		panic(err)
	}
	return key
}
