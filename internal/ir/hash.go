package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for hashed identities. The version suffix allows the
// canonicalization rules to change without colliding with stored fingerprints.
const (
	DomainRequest = "ridekey/request/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint returns the canonical JSON of a request payload together with
// its domain-separated SHA-256 digest. Payloads that are structurally equal
// produce identical results.
//
// Canonical JSON normalizes strings to NFC, so payloads whose strings differ
// only in Unicode normal form are the same request.
func Fingerprint(payload IRObject) (canonical []byte, digest string, err error) {
	if payload == nil {
		payload = IRObject{}
	}
	canonical, err = MarshalCanonical(payload)
	if err != nil {
		return nil, "", fmt.Errorf("fingerprint: %w", err)
	}
	return canonical, hashWithDomain(DomainRequest, canonical), nil
}

// MustFingerprint is like Fingerprint but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustFingerprint(payload IRObject) string {
	_, digest, err := Fingerprint(payload)
	if err != nil {
		panic(err)
	}
	return digest
}
