// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for deterministic hashing of policy documents, export
// envelopes, and audit payloads.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// HashPrefix precedes every hex digest so hashes self-describe their
// algorithm. Document hashes, payload hashes, and attestation hashes all
// carry it.
const HashPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// The value is first marshaled through encoding/json so struct tags are
// respected and fields with omitted values are dropped, then the raw JSON is
// transformed: object keys sorted lexicographically by UTF-16 code units,
// numbers in ES6 shortest form, no HTML escaping. Arrays keep their order.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the canonical form as a string.
func JCSString(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns "sha256:" + the SHA-256 hex digest of the canonical JSON
// representation of v. This is the document/payload hash used throughout
// the control plane.
func Hash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns "sha256:" + the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// MustHash is Hash for values known to be marshalable (internal payload
// maps). It panics on marshal failure, which indicates a programming error.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}
