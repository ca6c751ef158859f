// Package signing produces and verifies the HMAC-SHA256 envelope signatures
// attached to incident, replay, and policy-history exports.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// AlgorithmHMACSHA256 is the only signature algorithm emitted.
const AlgorithmHMACSHA256 = "HMAC-SHA256"

// Signature is the verifiable stamp attached to an export envelope. The
// signature is computed over the payload hash, not the raw payload, so
// verifiers can re-derive it from the canonical form alone.
type Signature struct {
	Algorithm   string `json:"algorithm"`
	KeyID       string `json:"key_id"`
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature"`
}

// Signer signs payloads with a single named key.
type Signer struct {
	keyID  string
	secret []byte
}

// NewSigner builds a signer. The key id must match the export key format and
// the secret must be non-empty.
func NewSigner(keyID, secret string) (*Signer, error) {
	if !contracts.ValidSignKeyID(keyID) {
		return nil, fmt.Errorf("signing: invalid key id %q", keyID)
	}
	if secret == "" {
		return nil, fmt.Errorf("signing: empty secret for key %q", keyID)
	}
	return &Signer{keyID: keyID, secret: []byte(secret)}, nil
}

// KeyID returns the signer's key id.
func (s *Signer) KeyID() string { return s.keyID }

// Sign canonicalizes the payload, hashes it, and signs the hash.
func (s *Signer) Sign(payload any) (Signature, error) {
	payloadHash, err := canonicalize.Hash(payload)
	if err != nil {
		return Signature{}, err
	}
	return Signature{
		Algorithm:   AlgorithmHMACSHA256,
		KeyID:       s.keyID,
		PayloadHash: payloadHash,
		Signature:   SignHash(s.secret, payloadHash),
	}, nil
}

// Verify reruns the canonicalization and HMAC and compares in constant time.
func (s *Signer) Verify(payload any, sig Signature) (bool, error) {
	if sig.Algorithm != AlgorithmHMACSHA256 {
		return false, fmt.Errorf("signing: unsupported algorithm %q", sig.Algorithm)
	}
	payloadHash, err := canonicalize.Hash(payload)
	if err != nil {
		return false, err
	}
	if !constantTimeEqual(payloadHash, sig.PayloadHash) {
		return false, nil
	}
	return VerifyHash(s.secret, payloadHash, sig.Signature), nil
}

// SignHash computes hex(HMAC-SHA256(secret, payloadHash)).
func SignHash(secret []byte, payloadHash string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payloadHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHash checks a detached signature over a payload hash in constant
// time.
func VerifyHash(secret []byte, payloadHash, signature string) bool {
	return constantTimeEqual(SignHash(secret, payloadHash), signature)
}

func constantTimeEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
