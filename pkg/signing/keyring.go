package signing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// DevKeyID is the built-in development signing key. Its secret is derived
// deterministically so local verifiers agree without configuration.
// Production rings overlay real keys from the environment.
const DevKeyID = "exp_dev_default"

var devBootSeed = []byte("flockmesh-dev-boot-seed")

// deriveDevSecret expands the fixed boot seed into a per-key-id secret.
func deriveDevSecret(keyID string) string {
	r := hkdf.New(sha256.New, devBootSeed, []byte(keyID), []byte("export-signing"))
	buf := make([]byte, 32)
	if _, err := io.ReadFull(r, buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// KeyRing holds the export signing keys and tracks which one is active for
// new signatures. Verification accepts any key in the ring.
type KeyRing struct {
	mu      sync.RWMutex
	secrets map[string][]byte
	active  string
}

// NewKeyRing creates an empty key ring.
func NewKeyRing() *KeyRing {
	return &KeyRing{secrets: make(map[string][]byte)}
}

// AddKey installs (or rotates) a key. The id must match the export key
// format and the secret must be non-empty.
func (k *KeyRing) AddKey(keyID, secret string) error {
	if !contracts.ValidSignKeyID(keyID) {
		return fmt.Errorf("signing: invalid key id %q", keyID)
	}
	if secret == "" {
		return fmt.Errorf("signing: empty secret for key %q", keyID)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.secrets[keyID] = []byte(secret)
	return nil
}

// SetActive pins the key used for new signatures. The key must already be in
// the ring.
func (k *KeyRing) SetActive(keyID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.secrets[keyID]; !ok {
		return fmt.Errorf("signing: active key %q not in ring", keyID)
	}
	k.active = keyID
	return nil
}

// ActiveKeyID returns the pinned active key, falling back to the
// lexicographically last key id so selection stays deterministic.
func (k *KeyRing) ActiveKeyID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.active != "" {
		return k.active
	}
	ids := make([]string, 0, len(k.secrets))
	for id := range k.secrets {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[len(ids)-1]
}

// KeyIDs returns the sorted ids of all ring keys.
func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ids := make([]string, 0, len(k.secrets))
	for id := range k.secrets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Sign signs the payload with the active key.
func (k *KeyRing) Sign(payload any) (Signature, error) {
	active := k.ActiveKeyID()
	if active == "" {
		return Signature{}, fmt.Errorf("signing: no keyring keys available")
	}
	k.mu.RLock()
	secret := k.secrets[active]
	k.mu.RUnlock()
	signer := &Signer{keyID: active, secret: secret}
	return signer.Sign(payload)
}

// Verify checks the signature against the key it names. Unknown keys fail
// closed.
func (k *KeyRing) Verify(payload any, sig Signature) (bool, error) {
	k.mu.RLock()
	secret, ok := k.secrets[sig.KeyID]
	k.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("signing: unknown key %q", sig.KeyID)
	}
	signer := &Signer{keyID: sig.KeyID, secret: secret}
	return signer.Verify(payload, sig)
}

// Resolve builds the startup key ring: the built-in dev default first, then
// keys from the environment JSON ({key_id: secret}), then programmatic
// overrides. When no explicit active id is given, the lexicographically last
// environment key wins; with no environment keys the dev default signs.
func Resolve(envKeysJSON, activeKeyID string, overrides map[string]string) (*KeyRing, error) {
	ring := NewKeyRing()
	if err := ring.AddKey(DevKeyID, deriveDevSecret(DevKeyID)); err != nil {
		return nil, err
	}

	var envIDs []string
	if envKeysJSON != "" {
		var keys map[string]string
		if err := json.Unmarshal([]byte(envKeysJSON), &keys); err != nil {
			return nil, fmt.Errorf("signing: parse key env: %w", err)
		}
		for id, secret := range keys {
			if err := ring.AddKey(id, secret); err != nil {
				return nil, err
			}
			envIDs = append(envIDs, id)
		}
	}
	for id, secret := range overrides {
		if err := ring.AddKey(id, secret); err != nil {
			return nil, err
		}
	}

	switch {
	case activeKeyID != "":
		if err := ring.SetActive(activeKeyID); err != nil {
			return nil, err
		}
	case len(envIDs) > 0:
		sort.Strings(envIDs)
		if err := ring.SetActive(envIDs[len(envIDs)-1]); err != nil {
			return nil, err
		}
	}
	return ring, nil
}
