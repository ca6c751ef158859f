// Package connector guards every adapter invocation behind the full control
// chain: attested manifest, registered adapter, run and binding scope, MCP
// allowlist, policy evaluation, idempotency, rate limiting and a bounded
// retry loop. Refusals are fail-closed policy decisions, not errors.
package connector

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/flockmesh/flockmesh/pkg/canonicalize"
	"github.com/flockmesh/flockmesh/pkg/contracts"
	"github.com/flockmesh/flockmesh/pkg/signing"
)

// specVersionConstraint is the manifest schema generation this build
// understands.
const specVersionConstraint = "^1"

// CapabilitySpec declares one capability a connector exposes, with its
// side-effect class, risk tier and optional JSON schema for parameters.
type CapabilitySpec struct {
	Name             string               `json:"name"`
	SideEffect       contracts.SideEffect `json:"side_effect"`
	RiskTier         contracts.RiskTier   `json:"risk_tier"`
	ParametersSchema json.RawMessage      `json:"parameters_schema,omitempty"`
}

// Attestation binds a manifest document to an attestation key. The signature
// is an HMAC over the canonical hash of the manifest without this field.
type Attestation struct {
	KeyID       string `json:"key_id"`
	PayloadHash string `json:"payload_hash"`
	Signature   string `json:"signature"`
}

// Manifest is a connector's attested catalog entry.
//
//nolint:govet // fieldalignment: struct layout mirrors the wire document
type Manifest struct {
	ConnectorID  string           `json:"connector_id"`
	Name         string           `json:"name"`
	Category     string           `json:"category,omitempty"`
	Protocol     string           `json:"protocol"`
	SpecVersion  string           `json:"spec_version"`
	TrustLevel   string           `json:"trust_level,omitempty"`
	Capabilities []CapabilitySpec `json:"capabilities"`
	Attestation  *Attestation     `json:"attestation,omitempty"`
}

// CompiledManifest is a validated manifest with its capability index and
// compiled parameter schemas.
type CompiledManifest struct {
	Manifest     Manifest
	capabilities map[string]CapabilitySpec
	schemas      map[string]*jsonschema.Schema
}

// Capability returns the named capability spec, if declared.
func (m *CompiledManifest) Capability(name string) (CapabilitySpec, bool) {
	spec, ok := m.capabilities[name]
	return spec, ok
}

// HasCapability reports whether the manifest declares the capability.
func (m *CompiledManifest) HasCapability(name string) bool {
	_, ok := m.capabilities[name]
	return ok
}

// ValidateParameters checks params against the capability's parameter
// schema. Capabilities without a schema accept anything.
func (m *CompiledManifest) ValidateParameters(capability string, params map[string]any) error {
	schema, ok := m.schemas[capability]
	if !ok || schema == nil {
		return nil
	}
	// jsonschema validates decoded JSON values; a nil map is "{}" here.
	doc := any(params)
	if params == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("connector: parameters for %s rejected: %w", capability, err)
	}
	return nil
}

// Catalog holds the attested connector manifests. Manifests carrying an
// attestation are verified against the configured keys; when the catalog is
// constructed with RequireAttestation every manifest must carry one.
type Catalog struct {
	mu                 sync.RWMutex
	manifests          map[string]*CompiledManifest
	attestationKeys    map[string]string
	requireAttestation bool
	constraint         *semver.Constraints
}

// NewCatalog builds an empty manifest catalog. attestationKeys maps att_ key
// ids to secrets, usually parsed from FLOCKMESH_CONNECTOR_ATTESTATION_KEYS.
func NewCatalog(attestationKeys map[string]string, requireAttestation bool) *Catalog {
	constraint, err := semver.NewConstraint(specVersionConstraint)
	if err != nil {
		panic(fmt.Sprintf("connector: bad spec version constraint: %v", err))
	}
	keys := make(map[string]string, len(attestationKeys))
	for id, secret := range attestationKeys {
		keys[id] = secret
	}
	return &Catalog{
		manifests:          make(map[string]*CompiledManifest),
		attestationKeys:    keys,
		requireAttestation: requireAttestation,
		constraint:         constraint,
	}
}

// ParseAttestationKeys parses a JSON object of key id to secret, the format
// of FLOCKMESH_CONNECTOR_ATTESTATION_KEYS.
func ParseAttestationKeys(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var keys map[string]string
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("connector: parse attestation keys: %w", err)
	}
	for id, secret := range keys {
		if !contracts.HasIDPrefix(id, contracts.AttestationKeyIDPrefix) {
			return nil, fmt.Errorf("connector: attestation key id %q must carry the att_ prefix", id)
		}
		if secret == "" {
			return nil, fmt.Errorf("connector: attestation key %s has an empty secret", id)
		}
	}
	return keys, nil
}

// Register validates, verifies and indexes a manifest.
func (c *Catalog) Register(m Manifest) error {
	compiled, err := c.compile(m)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.manifests[m.ConnectorID] = compiled
	c.mu.Unlock()
	return nil
}

// LoadDir registers every *.manifest.json file in dir.
func (c *Catalog) LoadDir(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.manifest.json"))
	if err != nil {
		return fmt.Errorf("connector: scan manifest dir: %w", err)
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("connector: read manifest %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("connector: parse manifest %s: %w", path, err)
		}
		if err := c.Register(m); err != nil {
			return fmt.Errorf("connector: register manifest %s: %w", path, err)
		}
	}
	return nil
}

// Get returns the compiled manifest for a connector id.
func (c *Catalog) Get(connectorID string) (*CompiledManifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.manifests[connectorID]
	return m, ok
}

// ConnectorIDs returns the registered connector ids.
func (c *Catalog) ConnectorIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.manifests))
	for id := range c.manifests {
		ids = append(ids, id)
	}
	return ids
}

func (c *Catalog) compile(m Manifest) (*CompiledManifest, error) {
	if !contracts.HasIDPrefix(m.ConnectorID, contracts.ConnectorIDPrefix) {
		return nil, fmt.Errorf("connector: manifest id %q must carry the con_ prefix", m.ConnectorID)
	}
	if len(m.Capabilities) == 0 {
		return nil, fmt.Errorf("connector: manifest %s declares no capabilities", m.ConnectorID)
	}

	version, err := semver.NewVersion(m.SpecVersion)
	if err != nil {
		return nil, fmt.Errorf("connector: manifest %s spec_version %q: %w", m.ConnectorID, m.SpecVersion, err)
	}
	if !c.constraint.Check(version) {
		return nil, fmt.Errorf("connector: manifest %s spec_version %s outside supported range %s",
			m.ConnectorID, m.SpecVersion, specVersionConstraint)
	}

	if err := c.verifyAttestation(m); err != nil {
		return nil, err
	}

	compiled := &CompiledManifest{
		Manifest:     m,
		capabilities: make(map[string]CapabilitySpec, len(m.Capabilities)),
		schemas:      make(map[string]*jsonschema.Schema),
	}
	for _, spec := range m.Capabilities {
		if !contracts.ValidCapability(spec.Name) {
			return nil, fmt.Errorf("connector: manifest %s capability %q is malformed", m.ConnectorID, spec.Name)
		}
		if _, dup := compiled.capabilities[spec.Name]; dup {
			return nil, fmt.Errorf("connector: manifest %s declares capability %s twice", m.ConnectorID, spec.Name)
		}
		compiled.capabilities[spec.Name] = spec

		if len(spec.ParametersSchema) == 0 {
			continue
		}
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://flockmesh.schemas.local/connectors/%s/%s.schema.json", m.ConnectorID, spec.Name)
		if err := compiler.AddResource(url, strings.NewReader(string(spec.ParametersSchema))); err != nil {
			return nil, fmt.Errorf("connector: manifest %s capability %s schema: %w", m.ConnectorID, spec.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("connector: manifest %s capability %s schema compile: %w", m.ConnectorID, spec.Name, err)
		}
		compiled.schemas[spec.Name] = schema
	}
	return compiled, nil
}

// verifyAttestation checks the manifest's HMAC attestation. The signed
// payload is the manifest with the attestation field removed.
func (c *Catalog) verifyAttestation(m Manifest) error {
	att := m.Attestation
	if att == nil {
		if c.requireAttestation {
			return fmt.Errorf("connector: manifest %s is not attested", m.ConnectorID)
		}
		return nil
	}
	if !contracts.HasIDPrefix(att.KeyID, contracts.AttestationKeyIDPrefix) {
		return fmt.Errorf("connector: manifest %s attestation key id %q must carry the att_ prefix", m.ConnectorID, att.KeyID)
	}
	secret, ok := c.attestationKeys[att.KeyID]
	if !ok {
		return fmt.Errorf("connector: manifest %s attested with unknown key %s", m.ConnectorID, att.KeyID)
	}

	unsigned := m
	unsigned.Attestation = nil
	hash, err := canonicalize.Hash(unsigned)
	if err != nil {
		return fmt.Errorf("connector: hash manifest %s: %w", m.ConnectorID, err)
	}
	if hash != att.PayloadHash {
		return fmt.Errorf("connector: manifest %s payload hash mismatch: attested %s, computed %s",
			m.ConnectorID, att.PayloadHash, hash)
	}
	if !signing.VerifyHash([]byte(secret), hash, att.Signature) {
		return fmt.Errorf("connector: manifest %s attestation signature invalid", m.ConnectorID)
	}
	return nil
}

// Attest computes the attestation for a manifest under the given key. Used
// by catalog tooling and tests to produce signed manifests.
func Attest(m Manifest, keyID, secret string) (*Attestation, error) {
	unsigned := m
	unsigned.Attestation = nil
	hash, err := canonicalize.Hash(unsigned)
	if err != nil {
		return nil, fmt.Errorf("connector: hash manifest %s: %w", m.ConnectorID, err)
	}
	return &Attestation{
		KeyID:       keyID,
		PayloadHash: hash,
		Signature:   signing.SignHash([]byte(secret), hash),
	}, nil
}
