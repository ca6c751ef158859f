package contracts

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Typed identifier prefixes. Every identifier in the system is an opaque
// string carrying one of these prefixes; the prefix is part of the external
// contract.
const (
	AgentIDPrefix          = "agt"
	BindingIDPrefix        = "cnb"
	RunIDPrefix            = "run"
	ActionIntentIDPrefix   = "act"
	PolicyDecisionIDPrefix = "pol"
	EventIDPrefix          = "evt"
	AuditIDPrefix          = "aud"
	ConnectorIDPrefix      = "con"
	AgentKitIDPrefix       = "kit"
	DelegationIDPrefix     = "dlg"
	AuthRefPrefix          = "sec"
	IdempotencyKeyPrefix   = "idem"
	PatchIDPrefix          = "pph"
	SignKeyIDPrefix        = "exp"
	AttestationKeyIDPrefix = "att"
	WorkspaceIDPrefix      = "wsp"
	PlaybookIDPrefix       = "pbk"
)

var (
	actorIDPattern          = regexp.MustCompile(`^(usr|svc|agt|sys)_[A-Za-z0-9_-]{4,128}$`)
	capabilityPattern       = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)
	policyCapabilityPattern = regexp.MustCompile(`^(\*|[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+)$`)
	signKeyIDPattern        = regexp.MustCompile(`^exp_[A-Za-z0-9_-]{4,64}$`)
	profileNamePattern      = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
)

// NewID mints an identifier with the given typed prefix.
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}

// HasIDPrefix reports whether id carries the given typed prefix.
func HasIDPrefix(id, prefix string) bool {
	return strings.HasPrefix(id, prefix+"_") && len(id) > len(prefix)+1
}

// ValidActorID reports whether s is a well-formed authenticated actor id
// (usr_, svc_, agt_ or sys_ followed by 4-128 token characters).
func ValidActorID(s string) bool { return actorIDPattern.MatchString(s) }

// ValidCapability reports whether s is a dotted capability name such as
// "message.send".
func ValidCapability(s string) bool { return capabilityPattern.MatchString(s) }

// ValidPolicyCapability reports whether s is a capability usable in a policy
// rule: a dotted capability name or the wildcard "*".
func ValidPolicyCapability(s string) bool { return policyCapabilityPattern.MatchString(s) }

// ValidSignKeyID reports whether s is a well-formed export signing key id.
func ValidSignKeyID(s string) bool { return signKeyIDPattern.MatchString(s) }

// ValidProfileName reports whether s is a well-formed policy profile name
// (lowercase snake case).
func ValidProfileName(s string) bool { return profileNamePattern.MatchString(s) }
