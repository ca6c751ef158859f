package policy

// Reason codes attached to policy decisions. These are external observables:
// clients and integrity tooling match on the literal strings.
const (
	ReasonRiskR0ReadOnly         = "risk.r0.read_only"
	ReasonRiskR1LowImpact        = "risk.r1.low_impact"
	ReasonRiskR2RequiresApproval = "risk.r2.requires_approval"
	ReasonRiskR3DualApproval     = "risk.r3.dual_approval"

	ReasonInvalidIntent       = "policy.invalid_intent"
	ReasonUnknownRiskTier     = "policy.unknown_risk_tier"
	ReasonIdempotencyRequired = "policy.idempotency_required"
	ReasonFailClosed          = "safety.fail_closed"

	ReasonApprovalResolvedAllow = "approval.resolved.allow"
	ReasonApprovalResolvedDeny  = "approval.resolved.deny"

	ReasonAdminNotAuthorized = "policy.admin.not_authorized"

	reasonProfileMissingPrefix = "policy.profile_missing."
	reasonRulePrefix           = "policy.rule."
)

// ReasonProfileMissing returns the fail-closed reason for a lattice layer
// whose profile is absent from the library.
func ReasonProfileMissing(source string) string { return reasonProfileMissingPrefix + source }

// ReasonRule returns the contribution reason for a profile rule match at the
// given lattice layer.
func ReasonRule(source string) string { return reasonRulePrefix + source }
