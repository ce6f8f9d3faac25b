// Package envelope provides the per-run state container and its lifecycle rules.
//
// Stage names are free-form strings defined by the pipeline configuration;
// the sentinel stages "end", "clarification" and "confirmation" are the only
// names with built-in meaning.
package envelope

// TerminalReason represents why processing terminated - exactly one per run.
type TerminalReason string

const (
	// TerminalReasonCompleted indicates successful completion.
	TerminalReasonCompleted TerminalReason = "completed_successfully"
	// TerminalReasonClarificationRequired indicates user clarification is needed.
	TerminalReasonClarificationRequired TerminalReason = "clarification_required"
	// TerminalReasonConfirmationRequired indicates user confirmation is needed.
	TerminalReasonConfirmationRequired TerminalReason = "confirmation_required"
	// TerminalReasonDeniedByPolicy indicates policy denial.
	TerminalReasonDeniedByPolicy TerminalReason = "denied_by_policy"
	// TerminalReasonToolFailedRecoverably indicates a recoverable tool failure.
	TerminalReasonToolFailedRecoverably TerminalReason = "tool_failed_recoverably"
	// TerminalReasonToolFailedFatally indicates a fatal tool failure.
	TerminalReasonToolFailedFatally TerminalReason = "tool_failed_fatally"
	// TerminalReasonMaxIterationsExceeded indicates the iteration bound was hit.
	TerminalReasonMaxIterationsExceeded TerminalReason = "max_iterations_exceeded"
	// TerminalReasonMaxLLMCallsExceeded indicates the LLM call bound was hit.
	TerminalReasonMaxLLMCallsExceeded TerminalReason = "max_llm_calls_exceeded"
	// TerminalReasonMaxAgentHopsExceeded indicates the agent hop bound was hit.
	TerminalReasonMaxAgentHopsExceeded TerminalReason = "max_agent_hops_exceeded"
	// TerminalReasonMaxEdgeLimitExceeded indicates a per-edge traversal ceiling was hit.
	TerminalReasonMaxEdgeLimitExceeded TerminalReason = "max_edge_limit_exceeded"
	// TerminalReasonMaxCriticFiresExceeded indicates max critic fires reached.
	TerminalReasonMaxCriticFiresExceeded TerminalReason = "max_critic_fires_exceeded"
)

// IsBoundExceeded reports whether the reason marks a resource-bound violation.
func (r TerminalReason) IsBoundExceeded() bool {
	switch r {
	case TerminalReasonMaxIterationsExceeded,
		TerminalReasonMaxLLMCallsExceeded,
		TerminalReasonMaxAgentHopsExceeded,
		TerminalReasonMaxEdgeLimitExceeded,
		TerminalReasonMaxCriticFiresExceeded:
		return true
	}
	return false
}

// InterruptKind classifies a human-in-the-loop pause.
type InterruptKind string

const (
	// InterruptKindClarification asks the user a free-form question.
	InterruptKindClarification InterruptKind = "clarification"
	// InterruptKindConfirmation asks the user for a yes/no decision.
	InterruptKindConfirmation InterruptKind = "confirmation"
	// InterruptKindDestructiveReview pauses a destructive action for review.
	InterruptKindDestructiveReview InterruptKind = "destructive_action_review"
	// InterruptKindEscalation hands the run to a human operator.
	InterruptKindEscalation InterruptKind = "escalation"
	// InterruptKindRateLimitPause pauses the run until rate headroom returns.
	InterruptKindRateLimitPause InterruptKind = "rate_limit_pause"
	// InterruptKindQuotaPause pauses the run on quota exhaustion.
	InterruptKindQuotaPause InterruptKind = "quota_pause"
	// InterruptKindExternalApproval waits for an out-of-band approval.
	InterruptKindExternalApproval InterruptKind = "external_approval"
)

// AllInterruptKinds lists every interrupt kind the kernel understands.
func AllInterruptKinds() []InterruptKind {
	return []InterruptKind{
		InterruptKindClarification,
		InterruptKindConfirmation,
		InterruptKindDestructiveReview,
		InterruptKindEscalation,
		InterruptKindRateLimitPause,
		InterruptKindQuotaPause,
		InterruptKindExternalApproval,
	}
}

// RiskApproval represents policy arbiter decisions.
type RiskApproval string

const (
	// RiskApprovalApproved indicates the request is approved.
	RiskApprovalApproved RiskApproval = "approved"
	// RiskApprovalDenied indicates the request is denied.
	RiskApprovalDenied RiskApproval = "denied"
	// RiskApprovalRequiresConfirmation indicates user confirmation is needed.
	RiskApprovalRequiresConfirmation RiskApproval = "requires_confirmation"
)
