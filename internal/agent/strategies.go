package agent

import (
	"context"
	"fmt"
)

// RiskSentinel 在已有额度时收紧 5%，否则给出余额一半的初始额度。
type RiskSentinel struct{}

// Decide 实现 Strategy。
func (RiskSentinel) Decide(_ context.Context, dc DecisionContext) Proposal {
	if dc.CurrentLimit != nil && dc.CurrentLimit.Sign() > 0 {
		return Proposal{
			ProposedLimit: percentOf(dc.CurrentLimit, 95),
			Reason:        "risk-sentinel: tightening limit by 5% from current to reduce sudden-drain risk",
			Confidence:    0.7,
			Mode:          ModeDeterministic,
		}
	}
	return Proposal{
		ProposedLimit: percentOf(dc.Balance, 50),
		Reason:        "risk-sentinel: initial safe limit at 50% of balance",
		Confidence:    0.7,
		Mode:          ModeDeterministic,
	}
}

// EmergencyBrake 在出现风险信号时把额度压到余额的 10%，否则 25%。
type EmergencyBrake struct{}

// Decide 实现 Strategy。
func (EmergencyBrake) Decide(_ context.Context, dc DecisionContext) Proposal {
	if dc.RiskTrigger != "" && dc.RiskTrigger != RiskNone {
		return Proposal{
			ProposedLimit: percentOf(dc.Balance, 10),
			Reason:        fmt.Sprintf("emergency-brake: trigger=%s, clamp to 10%%", dc.RiskTrigger),
			Confidence:    0.85,
			Mode:          ModeDeterministic,
		}
	}
	return Proposal{
		ProposedLimit: percentOf(dc.Balance, 25),
		Reason:        "emergency-brake: precautionary clamp to 25%",
		Confidence:    0.6,
		Mode:          ModeDeterministic,
	}
}

// SettlementOptimizer 以余额 40% 为基线，覆盖较小的请求金额。
type SettlementOptimizer struct{}

// Decide 实现 Strategy。
func (SettlementOptimizer) Decide(_ context.Context, dc DecisionContext) Proposal {
	baseline := percentOf(dc.Balance, 40)
	requested := requestedOrZero(dc.RequestedAmount)
	reason := fmt.Sprintf("x402 settlement guardrail job=%s", jobOrNA(dc.JobID))
	if requested.Sign() > 0 {
		reason = fmt.Sprintf("%s reqWei=%s", reason, requested.String())
	}
	return Proposal{
		ProposedLimit: capByRequested(baseline, requested),
		Reason:        reason,
		Confidence:    0.75,
		Mode:          ModeDeterministic,
	}
}
