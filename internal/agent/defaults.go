package agent

import (
	"time"

	"golang.org/x/time/rate"

	"cronos-sentinel/internal/llm"
)

// Dependencies 汇总默认智能体所需的外部依赖。
type Dependencies struct {
	TestnetFees      FeeOracle
	MainnetFees      FeeOracle
	FeeTimeout       time.Duration
	Toggle           *Toggle
	Credentials      CredentialSource
	Inference        llm.Factory
	InferenceTimeout time.Duration
	InferenceLimiter *rate.Limiter
}

// NewDefaultRegistry 按固定顺序注册五个内置智能体并封存注册表。
func NewDefaultRegistry(deps Dependencies) (*Registry, error) {
	toggle := deps.Toggle
	if toggle == nil {
		toggle = NewToggle(false)
	}

	builtins := []struct {
		desc     Descriptor
		strategy Strategy
	}{
		{
			desc: Descriptor{
				ID:      KindSettlementOptimizer,
				Name:    "Settlement Batch Optimizer",
				Summary: "After x402 payment, computes a safe cap for multi-step settlement execution and logs it on-chain.",
			},
			strategy: SettlementOptimizer{},
		},
		{
			desc: Descriptor{
				ID:      KindRiskSentinel,
				Name:    "Withdrawal Risk Sentinel",
				Summary: "Monitors the account state and recommends a safe withdrawal limit; emits an auditable on-chain reason.",
			},
			strategy: RiskSentinel{},
		},
		{
			desc: Descriptor{
				ID:      KindEmergencyBrake,
				Name:    "Emergency Brake",
				Summary: "Crisis-mode limiter that temporarily clamps recommended limits under abnormal conditions.",
			},
			strategy: EmergencyBrake{},
		},
		{
			desc: Descriptor{
				ID:      KindGasMonitor,
				Name:    "Gas Fee Monitor",
				Summary: "Monitors current gas fees on Cronos Testnet and Mainnet, recommending economically efficient withdrawal limits.",
			},
			strategy: NewGasMonitor(deps.TestnetFees, deps.MainnetFees, WithFeeTimeout(deps.FeeTimeout)),
		},
		{
			desc: Descriptor{
				ID:        KindAdvisoryAI,
				Name:      "02 Portfolio Rebalancer (AI, toggleable)",
				Summary:   "If enabled, uses an LLM to propose a conservative settlement/rebalance budget cap; otherwise falls back to deterministic rules.",
				AICapable: true,
			},
			strategy: NewAdvisoryAI(toggle, deps.Credentials, deps.Inference,
				WithInferenceTimeout(deps.InferenceTimeout),
				WithInferenceLimiter(deps.InferenceLimiter)),
		},
	}

	reg := NewRegistry()
	for _, b := range builtins {
		if err := reg.Register(b.desc, b.strategy); err != nil {
			return nil, err
		}
	}
	reg.Seal()
	return reg, nil
}
