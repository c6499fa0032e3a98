package agent

import (
	"context"
	"math/big"
	"strings"
	"time"
)

// Kind 是已注册智能体的标识。
type Kind string

const (
	KindSettlementOptimizer Kind = "settlement-batch-optimizer"
	KindRiskSentinel        Kind = "withdrawal-risk-sentinel"
	KindEmergencyBrake      Kind = "emergency-brake"
	KindGasMonitor          Kind = "gas-fee-monitor"
	KindAdvisoryAI          Kind = "02portfolio-rebalancer-ai"
)

// RiskTrigger 描述外部风险信号。
type RiskTrigger string

const (
	RiskNone            RiskTrigger = "NONE"
	RiskVolatilitySpike RiskTrigger = "VOLATILITY_SPIKE"
	RiskAnomaly         RiskTrigger = "ANOMALY"
)

// ParseRiskTrigger 解析风险信号，空字符串视为 NONE。
func ParseRiskTrigger(raw string) (RiskTrigger, bool) {
	switch RiskTrigger(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", RiskNone:
		return RiskNone, true
	case RiskVolatilitySpike:
		return RiskVolatilitySpike, true
	case RiskAnomaly:
		return RiskAnomaly, true
	default:
		return RiskNone, false
	}
}

// Mode 标记提案的产生方式。
type Mode string

const (
	ModeDeterministic Mode = "deterministic"
	ModeAI            Mode = "ai"
	ModeFallback      Mode = "fallback"
)

// DecisionContext 是一次决策的账本快照与请求参数。
type DecisionContext struct {
	User            string
	Balance         *big.Int
	CurrentLimit    *big.Int
	JobID           string
	RequestedAmount *big.Int
	RiskTrigger     RiskTrigger
	Now             time.Time
}

// Proposal 是策略给出的额度提案，尚未经过安全夹紧。
type Proposal struct {
	ProposedLimit *big.Int `json:"proposed_limit"`
	Reason        string   `json:"reason"`
	Confidence    float64  `json:"confidence"`
	Mode          Mode     `json:"mode"`
}

// Strategy 根据上下文给出额度提案。实现不得返回错误，外部依赖失败时自行降级。
type Strategy interface {
	Decide(ctx context.Context, dc DecisionContext) Proposal
}

// StrategyFunc 允许以函数形式实现 Strategy。
type StrategyFunc func(ctx context.Context, dc DecisionContext) Proposal

// Decide 实现 Strategy。
func (f StrategyFunc) Decide(ctx context.Context, dc DecisionContext) Proposal {
	return f(ctx, dc)
}

// percentOf 计算 v·pct/100，向下取整。nil 视为 0。
func percentOf(v *big.Int, pct int64) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Quo(out, big.NewInt(100))
}

// capByRequested 当请求金额为正且小于基线时返回请求金额。
func capByRequested(baseline, requested *big.Int) *big.Int {
	if requested != nil && requested.Sign() > 0 && requested.Cmp(baseline) < 0 {
		return new(big.Int).Set(requested)
	}
	return baseline
}

func requestedOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func jobOrNA(jobID string) string {
	if strings.TrimSpace(jobID) == "" {
		return "n/a"
	}
	return jobID
}
