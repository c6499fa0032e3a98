package settlement

import (
	"math/big"
	"time"

	"cronos-sentinel/internal/agent"
)

// Stage 是一次结算运行所处的阶段。
type Stage string

const (
	StageRequested            Stage = "REQUESTED"
	StagePaymentChecked       Stage = "PAYMENT_CHECKED"
	StageRejectedUnpaid       Stage = "REJECTED_UNPAID"
	StageAgentEvaluated       Stage = "AGENT_EVALUATED"
	StageClamped              Stage = "CLAMPED"
	StageRefusedOverLimit     Stage = "REFUSED_OVER_LIMIT"
	StageLedgerWritePending   Stage = "LEDGER_WRITE_PENDING"
	StageLedgerWriteConfirmed Stage = "LEDGER_WRITE_CONFIRMED"
	StageExecutedMarked       Stage = "EXECUTED_MARKED"
	StageComplete             Stage = "COMPLETE"
)

// Pipeline 是结算成功后返回的固定执行步骤。
var Pipeline = []string{"validate balances", "calculate fees", "route payouts", "finalize settlement"}

// Request 描述一次付费结算请求。
type Request struct {
	JobID           string
	User            string
	AgentID         string
	RequestedAmount *big.Int
}

// ApplyRequest 描述一次不经过支付闸门的额度更新请求。
type ApplyRequest struct {
	AgentID         string
	User            string
	JobID           string
	RequestedAmount *big.Int
	RiskTrigger     agent.RiskTrigger
}

// Decision 汇总策略提案与夹紧结果。
type Decision struct {
	ProposedLimit *big.Int   `json:"proposed_limit"`
	FinalLimit    *big.Int   `json:"final_limit"`
	Confidence    float64    `json:"confidence"`
	Reason        string     `json:"reason"`
	ClampNotes    string     `json:"clamp_notes"`
	Mode          agent.Mode `json:"mode"`
}

// Result 是结算成功后的返回值。
type Result struct {
	JobID       string   `json:"job_id"`
	AgentID     string   `json:"agent_id"`
	User        string   `json:"user"`
	TxRef       string   `json:"tx_ref"`
	BlockNumber uint64   `json:"block_number"`
	Decision    Decision `json:"decision"`
	Pipeline    []string `json:"pipeline"`
}

// VaultState 是决策前读取到的账本快照。
type VaultState struct {
	Balance             *big.Int `json:"balance"`
	PreviousRecommended *big.Int `json:"previous_recommended"`
}

// ApplyResult 是额度更新成功后的返回值。
type ApplyResult struct {
	AgentID  string     `json:"agent_id"`
	User     string     `json:"user"`
	JobID    string     `json:"job_id,omitempty"`
	TxRef    string     `json:"tx_ref"`
	State    VaultState `json:"state"`
	Decision Decision   `json:"decision"`
}

// OutcomeStatus 描述一次运行的最终结果。
type OutcomeStatus string

const (
	OutcomeCompleted       OutcomeStatus = "completed"
	OutcomeApplied         OutcomeStatus = "applied"
	OutcomeRefused         OutcomeStatus = "refused"
	OutcomePaymentRequired OutcomeStatus = "payment_required"
	OutcomeFailed          OutcomeStatus = "failed"
)

// Outcome 是发布给下游（事件总线、历史记录）的运行结果。
type Outcome struct {
	ID              string        `json:"id"`
	JobID           string        `json:"job_id,omitempty"`
	AgentID         string        `json:"agent_id"`
	User            string        `json:"user"`
	Status          OutcomeStatus `json:"status"`
	RequestedAmount string        `json:"requested_amount,omitempty"`
	ProposedLimit   string        `json:"proposed_limit,omitempty"`
	FinalLimit      string        `json:"final_limit,omitempty"`
	Confidence      float64       `json:"confidence,omitempty"`
	Mode            agent.Mode    `json:"mode,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	TxRef           string        `json:"tx_ref,omitempty"`
	ErrorCode       string        `json:"error_code,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}
