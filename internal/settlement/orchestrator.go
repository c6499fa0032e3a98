package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"cronos-sentinel/internal/agent"
	"cronos-sentinel/internal/clamp"
	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/internal/observability/alerting"
	"cronos-sentinel/internal/observability/metrics"
	"cronos-sentinel/internal/payment"
	"cronos-sentinel/pkg/logger"
)

const (
	defaultLedgerTimeout  = 30 * time.Second
	defaultPublishTimeout = 3 * time.Second
	maxJobIDLength        = 128
	refusalGuidance       = "Reduce the requested amount or wait for limits to be adjusted."
)

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// OutcomeSink 接收运行结果，投递失败不影响结算本身。
type OutcomeSink interface {
	PublishOutcome(ctx context.Context, outcome Outcome) error
}

// Orchestrator 串联支付闸门、策略、安全夹紧与账本写入。
type Orchestrator struct {
	registry       *agent.Registry
	gate           *payment.Gate
	balances       ledger.BalanceLedger
	policy         clamp.Policy
	ledgerTimeout  time.Duration
	publishTimeout time.Duration
	toggle         *agent.Toggle
	credentials    agent.CredentialSource
	sink           OutcomeSink
	alerts         alerting.Dispatcher
	logger         *slog.Logger
	now            func() time.Time
}

// Option 定义 Orchestrator 的可选配置。
type Option func(*Orchestrator)

// WithLedgerTimeout 设置单次账本读写的超时时间。
func WithLedgerTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.ledgerTimeout = timeout
		}
	}
}

// WithPublishTimeout 限制告警与结果投递的耗时，请求取消后投递仍会继续直到超时。
func WithPublishTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.publishTimeout = timeout
		}
	}
}

// WithAICapability 提供推理能力开关与凭据，用于列表中的 aiEnabled。
func WithAICapability(toggle *agent.Toggle, credentials agent.CredentialSource) Option {
	return func(o *Orchestrator) {
		o.toggle = toggle
		o.credentials = credentials
	}
}

// WithOutcomeSink 配置运行结果的下游接收方。
func WithOutcomeSink(sink OutcomeSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// WithAlertDispatcher 配置告警分发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerts = dispatcher
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建结算编排器。
func New(registry *agent.Registry, gate *payment.Gate, balances ledger.BalanceLedger, policy clamp.Policy, opts ...Option) (*Orchestrator, error) {
	if registry == nil || gate == nil || balances == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算编排器缺少必要依赖")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		registry:       registry,
		gate:           gate,
		balances:       balances,
		policy:         policy,
		ledgerTimeout:  defaultLedgerTimeout,
		publishTimeout: defaultPublishTimeout,
		logger:         logger.Named("settlement"),
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// Run 执行一次付费结算。
func (o *Orchestrator) Run(ctx context.Context, req Request) (result *Result, err error) {
	start := o.now()
	outcome := Outcome{JobID: req.JobID, AgentID: req.AgentID, User: req.User, RequestedAmount: amountString(req.RequestedAmount)}
	defer func() {
		status := o.finish(ctx, "run", &outcome, err)
		metrics.ObserveSettlement(o.agentLabel(req.AgentID), string(status), o.now().Sub(start))
	}()

	log := o.logger.With(slog.String("job_id", req.JobID), slog.String("agent_id", req.AgentID))
	log.Debug("settlement stage", slog.String("stage", string(StageRequested)))

	if err := validateJobID(req.JobID, true); err != nil {
		return nil, err
	}
	if err := validateUser(req.User); err != nil {
		return nil, err
	}
	if err := validateAmount(req.RequestedAmount); err != nil {
		return nil, err
	}
	strategy, err := o.registry.Get(req.AgentID)
	if err != nil {
		return nil, err
	}

	available, err := o.gate.IsAvailableForExecution(ctx, req.JobID)
	if err != nil {
		return nil, err
	}
	if !available {
		state, err := o.gate.State(ctx, req.JobID)
		if err != nil {
			return nil, err
		}
		if state == payment.StateExecuted {
			return nil, xerrors.New(xerrors.CodeAlreadyExecuted, "", xerrors.WithMetadata("job_id", req.JobID))
		}
		log.Debug("settlement stage", slog.String("stage", string(StageRejectedUnpaid)))
		fees, err := o.gate.FeeSchedule(ctx)
		if err != nil {
			return nil, err
		}
		return nil, payment.RequiredError(req.JobID, fees)
	}
	log.Debug("settlement stage", slog.String("stage", string(StagePaymentChecked)))

	state, err := o.snapshot(ctx, req.User)
	if err != nil {
		return nil, err
	}

	proposal := strategy.Decide(ctx, agent.DecisionContext{
		User:            req.User,
		Balance:         state.Balance,
		CurrentLimit:    state.PreviousRecommended,
		JobID:           req.JobID,
		RequestedAmount: req.RequestedAmount,
		RiskTrigger:     agent.RiskNone,
		Now:             o.now(),
	})
	metrics.ObserveDecision(req.AgentID, string(proposal.Mode))
	log.Debug("settlement stage", slog.String("stage", string(StageAgentEvaluated)),
		slog.String("proposed", amountString(proposal.ProposedLimit)))

	decision := o.bound(state.Balance, proposal)
	outcome.fill(decision)
	log.Debug("settlement stage", slog.String("stage", string(StageClamped)),
		slog.String("final", decision.FinalLimit.String()))

	if req.RequestedAmount != nil && req.RequestedAmount.Cmp(decision.FinalLimit) > 0 {
		log.Debug("settlement stage", slog.String("stage", string(StageRefusedOverLimit)))
		return nil, xerrors.New(xerrors.CodeRefused, "",
			xerrors.WithMetadata("agent_id", req.AgentID),
			xerrors.WithMetadata("requested_amount_wei", req.RequestedAmount.String()),
			xerrors.WithMetadata("recommended_limit_wei", decision.FinalLimit.String()),
			xerrors.WithMetadata("guidance", refusalGuidance))
	}

	reason := clamp.SanitizeReason(fmt.Sprintf("x402 job=%s agent=%s | %s | clamp: %s",
		req.JobID, req.AgentID, proposal.Reason, decision.ClampNotes))
	log.Debug("settlement stage", slog.String("stage", string(StageLedgerWritePending)))
	receipt, err := o.writeLimit(ctx, req.User, decision.FinalLimit, reason)
	if err != nil {
		return nil, err
	}
	outcome.TxRef = receipt.TxRef
	log.Debug("settlement stage", slog.String("stage", string(StageLedgerWriteConfirmed)), slog.String("tx_ref", receipt.TxRef))

	if _, err := o.gate.MarkExecuted(ctx, req.JobID); err != nil {
		return nil, err
	}
	log.Debug("settlement stage", slog.String("stage", string(StageExecutedMarked)))

	result = &Result{
		JobID:       req.JobID,
		AgentID:     req.AgentID,
		User:        req.User,
		TxRef:       receipt.TxRef,
		BlockNumber: receipt.BlockNumber,
		Decision:    decision,
		Pipeline:    append([]string(nil), Pipeline...),
	}
	log.Debug("settlement stage", slog.String("stage", string(StageComplete)))
	return result, nil
}

// Apply 不经过支付闸门，直接按策略更新用户的推荐额度。
func (o *Orchestrator) Apply(ctx context.Context, req ApplyRequest) (result *ApplyResult, err error) {
	start := o.now()
	outcome := Outcome{JobID: req.JobID, AgentID: req.AgentID, User: req.User, RequestedAmount: amountString(req.RequestedAmount)}
	defer func() {
		status := o.finish(ctx, "apply", &outcome, err)
		metrics.ObserveSettlement(o.agentLabel(req.AgentID), string(status), o.now().Sub(start))
	}()

	if err := validateUser(req.User); err != nil {
		return nil, err
	}
	if err := validateJobID(req.JobID, false); err != nil {
		return nil, err
	}
	if err := validateAmount(req.RequestedAmount); err != nil {
		return nil, err
	}
	strategy, err := o.registry.Get(req.AgentID)
	if err != nil {
		return nil, err
	}
	trigger := req.RiskTrigger
	if trigger == "" {
		trigger = agent.RiskNone
	}

	state, err := o.snapshot(ctx, req.User)
	if err != nil {
		return nil, err
	}

	proposal := strategy.Decide(ctx, agent.DecisionContext{
		User:            req.User,
		Balance:         state.Balance,
		CurrentLimit:    state.PreviousRecommended,
		JobID:           req.JobID,
		RequestedAmount: req.RequestedAmount,
		RiskTrigger:     trigger,
		Now:             o.now(),
	})
	metrics.ObserveDecision(req.AgentID, string(proposal.Mode))

	decision := o.bound(state.Balance, proposal)
	outcome.fill(decision)

	reason := clamp.SanitizeReason(fmt.Sprintf("%s: %s | clamp: %s", req.AgentID, proposal.Reason, decision.ClampNotes))
	receipt, err := o.writeLimit(ctx, req.User, decision.FinalLimit, reason)
	if err != nil {
		return nil, err
	}
	outcome.TxRef = receipt.TxRef

	return &ApplyResult{
		AgentID:  req.AgentID,
		User:     req.User,
		JobID:    req.JobID,
		TxRef:    receipt.TxRef,
		State:    state,
		Decision: decision,
	}, nil
}

// ListAgents 返回注册表中的智能体以及推理能力是否可用。
func (o *Orchestrator) ListAgents() ([]agent.Descriptor, bool) {
	return o.registry.List(), o.AIEnabled()
}

// AIEnabled 当开关开启且凭据存在时返回 true。
func (o *Orchestrator) AIEnabled() bool {
	if !o.toggle.Resolve() || o.credentials == nil {
		return false
	}
	return strings.TrimSpace(o.credentials()) != ""
}

func (o *Orchestrator) agentLabel(id string) string {
	if _, ok := o.registry.Describe(id); ok {
		return id
	}
	return "unknown"
}

// snapshot 读取余额与当前推荐额度，不加锁。
func (o *Orchestrator) snapshot(ctx context.Context, user string) (VaultState, error) {
	ctx, cancel := context.WithTimeout(ctx, o.ledgerTimeout)
	defer cancel()

	started := time.Now()
	balance, err := o.balances.Balance(ctx, user)
	metrics.ObserveLedgerCall("balance", err, time.Since(started))
	if err != nil {
		return VaultState{}, ledger.Unavailable(err, "读取余额")
	}

	started = time.Now()
	current, err := o.balances.RecommendedLimit(ctx, user)
	metrics.ObserveLedgerCall("recommended_limit", err, time.Since(started))
	if err != nil {
		return VaultState{}, ledger.Unavailable(err, "读取推荐额度")
	}
	return VaultState{Balance: balance, PreviousRecommended: current}, nil
}

func (o *Orchestrator) bound(balance *big.Int, proposal agent.Proposal) Decision {
	proposed := proposal.ProposedLimit
	if proposed == nil || proposed.Sign() < 0 {
		proposed = new(big.Int)
	}
	clamped := o.policy.Apply(balance, proposed)
	return Decision{
		ProposedLimit: proposed,
		FinalLimit:    clamped.FinalLimit,
		Confidence:    proposal.Confidence,
		Reason:        proposal.Reason,
		ClampNotes:    clamped.Notes,
		Mode:          proposal.Mode,
	}
}

func (o *Orchestrator) writeLimit(ctx context.Context, user string, limit *big.Int, reason string) (ledger.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.ledgerTimeout)
	defer cancel()

	started := time.Now()
	receipt, err := o.balances.SetWithdrawLimit(ctx, user, limit, reason)
	metrics.ObserveLedgerCall("set_withdraw_limit", err, time.Since(started))
	if err != nil {
		return ledger.Receipt{}, ledger.Unavailable(err, "写入推荐额度")
	}
	return receipt, nil
}

// finish 记录审计日志、触发告警并投递运行结果，返回结果状态。
func (o *Orchestrator) finish(ctx context.Context, operation string, outcome *Outcome, err error) OutcomeStatus {
	outcome.ID = uuid.NewString()
	outcome.CreatedAt = o.now().UTC()

	switch {
	case err == nil && operation == "apply":
		outcome.Status = OutcomeApplied
	case err == nil:
		outcome.Status = OutcomeCompleted
	case xerrors.HasCode(err, xerrors.CodeRefused):
		outcome.Status = OutcomeRefused
	case xerrors.HasCode(err, xerrors.CodePaymentRequired):
		outcome.Status = OutcomePaymentRequired
	default:
		outcome.Status = OutcomeFailed
	}
	if err != nil {
		outcome.ErrorCode = string(xerrors.CodeOf(err))
	}

	logger.Audit().Info("settlement outcome",
		slog.String("operation", operation),
		slog.String("job_id", outcome.JobID),
		slog.String("agent_id", outcome.AgentID),
		slog.String("user", outcome.User),
		slog.String("status", string(outcome.Status)),
		slog.String("final_limit", outcome.FinalLimit),
		slog.String("tx_ref", outcome.TxRef),
		slog.String("error_code", outcome.ErrorCode))

	// 参数错误不进入历史记录。
	if xerrors.HasCode(err, xerrors.CodeInvalidRequest) || xerrors.HasCode(err, xerrors.CodeUnknownAgent) {
		return outcome.Status
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.publishTimeout)
	defer cancel()
	if o.alerts != nil {
		if evt, ok := alerting.FromError(err, operation, outcome.JobID); ok {
			if alertErr := o.alerts.Notify(pubCtx, evt); alertErr != nil {
				o.logger.Warn("告警发送失败", slog.Any("error", alertErr))
			}
		}
	}
	if o.sink != nil {
		if sinkErr := o.sink.PublishOutcome(pubCtx, *outcome); sinkErr != nil {
			o.logger.Warn("运行结果投递失败", slog.String("job_id", outcome.JobID), slog.Any("error", sinkErr))
		}
	}
	return outcome.Status
}

func (oc *Outcome) fill(d Decision) {
	oc.ProposedLimit = amountString(d.ProposedLimit)
	oc.FinalLimit = amountString(d.FinalLimit)
	oc.Confidence = d.Confidence
	oc.Mode = d.Mode
	oc.Reason = d.Reason
}

func validateJobID(jobID string, required bool) error {
	if jobID == "" {
		if required {
			return xerrors.New(xerrors.CodeInvalidRequest, "Missing/invalid jobId", xerrors.WithMetadata("field", "jobId"))
		}
		return nil
	}
	if len(jobID) > maxJobIDLength || !jobIDPattern.MatchString(jobID) {
		return xerrors.New(xerrors.CodeInvalidRequest, "Missing/invalid jobId", xerrors.WithMetadata("field", "jobId"))
	}
	return nil
}

func validateUser(user string) error {
	if !common.IsHexAddress(user) {
		return xerrors.New(xerrors.CodeInvalidRequest, "Missing/invalid user", xerrors.WithMetadata("field", "user"))
	}
	return nil
}

func validateAmount(v *big.Int) error {
	if v != nil && v.Sign() < 0 {
		return xerrors.New(xerrors.CodeInvalidRequest, "requestedAmountWei must be a base-10 integer string (wei)",
			xerrors.WithMetadata("field", "requestedAmountWei"))
	}
	return nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}
