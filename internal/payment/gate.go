package payment

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/pkg/logger"
)

// State 表示 job 的支付状态。
type State string

const (
	StateUnpaid   State = "UNPAID"
	StatePaid     State = "PAID"
	StateExecuted State = "EXECUTED"
)

const defaultTimeout = 30 * time.Second

// Gate 封装账本上的支付事实，提供状态查询与一次性执行标记。
type Gate struct {
	ledger  ledger.PaymentLedger
	asset   string
	chain   string
	timeout time.Duration
	logger  *slog.Logger
}

// Option 定义 Gate 的可选配置。
type Option func(*Gate)

// WithAsset 设置费用计价资产与所在链，用于 402 响应。
func WithAsset(asset, chain string) Option {
	return func(g *Gate) {
		g.asset = asset
		g.chain = chain
	}
}

// WithTimeout 设置单次账本调用的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(g *Gate) {
		if timeout > 0 {
			g.timeout = timeout
		}
	}
}

// NewGate 创建支付闸门。
func NewGate(pl ledger.PaymentLedger, opts ...Option) *Gate {
	g := &Gate{
		ledger:  pl,
		asset:   "CRO",
		chain:   "Cronos Testnet",
		timeout: defaultTimeout,
		logger:  logger.Named("payment"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// RecordPayment 记录一笔 job 支付，UNPAID → PAID。
func (g *Gate) RecordPayment(ctx context.Context, jobID, payer string, amount *big.Int) (ledger.Receipt, error) {
	if strings.TrimSpace(jobID) == "" {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInvalidRequest, "jobId 不能为空")
	}
	if amount == nil || amount.Sign() <= 0 {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInvalidRequest, "支付金额必须为正整数",
			xerrors.WithMetadata("job_id", jobID))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	receipt, err := g.ledger.RecordPayment(ctx, jobID, payer, amount)
	if err != nil {
		return ledger.Receipt{}, withJob(ledger.Unavailable(err, "记录支付"), jobID)
	}
	logger.Audit().Info("job 支付已记录",
		slog.String("job_id", jobID),
		slog.String("payer", payer),
		slog.String("amount_wei", amount.String()),
		slog.String("tx_ref", receipt.TxRef))
	return receipt, nil
}

// State 返回 job 当前的支付状态。
func (g *Gate) State(ctx context.Context, jobID string) (State, error) {
	rec, err := g.check(ctx, jobID)
	if err != nil {
		return "", err
	}
	return stateOf(rec), nil
}

// IsAvailableForExecution 当且仅当 job 已支付且未执行时返回 true。
func (g *Gate) IsAvailableForExecution(ctx context.Context, jobID string) (bool, error) {
	state, err := g.State(ctx, jobID)
	if err != nil {
		return false, err
	}
	return state == StatePaid, nil
}

// MarkExecuted 将 job 标记为已执行，PAID → EXECUTED，最多成功一次。
func (g *Gate) MarkExecuted(ctx context.Context, jobID string) (ledger.Receipt, error) {
	rec, err := g.check(ctx, jobID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	switch stateOf(rec) {
	case StateUnpaid:
		return ledger.Receipt{}, withJob(ledger.ErrNotPaid, jobID)
	case StateExecuted:
		return ledger.Receipt{}, withJob(ledger.ErrAlreadyExecuted, jobID)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	receipt, err := g.ledger.MarkJobExecuted(ctx, jobID)
	if err != nil {
		// 并发执行中落败的一方由账本返回 ALREADY_EXECUTED。
		return ledger.Receipt{}, withJob(ledger.Unavailable(err, "标记 job 已执行"), jobID)
	}
	g.logger.Debug("job 已标记为执行", slog.String("job_id", jobID), slog.String("tx_ref", receipt.TxRef))
	return receipt, nil
}

// FeeSchedule 返回当前的收费信息。
func (g *Gate) FeeSchedule(ctx context.Context) (ledger.FeeSchedule, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	fee, err := g.ledger.SettlementFee(ctx)
	if err != nil {
		return ledger.FeeSchedule{}, ledger.Unavailable(err, "读取结算费用")
	}
	recipient, err := g.ledger.Recipient(ctx)
	if err != nil {
		return ledger.FeeSchedule{}, ledger.Unavailable(err, "读取收款地址")
	}
	return ledger.FeeSchedule{Fee: fee, Recipient: recipient, Asset: g.asset, Chain: g.chain}, nil
}

// RequiredError 构造携带收费信息的 PAYMENT_REQUIRED 错误。
func RequiredError(jobID string, fs ledger.FeeSchedule) error {
	fee := "0"
	if fs.Fee != nil {
		fee = fs.Fee.String()
	}
	return xerrors.New(xerrors.CodePaymentRequired, "Payment Required",
		xerrors.WithMetadata("job_id", jobID),
		xerrors.WithMetadata("amount", fee),
		xerrors.WithMetadata("asset", fs.Asset),
		xerrors.WithMetadata("chain", fs.Chain),
		xerrors.WithMetadata("recipient", fs.Recipient),
		xerrors.WithMetadata("memo", fmt.Sprintf("x402 settlement job %s", jobID)))
}

func (g *Gate) check(ctx context.Context, jobID string) (ledger.PaymentRecord, error) {
	if strings.TrimSpace(jobID) == "" {
		return ledger.PaymentRecord{}, xerrors.New(xerrors.CodeInvalidRequest, "jobId 不能为空")
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	rec, err := g.ledger.CheckPayment(ctx, jobID)
	if err != nil {
		return ledger.PaymentRecord{}, withJob(ledger.Unavailable(err, "查询支付记录"), jobID)
	}
	return rec, nil
}

func stateOf(rec ledger.PaymentRecord) State {
	switch {
	case rec.Executed:
		return StateExecuted
	case rec.Paid:
		return StatePaid
	default:
		return StateUnpaid
	}
}

// withJob 复制统一错误并补充 job_id，错误码与底层原因保持不变。
func withJob(err error, jobID string) error {
	e, ok := xerrors.From(err)
	if !ok {
		return err
	}
	md := e.Metadata()
	opts := []xerrors.Option{xerrors.WithMetadata("job_id", jobID)}
	for k, v := range md {
		if k != "job_id" {
			opts = append(opts, xerrors.WithMetadata(k, v))
		}
	}
	return xerrors.Wrap(e.Code(), e.Unwrap(), e.Message(), opts...)
}
