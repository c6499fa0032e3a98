package ledger

import (
	"context"
	"math/big"
	"time"

	xerrors "cronos-sentinel/internal/errors"
)

// PaymentRecord 是账本中某个 job 的支付事实。
type PaymentRecord struct {
	JobID    string   `json:"job_id"`
	Payer    string   `json:"payer"`
	Amount   *big.Int `json:"amount"`
	Paid     bool     `json:"paid"`
	Executed bool     `json:"executed"`
}

// FeeSchedule 描述结算服务的收费信息。
type FeeSchedule struct {
	Fee       *big.Int `json:"fee"`
	Recipient string   `json:"recipient"`
	Asset     string   `json:"asset"`
	Chain     string   `json:"chain"`
}

// Receipt 是一次账本写入被确认后的凭据。
type Receipt struct {
	TxRef       string `json:"tx_ref"`
	BlockNumber uint64 `json:"block_number"`
}

// BalanceLedger 提供金库余额与推荐提现额度的读写。
type BalanceLedger interface {
	Balance(ctx context.Context, user string) (*big.Int, error)
	RecommendedLimit(ctx context.Context, user string) (*big.Int, error)
	// SetWithdrawLimit 以授权签名者身份写入新额度，并等待确认。
	SetWithdrawLimit(ctx context.Context, user string, limit *big.Int, reason string) (Receipt, error)
}

// PaymentLedger 提供 job 支付事实的读取与状态迁移。
type PaymentLedger interface {
	CheckPayment(ctx context.Context, jobID string) (PaymentRecord, error)
	SettlementFee(ctx context.Context) (*big.Int, error)
	Recipient(ctx context.Context) (string, error)
	RecordPayment(ctx context.Context, jobID, payer string, amount *big.Int) (Receipt, error)
	// MarkJobExecuted 必须是原子的：并发调用中只有一个成功，其余返回 ErrAlreadyExecuted。
	MarkJobExecuted(ctx context.Context, jobID string) (Receipt, error)
}

// EventKind 表示账本事件类型。
type EventKind string

const (
	EventSettlementPaid EventKind = "settlement_paid"
	EventDeposited      EventKind = "deposited"
	EventWithdrawn      EventKind = "withdrawn"
)

// Event 是从账本观察到的一条事件。
type Event struct {
	Kind        EventKind `json:"kind"`
	JobID       string    `json:"job_id,omitempty"`
	Account     string    `json:"account"`
	Amount      *big.Int  `json:"amount"`
	TxRef       string    `json:"tx_ref"`
	BlockNumber uint64    `json:"block_number"`
	ObservedAt  time.Time `json:"observed_at"`
}

// EventSource 以区块区间为单位读取账本事件。
type EventSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	Events(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error)
}

var (
	// ErrAlreadyExecuted 表示 job 已经执行过。
	ErrAlreadyExecuted = xerrors.New(xerrors.CodeAlreadyExecuted, "")
	// ErrAlreadyPaid 表示 job 已经存在支付记录。
	ErrAlreadyPaid = xerrors.New(xerrors.CodeAlreadyPaid, "")
	// ErrNotPaid 表示 job 尚未支付。
	ErrNotPaid = xerrors.New(xerrors.CodeNotPaid, "")
)

// Unavailable 将底层传输或账本错误包装为 LedgerUnavailable。
func Unavailable(cause error, op string) error {
	if cause == nil {
		return nil
	}
	if e, ok := xerrors.From(cause); ok && e.Code() != xerrors.CodeUnknown {
		return cause
	}
	return xerrors.Wrap(xerrors.CodeLedgerUnavailable, cause, op, xerrors.WithMetadata("operation", op))
}
