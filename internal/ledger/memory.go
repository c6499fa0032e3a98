package ledger

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "cronos-sentinel/internal/errors"
)

// MemoryConfig 描述内存账本的初始状态。
type MemoryConfig struct {
	Fee       *big.Int
	Recipient string
	Asset     string
	Chain     string
}

type vaultAccount struct {
	balance *big.Int
	limit   *big.Int
	reason  string
}

// Memory 是线程安全的内存账本，实现 BalanceLedger、PaymentLedger 与 EventSource。
type Memory struct {
	mu       sync.Mutex
	fee      *big.Int
	schedule FeeSchedule
	accounts map[string]*vaultAccount
	payments map[string]*PaymentRecord
	events   []Event
	block    uint64
}

// NewMemory 创建内存账本。
func NewMemory(cfg MemoryConfig) *Memory {
	fee := cfg.Fee
	if fee == nil {
		fee = big.NewInt(0)
	}
	return &Memory{
		fee: new(big.Int).Set(fee),
		schedule: FeeSchedule{
			Recipient: cfg.Recipient,
			Asset:     cfg.Asset,
			Chain:     cfg.Chain,
		},
		accounts: make(map[string]*vaultAccount),
		payments: make(map[string]*PaymentRecord),
	}
}

// Deposit 为用户增加余额，并记录 Deposited 事件。
func (m *Memory) Deposit(user string, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(user)
	acct.balance.Add(acct.balance, amount)
	m.appendEvent(Event{Kind: EventDeposited, Account: normalise(user), Amount: new(big.Int).Set(amount)})
}

// Withdraw 扣减余额，并记录 Withdrawn 事件。
func (m *Memory) Withdraw(user string, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(user)
	if acct.balance.Cmp(amount) < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "余额不足")
	}
	acct.balance.Sub(acct.balance, amount)
	m.appendEvent(Event{Kind: EventWithdrawn, Account: normalise(user), Amount: new(big.Int).Set(amount)})
	return nil
}

// LastReason 返回最近一次写入额度时的理由，主要用于测试。
func (m *Memory) LastReason(user string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(user).reason
}

// Balance 实现 BalanceLedger。
func (m *Memory) Balance(ctx context.Context, user string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err, "读取余额")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.account(user).balance), nil
}

// RecommendedLimit 实现 BalanceLedger。
func (m *Memory) RecommendedLimit(ctx context.Context, user string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err, "读取推荐额度")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.account(user).limit), nil
}

// SetWithdrawLimit 实现 BalanceLedger。
func (m *Memory) SetWithdrawLimit(ctx context.Context, user string, limit *big.Int, reason string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, Unavailable(err, "写入推荐额度")
	}
	if limit == nil || limit.Sign() < 0 {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "额度必须为非负整数")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	acct := m.account(user)
	acct.limit = new(big.Int).Set(limit)
	acct.reason = reason
	return m.receipt(), nil
}

// CheckPayment 实现 PaymentLedger。
func (m *Memory) CheckPayment(ctx context.Context, jobID string) (PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return PaymentRecord{}, Unavailable(err, "查询支付记录")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[jobID]
	if !ok {
		return PaymentRecord{JobID: jobID, Amount: new(big.Int)}, nil
	}
	clone := *rec
	clone.Amount = new(big.Int).Set(rec.Amount)
	return clone, nil
}

// SettlementFee 实现 PaymentLedger。
func (m *Memory) SettlementFee(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err, "读取结算费用")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.fee), nil
}

// Recipient 实现 PaymentLedger。
func (m *Memory) Recipient(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Unavailable(err, "读取收款地址")
	}
	return m.schedule.Recipient, nil
}

// RecordPayment 实现 PaymentLedger。支付金额不得低于结算费用。
func (m *Memory) RecordPayment(ctx context.Context, jobID, payer string, amount *big.Int) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, Unavailable(err, "记录支付")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[jobID]; ok {
		return Receipt{}, ErrAlreadyPaid
	}
	if amount == nil || amount.Cmp(m.fee) < 0 {
		return Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "支付金额低于结算费用",
			xerrors.WithMetadata("fee", m.fee.String()))
	}
	m.payments[jobID] = &PaymentRecord{
		JobID:  jobID,
		Payer:  normalise(payer),
		Amount: new(big.Int).Set(amount),
		Paid:   true,
	}
	m.appendEvent(Event{Kind: EventSettlementPaid, JobID: jobID, Account: normalise(payer), Amount: new(big.Int).Set(amount)})
	return m.receipt(), nil
}

// MarkJobExecuted 实现 PaymentLedger，检查与迁移在同一把锁内完成。
func (m *Memory) MarkJobExecuted(ctx context.Context, jobID string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, Unavailable(err, "标记 job 已执行")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.payments[jobID]
	if !ok || !rec.Paid {
		return Receipt{}, ErrNotPaid
	}
	if rec.Executed {
		return Receipt{}, ErrAlreadyExecuted
	}
	rec.Executed = true
	return m.receipt(), nil
}

// LatestBlock 实现 EventSource。
func (m *Memory) LatestBlock(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, Unavailable(err, "读取最新区块")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block, nil
}

// Events 实现 EventSource，区间为闭区间。
func (m *Memory) Events(ctx context.Context, fromBlock, toBlock uint64) ([]Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, Unavailable(err, "读取账本事件")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, evt := range m.events {
		if evt.BlockNumber >= fromBlock && evt.BlockNumber <= toBlock {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (m *Memory) account(user string) *vaultAccount {
	key := normalise(user)
	acct, ok := m.accounts[key]
	if !ok {
		acct = &vaultAccount{balance: new(big.Int), limit: new(big.Int)}
		m.accounts[key] = acct
	}
	return acct
}

// receipt 推进内存区块高度并生成交易引用，调用方需持有锁。
func (m *Memory) receipt() Receipt {
	m.block++
	return Receipt{TxRef: "mem-" + uuid.NewString(), BlockNumber: m.block}
}

func (m *Memory) appendEvent(evt Event) {
	r := m.receipt()
	evt.TxRef = r.TxRef
	evt.BlockNumber = r.BlockNumber
	evt.ObservedAt = time.Now().UTC()
	m.events = append(m.events, evt)
}

func normalise(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

var (
	_ BalanceLedger = (*Memory)(nil)
	_ PaymentLedger = (*Memory)(nil)
	_ EventSource   = (*Memory)(nil)
)
