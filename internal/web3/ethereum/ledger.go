package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "cronos-sentinel/internal/errors"
	"cronos-sentinel/internal/ledger"
	"cronos-sentinel/pkg/logger"
)

// LedgerConfig describes the deployed contracts and the keys allowed to
// write them.
type LedgerConfig struct {
	Vault   common.Address
	Payment common.Address
	ChainID *big.Int
	// Agent signs agentSetWithdrawLimit.
	Agent *ecdsa.PrivateKey
	// Executor signs markJobExecuted; defaults to Agent.
	Executor *ecdsa.PrivateKey
	// Payer signs payForSettlement; optional.
	Payer  *ecdsa.PrivateKey
	Asset  string
	Chain  string
	Logger *slog.Logger
}

// Ledger binds the vault and settlement payment contracts to the ledger
// interfaces.
type Ledger struct {
	backend  Backend
	vault    *bind.BoundContract
	payment  *bind.BoundContract
	agent    *bind.TransactOpts
	executor *bind.TransactOpts
	payer    *bind.TransactOpts
	// sendMu serialises nonce assignment for locally signed transactions.
	sendMu sync.Mutex
	cfg    LedgerConfig
	logger *slog.Logger
}

// NewLedger validates the configuration and builds the contract bindings.
func NewLedger(backend Backend, cfg LedgerConfig) (*Ledger, error) {
	if backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链访问后端")
	}
	if cfg.Vault == (common.Address{}) || cfg.Payment == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置金库或支付合约地址")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 ID")
	}
	if cfg.Agent == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置智能体签名私钥")
	}
	if cfg.Executor == nil {
		cfg.Executor = cfg.Agent
	}

	agentOpts, err := bind.NewKeyedTransactorWithChainID(cfg.Agent, cfg.ChainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建智能体签名器失败")
	}
	executorOpts, err := bind.NewKeyedTransactorWithChainID(cfg.Executor, cfg.ChainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建执行签名器失败")
	}
	var payerOpts *bind.TransactOpts
	if cfg.Payer != nil {
		payerOpts, err = bind.NewKeyedTransactorWithChainID(cfg.Payer, cfg.ChainID)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建支付签名器失败")
		}
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Named("ledger.evm")
	}

	return &Ledger{
		backend:  backend,
		vault:    bind.NewBoundContract(cfg.Vault, vaultABI, backend, backend, backend),
		payment:  bind.NewBoundContract(cfg.Payment, paymentABI, backend, backend, backend),
		agent:    agentOpts,
		executor: executorOpts,
		payer:    payerOpts,
		cfg:      cfg,
		logger:   log,
	}, nil
}

// AgentAddress returns the address that signs limit updates.
func (l *Ledger) AgentAddress() common.Address {
	return l.agent.From
}

// Balance implements ledger.BalanceLedger.
func (l *Ledger) Balance(ctx context.Context, user string) (*big.Int, error) {
	addr, err := parseAddress(user)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, l.vault, "balances", addr)
	if err != nil {
		return nil, ledger.Unavailable(err, "读取余额")
	}
	return asBig(out[0])
}

// RecommendedLimit implements ledger.BalanceLedger.
func (l *Ledger) RecommendedLimit(ctx context.Context, user string) (*big.Int, error) {
	addr, err := parseAddress(user)
	if err != nil {
		return nil, err
	}
	out, err := l.call(ctx, l.vault, "recommendedWithdrawLimit", addr)
	if err != nil {
		return nil, ledger.Unavailable(err, "读取推荐额度")
	}
	return asBig(out[0])
}

// SetWithdrawLimit implements ledger.BalanceLedger and waits for the receipt.
func (l *Ledger) SetWithdrawLimit(ctx context.Context, user string, limit *big.Int, reason string) (ledger.Receipt, error) {
	addr, err := parseAddress(user)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if limit == nil || limit.Sign() < 0 {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "额度必须为非负整数")
	}
	receipt, err := l.transact(ctx, l.vault, l.agent, nil, "agentSetWithdrawLimit", addr, limit, reason)
	if err != nil {
		return ledger.Receipt{}, ledger.Unavailable(err, "写入推荐额度")
	}
	return receipt, nil
}

// CheckPayment implements ledger.PaymentLedger.
func (l *Ledger) CheckPayment(ctx context.Context, jobID string) (ledger.PaymentRecord, error) {
	out, err := l.call(ctx, l.payment, "checkPayment", jobID)
	if err != nil {
		return ledger.PaymentRecord{}, ledger.Unavailable(err, "查询支付记录")
	}
	if len(out) != 3 {
		return ledger.PaymentRecord{}, ledger.Unavailable(fmt.Errorf("checkPayment 返回 %d 个值", len(out)), "查询支付记录")
	}
	paid, _ := out[0].(bool)
	payer, _ := out[1].(common.Address)
	amount, err := asBig(out[2])
	if err != nil {
		return ledger.PaymentRecord{}, err
	}

	executed := false
	if paid {
		executed, err = l.isExecuted(ctx, jobID)
		if err != nil {
			return ledger.PaymentRecord{}, err
		}
	}
	return ledger.PaymentRecord{
		JobID:    jobID,
		Payer:    strings.ToLower(payer.Hex()),
		Amount:   amount,
		Paid:     paid,
		Executed: executed,
	}, nil
}

// SettlementFee implements ledger.PaymentLedger.
func (l *Ledger) SettlementFee(ctx context.Context) (*big.Int, error) {
	out, err := l.call(ctx, l.payment, "getSettlementFee")
	if err != nil {
		return nil, ledger.Unavailable(err, "读取结算费用")
	}
	return asBig(out[0])
}

// Recipient implements ledger.PaymentLedger.
func (l *Ledger) Recipient(ctx context.Context) (string, error) {
	out, err := l.call(ctx, l.payment, "getRecipient")
	if err != nil {
		return "", ledger.Unavailable(err, "读取收款地址")
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return "", ledger.Unavailable(fmt.Errorf("getRecipient 返回类型 %T", out[0]), "读取收款地址")
	}
	return addr.Hex(), nil
}

// RecordPayment implements ledger.PaymentLedger by sending payForSettlement
// from the configured payer key.
func (l *Ledger) RecordPayment(ctx context.Context, jobID, payer string, amount *big.Int) (ledger.Receipt, error) {
	if l.payer == nil {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置支付私钥")
	}
	if payer != "" && !strings.EqualFold(common.HexToAddress(payer).Hex(), l.payer.From.Hex()) {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "payer 与配置的支付账户不一致",
			xerrors.WithMetadata("payer", l.payer.From.Hex()))
	}
	rec, err := l.CheckPayment(ctx, jobID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if rec.Paid {
		return ledger.Receipt{}, ledger.ErrAlreadyPaid
	}
	fee, err := l.SettlementFee(ctx)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if amount == nil || amount.Cmp(fee) < 0 {
		return ledger.Receipt{}, xerrors.New(xerrors.CodeInvalidArgument, "支付金额低于结算费用",
			xerrors.WithMetadata("fee", fee.String()))
	}

	receipt, err := l.transact(ctx, l.payment, l.payer, amount, "payForSettlement", jobID)
	if err != nil {
		return ledger.Receipt{}, ledger.Unavailable(err, "记录支付")
	}
	return receipt, nil
}

// MarkJobExecuted implements ledger.PaymentLedger. The contract rejects a
// second mark, so a reverted transaction whose job now reads as executed is
// reported as ErrAlreadyExecuted.
func (l *Ledger) MarkJobExecuted(ctx context.Context, jobID string) (ledger.Receipt, error) {
	rec, err := l.CheckPayment(ctx, jobID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	if !rec.Paid {
		return ledger.Receipt{}, ledger.ErrNotPaid
	}
	if rec.Executed {
		return ledger.Receipt{}, ledger.ErrAlreadyExecuted
	}

	receipt, err := l.transact(ctx, l.payment, l.executor, nil, "markJobExecuted", jobID)
	if err != nil {
		if executed, checkErr := l.isExecuted(ctx, jobID); checkErr == nil && executed {
			return ledger.Receipt{}, ledger.ErrAlreadyExecuted
		}
		return ledger.Receipt{}, ledger.Unavailable(err, "标记 job 已执行")
	}
	return receipt, nil
}

// LatestBlock implements ledger.EventSource.
func (l *Ledger) LatestBlock(ctx context.Context) (uint64, error) {
	header, err := l.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, ledger.Unavailable(err, "读取最新区块")
	}
	return header.Number.Uint64(), nil
}

// Events implements ledger.EventSource over an inclusive block range.
func (l *Ledger) Events(ctx context.Context, fromBlock, toBlock uint64) ([]ledger.Event, error) {
	query := gethcore.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{l.cfg.Vault, l.cfg.Payment},
		Topics: [][]common.Hash{{
			vaultABI.Events["Deposited"].ID,
			vaultABI.Events["Withdrawn"].ID,
			paymentABI.Events["SettlementPaid"].ID,
		}},
	}
	logs, err := l.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, ledger.Unavailable(err, "读取账本事件")
	}

	now := time.Now().UTC()
	events := make([]ledger.Event, 0, len(logs))
	for _, lg := range logs {
		evt, ok, err := decodeEvent(lg)
		if err != nil {
			l.logger.Warn("无法解析链上事件", slog.String("tx", lg.TxHash.Hex()), slog.Any("error", err))
			continue
		}
		if !ok {
			continue
		}
		evt.ObservedAt = now
		events = append(events, evt)
	}
	return events, nil
}

func decodeEvent(lg coretypes.Log) (ledger.Event, bool, error) {
	if len(lg.Topics) == 0 || lg.Removed {
		return ledger.Event{}, false, nil
	}
	base := ledger.Event{TxRef: lg.TxHash.Hex(), BlockNumber: lg.BlockNumber}

	switch lg.Topics[0] {
	case vaultABI.Events["Deposited"].ID, vaultABI.Events["Withdrawn"].ID:
		name := "Deposited"
		base.Kind = ledger.EventDeposited
		if lg.Topics[0] == vaultABI.Events["Withdrawn"].ID {
			name = "Withdrawn"
			base.Kind = ledger.EventWithdrawn
		}
		if len(lg.Topics) < 2 {
			return ledger.Event{}, false, errors.New("缺少 user topic")
		}
		values, err := vaultABI.Unpack(name, lg.Data)
		if err != nil {
			return ledger.Event{}, false, err
		}
		amount, err := asBig(values[0])
		if err != nil {
			return ledger.Event{}, false, err
		}
		base.Account = strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex())
		base.Amount = amount
		return base, true, nil
	case paymentABI.Events["SettlementPaid"].ID:
		if len(lg.Topics) < 3 {
			return ledger.Event{}, false, errors.New("缺少 jobId/payer topic")
		}
		values, err := paymentABI.Unpack("SettlementPaid", lg.Data)
		if err != nil {
			return ledger.Event{}, false, err
		}
		amount, err := asBig(values[0])
		if err != nil {
			return ledger.Event{}, false, err
		}
		base.Kind = ledger.EventSettlementPaid
		// jobId 是 indexed 字段，链上只保留其 bytes32 形式。
		base.JobID = lg.Topics[1].Hex()
		base.Account = strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
		base.Amount = amount
		return base, true, nil
	default:
		return ledger.Event{}, false, nil
	}
}

// JobTopic returns the indexed topic a job id is logged under.
func JobTopic(jobID string) common.Hash {
	return crypto.Keccak256Hash([]byte(jobID))
}

func (l *Ledger) isExecuted(ctx context.Context, jobID string) (bool, error) {
	out, err := l.call(ctx, l.payment, "isJobExecuted", jobID)
	if err != nil {
		return false, ledger.Unavailable(err, "查询执行状态")
	}
	executed, _ := out[0].(bool)
	return executed, nil
}

func (l *Ledger) call(ctx context.Context, contract *bind.BoundContract, method string, params ...any) ([]any, error) {
	started := time.Now()
	var out []any
	err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...)
	l.logger.Debug("contract call", slog.String("method", method), slog.Duration("took", time.Since(started)), slog.Any("error", err))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s 未返回任何值", method)
	}
	return out, nil
}

// transact signs and sends a transaction, then blocks until it is mined.
// A receipt with a failed status is reported as an error.
func (l *Ledger) transact(ctx context.Context, contract *bind.BoundContract, signer *bind.TransactOpts, value *big.Int, method string, params ...any) (ledger.Receipt, error) {
	opts := *signer
	opts.Context = ctx
	opts.Value = value

	l.sendMu.Lock()
	tx, err := contract.Transact(&opts, method, params...)
	l.sendMu.Unlock()
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("发送 %s 交易失败: %w", method, err)
	}
	l.logger.Info("交易已发送", slog.String("method", method), slog.String("tx", tx.Hash().Hex()))

	receipt, err := bind.WaitMined(ctx, l.backend, tx)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("等待 %s 交易确认失败: %w", method, err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return ledger.Receipt{}, fmt.Errorf("%s 交易被回滚: %s", method, tx.Hash().Hex())
	}
	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return ledger.Receipt{TxRef: tx.Hash().Hex(), BlockNumber: block}, nil
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidRequest, "Missing/invalid user", xerrors.WithMetadata("field", "user"))
	}
	return common.HexToAddress(raw), nil
}

func asBig(v any) (*big.Int, error) {
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return nil, ledger.Unavailable(fmt.Errorf("期望 *big.Int，实际为 %T", v), "解析合约返回值")
	}
	return n, nil
}

var (
	_ ledger.BalanceLedger = (*Ledger)(nil)
	_ ledger.PaymentLedger = (*Ledger)(nil)
	_ ledger.EventSource   = (*Ledger)(nil)
)
