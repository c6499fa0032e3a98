package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// fakeChain is an in-process stand-in for the vault and payment contracts.
// It executes transactions synchronously, so receipts are available as soon
// as SendTransaction returns.
type fakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	vault   common.Address
	payment common.Address
	agent   common.Address

	block    uint64
	balances map[common.Address]*big.Int
	limits   map[common.Address]*big.Int
	reasons  map[common.Address]string
	fee      *big.Int
	recip    common.Address
	payments map[string]fakePayment
	executed map[string]bool
	nonces   map[common.Address]uint64
	receipts map[common.Hash]*coretypes.Receipt
	logs     []coretypes.Log

	// markBeforeSend simulates a competing executor landing first.
	markBeforeSend bool
	filterErr      error
}

type fakePayment struct {
	payer  common.Address
	amount *big.Int
}

func newFakeChain(t *testing.T, agent common.Address) *fakeChain {
	t.Helper()
	return &fakeChain{
		chainID:  big.NewInt(338),
		vault:    common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		payment:  common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		agent:    agent,
		block:    100,
		balances: map[common.Address]*big.Int{},
		limits:   map[common.Address]*big.Int{},
		reasons:  map[common.Address]string{},
		fee:      big.NewInt(1_000_000_000_000_000),
		recip:    common.HexToAddress("0x00000000000000000000000000000000000000c3"),
		payments: map[string]fakePayment{},
		executed: map[string]bool{},
		nonces:   map[common.Address]uint64{},
		receipts: map[common.Hash]*coretypes.Receipt{},
	}
}

func (f *fakeChain) deposit(user common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current := f.balances[user]
	if current == nil {
		current = new(big.Int)
	}
	f.balances[user] = new(big.Int).Add(current, amount)
	f.block++
	data, _ := vaultABI.Events["Deposited"].Inputs.NonIndexed().Pack(amount)
	f.logs = append(f.logs, coretypes.Log{
		Address:     f.vault,
		Topics:      []common.Hash{vaultABI.Events["Deposited"].ID, common.BytesToHash(user.Bytes())},
		Data:        data,
		BlockNumber: f.block,
		TxHash:      common.BytesToHash([]byte(fmt.Sprintf("deposit-%d", f.block))),
	})
}

func (f *fakeChain) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code(contract), nil
}

func (f *fakeChain) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return f.code(account), nil
}

func (f *fakeChain) code(addr common.Address) []byte {
	if addr == f.vault || addr == f.payment {
		return []byte{0x60, 0x00}
	}
	return nil
}

func (f *fakeChain) CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if call.To == nil {
		return nil, errors.New("missing target")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	method, args, err := f.decode(*call.To, call.Data)
	if err != nil {
		return nil, err
	}
	var out []any
	switch method.Name {
	case "balances":
		out = []any{orZero(f.balances[args[0].(common.Address)])}
	case "recommendedWithdrawLimit":
		out = []any{orZero(f.limits[args[0].(common.Address)])}
	case "checkPayment":
		p, ok := f.payments[args[0].(string)]
		out = []any{ok, p.payer, orZero(p.amount)}
	case "isJobPaid":
		_, ok := f.payments[args[0].(string)]
		out = []any{ok}
	case "isJobExecuted":
		out = []any{f.executed[args[0].(string)]}
	case "getSettlementFee":
		out = []any{f.fee}
	case "getRecipient":
		out = []any{f.recip}
	default:
		return nil, fmt.Errorf("unexpected call %s", method.Name)
	}
	return method.Outputs.Pack(out...)
}

func (f *fakeChain) decode(to common.Address, data []byte) (*abi.Method, []any, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("short calldata")
	}
	parsed := vaultABI
	if to == f.payment {
		parsed = paymentABI
	}
	method, err := parsed.MethodById(data[:4])
	if err != nil {
		return nil, nil, err
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, args, nil
}

func (f *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &coretypes.Header{Number: new(big.Int).SetUint64(f.block), BaseFee: big.NewInt(1_000_000_000)}, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(5_000_000_000), nil
}

func (f *fakeChain) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if tx.Nonce() != f.nonces[sender] {
		return fmt.Errorf("nonce mismatch: got %d want %d", tx.Nonce(), f.nonces[sender])
	}
	f.nonces[sender]++
	f.block++

	receipt := &coretypes.Receipt{
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).SetUint64(f.block),
		Status:      coretypes.ReceiptStatusSuccessful,
	}
	if !f.apply(sender, tx) {
		receipt.Status = coretypes.ReceiptStatusFailed
	}
	f.receipts[tx.Hash()] = receipt
	return nil
}

// apply executes the call against contract state and reports success.
func (f *fakeChain) apply(sender common.Address, tx *coretypes.Transaction) bool {
	if tx.To() == nil {
		return false
	}
	method, args, err := f.decode(*tx.To(), tx.Data())
	if err != nil {
		return false
	}
	switch method.Name {
	case "agentSetWithdrawLimit":
		if sender != f.agent {
			return false
		}
		user := args[0].(common.Address)
		f.limits[user] = new(big.Int).Set(args[1].(*big.Int))
		f.reasons[user] = args[2].(string)
		return true
	case "payForSettlement":
		jobID := args[0].(string)
		if _, ok := f.payments[jobID]; ok || tx.Value().Cmp(f.fee) < 0 {
			return false
		}
		f.payments[jobID] = fakePayment{payer: sender, amount: new(big.Int).Set(tx.Value())}
		data, _ := paymentABI.Events["SettlementPaid"].Inputs.NonIndexed().Pack(tx.Value(), big.NewInt(1700000000))
		f.logs = append(f.logs, coretypes.Log{
			Address:     f.payment,
			Topics:      []common.Hash{paymentABI.Events["SettlementPaid"].ID, crypto.Keccak256Hash([]byte(jobID)), common.BytesToHash(sender.Bytes())},
			Data:        data,
			BlockNumber: f.block,
			TxHash:      tx.Hash(),
		})
		return true
	case "markJobExecuted":
		jobID := args[0].(string)
		if f.markBeforeSend {
			f.executed[jobID] = true
		}
		if _, ok := f.payments[jobID]; !ok || f.executed[jobID] {
			return false
		}
		f.executed[jobID] = true
		return true
	default:
		return false
	}
}

func (f *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[txHash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func (f *fakeChain) FilterLogs(ctx context.Context, q gethcore.FilterQuery) ([]coretypes.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []coretypes.Log
	for _, lg := range f.logs {
		if q.FromBlock != nil && lg.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		out = append(out, lg)
	}
	return out, nil
}

func (f *fakeChain) SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error) {
	return nil, errors.New("subscriptions not supported")
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func addrOf(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}

func lower(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

var _ Backend = (*fakeChain)(nil)

func hexAddr(raw string) common.Address {
	return common.HexToAddress(raw)
}
