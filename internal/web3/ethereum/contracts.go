package ethereum

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// SimpleVaultABI covers the vault reads, the agent limit write and the
// balance events.
const SimpleVaultABI = `[
  {"type":"function","name":"balances","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"recommendedWithdrawLimit","stateMutability":"view","inputs":[{"name":"user","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"agentSetWithdrawLimit","stateMutability":"nonpayable","inputs":[{"name":"user","type":"address"},{"name":"newLimit","type":"uint256"},{"name":"reason","type":"string"}],"outputs":[]},
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"Withdrawn","anonymous":false,"inputs":[{"name":"user","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]}
]`

// SettlementPaymentABI covers per-job payment facts and the execution mark.
const SettlementPaymentABI = `[
  {"type":"function","name":"payForSettlement","stateMutability":"payable","inputs":[{"name":"jobId","type":"string"}],"outputs":[]},
  {"type":"function","name":"checkPayment","stateMutability":"view","inputs":[{"name":"jobId","type":"string"}],"outputs":[{"name":"isPaid","type":"bool"},{"name":"payer","type":"address"},{"name":"amount","type":"uint256"}]},
  {"type":"function","name":"isJobPaid","stateMutability":"view","inputs":[{"name":"jobId","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isJobExecuted","stateMutability":"view","inputs":[{"name":"jobId","type":"string"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"markJobExecuted","stateMutability":"nonpayable","inputs":[{"name":"jobId","type":"string"}],"outputs":[]},
  {"type":"function","name":"getSettlementFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getRecipient","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"event","name":"SettlementPaid","anonymous":false,"inputs":[{"name":"jobId","type":"bytes32","indexed":true},{"name":"payer","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false}]}
]`

var (
	vaultABI   = mustParseABI(SimpleVaultABI)
	paymentABI = mustParseABI(SettlementPaymentABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
