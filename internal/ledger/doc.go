// Package ledger defines the contracts the settlement core depends on: the
// balance ledger (vault balances and recommended withdrawal limits) and the
// payment ledger (use-once job payments). The on-chain implementation lives in
// internal/web3/ethereum; Memory is a process-local ledger used in development
// mode and tests.
package ledger
