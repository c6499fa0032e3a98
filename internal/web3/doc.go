// Package web3 houses chain connectivity for the settlement service: chain
// endpoint definitions loaded from chain.yaml, the generic client interface
// used for health and fee queries, and (in sub-packages) the EVM ledger
// bindings for the vault and settlement payment contracts plus a registry of
// named chain clients.
package web3
