// Package clamp implements the deterministic safety envelope that bounds every
// agent proposal before it reaches the ledger. Bounds are applied in a fixed
// order: balance, percentage of balance, optional absolute cap, and finally a
// one-unit floor for non-empty balances.
package clamp
