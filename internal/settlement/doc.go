// Package settlement orchestrates a paid settlement job end to end: it checks
// the payment gate, snapshots the vault, asks the selected strategy for a
// ceiling, bounds that ceiling with the safety clamp, refuses requests above
// it, commits the bounded ceiling to the ledger and finally marks the job
// executed. Each run aborts at the first failing stage; a failed ledger write
// leaves the job paid but not executed so it can be retried.
package settlement
