// Package payment gates settlement execution on a per-job payment fact held
// by the ledger. A job moves UNPAID to PAID to EXECUTED and never backwards;
// the ledger's atomic mark primitive decides which of two racing executions
// wins.
package payment
