// Package agent contains the decision strategies that propose a withdrawal
// ceiling for a vault user, the sealed registry that maps agent identifiers
// to strategies, and the capability toggle that gates the inference-backed
// strategy. Strategies are pure with respect to the ledger: they only read the
// snapshot handed to them and never write.
package agent
