// Package llm contains adapters for the optional inference providers used by
// the advisory agent. Providers share a single request/response shape so the
// agent can construct whichever client is configured at decision time.
package llm
