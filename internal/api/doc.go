// Package api exposes the settlement pipeline over HTTP: paid settlement runs,
// payment recording, direct agent application, agent listing, the AI toggle,
// settlement history, health, and Prometheus metrics.
package api
