// Package mysql persists settlement history and ledger watcher cursors.
// It ships a file-backed repository for local runs and a MySQL repository
// with embedded schema migrations for deployments.
package mysql
