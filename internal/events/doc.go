// Package events moves ledger events and settlement outcomes through a queue
// (in-memory, Redis list or RabbitMQ) into the settlement history.
//
// A Watcher polls the ledger for new blocks and publishes what it finds, the
// orchestrator publishes run outcomes through a Publisher, and a Processor
// drains the queue with a pool of workers.
package events
