// Package timeouts defines shared timeout constants used across commands.
package timeouts

import "time"

// Shutdown limits how long a process waits for in-flight work and telemetry
// flushes during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOperation caps one ledger or reconciliation call from a batch runner.
const StoreOperation = 10 * time.Second

// RelayPublish caps one Kafka publish of an outbox batch.
const RelayPublish = 10 * time.Second

// ReadHeader limits how long the metrics HTTP server waits for request headers.
const ReadHeader = 5 * time.Second
