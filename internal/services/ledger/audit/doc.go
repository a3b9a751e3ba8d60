// Package audit records durable operational audit events for ledger operations
// such as settings changes and hit point adjustments.
//
// Consequence application writes its audit row inside the store transaction;
// this package covers the writes that happen after a commit.
package audit
