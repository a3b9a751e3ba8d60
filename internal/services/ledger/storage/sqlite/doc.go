// Package sqlite implements the ledger persistence contracts over SQLite.
//
// Every write runs in a BEGIN IMMEDIATE transaction. Busy locks are retried a
// bounded number of times and then surface as STORE_CONFLICT. Idempotency is
// enforced by UNIQUE constraints: a collision re-reads the winning row instead
// of failing the caller.
package sqlite
