// Package storage defines persistence contracts for the holdfast ledger.
//
// The XP ledger, the build-point ledger, user aggregates, truth checks and the
// relay outbox share one transactional store so an event append and the
// aggregate it moves are always committed together.
package storage
