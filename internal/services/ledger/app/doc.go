// Package app wires the ledger domain to its store.
//
// Service turns user actions into policy-computed ledger appends, keeps the
// derived projections current and drives truth reconciliation. Run hosts the
// long-lived ledger process: store, outbox relay and health server.
package app
