// Package storage persists subscriber program state and the delivery
// idempotency ledger.
//
// Two backends implement the same Store contract:
//   - sqlite (default): single writer connection, WAL, embedded schema
//   - postgres: row-level locks (SELECT ... FOR UPDATE)
//
// The contract the engine relies on: ClaimDelivery and CompleteDelivery
// each run as one transaction, and no two concurrent claims for the same
// (subscriber, item) can both report acquired.
package storage
