// Package memstore provides an in-process document store for the delivery machine.
//
// Commits are optimistic: a transaction records the version it read and fails with
// delivery.ErrConflict when another commit changed the document first. Committed changes
// are pushed to watchers asynchronously, one goroutine per notification, with redelivery on
// handler errors. It is intended for tests, examples and single-process deployments.
package memstore
