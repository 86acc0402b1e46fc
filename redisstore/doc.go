// Package redisstore keeps delivery documents in Redis.
//
// Each document is a JSON string key. Transactions use WATCH/MULTI/EXEC: a commit that races
// with another write to the same key fails with delivery.ErrConflict. Every commit appends
// the change to a per-collection stream in the same MULTI, so notifications are never
// published for writes that did not happen. Watchers read the stream through a consumer
// group and acknowledge a change only after the handler succeeds.
//
// PROCESSING documents are indexed in a sorted set scored by lease expiry, which backs
// delivery.LeaseScanner.
package redisstore
