// Package mysql provides a MySQL 8.0+ document store for delivery jobs.
//
// Documents live in one table and every committed write appends a row to a change log table
// in the same transaction. The change log is consumed by Feed and Watch using:
//   - READ COMMITTED isolation (to avoid gap locks)
//   - SELECT ... FOR UPDATE SKIP LOCKED
//   - ORDER BY id ASC (UUID v7 time ordering)
//   - LIMIT for batching
//
// See Schemas for the DDL of both tables and CleanupMaintainer for periodic removal of
// processed change rows.
package mysql
