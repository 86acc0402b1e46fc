package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/velmie/delivery"
)

const (
	maxErrorLen       = 1024
	ackFixedArgs      = 2
	placeholderGrowth = 2
)

// Feed polls the change log, optionally restricted to one collection.
type Feed struct {
	store      *Store
	collection string
}

var (
	_ delivery.Feed           = (*Feed)(nil)
	_ delivery.PendingCounter = (*Feed)(nil)
)

// Feed returns a feed over the changes of collection. An empty collection reads all of them.
func (s *Store) Feed(collection string) *Feed {
	return &Feed{store: s, collection: collection}
}

// Fetch locks and returns a batch of pending changes across all collections.
func (s *Store) Fetch(ctx context.Context, opts delivery.FetchOptions) (delivery.Batch, error) {
	return s.Feed("").Fetch(ctx, opts)
}

// PendingCount returns the number of pending changes across all collections.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.Feed("").PendingCount(ctx)
}

// Fetch locks and returns a batch of pending changes using READ COMMITTED + SKIP LOCKED.
func (f *Feed) Fetch(ctx context.Context, opts delivery.FetchOptions) (delivery.Batch, error) {
	if opts.BatchSize <= 0 {
		return nil, delivery.ErrInvalidBatchSize
	}

	tx, err := f.store.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: begin tx failed: %w", err)
	}

	changes, err := f.selectBatch(ctx, tx, opts)
	if err != nil {
		rollbackErr := tx.Rollback()

		return nil, errors.Join(err, rollbackErr)
	}
	if len(changes) == 0 {
		_ = tx.Rollback()

		return nil, delivery.ErrNoChanges
	}

	return &batch{tx: tx, store: f.store, changes: changes}, nil
}

// PendingCount returns the number of pending changes.
func (f *Feed) PendingCount(ctx context.Context) (int, error) {
	query := f.store.queries.countPending
	args := []any{delivery.ChangeStatusPending}
	if f.collection != "" {
		query += " AND collection = ?"
		args = append(args, f.collection)
	}

	var count int
	if err := f.store.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("delivery mysql: pending count failed: %w", err)
	}

	return count, nil
}

func (f *Feed) selectBatch(ctx context.Context, tx *sql.Tx, opts delivery.FetchOptions) ([]delivery.Change, error) {
	q := f.store.queries
	var (
		query string
		args  = []any{delivery.ChangeStatusPending}
	)
	switch {
	case f.collection == "" && opts.MinCreatedAt.IsZero():
		query = q.selectPending
	case f.collection == "":
		query = q.selectPendingTS
		args = append(args, createdTS(opts.MinCreatedAt))
	case opts.MinCreatedAt.IsZero():
		query = q.selectPendingCollection
		args = append(args, f.collection)
	default:
		query = q.selectPendingCollectionTS
		args = append(args, f.collection, createdTS(opts.MinCreatedAt))
	}
	args = append(args, opts.BatchSize)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delivery mysql: select failed: %w", err)
	}
	defer rows.Close()

	changes := make([]delivery.Change, 0, opts.BatchSize)
	for rows.Next() {
		var (
			id         uuid.UUID
			collection string
			documentID string
			before     []byte
			after      []byte
			createdAt  time.Time
			attempts   int
		)
		if err := rows.Scan(&id, &collection, &documentID, &before, &after, &createdAt, &attempts); err != nil {
			return nil, fmt.Errorf("delivery mysql: scan failed: %w", err)
		}

		change, err := decodeChange(id, delivery.Ref{Collection: collection, ID: documentID}, before, after)
		if err != nil {
			return nil, err
		}
		change.At = createdAt.UTC()
		change.Attempts = attempts
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delivery mysql: rows failed: %w", err)
	}

	return changes, nil
}

func decodeChange(id uuid.UUID, ref delivery.Ref, before, after []byte) (delivery.Change, error) {
	change := delivery.Change{ID: id, Ref: ref}
	if before != nil {
		doc, err := delivery.UnmarshalDocument(ref, before)
		if err != nil {
			return delivery.Change{}, err
		}
		change.Before = &doc
	}
	if after != nil {
		doc, err := delivery.UnmarshalDocument(ref, after)
		if err != nil {
			return delivery.Change{}, err
		}
		change.After = &doc
	}

	return change, nil
}

type batch struct {
	tx      *sql.Tx
	store   *Store
	changes []delivery.Change
}

// Changes returns the changes fetched for this batch.
func (b *batch) Changes() []delivery.Change {
	return b.changes
}

// Ack marks the provided changes as processed.
func (b *batch) Ack(ctx context.Context, ids []uuid.UUID) error {
	return b.store.ack(ctx, b.tx, ids)
}

// Fail records failures and updates retry state for each change.
func (b *batch) Fail(ctx context.Context, failures []delivery.Failure) error {
	return b.store.fail(ctx, b.tx, failures)
}

// Dead marks the provided changes as dead.
func (b *batch) Dead(ctx context.Context, failures []delivery.Failure) error {
	return b.store.dead(ctx, b.tx, failures)
}

// Commit finalizes the batch transaction.
func (b *batch) Commit() error {
	return b.tx.Commit()
}

// Rollback releases locks without applying any changes.
func (b *batch) Rollback() error {
	err := b.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}

	return err
}

func (s *Store) ack(ctx context.Context, tx *sql.Tx, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := buildAckQuery(s.changeTable, len(ids))
	args := make([]any, 0, len(ids)+ackFixedArgs)
	args = append(args, delivery.ChangeStatusProcessed, s.cfg.Clock.Now().UTC())
	for _, id := range ids {
		args = append(args, id[:])
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delivery mysql: ack update failed: %w", err)
	}

	return nil
}

func (s *Store) fail(ctx context.Context, tx *sql.Tx, failures []delivery.Failure) error {
	for _, failure := range failures {
		id := failure.ID
		if _, err := tx.ExecContext(
			ctx,
			s.queries.updateFailureOne,
			truncateError(failure.Err),
			s.cfg.MaxAttempts,
			delivery.ChangeStatusDead,
			delivery.ChangeStatusPending,
			id[:],
		); err != nil {
			return fmt.Errorf("delivery mysql: fail update failed: %w", err)
		}
	}

	return nil
}

func (s *Store) dead(ctx context.Context, tx *sql.Tx, failures []delivery.Failure) error {
	for _, failure := range failures {
		id := failure.ID
		if _, err := tx.ExecContext(ctx, s.queries.updateDeadOne, truncateError(failure.Err), delivery.ChangeStatusDead, id[:]); err != nil {
			return fmt.Errorf("delivery mysql: dead update failed: %w", err)
		}
	}

	return nil
}

func buildAckQuery(table string, count int) string {
	return fmt.Sprintf(
		"UPDATE %s SET status = ?, processed_at = ?, last_error = NULL WHERE id IN (%s)",
		table,
		makePlaceholders(count),
	)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}

	buf := make([]byte, 0, count*placeholderGrowth)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '?')
	}

	return string(buf)
}

func createdTS(t time.Time) int64 {
	return t.UTC().Unix()
}

func truncateError(err error) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	if utf8.RuneCountInString(msg) <= maxErrorLen {
		return msg
	}

	return string([]rune(msg)[:maxErrorLen])
}
