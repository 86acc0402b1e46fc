package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FetchOptions controls how pending notifications are selected.
type FetchOptions struct {
	BatchSize    int
	MinCreatedAt time.Time
}

// Feed provides locked batches of change notifications from a pull-style store.
type Feed interface {
	// Fetch returns a batch of pending notifications locked for handling.
	// It returns ErrNoChanges when nothing is pending.
	Fetch(ctx context.Context, opts FetchOptions) (Batch, error)
}

// Batch represents a locked set of notifications fetched for handling.
type Batch interface {
	// Changes returns the notifications in this batch.
	Changes() []Change
	// Ack marks the provided notifications as handled.
	Ack(ctx context.Context, ids []uuid.UUID) error
	// Fail records handler errors and schedules redelivery.
	Fail(ctx context.Context, failures []Failure) error
	// Commit finalizes the batch transaction.
	Commit() error
	// Rollback releases locks without applying any changes.
	Rollback() error
}

// DeadBatch supports immediate dead-lettering of notifications.
type DeadBatch interface {
	// Dead marks the provided notifications as not to be redelivered.
	Dead(ctx context.Context, failures []Failure) error
}

// PendingCounter provides a total count of pending notifications.
type PendingCounter interface {
	// PendingCount returns the current number of pending notifications.
	PendingCount(ctx context.Context) (int, error)
}

// Watcher pushes committed changes of a collection to a handler until ctx ends.
type Watcher interface {
	Watch(ctx context.Context, collection string, handler ChangeHandler) error
}

// LeaseScanner lists PROCESSING documents whose lease expired at or before now.
type LeaseScanner interface {
	ExpiredLeases(ctx context.Context, collection string, now time.Time, limit int) ([]Ref, error)
}
