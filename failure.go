package delivery

import (
	"context"

	"github.com/google/uuid"
)

// Failure captures a handler error for one change notification.
type Failure struct {
	ID  uuid.UUID
	Err error
}

// FailureAction defines how a failed notification should be handled.
type FailureAction int

const (
	// FailureRetry schedules the notification for redelivery.
	FailureRetry FailureAction = iota
	// FailureDead stops redelivering the notification.
	FailureDead
)

// FailureClassifier decides whether a failed notification is redelivered.
type FailureClassifier func(ctx context.Context, change Change, err error) FailureAction

// RelayErrorHandler is called when a handler returns an error for a notification.
type RelayErrorHandler func(ctx context.Context, change Change, err error)

func defaultFailureClassifier(context.Context, Change, error) FailureAction {
	return FailureRetry
}
