package delivery

import "context"

// Deliverer performs the side effect of one job kind, e.g. sending an email.
// The returned value is JSON-encoded into the document's delivery result.
type Deliverer interface {
	Deliver(ctx context.Context, doc Document) (any, error)
}

// DeliverFunc adapts a function to Deliverer.
type DeliverFunc func(ctx context.Context, doc Document) (any, error)

// Deliver implements Deliverer.
func (fn DeliverFunc) Deliver(ctx context.Context, doc Document) (any, error) {
	return fn(ctx, doc)
}

// ChangeHandler consumes document change notifications.
type ChangeHandler interface {
	// HandleChange processes a notification. A returned error asks the store to redeliver it.
	HandleChange(ctx context.Context, change Change) error
}

// ChangeHandlerFunc adapts a function to ChangeHandler.
type ChangeHandlerFunc func(ctx context.Context, change Change) error

// HandleChange implements ChangeHandler.
func (fn ChangeHandlerFunc) HandleChange(ctx context.Context, change Change) error {
	return fn(ctx, change)
}
