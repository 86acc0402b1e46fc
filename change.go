package delivery

import (
	"time"

	"github.com/google/uuid"
)

// ChangeKind classifies a notification by which snapshots exist.
type ChangeKind int

const (
	// ChangeCreated has no before snapshot.
	ChangeCreated ChangeKind = iota + 1
	// ChangeUpdated has both snapshots.
	ChangeUpdated
	// ChangeDeleted has no after snapshot.
	ChangeDeleted
)

// String returns a readable kind name.
func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeUpdated:
		return "updated"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is a single document notification carrying before/after snapshots.
// Notifications may be duplicated, reordered or replayed by the store.
type Change struct {
	ID     uuid.UUID
	Ref    Ref
	Before *Document
	After  *Document
	At     time.Time
	// Attempts counts prior failed deliveries of this notification, when the feed tracks it.
	Attempts int
}

// NewChange builds a change with a time-ordered id.
func NewChange(ref Ref, before, after *Document, at time.Time) Change {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}

	return Change{ID: id, Ref: ref, Before: before, After: after, At: at.UTC()}
}

// Kind reports whether the change is a create, update or delete.
func (c Change) Kind() ChangeKind {
	switch {
	case c.After == nil:
		return ChangeDeleted
	case c.Before == nil:
		return ChangeCreated
	default:
		return ChangeUpdated
	}
}
