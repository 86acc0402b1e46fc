package delivery

import "errors"

var (
	// ErrConflict indicates a concurrent write invalidated a document transaction.
	ErrConflict = errors.New("delivery document transaction conflict")
	// ErrNotFound indicates the addressed document does not exist.
	ErrNotFound = errors.New("delivery document not found")
	// ErrAlreadyExists indicates a document with the same reference already exists.
	ErrAlreadyExists = errors.New("delivery document already exists")
	// ErrNotRetryable is returned when a retry is requested for a document that is not in ERROR.
	ErrNotRetryable = errors.New("delivery is not in a retryable state")
	// ErrInvalidState is returned when a state cannot be parsed or encoded.
	ErrInvalidState = errors.New("delivery state is invalid")
	// ErrInvalidRef is returned when a document reference has an empty collection or id.
	ErrInvalidRef = errors.New("delivery document reference is invalid")
	// ErrLeaseExpired is the failure recorded when a claimed job outlives its lease.
	ErrLeaseExpired = errors.New("lease expired")
	// ErrDelivererRequired is returned when a dispatchable change arrives without a delivery action.
	ErrDelivererRequired = errors.New("delivery action is required")
	// ErrDeliveryPanic indicates the delivery action panicked.
	ErrDeliveryPanic = errors.New("delivery action panic")
	// ErrInvalidBatchSize indicates that the requested batch size is not positive.
	ErrInvalidBatchSize = errors.New("delivery batch size must be positive")
	// ErrNoChanges signals that no change notifications are available.
	ErrNoChanges = errors.New("delivery feed has no pending changes")
	// ErrNilBatch indicates that a feed returned a nil batch.
	ErrNilBatch = errors.New("delivery batch is nil")
	// ErrEmptyBatch indicates that a feed returned a batch with no changes.
	ErrEmptyBatch = errors.New("delivery batch has no changes")
	// ErrWorkerPanic indicates a relay worker panic.
	ErrWorkerPanic = errors.New("delivery worker panic")
)
