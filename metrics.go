package delivery

import "time"

// Metrics captures machine and relay telemetry.
type Metrics interface {
	// AddInitialized counts documents that received their initial delivery state.
	AddInitialized(count int)
	// AddClaimed counts successful claims.
	AddClaimed(count int)
	// AddSucceeded counts terminal SUCCESS writes.
	AddSucceeded(count int)
	// AddFailed counts terminal ERROR writes caused by the delivery action.
	AddFailed(count int)
	// AddLeaseExpired counts PROCESSING documents forced to ERROR.
	AddLeaseExpired(count int)
	// AddConflicts counts document transactions retried after a conflict.
	AddConflicts(count int)
	// AddFinishErrors counts terminal writes that could not be committed.
	AddFinishErrors(count int)
	// ObserveDeliveryDuration records how long the delivery action ran.
	ObserveDeliveryDuration(duration time.Duration)
	// ObserveBatchDuration records the time a relay spent on a batch.
	ObserveBatchDuration(duration time.Duration)
	// AddProcessed counts acknowledged change notifications.
	AddProcessed(count int)
	// AddErrors counts change notifications whose handler failed.
	AddErrors(count int)
	// AddRetries counts change notifications scheduled for redelivery.
	AddRetries(count int)
	// AddDead counts change notifications that will not be redelivered.
	AddDead(count int)
	// SetPending updates the current pending notification count.
	SetPending(count int)
}

// NopMetrics is a no-op metrics recorder.
type NopMetrics struct{}

// AddInitialized implements Metrics.
func (NopMetrics) AddInitialized(int) {}

// AddClaimed implements Metrics.
func (NopMetrics) AddClaimed(int) {}

// AddSucceeded implements Metrics.
func (NopMetrics) AddSucceeded(int) {}

// AddFailed implements Metrics.
func (NopMetrics) AddFailed(int) {}

// AddLeaseExpired implements Metrics.
func (NopMetrics) AddLeaseExpired(int) {}

// AddConflicts implements Metrics.
func (NopMetrics) AddConflicts(int) {}

// AddFinishErrors implements Metrics.
func (NopMetrics) AddFinishErrors(int) {}

// ObserveDeliveryDuration implements Metrics.
func (NopMetrics) ObserveDeliveryDuration(time.Duration) {}

// ObserveBatchDuration implements Metrics.
func (NopMetrics) ObserveBatchDuration(time.Duration) {}

// AddProcessed implements Metrics.
func (NopMetrics) AddProcessed(int) {}

// AddErrors implements Metrics.
func (NopMetrics) AddErrors(int) {}

// AddRetries implements Metrics.
func (NopMetrics) AddRetries(int) {}

// AddDead implements Metrics.
func (NopMetrics) AddDead(int) {}

// SetPending implements Metrics.
func (NopMetrics) SetPending(int) {}
