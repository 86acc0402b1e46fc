package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Outcome is the result of one run of a delivery action.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

func (o Outcome) apply(d *Delivery) {
	d.LeaseExpireTime = nil
	if o.Err != nil {
		msg := o.Err.Error()
		d.State = StateError
		d.Error = &msg
		d.Result = nil

		return
	}
	d.State = StateSuccess
	d.Result = cloneRaw(o.Result)
	d.Error = nil
}

// Machine drives the delivery state of process documents from change notifications.
//
// Every mutation of the delivery sub-structure goes through a document transaction; the
// backend's single-document isolation is the only coordination between concurrent
// notifications, processes and hosts.
type Machine struct {
	tx   *Transactor
	cfg  Config
	runs *inflight
}

// NewMachine constructs a Machine over backend.
func NewMachine(backend Backend, opts ...Option) *Machine {
	if backend == nil {
		panic("delivery: nil Backend")
	}

	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg = cfg.withDefaults()

	return &Machine{
		tx:   NewTransactor(backend, cfg.Tx),
		cfg:  cfg,
		runs: newInflight(),
	}
}

// Handler binds a delivery action to the machine, producing a handler for one job kind.
func (m *Machine) Handler(deliver Deliverer) ChangeHandler {
	if deliver == nil {
		panic("delivery: nil Deliverer")
	}

	return ChangeHandlerFunc(func(ctx context.Context, change Change) error {
		return m.OnChange(ctx, change, deliver)
	})
}

// OnChange applies the transition a notification calls for.
//
// Deletes are ignored. Creates write the initial PENDING delivery, replacing whatever
// delivery the writer supplied, unless the machine already moved the document since the
// create was recorded. Updates in PENDING or
// RETRY claim the job and start deliver in a detached goroutine; OnChange returns once the
// claim commits. Updates in PROCESSING expire a stale lease. Terminal states are left alone.
//
// Only store failures are returned; delivery failures are recorded on the document.
func (m *Machine) OnChange(ctx context.Context, change Change, deliver Deliverer) error {
	switch change.Kind() {
	case ChangeDeleted:
		return nil
	case ChangeCreated:
		return m.initialize(ctx, change)
	}

	d := change.After.Delivery
	if d == nil {
		return nil
	}

	switch d.State {
	case StateSuccess, StateError:
		return nil
	case StateProcessing:
		if !leaseExpired(d, m.cfg.Clock.Now()) {
			return nil
		}
		_, err := m.ExpireLease(ctx, change.Ref)

		return err
	case StatePending, StateRetry:
		return m.dispatch(ctx, change.Ref, deliver)
	default:
		m.cfg.Logger.Warn("delivery state not handled", refArgs(change.Ref, "state", d.State)...)

		return nil
	}
}

// Retry moves an ERROR delivery to RETRY. The resulting update notification runs the job again.
func (m *Machine) Retry(ctx context.Context, ref Ref) error {
	err := m.tx.Transact(ctx, ref, func(ctx context.Context, tx Tx) error {
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		if doc.State() != StateError {
			return fmt.Errorf("%w: %s is %s", ErrNotRetryable, ref, doc.State())
		}
		doc.Delivery.State = StateRetry

		return tx.Put(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("retry delivery: %w", err)
	}
	m.cfg.Logger.Info("delivery retry requested", refArgs(ref)...)

	return nil
}

// ExpireLease forces a PROCESSING delivery whose lease has run out to ERROR.
// It reports whether the document was transitioned.
func (m *Machine) ExpireLease(ctx context.Context, ref Ref) (bool, error) {
	var expired bool
	err := m.tx.Transact(ctx, ref, func(ctx context.Context, tx Tx) error {
		expired = false
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok || doc.State() != StateProcessing || !leaseExpired(doc.Delivery, m.cfg.Clock.Now()) {
			return nil
		}
		Outcome{Err: ErrLeaseExpired}.apply(doc.Delivery)
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		expired = true

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("expire delivery lease: %w", err)
	}
	if expired {
		m.cfg.Metrics.AddLeaseExpired(1)
		m.cfg.Logger.Warn("delivery lease expired", refArgs(ref)...)
	}

	return expired, nil
}

// Wait blocks until every started delivery run has written its outcome.
func (m *Machine) Wait() {
	m.runs.wait()
}

func (m *Machine) initialize(ctx context.Context, change Change) error {
	ref := change.Ref
	var initialized bool
	err := m.tx.Transact(ctx, ref, func(ctx context.Context, tx Tx) error {
		initialized = false
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		// A delivery that differs from the created one was written after the create.
		if doc.Delivery != nil && !sameDelivery(doc.Delivery, change.After.Delivery) {
			return nil
		}
		doc.Delivery = NewDelivery(m.cfg.Clock.Now())
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		initialized = true

		return nil
	})
	if err != nil {
		return fmt.Errorf("initialize delivery: %w", err)
	}
	if initialized {
		m.cfg.Metrics.AddInitialized(1)
		m.cfg.Logger.Debug("delivery initialized", refArgs(ref)...)
	}

	return nil
}

// sameDelivery compares deliveries by their stored form.
func sameDelivery(a, b *Delivery) bool {
	if a == nil || b == nil {
		return a == b
	}
	ra, err := json.Marshal(a)
	if err != nil {
		return false
	}
	rb, err := json.Marshal(b)
	if err != nil {
		return false
	}

	return bytes.Equal(ra, rb)
}

func (m *Machine) dispatch(ctx context.Context, ref Ref, deliver Deliverer) error {
	if deliver == nil {
		return fmt.Errorf("dispatch delivery %s: %w", ref, ErrDelivererRequired)
	}

	claimed, ok, err := m.claim(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	m.runs.add()
	go m.run(context.WithoutCancel(ctx), claimed, deliver)

	return nil
}

// claim flips PENDING/RETRY to PROCESSING with a fresh lease. Of several racing claims for
// the same edge only one reads a dispatchable state inside its transaction.
func (m *Machine) claim(ctx context.Context, ref Ref) (Document, bool, error) {
	var (
		claimed Document
		ok      bool
	)
	err := m.tx.Transact(ctx, ref, func(ctx context.Context, tx Tx) error {
		ok = false
		doc, exists, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !exists || !doc.State().Dispatchable() {
			return nil
		}
		expires := leaseExpiry(m.cfg.Clock.Now(), m.cfg.LeaseDuration)
		doc.Delivery.State = StateProcessing
		doc.Delivery.LeaseExpireTime = &expires
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		claimed = doc.Clone()
		ok = true

		return nil
	})
	if err != nil {
		return Document{}, false, fmt.Errorf("claim delivery: %w", err)
	}
	if ok {
		m.cfg.Metrics.AddClaimed(1)
		m.cfg.Logger.Debug("delivery claimed", refArgs(ref, "lease_expire_time", claimed.Delivery.LeaseExpireTime)...)
	}

	return claimed, ok, nil
}

func (m *Machine) run(ctx context.Context, claimed Document, deliver Deliverer) {
	defer m.runs.done()

	start := time.Now()
	outcome := invoke(ctx, claimed, deliver)
	m.cfg.Metrics.ObserveDeliveryDuration(time.Since(start))

	if err := m.finish(ctx, claimed, outcome); err != nil {
		m.cfg.Metrics.AddFinishErrors(1)
		m.cfg.Logger.Error("delivery terminal write failed", refArgs(claimed.Ref, "err", err)...)
		if m.cfg.FinishError != nil {
			m.cfg.FinishError(ctx, claimed.Ref, outcome, err)
		}
	}
}

func invoke(ctx context.Context, doc Document, deliver Deliverer) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			outcome = Outcome{Err: fmt.Errorf("%w: %v", ErrDeliveryPanic, rec)}
		}
	}()

	value, err := deliver.Deliver(ctx, doc)
	if err != nil {
		return Outcome{Err: err}
	}
	result, err := encodeResult(value)
	if err != nil {
		return Outcome{Err: fmt.Errorf("encode delivery result: %w", err)}
	}

	return Outcome{Result: result}
}

// finish writes the outcome of a run. It only touches the document while it is still held by
// the same claim, so a delivery expired or re-claimed meanwhile is never overwritten.
func (m *Machine) finish(ctx context.Context, claimed Document, outcome Outcome) error {
	var (
		applied State
		found   State
	)
	err := m.tx.Transact(ctx, claimed.Ref, func(ctx context.Context, tx Tx) error {
		applied, found = 0, 0
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		found = doc.State()
		if found != StateProcessing || !sameLease(doc.Delivery, claimed.Delivery) {
			return nil
		}
		outcome.apply(doc.Delivery)
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		applied = doc.Delivery.State

		return nil
	})
	if err != nil {
		return fmt.Errorf("finish delivery: %w", err)
	}

	switch applied {
	case StateSuccess:
		m.cfg.Metrics.AddSucceeded(1)
		m.cfg.Logger.Info("delivery succeeded", refArgs(claimed.Ref)...)
	case StateError:
		m.cfg.Metrics.AddFailed(1)
		m.cfg.Logger.Warn("delivery failed", refArgs(claimed.Ref, "err", outcome.Err)...)
	default:
		m.cfg.Logger.Warn("delivery outcome discarded", refArgs(claimed.Ref, "state", found, "outcome_err", outcome.Err)...)
	}

	return nil
}

func sameLease(current, claimed *Delivery) bool {
	if current.LeaseExpireTime == nil || claimed.LeaseExpireTime == nil {
		return current.LeaseExpireTime == claimed.LeaseExpireTime
	}

	return current.LeaseExpireTime.Equal(*claimed.LeaseExpireTime)
}

func encodeResult(value any) (json.RawMessage, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(v) {
			return nil, errors.New("result is not valid JSON")
		}

		return cloneRaw(v), nil
	default:
		return json.Marshal(v)
	}
}
