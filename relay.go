package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Relay polls a Feed and hands change notifications to a ChangeHandler.
//
// A batch is split per document. Each document's changes are handled in feed order, and once
// one of them fails the document's later changes are held back: they are neither acked nor
// failed, so the feed redelivers them behind the failed one. Distinct documents are handled
// concurrently up to RelayConfig.DocumentParallelism.
//
// A handler error (for the Machine: a failed store transaction) leaves the notification to
// be redelivered by the feed, which is how store-level failures recover.
type Relay struct {
	feed    Feed
	handler ChangeHandler
	cfg     RelayConfig

	sampleMu  sync.Mutex
	sampledAt time.Time
}

// batchOutcome collects what happened to each change of a batch. Held-back changes are
// counted but listed nowhere, which leaves them pending in the feed.
type batchOutcome struct {
	mu       sync.Mutex
	acked    []uuid.UUID
	retry    []Failure
	dead     []Failure
	heldBack int
	aborted  bool
}

func (o *batchOutcome) ack(id uuid.UUID) {
	o.mu.Lock()
	o.acked = append(o.acked, id)
	o.mu.Unlock()
}

func (o *batchOutcome) fail(failure Failure, action FailureAction) {
	o.mu.Lock()
	if action == FailureDead {
		o.dead = append(o.dead, failure)
	} else {
		o.retry = append(o.retry, failure)
	}
	o.mu.Unlock()
}

func (o *batchOutcome) hold(n int) {
	o.mu.Lock()
	o.heldBack += n
	o.mu.Unlock()
}

func (o *batchOutcome) abort() {
	o.mu.Lock()
	o.aborted = true
	o.mu.Unlock()
}

// NewRelay constructs a Relay with defaults and optional settings.
func NewRelay(feed Feed, handler ChangeHandler, opts ...RelayOption) *Relay {
	if feed == nil {
		panic("delivery: nil Feed")
	}
	if handler == nil {
		panic("delivery: nil ChangeHandler")
	}

	var cfg RelayConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Relay{feed: feed, handler: handler, cfg: cfg.withDefaults()}
}

// Run polls with the configured number of workers until ctx is done or a worker fails.
// The first worker error (or panic, wrapped in ErrWorkerPanic) stops the others and is returned.
func (r *Relay) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(err error) {
		stopOnce.Do(func() {
			stopErr = err
			cancel()
		})
	}

	for worker := 0; worker < r.cfg.Workers; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.cfg.Logger.Error("delivery relay worker panic", "worker", worker, "panic", rec)
					stop(fmt.Errorf("%w: %v", ErrWorkerPanic, rec))
				}
			}()

			err := r.poll(ctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			r.cfg.Logger.Error("delivery relay worker error", "worker", worker, "err", err)
			stop(err)
		}(worker)
	}
	wg.Wait()

	if stopErr != nil {
		return stopErr
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// ProcessOnce fetches and handles a single batch. It reports whether a batch was found.
func (r *Relay) ProcessOnce(ctx context.Context) (bool, error) {
	opts := FetchOptions{BatchSize: r.cfg.BatchSize}
	if r.cfg.Window > 0 {
		opts.MinCreatedAt = r.cfg.Clock.Now().Add(-r.cfg.Window)
	}

	batch, err := r.feed.Fetch(ctx, opts)
	switch {
	case errors.Is(err, ErrNoChanges):
		r.samplePending(ctx)

		return false, nil
	case err != nil:
		return false, err
	}

	if err := r.processBatch(ctx, batch); err != nil {
		return false, err
	}

	return true, nil
}

func (r *Relay) poll(ctx context.Context) error {
	for ctx.Err() == nil {
		found, err := r.ProcessOnce(ctx)
		if err != nil {
			return err
		}
		if found {
			continue
		}
		if err := sleep(ctx, r.cfg.PollInterval); err != nil {
			return err
		}
	}

	return ctx.Err()
}

func (r *Relay) processBatch(ctx context.Context, batch Batch) error {
	start := time.Now()
	defer func() {
		r.cfg.Metrics.ObserveBatchDuration(time.Since(start))
	}()

	if batch == nil {
		return ErrNilBatch
	}

	changes := batch.Changes()
	if len(changes) == 0 {
		return errors.Join(ErrEmptyBatch, batch.Rollback())
	}

	outcome, err := r.handleBatch(ctx, changes)
	if err != nil {
		return r.rollbackWith(batch, err)
	}

	return r.settle(ctx, batch, outcome)
}

// documentGroups splits changes per document. Groups keep feed order internally and are
// ordered by their first change.
func documentGroups(changes []Change) [][]Change {
	index := make(map[Ref]int, len(changes))
	groups := make([][]Change, 0, len(changes))
	for _, change := range changes {
		i, ok := index[change.Ref]
		if !ok {
			i = len(groups)
			index[change.Ref] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], change)
	}

	return groups
}

// handleBatch runs the document groups of a batch, at most DocumentParallelism at a time.
// Cancellation that cuts a document short discards the outcome, so the whole batch is
// rolled back.
func (r *Relay) handleBatch(ctx context.Context, changes []Change) (*batchOutcome, error) {
	outcome := &batchOutcome{acked: make([]uuid.UUID, 0, len(changes))}
	slots := make(chan struct{}, r.cfg.DocumentParallelism)

	var wg sync.WaitGroup
	for _, group := range documentGroups(changes) {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			outcome.abort()

			break
		}

		wg.Add(1)
		go func(group []Change) {
			defer wg.Done()
			defer func() { <-slots }()
			r.handleDocument(ctx, group, outcome)
		}(group)
	}
	wg.Wait()

	if outcome.aborted {
		return nil, ctx.Err()
	}

	return outcome, nil
}

func (r *Relay) handleDocument(ctx context.Context, changes []Change, outcome *batchOutcome) {
	for i, change := range changes {
		err := r.handle(ctx, change)
		if err == nil {
			outcome.ack(change.ID)

			continue
		}
		if ctx.Err() != nil {
			outcome.abort()

			return
		}

		r.recordFailure(ctx, change, err, outcome)
		if held := len(changes) - i - 1; held > 0 {
			outcome.hold(held)
			r.cfg.Logger.Debug("delivery changes held back behind failed change", refArgs(change.Ref, "change", change.ID, "held", held)...)
		}

		return
	}
}

func (r *Relay) handle(ctx context.Context, change Change) (err error) {
	if r.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.HandlerTimeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrWorkerPanic, rec)
		}
	}()

	return r.handler.HandleChange(ctx, change)
}

func (r *Relay) recordFailure(ctx context.Context, change Change, err error, outcome *batchOutcome) {
	r.cfg.Logger.Warn("delivery change handler failed", refArgs(change.Ref, "change", change.ID, "attempts", change.Attempts, "err", err)...)
	if r.cfg.ErrorHandler != nil {
		r.cfg.ErrorHandler(ctx, change, err)
	}

	outcome.fail(Failure{ID: change.ID, Err: err}, r.cfg.FailureClassifier(ctx, change, err))
}

// settle writes the outcome into the batch and commits it. Any write failure rolls the whole
// batch back, so every change in it is redelivered.
func (r *Relay) settle(ctx context.Context, batch Batch, outcome *batchOutcome) error {
	if len(outcome.acked) > 0 {
		if err := batch.Ack(ctx, outcome.acked); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("delivery ack failed: %w", err))
		}
	}
	if len(outcome.retry) > 0 {
		if err := batch.Fail(ctx, outcome.retry); err != nil {
			return r.rollbackWith(batch, fmt.Errorf("delivery fail update failed: %w", err))
		}
	}
	if len(outcome.dead) > 0 {
		if err := r.markDead(ctx, batch, outcome.dead); err != nil {
			return r.rollbackWith(batch, err)
		}
	}

	if err := batch.Commit(); err != nil {
		return r.rollbackWith(batch, fmt.Errorf("delivery commit failed: %w", err))
	}

	r.cfg.Metrics.AddProcessed(len(outcome.acked))
	r.cfg.Metrics.AddErrors(len(outcome.retry) + len(outcome.dead))
	r.cfg.Metrics.AddRetries(len(outcome.retry))
	r.cfg.Metrics.AddDead(len(outcome.dead))
	if outcome.heldBack > 0 {
		r.cfg.Logger.Debug("delivery batch committed with held back changes", "held", outcome.heldBack)
	}

	return nil
}

// markDead dead-letters failures, or hands them back for redelivery when the batch cannot.
func (r *Relay) markDead(ctx context.Context, batch Batch, dead []Failure) error {
	if deadBatch, ok := batch.(DeadBatch); ok {
		if err := deadBatch.Dead(ctx, dead); err != nil {
			return fmt.Errorf("delivery dead-letter update failed: %w", err)
		}

		return nil
	}

	r.cfg.Logger.Warn("delivery batch does not support dead-lettering; falling back to redelivery", "count", len(dead))
	if err := batch.Fail(ctx, dead); err != nil {
		return fmt.Errorf("delivery dead-letter fallback failed: %w", err)
	}

	return nil
}

func (r *Relay) rollbackWith(batch Batch, err error) error {
	if rollbackErr := batch.Rollback(); rollbackErr != nil {
		return errors.Join(err, fmt.Errorf("delivery rollback failed: %w", rollbackErr))
	}

	return err
}

// samplePending reports the feed backlog at most once per PendingInterval, and only for
// feeds that can count it.
func (r *Relay) samplePending(ctx context.Context) {
	counter, ok := r.feed.(PendingCounter)
	if !ok || r.cfg.PendingInterval <= 0 || ctx.Err() != nil {
		return
	}

	now := r.cfg.Clock.Now()
	r.sampleMu.Lock()
	due := r.sampledAt.IsZero() || !now.Before(r.sampledAt.Add(r.cfg.PendingInterval))
	if due {
		r.sampledAt = now
	}
	r.sampleMu.Unlock()
	if !due {
		return
	}

	count, err := counter.PendingCount(ctx)
	if err != nil {
		r.cfg.Logger.Warn("delivery pending count failed", "err", err)

		return
	}
	r.cfg.Metrics.SetPending(count)
}
