package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type staticFeed struct {
	batch Batch
	err   error
}

func (f staticFeed) Fetch(_ context.Context, _ FetchOptions) (Batch, error) {
	return f.batch, f.err
}

type fakeBatch struct {
	changes   []Change
	ackIDs    []uuid.UUID
	failures  []Failure
	dead      []Failure
	committed bool
	rolled    bool
	ackErr    error
	failErr   error
	deadErr   error
	commitErr error
	rollErr   error
}

type fakeBatchNoDead struct {
	changes   []Change
	ackIDs    []uuid.UUID
	failures  []Failure
	committed bool
	rolled    bool
}

func (b *fakeBatchNoDead) Changes() []Change {
	return b.changes
}

func (b *fakeBatchNoDead) Ack(_ context.Context, ids []uuid.UUID) error {
	b.ackIDs = append(b.ackIDs, ids...)
	return nil
}

func (b *fakeBatchNoDead) Fail(_ context.Context, failures []Failure) error {
	b.failures = append(b.failures, failures...)
	return nil
}

func (b *fakeBatchNoDead) Commit() error {
	b.committed = true
	return nil
}

func (b *fakeBatchNoDead) Rollback() error {
	b.rolled = true
	return nil
}

func (b *fakeBatch) Changes() []Change {
	return b.changes
}

func (b *fakeBatch) Ack(_ context.Context, ids []uuid.UUID) error {
	b.ackIDs = append(b.ackIDs, ids...)
	return b.ackErr
}

func (b *fakeBatch) Fail(_ context.Context, failures []Failure) error {
	b.failures = append(b.failures, failures...)
	return b.failErr
}

func (b *fakeBatch) Dead(_ context.Context, failures []Failure) error {
	b.dead = append(b.dead, failures...)
	return b.deadErr
}

func (b *fakeBatch) Commit() error {
	b.committed = true
	return b.commitErr
}

func (b *fakeBatch) Rollback() error {
	b.rolled = true
	return b.rollErr
}

type captureFeed struct {
	opts FetchOptions
}

func (f *captureFeed) Fetch(_ context.Context, opts FetchOptions) (Batch, error) {
	f.opts = opts
	return nil, ErrNoChanges
}

type cancelFeed struct {
	started  chan struct{}
	allowErr chan struct{}
	err      error
	canceled int32
}

func (f *cancelFeed) Fetch(ctx context.Context, _ FetchOptions) (Batch, error) {
	f.started <- struct{}{}
	select {
	case <-f.allowErr:
		return nil, f.err
	case <-ctx.Done():
		atomic.StoreInt32(&f.canceled, 1)
		return nil, ctx.Err()
	}
}

type pendingFeed struct {
	count int
	calls int
}

func (f *pendingFeed) Fetch(_ context.Context, _ FetchOptions) (Batch, error) {
	return nil, ErrNoChanges
}

func (f *pendingFeed) PendingCount(_ context.Context) (int, error) {
	f.calls++
	return f.count, nil
}

type captureMetrics struct {
	NopMetrics
	pending      int
	pendingCalls int
	processed    int
	retries      int
	dead         int
}

func (m *captureMetrics) AddProcessed(count int) {
	m.processed += count
}

func (m *captureMetrics) AddRetries(count int) {
	m.retries += count
}

func (m *captureMetrics) AddDead(count int) {
	m.dead += count
}

func (m *captureMetrics) SetPending(count int) {
	m.pending = count
	m.pendingCalls++
}

type sequenceClock struct {
	mu    sync.Mutex
	times []time.Time
}

func (c *sequenceClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.times[0]
	if len(c.times) > 1 {
		c.times = c.times[1:]
	}

	return now
}

// testChange returns change n for its own document.
func testChange(n byte) Change {
	return documentChange(Ref{Collection: testRef.Collection, ID: fmt.Sprintf("m-%d", n)}, n)
}

func documentChange(ref Ref, n byte) Change {
	after := Document{Ref: ref}
	return Change{ID: uuid.UUID{n}, Ref: ref, Before: &after, After: &after}
}

func noopHandler() ChangeHandler {
	return ChangeHandlerFunc(func(context.Context, Change) error { return nil })
}

func TestRelayProcessOnce(t *testing.T) {
	changes := []Change{testChange(1), testChange(2), testChange(3)}
	batch := &fakeBatch{changes: changes}
	metrics := &captureMetrics{}

	handler := ChangeHandlerFunc(func(_ context.Context, change Change) error {
		if change.ID == (uuid.UUID{2}) {
			return errors.New("fail")
		}
		return nil
	})

	relay := NewRelay(staticFeed{batch: batch}, handler, WithRelayMetrics(metrics))
	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if !ok {
		t.Fatalf("expected batch to be processed")
	}
	if len(batch.ackIDs) != 2 {
		t.Fatalf("expected 2 ack ids, got %d", len(batch.ackIDs))
	}
	if len(batch.failures) != 1 || batch.failures[0].ID != (uuid.UUID{2}) {
		t.Fatalf("expected change 2 to fail, got %v", batch.failures)
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
	if metrics.processed != 2 || metrics.retries != 1 {
		t.Fatalf("unexpected metrics: processed=%d retries=%d", metrics.processed, metrics.retries)
	}
}

func TestRelayHandlesChangesInFeedOrder(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(3), testChange(1), testChange(2)}}
	var seen []byte
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(_ context.Context, change Change) error {
		seen = append(seen, change.ID[0])
		return nil
	}))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if string(seen) != string([]byte{3, 1, 2}) {
		t.Fatalf("unexpected order: %v", seen)
	}
}

func TestRelayFailureHandlerCalled(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}}
	var calls int
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(context.Context, Change) error {
		return errors.New("boom")
	}), WithErrorHandler(func(context.Context, Change, error) {
		calls++
	}))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected failure handler to be called once, got %d", calls)
	}
}

func TestRelayHandlerPanicRecorded(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}}
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(context.Context, Change) error {
		panic("boom")
	}))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.failures) != 1 || !errors.Is(batch.failures[0].Err, ErrWorkerPanic) {
		t.Fatalf("expected panic to be recorded as failure, got %v", batch.failures)
	}
}

func TestRelayFailureHandlerNotCalledOnContextCancel(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}}
	var calls int
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(ctx context.Context, _ Change) error {
		return ctx.Err()
	}), WithErrorHandler(func(context.Context, Change, error) {
		calls++
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := relay.processBatch(ctx, batch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected failure handler not to be called, got %d", calls)
	}
}

func TestRelayProcessBatchAckErrorRollback(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}, ackErr: errors.New("ack fail")}
	relay := NewRelay(staticFeed{}, noopHandler())

	err := relay.processBatch(context.Background(), batch)
	if err == nil || !errors.Is(err, batch.ackErr) {
		t.Fatalf("expected ack error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on ack error")
	}
	if batch.committed {
		t.Fatalf("expected no commit on ack error")
	}
}

func TestRelayProcessBatchFailErrorRollback(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}, failErr: errors.New("fail update")}
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(context.Context, Change) error { return errors.New("boom") }))

	err := relay.processBatch(context.Background(), batch)
	if err == nil || !errors.Is(err, batch.failErr) {
		t.Fatalf("expected fail error, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on fail error")
	}
	if batch.committed {
		t.Fatalf("expected no commit on fail error")
	}
}

func TestRelayProcessBatchCommitErrorRollback(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}, commitErr: errors.New("commit fail")}
	batch.rollErr = errors.New("rollback fail")
	relay := NewRelay(staticFeed{}, noopHandler())

	err := relay.processBatch(context.Background(), batch)
	if !errors.Is(err, batch.commitErr) || !errors.Is(err, batch.rollErr) {
		t.Fatalf("expected commit and rollback errors, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on commit error")
	}
}

func TestRelayProcessBatchDeadClassifier(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1), testChange(2)}}
	metrics := &captureMetrics{}
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(_ context.Context, change Change) error {
		if change.ID == (uuid.UUID{2}) {
			return errors.New("boom")
		}
		return nil
	}), WithFailureClassifier(func(context.Context, Change, error) FailureAction {
		return FailureDead
	}), WithRelayMetrics(metrics))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.dead) != 1 {
		t.Fatalf("expected 1 dead failure, got %d", len(batch.dead))
	}
	if len(batch.failures) != 0 {
		t.Fatalf("expected no retry failures, got %d", len(batch.failures))
	}
	if len(batch.ackIDs) != 1 {
		t.Fatalf("expected 1 ack id, got %d", len(batch.ackIDs))
	}
	if metrics.dead != 1 {
		t.Fatalf("expected dead metric, got %d", metrics.dead)
	}
}

func TestRelayProcessBatchDeadFallback(t *testing.T) {
	batch := &fakeBatchNoDead{changes: []Change{testChange(1)}}
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(context.Context, Change) error {
		return errors.New("boom")
	}), WithFailureClassifier(func(context.Context, Change, error) FailureAction {
		return FailureDead
	}))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.failures) != 1 {
		t.Fatalf("expected 1 failure fallback, got %d", len(batch.failures))
	}
	if !batch.committed {
		t.Fatalf("expected commit")
	}
}

func TestRelayHandlerTimeoutApplied(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}}
	deadlineCh := make(chan time.Time, 1)
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(ctx context.Context, _ Change) error {
		deadline, _ := ctx.Deadline()
		deadlineCh <- deadline
		return nil
	}), WithHandlerTimeout(10*time.Millisecond))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if deadline := <-deadlineCh; deadline.IsZero() {
		t.Fatalf("expected handler deadline")
	}
}

func TestRelayProcessOnceNoChanges(t *testing.T) {
	relay := NewRelay(staticFeed{err: ErrNoChanges}, noopHandler())
	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected no batch")
	}
}

func TestRelayRunContextCancel(t *testing.T) {
	relay := NewRelay(staticFeed{err: ErrNoChanges}, noopHandler(), WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := relay.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRelayRunCancelsOtherWorkers(t *testing.T) {
	feed := &cancelFeed{
		started:  make(chan struct{}, 2),
		allowErr: make(chan struct{}, 1),
		err:      errors.New("boom"),
	}
	relay := NewRelay(feed, noopHandler(), WithWorkers(2))

	errCh := make(chan error, 1)
	go func() {
		errCh <- relay.Run(context.Background())
	}()

	<-feed.started
	<-feed.started
	feed.allowErr <- struct{}{}

	err := <-errCh
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if atomic.LoadInt32(&feed.canceled) != 1 {
		t.Fatalf("expected other worker to observe cancellation")
	}
}

func TestRelayProcessBatchContextCanceled(t *testing.T) {
	batch := &fakeBatch{changes: []Change{testChange(1)}}
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(ctx context.Context, _ Change) error {
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := relay.processBatch(ctx, batch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if !batch.rolled || batch.committed {
		t.Fatalf("expected rollback without commit on context cancel")
	}
	if len(batch.ackIDs) != 0 || len(batch.failures) != 0 {
		t.Fatalf("expected no ack/fail on context cancel")
	}
}

func TestRelayProcessBatchEmpty(t *testing.T) {
	batch := &fakeBatch{}
	relay := NewRelay(staticFeed{}, noopHandler())

	err := relay.processBatch(context.Background(), batch)
	if !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected ErrEmptyBatch, got %v", err)
	}
	if !batch.rolled {
		t.Fatalf("expected rollback on empty batch")
	}
}

func TestRelayProcessBatchNil(t *testing.T) {
	relay := NewRelay(staticFeed{}, noopHandler())

	err := relay.processBatch(context.Background(), nil)
	if !errors.Is(err, ErrNilBatch) {
		t.Fatalf("expected ErrNilBatch, got %v", err)
	}
}

func TestRelayWindowApplied(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	window := 2 * time.Hour
	feed := &captureFeed{}
	relay := NewRelay(feed, noopHandler(), WithRelayClock(ClockFunc(func() time.Time { return now })), WithWindow(window))

	ok, err := relay.ProcessOnce(context.Background())
	if err != nil {
		t.Fatalf("process once: %v", err)
	}
	if ok {
		t.Fatalf("expected no batch")
	}
	if expected := now.Add(-window); !feed.opts.MinCreatedAt.Equal(expected) {
		t.Fatalf("expected MinCreatedAt %v, got %v", expected, feed.opts.MinCreatedAt)
	}
	if feed.opts.BatchSize != defaultBatchSize {
		t.Fatalf("expected default batch size, got %d", feed.opts.BatchSize)
	}
}

func TestRelayPendingCountDisabledByDefault(t *testing.T) {
	feed := &pendingFeed{count: 10}
	metrics := &captureMetrics{}
	relay := NewRelay(feed, noopHandler(), WithRelayMetrics(metrics))

	relay.samplePending(context.Background())

	if feed.calls != 0 {
		t.Fatalf("expected no pending count calls, got %d", feed.calls)
	}
	if metrics.pendingCalls != 0 {
		t.Fatalf("expected no pending metric updates, got %d", metrics.pendingCalls)
	}
}

func TestRelayPendingCountEnabled(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := &sequenceClock{times: []time.Time{now, now, now.Add(time.Second)}}
	feed := &pendingFeed{count: 42}
	metrics := &captureMetrics{}
	relay := NewRelay(
		feed,
		noopHandler(),
		WithRelayClock(clock),
		WithRelayMetrics(metrics),
		WithPendingInterval(time.Second),
	)

	relay.samplePending(context.Background())
	relay.samplePending(context.Background())
	relay.samplePending(context.Background())

	if feed.calls != 2 {
		t.Fatalf("expected 2 pending count calls, got %d", feed.calls)
	}
	if metrics.pendingCalls != 2 {
		t.Fatalf("expected 2 pending metric updates, got %d", metrics.pendingCalls)
	}
	if metrics.pending != 42 {
		t.Fatalf("expected pending count 42, got %d", metrics.pending)
	}
}

func TestRelayDrivesMachine(t *testing.T) {
	backend := newFakeBackend()
	doc := docIn(StatePending)
	backend.set(doc)
	deliver := &countingDeliverer{result: "sent"}
	m := newTestMachine(backend)

	change := updated(doc)
	batch := &fakeBatch{changes: []Change{change, change}}
	relay := NewRelay(staticFeed{batch: batch}, m.Handler(deliver))

	if _, err := relay.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("process once: %v", err)
	}
	m.Wait()

	if len(batch.ackIDs) != 2 {
		t.Fatalf("expected both notifications to be acked, got %d", len(batch.ackIDs))
	}
	if deliver.calls.Load() != 1 {
		t.Fatalf("expected duplicate notification to run once, got %d", deliver.calls.Load())
	}
	if backend.get(testRef).State() != StateSuccess {
		t.Fatalf("expected SUCCESS")
	}
}

func TestDocumentGroups(t *testing.T) {
	a := Ref{Collection: "mail", ID: "a"}
	b := Ref{Collection: "mail", ID: "b"}
	other := Ref{Collection: "sms", ID: "a"}
	changes := []Change{
		documentChange(b, 1),
		documentChange(a, 2),
		documentChange(b, 3),
		documentChange(other, 4),
		documentChange(a, 5),
	}

	groups := documentGroups(changes)
	want := [][]byte{{1, 3}, {2, 5}, {4}}
	if len(groups) != len(want) {
		t.Fatalf("expected %d groups, got %d", len(want), len(groups))
	}
	for i, group := range groups {
		var ids []byte
		for _, change := range group {
			if change.Ref != group[0].Ref {
				t.Fatalf("group %d mixes %v and %v", i, group[0].Ref, change.Ref)
			}
			ids = append(ids, change.ID[0])
		}
		if string(ids) != string(want[i]) {
			t.Fatalf("group %d: expected %v, got %v", i, want[i], ids)
		}
	}
}

func TestRelayHoldsBackLaterChangesOfFailedDocument(t *testing.T) {
	a := Ref{Collection: "mail", ID: "a"}
	b := Ref{Collection: "mail", ID: "b"}
	changes := []Change{documentChange(a, 1), documentChange(b, 2), documentChange(a, 3), documentChange(b, 4)}
	batch := &fakeBatch{changes: changes}
	metrics := &captureMetrics{}

	var handled []byte
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(_ context.Context, change Change) error {
		handled = append(handled, change.ID[0])
		if change.ID[0] == 1 {
			return errors.New("conflict")
		}
		return nil
	}), WithRelayMetrics(metrics))

	outcome, err := relay.handleBatch(context.Background(), changes)
	if err != nil {
		t.Fatalf("handle batch: %v", err)
	}
	if outcome.heldBack != 1 {
		t.Fatalf("expected 1 held back change, got %d", outcome.heldBack)
	}

	handled = nil
	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if string(handled) != string([]byte{1, 2, 4}) {
		t.Fatalf("expected change 3 to be skipped, handled %v", handled)
	}
	if len(batch.failures) != 1 || batch.failures[0].ID != (uuid.UUID{1}) {
		t.Fatalf("expected change 1 to fail, got %v", batch.failures)
	}
	if len(batch.ackIDs) != 2 || batch.ackIDs[0] != (uuid.UUID{2}) || batch.ackIDs[1] != (uuid.UUID{4}) {
		t.Fatalf("expected changes 2 and 4 to be acked, got %v", batch.ackIDs)
	}
	if !batch.committed {
		t.Fatalf("expected commit so the held back change stays pending")
	}
	if metrics.processed != 2 || metrics.retries != 1 {
		t.Fatalf("unexpected metrics: processed=%d retries=%d", metrics.processed, metrics.retries)
	}
}

func TestRelayHoldsBackBehindDeadChange(t *testing.T) {
	changes := []Change{documentChange(testRef, 1), documentChange(testRef, 2)}
	batch := &fakeBatch{changes: changes}
	relay := NewRelay(staticFeed{}, ChangeHandlerFunc(func(context.Context, Change) error {
		return errors.New("boom")
	}), WithFailureClassifier(func(context.Context, Change, error) FailureAction {
		return FailureDead
	}))

	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.dead) != 1 || batch.dead[0].ID != (uuid.UUID{1}) {
		t.Fatalf("expected only change 1 to be dead, got %v", batch.dead)
	}
	if len(batch.ackIDs) != 0 || len(batch.failures) != 0 {
		t.Fatalf("expected change 2 to stay pending, acked=%v failed=%v", batch.ackIDs, batch.failures)
	}
}

func TestRelayHandlesDocumentsConcurrently(t *testing.T) {
	docs := []Ref{{Collection: "mail", ID: "a"}, {Collection: "mail", ID: "b"}, {Collection: "mail", ID: "c"}}
	var changes []Change
	for round := 0; round < 3; round++ {
		for i, ref := range docs {
			changes = append(changes, documentChange(ref, byte(round*len(docs)+i+1)))
		}
	}

	// Each document's first change waits for the others, which only happens in parallel.
	var arrived sync.WaitGroup
	arrived.Add(len(docs))
	allArrived := make(chan struct{})
	go func() {
		arrived.Wait()
		close(allArrived)
	}()

	var (
		mu   sync.Mutex
		seen = make(map[Ref][]byte)
	)
	handler := ChangeHandlerFunc(func(_ context.Context, change Change) error {
		if int(change.ID[0]) <= len(docs) {
			arrived.Done()
			select {
			case <-allArrived:
			case <-time.After(5 * time.Second):
				return errors.New("documents were not handled concurrently")
			}
		}
		mu.Lock()
		seen[change.Ref] = append(seen[change.Ref], change.ID[0])
		mu.Unlock()
		return nil
	})

	batch := &fakeBatch{changes: changes}
	relay := NewRelay(staticFeed{}, handler, WithDocumentParallelism(len(docs)))
	if err := relay.processBatch(context.Background(), batch); err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if len(batch.ackIDs) != len(changes) {
		t.Fatalf("expected %d acks, got %d (failures %v)", len(changes), len(batch.ackIDs), batch.failures)
	}
	for i, ref := range docs {
		want := []byte{byte(i + 1), byte(i + 4), byte(i + 7)}
		if string(seen[ref]) != string(want) {
			t.Fatalf("document %s: expected order %v, got %v", ref.ID, want, seen[ref])
		}
	}
}

func TestRelayDocumentParallelismDefault(t *testing.T) {
	relay := NewRelay(staticFeed{}, noopHandler())
	if relay.cfg.DocumentParallelism != 1 {
		t.Fatalf("expected documents to be handled one at a time, got %d", relay.cfg.DocumentParallelism)
	}
}
