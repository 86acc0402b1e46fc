package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/velmie/delivery"
)

const defaultRedeliveries = 3

// Config defines memory store behavior.
type Config struct {
	Clock        delivery.Clock
	Logger       delivery.Logger
	Redeliveries int
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = delivery.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = delivery.NopLogger{}
	}
	if c.Redeliveries <= 0 {
		c.Redeliveries = defaultRedeliveries
	}

	return c
}

// Option configures the memory store.
type Option func(*Config)

// WithClock sets the clock used to timestamp changes.
func WithClock(clock delivery.Clock) Option {
	return func(c *Config) {
		c.Clock = clock
	}
}

// WithLogger sets the store logger.
func WithLogger(logger delivery.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithRedeliveries sets how many times a failed notification is handed to a watcher.
func WithRedeliveries(n int) Option {
	return func(c *Config) {
		c.Redeliveries = n
	}
}

type entry struct {
	doc     delivery.Document
	version uint64
}

type watcher struct {
	ctx     context.Context
	handler delivery.ChangeHandler
}

// Store is an in-memory document store with change notifications.
type Store struct {
	mu       sync.Mutex
	docs     map[delivery.Ref]entry
	seq      uint64
	watchers map[string]map[uint64]watcher
	nextW    uint64
	cfg      Config
	inflight *counter
	tx       *delivery.Transactor
}

var (
	_ delivery.Backend      = (*Store)(nil)
	_ delivery.Watcher      = (*Store)(nil)
	_ delivery.LeaseScanner = (*Store)(nil)
)

// New constructs an empty store.
func New(opts ...Option) *Store {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Store{
		docs:     make(map[delivery.Ref]entry),
		watchers: make(map[string]map[uint64]watcher),
		cfg:      cfg.withDefaults(),
		inflight: newCounter(),
	}
	s.tx = delivery.NewTransactor(s, delivery.TxConfig{Logger: s.cfg.Logger})

	return s
}

type memTx struct {
	doc    delivery.Document
	exists bool
	put    *delivery.Document
}

func (t *memTx) Get(context.Context) (delivery.Document, bool, error) {
	if !t.exists {
		return delivery.Document{}, false, nil
	}

	return t.doc.Clone(), true, nil
}

func (t *memTx) Put(_ context.Context, doc delivery.Document) error {
	doc = doc.Clone()
	t.put = &doc

	return nil
}

// RunTx implements delivery.Backend.
func (s *Store) RunTx(ctx context.Context, ref delivery.Ref, fn delivery.TxFunc) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	cur, exists := s.docs[ref]
	s.mu.Unlock()

	tx := &memTx{doc: cur.doc, exists: exists}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if tx.put == nil {
		return nil
	}
	tx.put.Ref = ref

	return s.commit(ref, cur.version, tx.put)
}

// commit applies doc when the document is still at version; after == nil deletes it.
func (s *Store) commit(ref delivery.Ref, version uint64, after *delivery.Document) error {
	s.mu.Lock()
	cur, exists := s.docs[ref]
	if cur.version != version {
		s.mu.Unlock()

		return fmt.Errorf("memstore: %s changed concurrently: %w", ref, delivery.ErrConflict)
	}

	var before *delivery.Document
	if exists {
		b := cur.doc.Clone()
		before = &b
	}
	if after == nil {
		delete(s.docs, ref)
	} else {
		s.seq++
		s.docs[ref] = entry{doc: after.Clone(), version: s.seq}
	}
	change := delivery.NewChange(ref, before, cloneDoc(after), s.cfg.Clock.Now())
	s.notifyLocked(change)
	s.mu.Unlock()

	return nil
}

// Get returns a copy of the document.
func (s *Store) Get(_ context.Context, ref delivery.Ref) (delivery.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[ref]
	if !ok {
		return delivery.Document{}, fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
	}

	return cur.doc.Clone(), nil
}

// Create inserts a new document with the given payload and no delivery state.
func (s *Store) Create(ctx context.Context, ref delivery.Ref, payload []byte) error {
	return s.tx.Transact(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		_, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("%w: %s", delivery.ErrAlreadyExists, ref)
		}

		return tx.Put(ctx, delivery.Document{Ref: ref, Payload: payload})
	})
}

// Update applies fn to the current document and commits the result.
func (s *Store) Update(ctx context.Context, ref delivery.Ref, fn func(doc *delivery.Document) error) error {
	return s.tx.Transact(ctx, ref, func(ctx context.Context, tx delivery.Tx) error {
		doc, ok, err := tx.Get(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
		}
		if err := fn(&doc); err != nil {
			return err
		}

		return tx.Put(ctx, doc)
	})
}

// Delete removes the document and notifies watchers.
func (s *Store) Delete(_ context.Context, ref delivery.Ref) error {
	s.mu.Lock()
	cur, ok := s.docs[ref]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", delivery.ErrNotFound, ref)
	}

	return s.commit(ref, cur.version, nil)
}

// Watch pushes changes of collection to handler until ctx ends.
func (s *Store) Watch(ctx context.Context, collection string, handler delivery.ChangeHandler) error {
	cancel, err := s.Subscribe(ctx, collection, handler)
	if err != nil {
		return err
	}
	defer cancel()

	<-ctx.Done()

	return nil
}

// Subscribe registers handler for changes of collection and returns without blocking.
// Handlers receive ctx; the returned func unregisters the handler.
func (s *Store) Subscribe(ctx context.Context, collection string, handler delivery.ChangeHandler) (func(), error) {
	if handler == nil {
		return nil, errors.New("memstore: nil ChangeHandler")
	}

	s.mu.Lock()
	s.nextW++
	id := s.nextW
	if s.watchers[collection] == nil {
		s.watchers[collection] = make(map[uint64]watcher)
	}
	s.watchers[collection][id] = watcher{ctx: ctx, handler: handler}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.watchers[collection], id)
		s.mu.Unlock()
	}, nil
}

// Replay hands change to the watchers again, as a store redelivering a notification would.
func (s *Store) Replay(change delivery.Change) {
	s.mu.Lock()
	s.notifyLocked(change)
	s.mu.Unlock()
}

// Wait blocks until every notification dispatched so far has been handled.
func (s *Store) Wait() {
	s.inflight.wait()
}

// ExpiredLeases implements delivery.LeaseScanner.
func (s *Store) ExpiredLeases(_ context.Context, collection string, now time.Time, limit int) ([]delivery.Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []delivery.Ref
	for ref, cur := range s.docs {
		if ref.Collection != collection || cur.doc.State() != delivery.StateProcessing {
			continue
		}
		lease := cur.doc.Delivery.LeaseExpireTime
		if lease == nil || !now.Before(*lease) {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}

	return refs, nil
}

func (s *Store) notifyLocked(change delivery.Change) {
	for _, w := range s.watchers[change.Ref.Collection] {
		s.inflight.add()
		go s.dispatch(w, change)
	}
}

func (s *Store) dispatch(w watcher, change delivery.Change) {
	defer s.inflight.done()

	for attempt := 0; attempt < s.cfg.Redeliveries; attempt++ {
		if w.ctx.Err() != nil {
			return
		}
		change.Attempts = attempt
		err := w.handler.HandleChange(w.ctx, change)
		if err == nil {
			return
		}
		s.cfg.Logger.Warn("memstore change handler failed",
			"collection", change.Ref.Collection, "id", change.Ref.ID, "change", change.ID, "attempt", attempt+1, "err", err)
	}
	s.cfg.Logger.Error("memstore change dropped after redeliveries",
		"collection", change.Ref.Collection, "id", change.Ref.ID, "change", change.ID)
}

func cloneDoc(doc *delivery.Document) *delivery.Document {
	if doc == nil {
		return nil
	}
	out := doc.Clone()

	return &out
}

// counter tracks in-flight dispatches. Unlike sync.WaitGroup it may be incremented from zero
// while another goroutine waits.
type counter struct {
	mu   sync.Mutex
	cond *sync.Cond
	n    int
}

func newCounter() *counter {
	c := &counter{}
	c.cond = sync.NewCond(&c.mu)

	return c
}

func (c *counter) add() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *counter) done() {
	c.mu.Lock()
	c.n--
	if c.n == 0 {
		c.cond.Broadcast()
	}
	c.mu.Unlock()
}

func (c *counter) wait() {
	c.mu.Lock()
	for c.n > 0 {
		c.cond.Wait()
	}
	c.mu.Unlock()
}
