package delivery

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	defaultTxAttempts   = 10
	defaultTxBaseDelay  = 5 * time.Millisecond
	defaultTxMaxDelay   = 500 * time.Millisecond
	txBackoffMultiplier = 2
)

// Tx is an atomic read-modify-write transaction on a single document.
type Tx interface {
	// Get returns the document as seen by the transaction. ok is false when it does not exist.
	Get(ctx context.Context) (doc Document, ok bool, err error)
	// Put replaces the document. The write is applied when the transaction commits.
	Put(ctx context.Context, doc Document) error
}

// TxFunc is the body of a document transaction. Returning an error aborts it.
type TxFunc func(ctx context.Context, tx Tx) error

// Backend runs single-document transactions against a document store.
type Backend interface {
	// RunTx executes fn once. It returns ErrConflict (possibly wrapped) when a concurrent
	// write to the same document invalidated the transaction; nothing is applied then.
	RunTx(ctx context.Context, ref Ref, fn TxFunc) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, ref Ref, fn TxFunc) error

// RunTx implements Backend.
func (f BackendFunc) RunTx(ctx context.Context, ref Ref, fn TxFunc) error {
	return f(ctx, ref, fn)
}

// TxConfig controls conflict retries.
type TxConfig struct {
	MaxAttempts int
	// BaseDelay is the first backoff step. Negative disables backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Metrics   Metrics
	Logger    Logger
}

func (c TxConfig) withDefaults() TxConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultTxAttempts
	}
	if c.BaseDelay == 0 {
		c.BaseDelay = defaultTxBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultTxMaxDelay
	}
	if c.Metrics == nil {
		c.Metrics = NopMetrics{}
	}
	if c.Logger == nil {
		c.Logger = NopLogger{}
	}

	return c
}

// Transactor retries document transactions that lose an optimistic conflict.
type Transactor struct {
	backend Backend
	cfg     TxConfig
}

// NewTransactor wraps backend with conflict retries.
func NewTransactor(backend Backend, cfg TxConfig) *Transactor {
	if backend == nil {
		panic("delivery: nil Backend")
	}

	return &Transactor{backend: backend, cfg: cfg.withDefaults()}
}

// Transact runs fn against ref, re-running it from a fresh read after each conflict.
// Errors other than ErrConflict, including those returned by fn, end the loop immediately.
func (t *Transactor) Transact(ctx context.Context, ref Ref, fn TxFunc) error {
	if err := ref.Validate(); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt < t.cfg.MaxAttempts; attempt++ {
		err = t.backend.RunTx(ctx, ref, fn)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		t.cfg.Metrics.AddConflicts(1)
		t.cfg.Logger.Debug("delivery transaction conflict", refArgs(ref, "attempt", attempt+1)...)
		if attempt+1 == t.cfg.MaxAttempts {
			break
		}
		if sleepErr := sleep(ctx, t.backoff(attempt)); sleepErr != nil {
			return sleepErr
		}
	}

	return fmt.Errorf("delivery transaction on %s gave up after %d attempts: %w", ref, t.cfg.MaxAttempts, err)
}

// backoff grows exponentially from BaseDelay, is capped at MaxDelay and jittered to 80-120%.
func (t *Transactor) backoff(attempt int) time.Duration {
	if t.cfg.BaseDelay < 0 {
		return 0
	}
	delay := float64(t.cfg.BaseDelay) * math.Pow(txBackoffMultiplier, float64(attempt))
	if delay > float64(t.cfg.MaxDelay) {
		delay = float64(t.cfg.MaxDelay)
	}

	return time.Duration(delay*0.8 + rand.Float64()*0.4*delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
